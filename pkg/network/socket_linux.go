//go:build linux

package network

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func setSockOptReusePort(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

func setSockOptBindToDevice(fd int, device string) error {
	return unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, device)
}

// setSockOptVoicePriority поднимает приоритет сокета; в контейнерах может быть запрещено
func setSockOptVoicePriority(fd int) {
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PRIORITY, 6)
}

// setSockOptDSCP DSCP лежит в старших 6 битах TOS / Traffic Class.
// В контейнерах установка может быть запрещена, это не критично для звонка.
func setSockOptDSCP(fd, dscp int) error {
	tos := dscp << 2

	_ = unix.SetsockoptInt(fd, syscall.IPPROTO_IP, unix.IP_TOS, tos)
	_ = unix.SetsockoptInt(fd, syscall.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	return nil
}
