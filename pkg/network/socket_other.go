//go:build !linux

package network

import "fmt"

func setSockOptReusePort(fd int) error {
	return fmt.Errorf("SO_REUSEPORT не поддерживается на этой платформе")
}

func setSockOptBindToDevice(fd int, device string) error {
	return fmt.Errorf("привязка к устройству поддерживается только на Linux")
}

func setSockOptVoicePriority(fd int) {}

// setSockOptDSCP маркировка QoS не критична для звонка, на прочих платформах пропускается
func setSockOptDSCP(fd, dscp int) error {
	return nil
}
