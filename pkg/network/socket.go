// Общие утилиты UDP сокета для голосового трафика
//
// Сокет один на звонок: Sender пишет в него через WriteTo, Receiver читает.
// Оптимизации (размеры буферов, DSCP, приоритет) применяются при создании и
// зависят от платформы (см. socket_*.go).
package network

import (
	"fmt"
	"net"
	"time"
)

const (
	// DefaultBufferSize размер буфера чтения (MTU Ethernet)
	DefaultBufferSize = 1500

	// DefaultReceiveTimeout период опроса флага остановки при блокирующем чтении
	DefaultReceiveTimeout = 100 * time.Millisecond

	// VoiceOptimizedRecvBuffer размер SO_RCVBUF для голоса
	VoiceOptimizedRecvBuffer = 65535

	// VoiceOptimizedSendBuffer размер SO_SNDBUF для голоса
	VoiceOptimizedSendBuffer = 65535

	// DSCP значения согласно RFC 4594
	DSCPExpeditedForwarding = 46 // EF для интерактивного аудио
	DSCPBestEffort          = 0
)

// SocketConfig параметры UDP сокета звонка
type SocketConfig struct {
	LocalAddr    string // Локальный адрес для привязки
	BufferSize   int    // Размер буфера чтения
	DSCP         int    // DSCP маркировка (0 = не устанавливать)
	ReusePort    bool   // SO_REUSEPORT
	BindToDevice string // Привязка к интерфейсу (только Linux)
}

// DefaultSocketConfig возвращает конфигурацию для голоса по умолчанию
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		LocalAddr:  "0.0.0.0:0",
		BufferSize: DefaultBufferSize,
		DSCP:       DSCPExpeditedForwarding,
	}
}

// ApplyDefaults заполняет незаданные поля
func (c *SocketConfig) ApplyDefaults() {
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
}

// Validate проверяет конфигурацию сокета
func (c *SocketConfig) Validate() error {
	if c.LocalAddr == "" {
		return fmt.Errorf("локальный адрес обязателен")
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("размер буфера не может быть отрицательным")
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return fmt.Errorf("DSCP должен быть в диапазоне 0-63")
	}
	return nil
}

// ListenUDP создает UDP сокет звонка с оптимизациями для голоса
func ListenUDP(config SocketConfig) (*net.UDPConn, error) {
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("неверная конфигурация сокета: %w", err)
	}

	localAddr, err := ResolveUDPAddr(config.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка локального адреса: %w", err)
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP сокета: %w", err)
	}

	if err := setSockOptForVoice(conn, config); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка применения голосовых оптимизаций: %w", err)
	}

	return conn, nil
}

// ResolveUDPAddr разрешает адрес с проверкой на пустую строку
func ResolveUDPAddr(addr string) (*net.UDPAddr, error) {
	if addr == "" {
		return nil, fmt.Errorf("адрес не может быть пустым")
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения UDP адреса '%s': %w", addr, err)
	}
	return udpAddr, nil
}

func setSockOptForVoice(conn *net.UDPConn, config SocketConfig) error {
	if err := setBuffers(conn, config.BufferSize); err != nil {
		return fmt.Errorf("ошибка установки буферов: %w", err)
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("не удалось получить системный сокет: %w", err)
	}

	var sockOptErr error
	err = rawConn.Control(func(fd uintptr) {
		sockOptErr = applySockOptForVoice(int(fd), config)
	})
	if err != nil {
		return fmt.Errorf("ошибка управления сокетом: %w", err)
	}
	return sockOptErr
}

func applySockOptForVoice(fd int, config SocketConfig) error {
	if config.DSCP > 0 {
		if err := setSockOptDSCP(fd, config.DSCP); err != nil {
			return fmt.Errorf("ошибка установки DSCP: %w", err)
		}
	}

	if config.ReusePort {
		if err := setSockOptReusePort(fd); err != nil {
			return fmt.Errorf("ошибка установки SO_REUSEPORT: %w", err)
		}
	}

	if config.BindToDevice != "" {
		if err := setSockOptBindToDevice(fd, config.BindToDevice); err != nil {
			return fmt.Errorf("ошибка привязки к устройству %s: %w", config.BindToDevice, err)
		}
	}

	setSockOptVoicePriority(fd)
	return nil
}

func setBuffers(conn *net.UDPConn, bufferSize int) error {
	recvBufSize := VoiceOptimizedRecvBuffer
	sendBufSize := VoiceOptimizedSendBuffer

	if bufferSize > DefaultBufferSize {
		recvBufSize = bufferSize * 4
		sendBufSize = bufferSize * 2
	}

	if err := conn.SetReadBuffer(recvBufSize); err != nil {
		return fmt.Errorf("SO_RCVBUF (%d): %w", recvBufSize, err)
	}
	if err := conn.SetWriteBuffer(sendBufSize); err != nil {
		return fmt.Errorf("SO_SNDBUF (%d): %w", sendBufSize, err)
	}
	return nil
}
