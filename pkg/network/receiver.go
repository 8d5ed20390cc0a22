package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/securevoice/pkg/rtp"
	"github.com/arzzra/securevoice/pkg/srtp"
)

// ReceiverConfig конфигурация получателя аудио пакетов
type ReceiverConfig struct {
	Conn           net.PacketConn        // Сокет звонка
	Parameters     srtp.StreamParameters // Ключи направления приема
	BufferSize     int                   // Размер буфера чтения
	ReceiveTimeout time.Duration         // Период проверки отмены при чтении
	Logger         logrus.FieldLogger    // nil = logrus.StandardLogger()
}

// ReceiverStatistics статистика получателя
type ReceiverStatistics struct {
	PacketsReceived   uint64 // Прошли проверку и расшифрованы
	BytesReceived     uint64
	MalformedPackets  uint64
	AuthFailures      uint64
	TransportErrors   uint64
	LastLogicalNumber int64
	LastReceive       time.Time
}

// Receiver читает датаграммы, проверяет MAC и расшифровывает их.
//
// Порядок обработки: размер, MAC, флаг аудио, разворачивание sequence, расшифровка.
// SequenceCounter обновляется только для пакетов с верным MAC, так что
// поддельные пакеты не сбивают предсказание логического номера.
type Receiver struct {
	conn           net.PacketConn
	stream         *srtp.Stream
	sequence       *rtp.SequenceCounter
	buffer         []byte
	receiveTimeout time.Duration
	logger         logrus.FieldLogger

	mutex       sync.Mutex
	initialized bool
	stats       ReceiverStatistics
}

// NewReceiver создает получатель; перед Receive нужен Init
func NewReceiver(config ReceiverConfig) (*Receiver, error) {
	if config.Conn == nil {
		return nil, fmt.Errorf("сокет обязателен")
	}
	if config.BufferSize == 0 {
		config.BufferSize = DefaultBufferSize
	}
	if config.BufferSize < rtp.MinPacketSize {
		return nil, fmt.Errorf("размер буфера %d меньше минимального пакета", config.BufferSize)
	}
	if config.ReceiveTimeout <= 0 {
		config.ReceiveTimeout = DefaultReceiveTimeout
	}

	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Receiver{
		conn:           config.Conn,
		stream:         srtp.NewStream(config.Parameters),
		sequence:       rtp.NewSequenceCounter(),
		buffer:         make([]byte, config.BufferSize),
		receiveTimeout: config.ReceiveTimeout,
		logger:         logger.WithField("component", "receiver"),
	}, nil
}

// Init инициализирует поток расшифровки направления приема
func (r *Receiver) Init() error {
	if err := r.stream.Init(); err != nil {
		return fmt.Errorf("инициализация получателя: %w", err)
	}

	r.mutex.Lock()
	r.initialized = true
	r.mutex.Unlock()
	return nil
}

// Receive блокируется до прихода проверенного пакета, отмены ctx или закрытия сокета.
//
// Испорченные, поддельные и слишком короткие пакеты возвращаются как ошибки
// ErrMalformedPacket / ErrAuthenticationFailed: вызывающий логирует их и продолжает.
// После отмены возвращается ctx.Err(), после закрытия сокета ошибка с IsClosed.
// Вызывается из одной горутины.
func (r *Receiver) Receive(ctx context.Context) (*rtp.Packet, error) {
	r.mutex.Lock()
	initialized := r.initialized
	r.mutex.Unlock()

	if !initialized {
		return nil, ErrNotInitialized
	}

	n, err := r.read(ctx)
	if err != nil {
		return nil, err
	}

	if n < rtp.MinPacketSize {
		r.count(func(st *ReceiverStatistics) { st.MalformedPackets++ })
		r.logger.WithField("size", n).Debug("Отброшена короткая датаграмма")
		return nil, fmt.Errorf("%w: %d байт", ErrMalformedPacket, n)
	}

	packet, err := rtp.ParsePacket(r.buffer[:n])
	if err != nil {
		r.count(func(st *ReceiverStatistics) { st.MalformedPackets++ })
		return nil, fmt.Errorf("%w: %w", ErrMalformedPacket, err)
	}

	if err := r.stream.Verify(packet); err != nil {
		fields := logrus.Fields{
			"sequence": packet.SequenceNumber(),
			"size":     n,
		}
		if errors.Is(err, srtp.ErrMalformedPacket) {
			r.count(func(st *ReceiverStatistics) { st.MalformedPackets++ })
			r.logger.WithFields(fields).Debug("Отброшен пакет короче MAC")
			return nil, fmt.Errorf("%w: %w", ErrMalformedPacket, err)
		}

		r.count(func(st *ReceiverStatistics) { st.AuthFailures++ })
		r.logger.WithFields(fields).Warn("Отброшен пакет с неверным MAC")
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}

	if !packet.IsAudio() {
		r.count(func(st *ReceiverStatistics) { st.MalformedPackets++ })
		r.logger.WithField("flags", packet.Flags()).Debug("Отброшен пакет без флага аудио")
		return nil, fmt.Errorf("%w: флаги 0x%04x", ErrMalformedPacket, packet.Flags())
	}

	logical := r.sequence.ConvertNext(packet.SequenceNumber())

	if err := r.stream.DecryptPayload(packet, uint64(logical)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCrypto, err)
	}

	r.mutex.Lock()
	r.stats.PacketsReceived++
	r.stats.BytesReceived += uint64(n)
	r.stats.LastLogicalNumber = logical
	r.stats.LastReceive = time.Now()
	r.mutex.Unlock()

	return packet, nil
}

// read читает одну датаграмму, периодически проверяя отмену через read deadline
func (r *Receiver) read(ctx context.Context) (int, error) {
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		if err := r.conn.SetReadDeadline(time.Now().Add(r.receiveTimeout)); err != nil {
			return 0, classifyNetworkError("UDP set deadline", err)
		}

		n, _, err := r.conn.ReadFrom(r.buffer)
		if err == nil {
			return n, nil
		}

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			continue
		}

		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		classified := classifyNetworkError("UDP read", err)
		if !IsClosed(classified) {
			r.count(func(st *ReceiverStatistics) { st.TransportErrors++ })
			r.logger.WithError(err).Debug("Ошибка чтения сокета")
		}
		return 0, classified
	}
}

// Close закрывает сокет, прерывая блокирующий Receive
func (r *Receiver) Close() error {
	err := r.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Statistics возвращает снимок статистики
func (r *Receiver) Statistics() ReceiverStatistics {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.stats
}

func (r *Receiver) count(update func(*ReceiverStatistics)) {
	r.mutex.Lock()
	update(&r.stats)
	r.mutex.Unlock()
}
