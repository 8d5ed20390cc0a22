package network

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/securevoice/pkg/rtp"
	"github.com/arzzra/securevoice/pkg/srtp"
)

// SenderConfig конфигурация отправителя аудио пакетов
type SenderConfig struct {
	Conn        net.PacketConn        // Сокет звонка
	RemoteAddr  net.Addr              // Адрес собеседника
	Parameters  srtp.StreamParameters // Ключи направления отправки
	PayloadType rtp.PayloadType       // Тип payload в flags
	Logger      logrus.FieldLogger    // nil = logrus.StandardLogger()
}

// SenderStatistics статистика отправителя
type SenderStatistics struct {
	PacketsSent  uint64
	BytesSent    uint64
	CryptoErrors uint64
	SendErrors   uint64
	LastSend     time.Time
}

// Sender превращает закодированный кадр в зашифрованную датаграмму и отправляет ее.
// Номер последовательности внутри 64-битный и не переполняется, поэтому на отправке
// он сразу используется как логический номер для IV.
type Sender struct {
	conn        net.PacketConn
	remoteAddr  net.Addr
	payloadType rtp.PayloadType
	stream      *srtp.Stream
	logger      logrus.FieldLogger

	mutex       sync.Mutex
	sequence    uint64
	initialized bool
	stats       SenderStatistics
}

// NewSender создает отправитель; перед Send нужен Init
func NewSender(config SenderConfig) (*Sender, error) {
	if config.Conn == nil {
		return nil, fmt.Errorf("сокет обязателен")
	}
	if config.RemoteAddr == nil {
		return nil, fmt.Errorf("адрес собеседника обязателен")
	}

	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Sender{
		conn:        config.Conn,
		remoteAddr:  config.RemoteAddr,
		payloadType: config.PayloadType,
		stream:      srtp.NewStream(config.Parameters),
		logger:      logger.WithField("component", "sender"),
	}, nil
}

// Init инициализирует поток шифрования направления отправки
func (s *Sender) Init() error {
	if err := s.stream.Init(); err != nil {
		return fmt.Errorf("инициализация отправителя: %w", err)
	}

	s.mutex.Lock()
	s.initialized = true
	s.mutex.Unlock()
	return nil
}

// Send упаковывает, шифрует и отправляет один закодированный кадр.
// Ошибки не повторяются: потерю кадра скрывает jitter buffer собеседника.
func (s *Sender) Send(timestamp uint32, encoded []byte) error {
	if len(encoded) > rtp.MaxEncodedFrameSize {
		return fmt.Errorf("кадр %d байт превышает максимум %d", len(encoded), rtp.MaxEncodedFrameSize)
	}

	s.mutex.Lock()
	if !s.initialized {
		s.mutex.Unlock()
		return ErrNotInitialized
	}
	sequence := s.sequence
	s.sequence++
	s.mutex.Unlock()

	packet := rtp.NewPacket(encoded, uint16(sequence), timestamp)
	packet.SetPayloadType(s.payloadType)

	if err := s.stream.Encrypt(packet, sequence); err != nil {
		s.countError(func(st *SenderStatistics) { st.CryptoErrors++ })
		s.logger.WithError(err).WithField("sequence", sequence).Error("Ошибка шифрования пакета")
		return fmt.Errorf("%w: %w", ErrCrypto, err)
	}

	n, err := s.conn.WriteTo(packet.Bytes(), s.remoteAddr)
	if err != nil {
		s.countError(func(st *SenderStatistics) { st.SendErrors++ })
		s.logger.WithError(err).WithField("sequence", sequence).Debug("Ошибка отправки пакета")
		return classifyNetworkError("UDP write", err)
	}

	s.mutex.Lock()
	s.stats.PacketsSent++
	s.stats.BytesSent += uint64(n)
	s.stats.LastSend = time.Now()
	s.mutex.Unlock()

	return nil
}

// Statistics возвращает снимок статистики
func (s *Sender) Statistics() SenderStatistics {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.stats
}

func (s *Sender) countError(update func(*SenderStatistics)) {
	s.mutex.Lock()
	update(&s.stats)
	s.mutex.Unlock()
}
