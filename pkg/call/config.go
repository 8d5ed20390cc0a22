package call

import (
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/securevoice/pkg/audio"
	"github.com/arzzra/securevoice/pkg/codec"
	"github.com/arzzra/securevoice/pkg/jitter"
	"github.com/arzzra/securevoice/pkg/network"
	"github.com/arzzra/securevoice/pkg/rtp"
	"github.com/arzzra/securevoice/pkg/srtp"
)

// EngineFactory создает аудио движок при запуске звонка
type EngineFactory func() (audio.Engine, error)

// Config параметры звонка. Ключи и адреса приходят от сигнализации.
type Config struct {
	CallID string // Пусто = сгенерировать UUID

	// Conn сокет звонка; менеджер становится его владельцем и закрывает в Close
	Conn       net.PacketConn
	RemoteAddr net.Addr

	SendParameters    srtp.StreamParameters
	ReceiveParameters srtp.StreamParameters

	PayloadType rtp.PayloadType

	NewEngine        EngineFactory // nil = TickerEngine с тишиной
	EchoCancellation bool
	Echo             codec.SuppressorConfig

	Jitter         jitter.Config // Decoder и StatsHandler заполняет менеджер
	ReceiveTimeout time.Duration
	SendQueueSize  int

	Clock      Clock                 // nil = MonotonicClock; FrameClock продвигается выводом звонка
	Registerer prometheus.Registerer // nil = метрики не регистрируются
	Logger     logrus.FieldLogger
}

// ApplyDefaults заполняет незаданные поля
func (c *Config) ApplyDefaults() {
	if c.CallID == "" {
		c.CallID = uuid.NewString()
	}
	if c.NewEngine == nil {
		c.NewEngine = func() (audio.Engine, error) {
			return audio.NewTickerEngine(audio.TickerConfig{Logger: c.Logger})
		}
	}
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = network.DefaultReceiveTimeout
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = audio.DefaultQueueSize
	}
	if c.Clock == nil {
		c.Clock = NewMonotonicClock()
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	c.Jitter.ApplyDefaults()
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c.Conn == nil {
		return errors.New("сокет звонка обязателен")
	}
	if c.RemoteAddr == nil {
		return errors.New("адрес собеседника обязателен")
	}
	if c.SendParameters == c.ReceiveParameters {
		return errors.New("ключи отправки и приема должны различаться")
	}
	if c.ReceiveTimeout < 0 {
		return errors.New("период опроса приема не может быть отрицательным")
	}
	if c.SendQueueSize < 0 {
		return errors.New("размер очереди отправки не может быть отрицательным")
	}
	return nil
}
