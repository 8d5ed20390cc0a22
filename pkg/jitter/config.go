package jitter

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/securevoice/pkg/codec"
	"github.com/arzzra/securevoice/pkg/rtp"
)

const (
	// DefaultMinDelayFrames начальная и минимальная целевая задержка
	DefaultMinDelayFrames = 2

	// DefaultMaxDelayFrames глубина, выше которой буфер ускоряется
	DefaultMaxDelayFrames = 10

	// DefaultMaxPackets жесткий предел числа кадров в буфере
	DefaultMaxPackets = 50

	// DefaultRebufferAfter после стольких маскировок подряд буфер снова накапливается
	DefaultRebufferAfter = 10

	// DefaultTicksPerSecond тик звонка это миллисекунда
	DefaultTicksPerSecond = 1000
)

// StatsHandler получает снимок статистики из фоновой горутины
type StatsHandler func(Statistics)

// Config параметры jitter buffer
type Config struct {
	Decoder      codec.Decoder   // Декодер, принадлежащий буферу
	PayloadType  rtp.PayloadType // Формат, который понимает Decoder; прочие пакеты отвергаются
	FrameSamples int             // Отсчетов в кадре (по умолчанию codec.FrameSamples)
	ClockRate    uint32          // Частота RTP timestamp (по умолчанию 8000)

	MinDelayFrames int // Нижняя граница целевой задержки
	MaxDelayFrames int // Верхняя граница; при большей глубине старые кадры выбрасываются
	MaxPackets     int // Емкость буфера
	RebufferAfter  int // Маскировок подряд до повторного накопления

	TicksPerSecond uint64 // Единица тиков Insert

	StatsInterval time.Duration // Период вызова StatsHandler
	StatsHandler  StatsHandler  // nil = фоновая статистика не запускается

	Logger logrus.FieldLogger
}

// DefaultConfig возвращает конфигурацию для 20 мс кадров 8 кГц
func DefaultConfig() Config {
	return Config{
		FrameSamples:   codec.FrameSamples,
		ClockRate:      codec.SampleRate,
		MinDelayFrames: DefaultMinDelayFrames,
		MaxDelayFrames: DefaultMaxDelayFrames,
		MaxPackets:     DefaultMaxPackets,
		RebufferAfter:  DefaultRebufferAfter,
		TicksPerSecond: DefaultTicksPerSecond,
		StatsInterval:  time.Second,
	}
}

// ApplyDefaults заполняет незаданные поля
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.FrameSamples == 0 {
		c.FrameSamples = d.FrameSamples
	}
	if c.ClockRate == 0 {
		c.ClockRate = d.ClockRate
	}
	if c.MinDelayFrames == 0 {
		c.MinDelayFrames = d.MinDelayFrames
	}
	if c.MaxDelayFrames == 0 {
		c.MaxDelayFrames = d.MaxDelayFrames
	}
	if c.MaxPackets == 0 {
		c.MaxPackets = d.MaxPackets
	}
	if c.RebufferAfter == 0 {
		c.RebufferAfter = d.RebufferAfter
	}
	if c.TicksPerSecond == 0 {
		c.TicksPerSecond = d.TicksPerSecond
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = d.StatsInterval
	}
}

// Validate проверяет согласованность параметров
func (c *Config) Validate() error {
	if c.Decoder == nil {
		return errors.New("jitter: декодер обязателен")
	}
	if c.FrameSamples <= 0 {
		return errors.New("jitter: размер кадра должен быть положительным")
	}
	if c.MinDelayFrames < 1 {
		return errors.New("jitter: минимальная задержка не меньше одного кадра")
	}
	if c.MaxDelayFrames < c.MinDelayFrames {
		return errors.New("jitter: максимальная задержка меньше минимальной")
	}
	if c.MaxPackets < c.MaxDelayFrames {
		return errors.New("jitter: емкость меньше максимальной задержки")
	}
	if c.RebufferAfter < 1 {
		return errors.New("jitter: порог повторного накопления должен быть положительным")
	}
	if c.StatsInterval < 0 {
		return errors.New("jitter: период статистики не может быть отрицательным")
	}
	return nil
}
