package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/sirupsen/logrus"
)

// TickerConfig конфигурация программного движка
type TickerConfig struct {
	FrameDuration time.Duration
	Source        Source // Что "слышит" микрофон; nil = тишина
	Sink          Sink   // Куда уходит воспроизведение; nil = отбрасывается
	Logger        logrus.FieldLogger
}

// TickerEngine программный движок: вызывает callback потоков по таймеру.
// Используется в CLI без звуковой карты и в тестах.
type TickerEngine struct {
	config TickerConfig
	logger logrus.FieldLogger

	mutex   sync.Mutex
	streams []*tickerStream
	closed  bool
}

// NewTickerEngine создает движок
func NewTickerEngine(config TickerConfig) (*TickerEngine, error) {
	if config.FrameDuration == 0 {
		config.FrameDuration = DefaultFrameDuration
	}
	if config.FrameDuration < 0 {
		return nil, fmt.Errorf("audio: отрицательный период кадра %v", config.FrameDuration)
	}
	if config.Source == nil {
		config.Source = SilenceSource{}
	}
	if config.Sink == nil {
		config.Sink = DiscardSink{}
	}

	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &TickerEngine{
		config: config,
		logger: logger.WithField("component", "ticker_engine"),
	}, nil
}

// OpenInput открывает поток захвата, читающий кадры из Source
func (e *TickerEngine) OpenInput(config StreamConfig, callback InputCallback) (Stream, error) {
	source := e.config.Source
	return e.open(config, "input", func(buf []int16) {
		source.Read(buf)
		callback(buf)
	})
}

// OpenOutput открывает поток воспроизведения, пишущий кадры в Sink
func (e *TickerEngine) OpenOutput(config StreamConfig, callback OutputCallback) (Stream, error) {
	sink := e.config.Sink
	return e.open(config, "output", func(buf []int16) {
		callback(buf)
		sink.Write(buf)
	})
}

func (e *TickerEngine) open(config StreamConfig, direction string, process func([]int16)) (Stream, error) {
	if config.FrameSamples <= 0 {
		return nil, fmt.Errorf("audio: размер кадра должен быть положительным")
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}

	stream := &tickerStream{
		period:  e.config.FrameDuration,
		buffer:  make([]int16, config.FrameSamples),
		process: process,
		logger:  e.logger.WithField("direction", direction),
	}
	e.streams = append(e.streams, stream)
	return stream, nil
}

// Close останавливает все потоки движка
func (e *TickerEngine) Close() error {
	e.mutex.Lock()
	if e.closed {
		e.mutex.Unlock()
		return nil
	}
	e.closed = true
	streams := e.streams
	e.streams = nil
	e.mutex.Unlock()

	for _, stream := range streams {
		_ = stream.Stop()
	}
	return nil
}

type tickerStream struct {
	period  time.Duration
	buffer  []int16
	process func([]int16)
	logger  logrus.FieldLogger

	mutex   sync.Mutex
	started bool
	stopped core.Fuse
	done    sync.WaitGroup
}

func (s *tickerStream) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.stopped.IsBroken() {
		return ErrStreamClosed
	}
	if s.started {
		return ErrStreamStarted
	}
	s.started = true

	s.done.Add(1)
	go s.run()

	s.logger.Debug("Поток запущен")
	return nil
}

func (s *tickerStream) run() {
	defer s.done.Done()

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopped.Watch():
			return
		case <-ticker.C:
			if s.stopped.IsBroken() {
				return
			}
			for i := range s.buffer {
				s.buffer[i] = 0
			}
			s.process(s.buffer)
		}
	}
}

func (s *tickerStream) Stop() error {
	s.mutex.Lock()
	wasBroken := s.stopped.IsBroken()
	s.stopped.Break()
	s.mutex.Unlock()

	s.done.Wait()

	if !wasBroken {
		s.logger.Debug("Поток остановлен")
	}
	return nil
}
