package audio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/securevoice/pkg/codec"
)

// FrameSender отправляет закодированный кадр; network.Sender удовлетворяет интерфейсу
type FrameSender interface {
	Send(timestamp uint32, encoded []byte) error
}

// CaptureConfig конфигурация цикла захвата
type CaptureConfig struct {
	Engine        Engine
	Encoder       codec.Encoder       // Кодер, принадлежащий циклу захвата
	EchoCanceller codec.EchoCanceller // nil = без подавления эха
	Sender        FrameSender
	FrameSamples  int // По умолчанию codec.FrameSamples
	QueueSize     int // По умолчанию DefaultQueueSize

	// InitialTimestamp RTP timestamp первого кадра
	InitialTimestamp uint32

	Logger logrus.FieldLogger
}

// CaptureStatistics статистика захвата
type CaptureStatistics struct {
	FramesCaptured uint64
	FramesSent     uint64
	FramesDropped  uint64 // Очередь отправки была полна
	EncodeErrors   uint64
	SendErrors     uint64
}

type encodedFrame struct {
	timestamp uint32
	payload   []byte
}

// CaptureLoop кодирует кадры микрофона и передает их в отправку.
// Callback движка только кодирует и кладет кадр в очередь без ожидания;
// отправкой занимается отдельная горутина.
type CaptureLoop struct {
	config CaptureConfig
	logger logrus.FieldLogger

	muted     atomic.Bool
	timestamp uint32 // Только из callback движка

	queue  chan encodedFrame
	stream Stream

	mutex   sync.Mutex
	state   loopState
	workers sync.WaitGroup

	statsMutex sync.Mutex
	stats      CaptureStatistics
}

type loopState int

const (
	loopCreated loopState = iota
	loopRunning
	loopStopped
)

// NewCaptureLoop создает цикл захвата
func NewCaptureLoop(config CaptureConfig) (*CaptureLoop, error) {
	if config.Engine == nil {
		return nil, errors.New("audio: движок обязателен")
	}
	if config.Encoder == nil {
		return nil, errors.New("audio: кодер обязателен")
	}
	if config.Sender == nil {
		return nil, errors.New("audio: отправитель обязателен")
	}
	if config.FrameSamples == 0 {
		config.FrameSamples = codec.FrameSamples
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}

	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &CaptureLoop{
		config:    config,
		logger:    logger.WithField("component", "capture"),
		timestamp: config.InitialTimestamp,
		queue:     make(chan encodedFrame, config.QueueSize),
	}, nil
}

// Start открывает поток ввода и запускает отправку
func (c *CaptureLoop) Start() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.state != loopCreated {
		return fmt.Errorf("audio: цикл захвата нельзя запустить повторно")
	}

	stream, err := c.config.Engine.OpenInput(StreamConfig{FrameSamples: c.config.FrameSamples}, c.onFrame)
	if err != nil {
		return fmt.Errorf("audio: открытие потока захвата: %w", err)
	}

	c.workers.Add(1)
	go c.sendWorker()

	if err := stream.Start(); err != nil {
		close(c.queue)
		c.workers.Wait()
		c.state = loopStopped
		return fmt.Errorf("audio: запуск потока захвата: %w", err)
	}

	c.stream = stream
	c.state = loopRunning
	c.logger.Info("Захват микрофона запущен")
	return nil
}

// SetMuted включает и выключает микрофон; при mute кодируется тишина
func (c *CaptureLoop) SetMuted(muted bool) {
	c.muted.Store(muted)
}

// Muted возвращает состояние mute
func (c *CaptureLoop) Muted() bool {
	return c.muted.Load()
}

// onFrame callback движка
func (c *CaptureLoop) onFrame(pcm []int16) {
	timestamp := c.timestamp
	c.timestamp += uint32(len(pcm))

	if c.muted.Load() {
		for i := range pcm {
			pcm[i] = 0
		}
	} else if c.config.EchoCanceller != nil {
		c.config.EchoCanceller.Process(pcm)
	}

	encoded, err := c.config.Encoder.Encode(pcm)
	if err != nil {
		c.count(func(st *CaptureStatistics) { st.EncodeErrors++ })
		c.logger.WithError(err).Debug("Ошибка кодирования кадра")
		return
	}

	select {
	case c.queue <- encodedFrame{timestamp: timestamp, payload: encoded}:
		c.count(func(st *CaptureStatistics) { st.FramesCaptured++ })
	default:
		c.count(func(st *CaptureStatistics) {
			st.FramesCaptured++
			st.FramesDropped++
		})
	}
}

func (c *CaptureLoop) sendWorker() {
	defer c.workers.Done()

	for frame := range c.queue {
		if err := c.config.Sender.Send(frame.timestamp, frame.payload); err != nil {
			c.count(func(st *CaptureStatistics) { st.SendErrors++ })
			c.logger.WithError(err).Debug("Кадр не отправлен")
			continue
		}
		c.count(func(st *CaptureStatistics) { st.FramesSent++ })
	}
}

// Stop останавливает поток ввода, дожидаясь текущего callback, затем
// дожидается отправки уже закодированных кадров. Повторный вызов безопасен.
func (c *CaptureLoop) Stop() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.state != loopRunning {
		c.state = loopStopped
		return nil
	}
	c.state = loopStopped

	err := c.stream.Stop()

	close(c.queue)
	c.workers.Wait()

	c.logger.Info("Захват микрофона остановлен")
	return err
}

// Statistics возвращает снимок статистики
func (c *CaptureLoop) Statistics() CaptureStatistics {
	c.statsMutex.Lock()
	defer c.statsMutex.Unlock()
	return c.stats
}

func (c *CaptureLoop) count(update func(*CaptureStatistics)) {
	c.statsMutex.Lock()
	update(&c.stats)
	c.statsMutex.Unlock()
}
