package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/securevoice/pkg/codec"
)

// AudioSource источник воспроизведения; jitter.Buffer удовлетворяет интерфейсу
type AudioSource interface {
	// GetAudio заполняет out и возвращает число записанных отсчетов
	GetAudio(out []int16) int
}

// PlaybackConfig конфигурация цикла воспроизведения
type PlaybackConfig struct {
	Engine        Engine
	Source        AudioSource
	EchoCanceller codec.EchoCanceller // Получает воспроизведенный кадр как опорный сигнал
	FrameSamples  int
	Logger        logrus.FieldLogger
}

// PlaybackStatistics статистика воспроизведения
type PlaybackStatistics struct {
	FramesPlayed uint64
	Underruns    uint64 // Источник отдал меньше кадра, остаток дополнен тишиной
}

// PlaybackLoop забирает аудио из jitter buffer в callback вывода движка
type PlaybackLoop struct {
	config PlaybackConfig
	logger logrus.FieldLogger

	stream Stream

	mutex sync.Mutex
	state loopState

	statsMutex sync.Mutex
	stats      PlaybackStatistics
}

// NewPlaybackLoop создает цикл воспроизведения
func NewPlaybackLoop(config PlaybackConfig) (*PlaybackLoop, error) {
	if config.Engine == nil {
		return nil, errors.New("audio: движок обязателен")
	}
	if config.Source == nil {
		return nil, errors.New("audio: источник аудио обязателен")
	}
	if config.FrameSamples == 0 {
		config.FrameSamples = codec.FrameSamples
	}

	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &PlaybackLoop{
		config: config,
		logger: logger.WithField("component", "playback"),
	}, nil
}

// Start открывает и запускает поток вывода
func (p *PlaybackLoop) Start() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.state != loopCreated {
		return fmt.Errorf("audio: цикл воспроизведения нельзя запустить повторно")
	}

	stream, err := p.config.Engine.OpenOutput(StreamConfig{FrameSamples: p.config.FrameSamples}, p.onFrame)
	if err != nil {
		return fmt.Errorf("audio: открытие потока воспроизведения: %w", err)
	}
	if err := stream.Start(); err != nil {
		p.state = loopStopped
		return fmt.Errorf("audio: запуск потока воспроизведения: %w", err)
	}

	p.stream = stream
	p.state = loopRunning
	p.logger.Info("Воспроизведение запущено")
	return nil
}

// onFrame callback движка
func (p *PlaybackLoop) onFrame(out []int16) {
	n := p.config.Source.GetAudio(out)
	if n < len(out) {
		for i := n; i < len(out); i++ {
			out[i] = 0
		}
	}

	if p.config.EchoCanceller != nil {
		p.config.EchoCanceller.AddFarEnd(out)
	}

	p.statsMutex.Lock()
	p.stats.FramesPlayed++
	if n < len(out) {
		p.stats.Underruns++
	}
	p.statsMutex.Unlock()
}

// Stop останавливает поток вывода, дожидаясь текущего callback. Повторный вызов безопасен.
func (p *PlaybackLoop) Stop() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.state != loopRunning {
		p.state = loopStopped
		return nil
	}
	p.state = loopStopped

	err := p.stream.Stop()
	p.logger.Info("Воспроизведение остановлено")
	return err
}

// Statistics возвращает снимок статистики
func (p *PlaybackLoop) Statistics() PlaybackStatistics {
	p.statsMutex.Lock()
	defer p.statsMutex.Unlock()
	return p.stats
}
