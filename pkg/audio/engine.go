// Package audio связывает аудио движок платформы с трактом звонка.
//
// Движок вызывает callback потоков ввода и вывода на своем расписании (каждые 20 мс).
// CaptureLoop кодирует кадры микрофона и передает их отправителю через ограниченную
// очередь, PlaybackLoop забирает аудио из jitter buffer. Ни один callback не выполняет
// сетевой ввод-вывод и не ждет данных.
//
// Stop любого потока возвращается только после завершения уже начатого callback,
// поэтому после Stop разделяемое состояние можно освобождать.
package audio

import (
	"errors"
	"time"
)

const (
	// DefaultFrameDuration период callback движка
	DefaultFrameDuration = 20 * time.Millisecond

	// DefaultQueueSize емкость очереди кадров между захватом и отправкой
	DefaultQueueSize = 8
)

var (
	// ErrStreamStarted повторный Start
	ErrStreamStarted = errors.New("audio: поток уже запущен")

	// ErrStreamClosed поток остановлен и не может быть запущен снова
	ErrStreamClosed = errors.New("audio: поток закрыт")

	// ErrEngineClosed движок закрыт
	ErrEngineClosed = errors.New("audio: движок закрыт")
)

// InputCallback получает захваченный кадр. Срез действителен только во время вызова.
type InputCallback func(pcm []int16)

// OutputCallback заполняет кадр для воспроизведения
type OutputCallback func(out []int16)

// StreamConfig фиксированный размер буфера потока
type StreamConfig struct {
	FrameSamples int
}

// Stream поток ввода или вывода движка
type Stream interface {
	Start() error
	// Stop останавливает поток и ждет завершения текущего callback. Идемпотентен.
	Stop() error
}

// Engine аудио движок платформы
type Engine interface {
	OpenInput(config StreamConfig, callback InputCallback) (Stream, error)
	OpenOutput(config StreamConfig, callback OutputCallback) (Stream, error)
	// Close останавливает все открытые потоки
	Close() error
}
