package call

import (
	"sync/atomic"
	"time"

	"github.com/arzzra/securevoice/pkg/audio"
)

// Clock источник локальных тиков для jitter buffer. Тик это миллисекунда.
type Clock interface {
	Tick() uint64
}

// MonotonicClock тики от момента создания по монотонным часам
type MonotonicClock struct {
	start time.Time
}

// NewMonotonicClock создает часы с нулем в текущий момент
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now()}
}

func (c *MonotonicClock) Tick() uint64 {
	return uint64(time.Since(c.start) / time.Millisecond)
}

// FrameClock часы, которые идут по объему воспроизведенного звука.
// Менеджер продвигает их из callback вывода.
type FrameClock struct {
	sampleRate uint64
	samples    atomic.Uint64
}

// NewFrameClock создает часы для частоты дискретизации вывода
func NewFrameClock(sampleRate int) *FrameClock {
	return &FrameClock{sampleRate: uint64(sampleRate)}
}

// Advance учитывает samples воспроизведенных отсчетов
func (c *FrameClock) Advance(samples int) {
	if samples > 0 {
		c.samples.Add(uint64(samples))
	}
}

func (c *FrameClock) Tick() uint64 {
	if c.sampleRate == 0 {
		return 0
	}
	return c.samples.Load() * 1000 / c.sampleRate
}

// clockedSource продвигает FrameClock на каждый кадр, запрошенный выводом.
// Недобор источника тоже считается: динамик проиграл тишину той же длины.
type clockedSource struct {
	source audio.AudioSource
	clock  *FrameClock
}

func (s clockedSource) GetAudio(out []int16) int {
	n := s.source.GetAudio(out)
	s.clock.Advance(len(out))
	return n
}

// playbackSource оборачивает источник воспроизведения, если часы звонка
// идут от вывода
func playbackSource(source audio.AudioSource, clock Clock) audio.AudioSource {
	if frameClock, ok := clock.(*FrameClock); ok {
		return clockedSource{source: source, clock: frameClock}
	}
	return source
}
