package audio

import (
	"math"
	"sync"
)

// Source источник кадров для программного микрофона
type Source interface {
	// Read заполняет buf целиком
	Read(buf []int16)
}

// Sink приемник воспроизведенных кадров
type Sink interface {
	Write(pcm []int16)
}

// SilenceSource отдает тишину
type SilenceSource struct{}

func (SilenceSource) Read(buf []int16) {
	for i := range buf {
		buf[i] = 0
	}
}

// SineSource синусоида заданной частоты и амплитуды
type SineSource struct {
	Frequency  float64
	Amplitude  float64
	SampleRate float64

	mutex sync.Mutex
	phase uint64
}

// NewSineSource создает тон для частоты дискретизации sampleRate
func NewSineSource(frequency, amplitude float64, sampleRate int) *SineSource {
	return &SineSource{Frequency: frequency, Amplitude: amplitude, SampleRate: float64(sampleRate)}
}

func (s *SineSource) Read(buf []int16) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i := range buf {
		v := s.Amplitude * math.Sin(2*math.Pi*s.Frequency*float64(s.phase)/s.SampleRate)
		buf[i] = int16(v)
		s.phase++
	}
}

// PCMSource проигрывает записанные отсчеты, затем тишину или повтор
type PCMSource struct {
	mutex   sync.Mutex
	samples []int16
	offset  int
	loop    bool
}

// NewPCMSource создает источник из готовых отсчетов
func NewPCMSource(samples []int16, loop bool) *PCMSource {
	return &PCMSource{samples: samples, loop: loop}
}

func (s *PCMSource) Read(buf []int16) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i := range buf {
		if s.offset >= len(s.samples) {
			if !s.loop || len(s.samples) == 0 {
				buf[i] = 0
				continue
			}
			s.offset = 0
		}
		buf[i] = s.samples[s.offset]
		s.offset++
	}
}

// DiscardSink отбрасывает аудио
type DiscardSink struct{}

func (DiscardSink) Write([]int16) {}

// RecordingSink накапливает воспроизведенное аудио
type RecordingSink struct {
	mutex   sync.Mutex
	samples []int16
}

func (s *RecordingSink) Write(pcm []int16) {
	s.mutex.Lock()
	s.samples = append(s.samples, pcm...)
	s.mutex.Unlock()
}

// Samples возвращает копию записанного
func (s *RecordingSink) Samples() []int16 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]int16(nil), s.samples...)
}
