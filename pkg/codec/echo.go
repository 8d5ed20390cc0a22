package codec

import (
	"math"
	"sync"
)

// EchoCanceller убирает из сигнала микрофона эхо воспроизводимого звука.
// Process вызывается из потока захвата, AddFarEnd из потока воспроизведения.
type EchoCanceller interface {
	Process(nearEnd []int16)
	AddFarEnd(farEnd []int16)
}

// SuppressorConfig параметры подавителя эха
type SuppressorConfig struct {
	// Порог энергии дальнего конца (RMS), ниже которого подавление не включается
	FarEndThreshold float64
	// Во сколько раз ближний конец должен превышать дальний, чтобы считаться речью
	DoubleTalkRatio float64
	// Множитель усиления при подавлении (0..1)
	Attenuation float64
	// Сколько кадров держать подавление после затихания дальнего конца
	HangoverFrames int
}

// DefaultSuppressorConfig значения для телефонного тракта
func DefaultSuppressorConfig() SuppressorConfig {
	return SuppressorConfig{
		FarEndThreshold: 300,
		DoubleTalkRatio: 2.0,
		Attenuation:     0.1,
		HangoverFrames:  5,
	}
}

// Suppressor простой подавитель эха по энергии: пока играет дальний конец и
// ближний не перекрывает его (нет double talk), сигнал микрофона ослабляется.
type Suppressor struct {
	config SuppressorConfig

	mutex     sync.Mutex
	farEnergy float64
	hangover  int
}

// NewSuppressor создает подавитель; нулевые поля конфигурации заменяются значениями по умолчанию
func NewSuppressor(config SuppressorConfig) *Suppressor {
	defaults := DefaultSuppressorConfig()
	if config.FarEndThreshold <= 0 {
		config.FarEndThreshold = defaults.FarEndThreshold
	}
	if config.DoubleTalkRatio <= 0 {
		config.DoubleTalkRatio = defaults.DoubleTalkRatio
	}
	if config.Attenuation <= 0 || config.Attenuation > 1 {
		config.Attenuation = defaults.Attenuation
	}
	if config.HangoverFrames < 0 {
		config.HangoverFrames = 0
	}
	return &Suppressor{config: config}
}

// AddFarEnd запоминает энергию воспроизведенного кадра
func (s *Suppressor) AddFarEnd(farEnd []int16) {
	energy := rms(farEnd)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if energy >= s.config.FarEndThreshold {
		s.farEnergy = energy
		s.hangover = s.config.HangoverFrames
		return
	}

	if s.hangover > 0 {
		s.hangover--
		return
	}
	s.farEnergy = 0
}

// Process ослабляет кадр микрофона на месте
func (s *Suppressor) Process(nearEnd []int16) {
	s.mutex.Lock()
	farEnergy := s.farEnergy
	s.mutex.Unlock()

	if farEnergy == 0 {
		return
	}

	if rms(nearEnd) > farEnergy*s.config.DoubleTalkRatio {
		return
	}

	for i, sample := range nearEnd {
		nearEnd[i] = int16(float64(sample) * s.config.Attenuation)
	}
}

func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, sample := range samples {
		v := float64(sample)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
