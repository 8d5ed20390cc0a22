package codec

import (
	"fmt"
	"sync"

	"github.com/zaf/g711"

	"github.com/arzzra/securevoice/pkg/rtp"
)

// Law вариант компандирования G.711
type Law int

const (
	MuLaw Law = iota // PCMU
	ALaw             // PCMA
)

func (l Law) String() string {
	if l == ALaw {
		return "A-law"
	}
	return "mu-law"
}

// concealFadeFrames сколько кадров подряд повторяется последний кадр до тишины
const concealFadeFrames = 3

// G711 кодек G.711: один байт на отсчет, кадр 20 мс = 160 байт.
//
// Экземпляр безопасен для конкурентного использования, но предполагается,
// что кодер и декодер звонка это разные экземпляры.
type G711 struct {
	law Law

	mutex       sync.Mutex
	initialized bool
	lastFrame   []int16
	concealed   int
}

// NewG711 создает кодек; перед использованием нужен Init
func NewG711(law Law) *G711 {
	return &G711{law: law}
}

// Init сбрасывает состояние маскировки потерь
func (c *G711) Init() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.lastFrame = make([]int16, FrameSamples)
	c.concealed = 0
	c.initialized = true
	return nil
}

func (c *G711) SampleRate() int       { return SampleRate }
func (c *G711) Channels() int         { return Channels }
func (c *G711) FrameSamples() int     { return FrameSamples }
func (c *G711) EncodedFrameSize() int { return FrameSamples }

// PayloadType возвращает PCMU или PCMA
func (c *G711) PayloadType() rtp.PayloadType {
	if c.law == ALaw {
		return rtp.PayloadTypePCMA
	}
	return rtp.PayloadTypePCMU
}

// Encode кодирует один кадр
func (c *G711) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != FrameSamples {
		return nil, fmt.Errorf("%w: %d отсчетов, ожидается %d", ErrInvalidFrame, len(pcm), FrameSamples)
	}

	c.mutex.Lock()
	initialized := c.initialized
	c.mutex.Unlock()
	if !initialized {
		return nil, ErrNotInitialized
	}

	encoded := make([]byte, len(pcm))
	for i, sample := range pcm {
		if c.law == ALaw {
			encoded[i] = g711.EncodeAlawFrame(sample)
		} else {
			encoded[i] = g711.EncodeUlawFrame(sample)
		}
	}
	return encoded, nil
}

// Decode декодирует payload произвольной длины (кратность кадру не обязательна)
func (c *G711) Decode(encoded []byte) ([]int16, error) {
	if len(encoded) == 0 {
		return nil, fmt.Errorf("%w: пустой payload", ErrInvalidFrame)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.initialized {
		return nil, ErrNotInitialized
	}

	pcm := make([]int16, len(encoded))
	for i, b := range encoded {
		if c.law == ALaw {
			pcm[i] = g711.DecodeAlawFrame(b)
		} else {
			pcm[i] = g711.DecodeUlawFrame(b)
		}
	}

	// Последний полный кадр служит образцом для маскировки
	if len(pcm) >= FrameSamples {
		copy(c.lastFrame, pcm[len(pcm)-FrameSamples:])
	}
	c.concealed = 0

	return pcm, nil
}

// Conceal повторяет последний принятый кадр с затуханием вдвое на каждый кадр,
// после concealFadeFrames кадров подряд возвращает тишину.
func (c *G711) Conceal(frames int) []int16 {
	if frames <= 0 {
		return nil
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	out := make([]int16, frames*FrameSamples)
	if !c.initialized {
		return out
	}

	for f := 0; f < frames; f++ {
		c.concealed++
		if c.concealed > concealFadeFrames {
			continue
		}

		shift := uint(c.concealed)
		frame := out[f*FrameSamples : (f+1)*FrameSamples]
		for i, sample := range c.lastFrame {
			frame[i] = sample >> shift
		}
	}

	return out
}
