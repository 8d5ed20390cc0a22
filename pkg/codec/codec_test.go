package codec

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/securevoice/pkg/rtp"
)

func sineFrame(amplitude float64, phase int) []int16 {
	frame := make([]int16, FrameSamples)
	for i := range frame {
		frame[i] = int16(amplitude * math.Sin(2*math.Pi*440*float64(phase+i)/SampleRate))
	}
	return frame
}

func constantFrame(value int16) []int16 {
	frame := make([]int16, FrameSamples)
	for i := range frame {
		frame[i] = value
	}
	return frame
}

func newInitialized(t *testing.T, law Law) *G711 {
	t.Helper()
	c := NewG711(law)
	require.NoError(t, c.Init())
	return c
}

func TestG711RoundTrip(t *testing.T) {
	for _, law := range []Law{MuLaw, ALaw} {
		t.Run(law.String(), func(t *testing.T) {
			c := newInitialized(t, law)

			input := sineFrame(12000, 0)
			encoded, err := c.Encode(input)
			require.NoError(t, err)
			assert.Len(t, encoded, c.EncodedFrameSize())

			decoded, err := c.Decode(encoded)
			require.NoError(t, err)
			require.Len(t, decoded, FrameSamples)

			for i := range input {
				diff := math.Abs(float64(input[i]) - float64(decoded[i]))
				limit := math.Abs(float64(input[i]))/16 + 16
				assert.LessOrEqual(t, diff, limit, "отсчет %d: %d -> %d", i, input[i], decoded[i])
			}
		})
	}
}

func TestG711Silence(t *testing.T) {
	c := newInitialized(t, MuLaw)

	encoded, err := c.Encode(make([]int16, FrameSamples))
	require.NoError(t, err)

	decoded, err := c.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, make([]int16, FrameSamples), decoded)
}

func TestG711FrameContract(t *testing.T) {
	c := newInitialized(t, MuLaw)

	_, err := c.Encode(make([]int16, FrameSamples-1))
	assert.ErrorIs(t, err, ErrInvalidFrame)

	_, err = c.Decode(nil)
	assert.ErrorIs(t, err, ErrInvalidFrame)

	// Два кадра в одном payload декодируются целиком
	decoded, err := c.Decode(make([]byte, 2*FrameSamples))
	require.NoError(t, err)
	assert.Len(t, decoded, 2*FrameSamples)

	assert.Equal(t, SampleRate, c.SampleRate())
	assert.Equal(t, Channels, c.Channels())
	assert.Equal(t, FrameSamples, c.FrameSamples())
	assert.Equal(t, rtp.PayloadTypePCMU, c.PayloadType())
	assert.Equal(t, rtp.PayloadTypePCMA, NewG711(ALaw).PayloadType())
}

func TestG711NotInitialized(t *testing.T) {
	c := NewG711(MuLaw)

	_, err := c.Encode(make([]int16, FrameSamples))
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = c.Decode([]byte{0xFF})
	assert.ErrorIs(t, err, ErrNotInitialized)

	assert.Equal(t, make([]int16, FrameSamples), c.Conceal(1))
}

func TestG711ConcealFade(t *testing.T) {
	c := newInitialized(t, MuLaw)

	encoded, err := c.Encode(constantFrame(4000))
	require.NoError(t, err)
	last, err := c.Decode(encoded)
	require.NoError(t, err)

	first := c.Conceal(1)
	require.Len(t, first, FrameSamples)
	for i := range first {
		assert.Equal(t, last[i]>>1, first[i])
	}

	rest := c.Conceal(3)
	require.Len(t, rest, 3*FrameSamples)
	assert.Equal(t, last[0]>>2, rest[0])
	assert.Equal(t, last[0]>>3, rest[FrameSamples])
	assert.Equal(t, make([]int16, FrameSamples), rest[2*FrameSamples:], "после затухания должна быть тишина")

	// Принятый кадр сбрасывает затухание
	_, err = c.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, last[0]>>1, c.Conceal(1)[0])

	assert.Nil(t, c.Conceal(0))
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		pt      rtp.PayloadType
		wantErr bool
	}{
		{"PCMU", rtp.PayloadTypePCMU, false},
		{"PCMA", rtp.PayloadTypePCMA, false},
		{"G722 не поддерживается", rtp.PayloadTypeG722, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.pt)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedPayloadType)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.pt, c.PayloadType())
		})
	}
}

func TestParsePayloadType(t *testing.T) {
	pt, err := ParsePayloadType("")
	require.NoError(t, err)
	assert.Equal(t, rtp.PayloadTypePCMU, pt)

	pt, err = ParsePayloadType("alaw")
	require.NoError(t, err)
	assert.Equal(t, rtp.PayloadTypePCMA, pt)

	_, err = ParsePayloadType("opus")
	assert.ErrorIs(t, err, ErrUnsupportedPayloadType)
}

func TestSuppressor(t *testing.T) {
	t.Run("Без дальнего конца сигнал не меняется", func(t *testing.T) {
		s := NewSuppressor(SuppressorConfig{})
		near := constantFrame(1000)
		s.Process(near)
		assert.Equal(t, constantFrame(1000), near)
	})

	t.Run("Эхо ослабляется", func(t *testing.T) {
		s := NewSuppressor(SuppressorConfig{})
		s.AddFarEnd(constantFrame(5000))

		near := constantFrame(1000)
		s.Process(near)
		assert.Equal(t, int16(100), near[0])
	})

	t.Run("Double talk не подавляется", func(t *testing.T) {
		s := NewSuppressor(SuppressorConfig{})
		s.AddFarEnd(constantFrame(5000))

		near := constantFrame(20000)
		s.Process(near)
		assert.Equal(t, constantFrame(20000), near)
	})

	t.Run("Подавление держится hangover кадров", func(t *testing.T) {
		s := NewSuppressor(SuppressorConfig{HangoverFrames: 2})
		s.AddFarEnd(constantFrame(5000))
		s.AddFarEnd(make([]int16, FrameSamples))
		s.AddFarEnd(make([]int16, FrameSamples))

		near := constantFrame(1000)
		s.Process(near)
		assert.Equal(t, int16(100), near[0], "hangover еще не истек")

		s.AddFarEnd(make([]int16, FrameSamples))
		near = constantFrame(1000)
		s.Process(near)
		assert.Equal(t, int16(1000), near[0])
	})
}

// TestConcurrentEncodeDecodeConceal кодер, декодер и общий подавитель эха
// используются одновременно из потоков захвата и воспроизведения
func TestConcurrentEncodeDecodeConceal(t *testing.T) {
	encoder := newInitialized(t, MuLaw)
	decoder := newInitialized(t, MuLaw)
	echo := NewSuppressor(DefaultSuppressorConfig())

	const iterations = 500
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			frame := sineFrame(8000, i*FrameSamples)
			echo.Process(frame)
			_, err := encoder.Encode(frame)
			assert.NoError(t, err)
		}
	}()

	go func() {
		defer wg.Done()
		payload := make([]byte, FrameSamples)
		for i := 0; i < iterations; i++ {
			var pcm []int16
			if i%3 == 0 {
				pcm = decoder.Conceal(1)
			} else {
				var err error
				pcm, err = decoder.Decode(payload)
				assert.NoError(t, err)
			}
			echo.AddFarEnd(pcm)
		}
	}()

	wg.Wait()
}
