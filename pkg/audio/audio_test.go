package audio

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/securevoice/pkg/codec"
)

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// manualEngine вызывает callback только по команде теста
type manualEngine struct {
	mutex  sync.Mutex
	input  InputCallback
	output OutputCallback
	failAt string
}

type manualStream struct {
	engine  *manualEngine
	failing bool
}

func (s *manualStream) Start() error {
	if s.failing {
		return errors.New("устройство недоступно")
	}
	return nil
}

func (s *manualStream) Stop() error { return nil }

func (e *manualEngine) OpenInput(config StreamConfig, callback InputCallback) (Stream, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.input = callback
	return &manualStream{engine: e, failing: e.failAt == "input"}, nil
}

func (e *manualEngine) OpenOutput(config StreamConfig, callback OutputCallback) (Stream, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.output = callback
	return &manualStream{engine: e, failing: e.failAt == "output"}, nil
}

func (e *manualEngine) Close() error { return nil }

func (e *manualEngine) capture(pcm []int16) {
	e.mutex.Lock()
	callback := e.input
	e.mutex.Unlock()
	callback(pcm)
}

func (e *manualEngine) play(out []int16) {
	e.mutex.Lock()
	callback := e.output
	e.mutex.Unlock()
	callback(out)
}

type sentFrame struct {
	timestamp uint32
	payload   []byte
}

// recordingSender запоминает отправленные кадры; gate блокирует отправку до закрытия
type recordingSender struct {
	mutex  sync.Mutex
	frames []sentFrame
	gate   chan struct{}
	err    error
}

func (s *recordingSender) Send(timestamp uint32, encoded []byte) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, sentFrame{timestamp, encoded})
	return nil
}

func (s *recordingSender) sent() []sentFrame {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]sentFrame(nil), s.frames...)
}

// countingEcho считает вызовы и запоминает последний опорный кадр
type countingEcho struct {
	mutex     sync.Mutex
	processed int
	farEnd    []int16
}

func (e *countingEcho) Process([]int16) {
	e.mutex.Lock()
	e.processed++
	e.mutex.Unlock()
}

func (e *countingEcho) AddFarEnd(farEnd []int16) {
	e.mutex.Lock()
	e.farEnd = append([]int16(nil), farEnd...)
	e.mutex.Unlock()
}

func newEncoder(t *testing.T) *codec.G711 {
	t.Helper()
	encoder := codec.NewG711(codec.MuLaw)
	require.NoError(t, encoder.Init())
	return encoder
}

func constantFrame(value int16) []int16 {
	frame := make([]int16, codec.FrameSamples)
	for i := range frame {
		frame[i] = value
	}
	return frame
}

func TestCaptureLoopEncodesAndSends(t *testing.T) {
	engine := &manualEngine{}
	sender := &recordingSender{}
	echo := &countingEcho{}

	loop, err := NewCaptureLoop(CaptureConfig{
		Engine:        engine,
		Encoder:       newEncoder(t),
		EchoCanceller: echo,
		Sender:        sender,
		Logger:        quietLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, loop.Start())

	for i := 0; i < 3; i++ {
		engine.capture(constantFrame(1000))
	}
	require.NoError(t, loop.Stop())

	frames := sender.sent()
	require.Len(t, frames, 3)
	for i, frame := range frames {
		assert.Equal(t, uint32(i*codec.FrameSamples), frame.timestamp)
		assert.Len(t, frame.payload, codec.FrameSamples)
	}
	assert.Equal(t, 3, echo.processed)

	stats := loop.Statistics()
	assert.Equal(t, uint64(3), stats.FramesCaptured)
	assert.Equal(t, uint64(3), stats.FramesSent)
}

func TestCaptureLoopMute(t *testing.T) {
	engine := &manualEngine{}
	sender := &recordingSender{}
	echo := &countingEcho{}

	loop, err := NewCaptureLoop(CaptureConfig{
		Engine:        engine,
		Encoder:       newEncoder(t),
		EchoCanceller: echo,
		Sender:        sender,
		Logger:        quietLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, loop.Start())

	loop.SetMuted(true)
	assert.True(t, loop.Muted())
	engine.capture(constantFrame(12000))

	loop.SetMuted(false)
	engine.capture(constantFrame(12000))
	require.NoError(t, loop.Stop())

	frames := sender.sent()
	require.Len(t, frames, 2)

	silence, err := newEncoder(t).Encode(make([]int16, codec.FrameSamples))
	require.NoError(t, err)
	assert.Equal(t, silence, frames[0].payload, "при mute отправляется тишина")
	assert.NotEqual(t, silence, frames[1].payload)
	assert.Equal(t, uint32(codec.FrameSamples), frames[1].timestamp, "timestamp идет и во время mute")
	assert.Equal(t, 1, echo.processed)
}

func TestCaptureLoopQueueFullDropsFrames(t *testing.T) {
	engine := &manualEngine{}
	sender := &recordingSender{gate: make(chan struct{})}

	loop, err := NewCaptureLoop(CaptureConfig{
		Engine:    engine,
		Encoder:   newEncoder(t),
		Sender:    sender,
		QueueSize: 1,
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, loop.Start())

	// Callback не блокируется, даже если отправка стоит
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			engine.capture(constantFrame(0))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback захвата заблокировался на отправке")
	}

	close(sender.gate)
	require.NoError(t, loop.Stop())

	stats := loop.Statistics()
	assert.Equal(t, uint64(10), stats.FramesCaptured)
	assert.GreaterOrEqual(t, stats.FramesDropped, uint64(8))
	assert.Equal(t, stats.FramesCaptured-stats.FramesDropped, stats.FramesSent)
}

func TestCaptureLoopErrorsAreAbsorbed(t *testing.T) {
	engine := &manualEngine{}
	sender := &recordingSender{err: errors.New("сеть недоступна")}

	loop, err := NewCaptureLoop(CaptureConfig{
		Engine:  engine,
		Encoder: newEncoder(t),
		Sender:  sender,
		Logger:  quietLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, loop.Start())

	engine.capture(make([]int16, codec.FrameSamples-1))
	engine.capture(constantFrame(0))
	require.NoError(t, loop.Stop())

	stats := loop.Statistics()
	assert.Equal(t, uint64(1), stats.EncodeErrors)
	assert.Equal(t, uint64(1), stats.SendErrors)
}

func TestCaptureLoopLifecycle(t *testing.T) {
	_, err := NewCaptureLoop(CaptureConfig{})
	assert.Error(t, err)

	engine := &manualEngine{failAt: "input"}
	loop, err := NewCaptureLoop(CaptureConfig{Engine: engine, Encoder: newEncoder(t), Sender: &recordingSender{}, Logger: quietLogger()})
	require.NoError(t, err)
	assert.Error(t, loop.Start())
	assert.NoError(t, loop.Stop())

	engine = &manualEngine{}
	loop, err = NewCaptureLoop(CaptureConfig{Engine: engine, Encoder: newEncoder(t), Sender: &recordingSender{}, Logger: quietLogger()})
	require.NoError(t, err)
	require.NoError(t, loop.Start())
	assert.Error(t, loop.Start())
	assert.NoError(t, loop.Stop())
	assert.NoError(t, loop.Stop())
	assert.Error(t, loop.Start())
}

// shortSource отдает половину запрошенного
type shortSource struct {
	value int16
}

func (s shortSource) GetAudio(out []int16) int {
	half := len(out) / 2
	for i := 0; i < half; i++ {
		out[i] = s.value
	}
	return half
}

func TestPlaybackLoopPadsAndFeedsEcho(t *testing.T) {
	engine := &manualEngine{}
	echo := &countingEcho{}

	loop, err := NewPlaybackLoop(PlaybackConfig{
		Engine:        engine,
		Source:        shortSource{value: 500},
		EchoCanceller: echo,
		Logger:        quietLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, loop.Start())

	out := constantFrame(-7)
	engine.play(out)
	require.NoError(t, loop.Stop())

	half := codec.FrameSamples / 2
	assert.Equal(t, int16(500), out[half-1])
	assert.Equal(t, int16(0), out[half], "недостающие отсчеты дополняются тишиной")
	assert.Equal(t, out, echo.farEnd)

	stats := loop.Statistics()
	assert.Equal(t, uint64(1), stats.FramesPlayed)
	assert.Equal(t, uint64(1), stats.Underruns)
}

func TestPlaybackLoopStartFailure(t *testing.T) {
	_, err := NewPlaybackLoop(PlaybackConfig{})
	assert.Error(t, err)

	loop, err := NewPlaybackLoop(PlaybackConfig{
		Engine: &manualEngine{failAt: "output"},
		Source: shortSource{},
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	assert.Error(t, loop.Start())
	assert.NoError(t, loop.Stop())
}

func TestTickerEngineDrainedStop(t *testing.T) {
	engine, err := NewTickerEngine(TickerConfig{FrameDuration: 2 * time.Millisecond, Logger: quietLogger()})
	require.NoError(t, err)

	var calls atomic.Int64
	var inCallback atomic.Bool

	stream, err := engine.OpenOutput(StreamConfig{FrameSamples: codec.FrameSamples}, func(out []int16) {
		inCallback.Store(true)
		time.Sleep(5 * time.Millisecond)
		calls.Add(1)
		inCallback.Store(false)
	})
	require.NoError(t, err)
	require.NoError(t, stream.Start())

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)

	require.NoError(t, stream.Stop())
	assert.False(t, inCallback.Load(), "callback выполняется после Stop")

	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, calls.Load())

	assert.NoError(t, stream.Stop())
	assert.ErrorIs(t, stream.Start(), ErrStreamClosed)
}

func TestTickerEngineSourceAndSink(t *testing.T) {
	sink := &RecordingSink{}
	engine, err := NewTickerEngine(TickerConfig{
		FrameDuration: time.Millisecond,
		Source:        NewPCMSource(constantFrame(42), true),
		Sink:          sink,
		Logger:        quietLogger(),
	})
	require.NoError(t, err)

	captured := make(chan int16, 100)
	input, err := engine.OpenInput(StreamConfig{FrameSamples: codec.FrameSamples}, func(pcm []int16) {
		select {
		case captured <- pcm[0]:
		default:
		}
	})
	require.NoError(t, err)

	output, err := engine.OpenOutput(StreamConfig{FrameSamples: 4}, func(out []int16) {
		for i := range out {
			out[i] = 9
		}
	})
	require.NoError(t, err)

	require.NoError(t, input.Start())
	require.NoError(t, output.Start())
	assert.ErrorIs(t, input.Start(), ErrStreamStarted)

	select {
	case value := <-captured:
		assert.Equal(t, int16(42), value)
	case <-time.After(time.Second):
		t.Fatal("нет кадров захвата")
	}

	require.Eventually(t, func() bool { return len(sink.Samples()) >= 8 }, time.Second, time.Millisecond)
	require.NoError(t, engine.Close())

	samples := sink.Samples()
	assert.Equal(t, int16(9), samples[0])
	assert.Equal(t, 0, len(samples)%4)

	_, err = engine.OpenInput(StreamConfig{FrameSamples: 1}, func([]int16) {})
	assert.ErrorIs(t, err, ErrEngineClosed)
	assert.NoError(t, engine.Close())
}

func TestTickerEngineValidation(t *testing.T) {
	_, err := NewTickerEngine(TickerConfig{FrameDuration: -time.Millisecond})
	assert.Error(t, err)

	engine, err := NewTickerEngine(TickerConfig{Logger: quietLogger()})
	require.NoError(t, err)
	_, err = engine.OpenInput(StreamConfig{}, func([]int16) {})
	assert.Error(t, err)
}

func TestSources(t *testing.T) {
	t.Run("PCM без повтора", func(t *testing.T) {
		source := NewPCMSource([]int16{1, 2, 3}, false)
		buf := make([]int16, 5)
		source.Read(buf)
		assert.Equal(t, []int16{1, 2, 3, 0, 0}, buf)
	})

	t.Run("PCM с повтором", func(t *testing.T) {
		source := NewPCMSource([]int16{1, 2}, true)
		buf := make([]int16, 5)
		source.Read(buf)
		assert.Equal(t, []int16{1, 2, 1, 2, 1}, buf)
	})

	t.Run("Синус в пределах амплитуды", func(t *testing.T) {
		source := NewSineSource(440, 1000, codec.SampleRate)
		buf := make([]int16, codec.FrameSamples)
		source.Read(buf)
		nonZero := false
		for _, sample := range buf {
			assert.LessOrEqual(t, sample, int16(1000))
			assert.GreaterOrEqual(t, sample, int16(-1000))
			if sample != 0 {
				nonZero = true
			}
		}
		assert.True(t, nonZero)
	})

	t.Run("Тишина", func(t *testing.T) {
		buf := []int16{5, 5}
		SilenceSource{}.Read(buf)
		assert.Equal(t, []int16{0, 0}, buf)
	})
}
