// Package jitter реализует адаптивный jitter buffer голосового звонка.
//
// Пакеты вставляются из цикла приема в произвольном порядке и упорядочиваются по
// развернутому RTP timestamp. Воспроизведение забирает аудио через GetAudio из
// callback аудио движка: буфер декодирует кадр с текущей позиции воспроизведения
// или синтезирует маскировку, если кадра нет. GetAudio никогда не ждет данных.
//
// Целевая задержка (в кадрах) подстраивается по межпакетному джиттеру RFC 3550,
// измеренному в тиках локальных часов звонка.
package jitter

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/securevoice/pkg/codec"
	"github.com/arzzra/securevoice/pkg/rtp"
)

var (
	// ErrStopped буфер остановлен
	ErrStopped = errors.New("jitter: буфер остановлен")

	// ErrEmptyPayload пакет без аудио
	ErrEmptyPayload = errors.New("jitter: пустой payload")

	// ErrLatePacket позиция воспроизведения уже прошла timestamp пакета
	ErrLatePacket = errors.New("jitter: пакет опоздал")

	// ErrDuplicatePacket кадр с таким timestamp уже в буфере
	ErrDuplicatePacket = errors.New("jitter: дубликат пакета")
)

// Buffer адаптивный jitter buffer. Insert и GetAudio безопасны для вызова
// из разных горутин.
type Buffer struct {
	config  Config
	decoder codec.Decoder
	logger  logrus.FieldLogger

	mutex      sync.Mutex
	frames     frameHeap
	timestamps map[int64]struct{}
	unwrapper  timestampUnwrapper

	playing       bool
	playout       int64
	concealStreak int
	leftover      []int16

	targetDelay int
	jitter      float64 // мс
	lastTransit float64
	hasTransit  bool

	stats   counters
	stopped bool

	shutdown core.Fuse
	workers  sync.WaitGroup
}

// New создает буфер и, если задан StatsHandler, запускает фоновую статистику
func New(config Config) (*Buffer, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	b := &Buffer{
		config:      config,
		decoder:     config.Decoder,
		logger:      logger.WithField("component", "jitter"),
		timestamps:  make(map[int64]struct{}),
		targetDelay: config.MinDelayFrames,
	}
	heap.Init(&b.frames)

	if config.StatsHandler != nil && config.StatsInterval > 0 {
		b.workers.Add(1)
		go b.statsWorker()
	}

	return b, nil
}

// Insert кладет пакет в буфер. tick это локальное время прихода.
// Ошибки не фатальны: буфер продолжает работу и замаскирует пропуск.
func (b *Buffer) Insert(packet *rtp.Packet, tick uint64) error {
	payload := packet.Payload()
	if len(payload) == 0 {
		return ErrEmptyPayload
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.stopped {
		return ErrStopped
	}

	if pt := packet.PayloadType(); pt != b.config.PayloadType {
		b.stats.unsupported++
		return fmt.Errorf("%w: %s, ожидается %s", codec.ErrUnsupportedPayloadType, pt, b.config.PayloadType)
	}

	ts := b.unwrapper.unwrap(packet.Timestamp())
	b.updateJitter(ts, tick)

	if b.playing && ts < b.playout {
		b.stats.late++
		return fmt.Errorf("%w: timestamp %d, воспроизведение на %d", ErrLatePacket, ts, b.playout)
	}
	if _, ok := b.timestamps[ts]; ok {
		b.stats.duplicate++
		return fmt.Errorf("%w: timestamp %d", ErrDuplicatePacket, ts)
	}

	if b.frames.Len() >= b.config.MaxPackets {
		oldest := heap.Pop(&b.frames).(*EncodedAudioData)
		delete(b.timestamps, oldest.Timestamp)
		b.stats.overflow++
	}

	heap.Push(&b.frames, &EncodedAudioData{
		Timestamp:      ts,
		SequenceNumber: packet.SequenceNumber(),
		Payload:        append([]byte(nil), payload...),
		Arrival:        tick,
	})
	b.timestamps[ts] = struct{}{}
	b.stats.inserted++

	return nil
}

// GetAudio заполняет out целиком: декодированным аудио, маскировкой или тишиной
// во время накопления. Возвращает число записанных отсчетов, 0 после Stop.
func (b *Buffer) GetAudio(out []int16) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.stopped {
		return 0
	}

	n := copy(out, b.leftover)
	b.leftover = b.leftover[n:]

	for n < len(out) {
		frame := b.nextFrame()
		copied := copy(out[n:], frame)
		n += copied
		if copied < len(frame) {
			b.leftover = append(b.leftover[:0], frame[copied:]...)
		}
	}

	return n
}

// nextFrame выдает следующий кадр воспроизведения. Вызывается под mutex.
func (b *Buffer) nextFrame() []int16 {
	if !b.playing {
		if b.frames.Len() < b.targetDelay {
			return make([]int16, b.config.FrameSamples)
		}
		b.playing = true
		b.playout = b.frames.peek().Timestamp
		b.concealStreak = 0
	}

	b.dropLate()
	b.accelerate()

	next := b.frames.peek()
	if next != nil && next.Timestamp < b.playout+int64(b.config.FrameSamples) {
		heap.Pop(&b.frames)
		delete(b.timestamps, next.Timestamp)

		pcm, err := b.decoder.Decode(next.Payload)
		if err != nil {
			b.stats.decodeErrors++
			b.logger.WithError(err).WithField("sequence", next.SequenceNumber).Debug("Ошибка декодирования, кадр маскируется")
			b.playout = next.Timestamp + int64(b.config.FrameSamples)
			return b.conceal()
		}

		b.stats.decoded++
		b.concealStreak = 0
		b.playout = next.Timestamp + int64(len(pcm))
		return pcm
	}

	pcm := b.conceal()
	b.playout += int64(b.config.FrameSamples)

	if b.concealStreak >= b.config.RebufferAfter {
		b.playing = false
		b.stats.rebuffers++
		b.logger.WithField("depth", b.frames.Len()).Debug("Повторное накопление буфера")
	}
	return pcm
}

func (b *Buffer) conceal() []int16 {
	b.stats.concealed++
	b.concealStreak++
	return b.decoder.Conceal(1)
}

// dropLate выбрасывает кадры позади позиции воспроизведения
func (b *Buffer) dropLate() {
	for {
		oldest := b.frames.peek()
		if oldest == nil || oldest.Timestamp >= b.playout {
			return
		}
		heap.Pop(&b.frames)
		delete(b.timestamps, oldest.Timestamp)
		b.stats.late++
	}
}

// accelerate сокращает задержку, выбрасывая старые кадры сверх максимальной глубины
func (b *Buffer) accelerate() {
	for b.frames.Len() > b.config.MaxDelayFrames {
		oldest := heap.Pop(&b.frames).(*EncodedAudioData)
		delete(b.timestamps, oldest.Timestamp)
		b.stats.accelerated++
		b.playout = b.frames.peek().Timestamp
	}
}

// updateJitter обновляет оценку джиттера RFC 3550 и целевую задержку
func (b *Buffer) updateJitter(ts int64, tick uint64) {
	arrivalMs := float64(tick) * 1000 / float64(b.config.TicksPerSecond)
	tsMs := float64(ts) * 1000 / float64(b.config.ClockRate)
	transit := arrivalMs - tsMs

	if b.hasTransit {
		d := math.Abs(transit - b.lastTransit)
		b.jitter += (d - b.jitter) / 16
	}
	b.lastTransit = transit
	b.hasTransit = true

	frameMs := float64(b.config.FrameSamples) * 1000 / float64(b.config.ClockRate)
	target := b.config.MinDelayFrames + int(2*b.jitter/frameMs)
	if target > b.config.MaxDelayFrames {
		target = b.config.MaxDelayFrames
	}
	b.targetDelay = target
}

// Stop останавливает буфер и фоновую статистику. Повторный вызов безопасен.
// После возврата StatsHandler больше не вызывается.
func (b *Buffer) Stop() {
	b.mutex.Lock()
	if b.stopped {
		b.mutex.Unlock()
		return
	}
	b.stopped = true
	b.frames = b.frames[:0]
	b.timestamps = make(map[int64]struct{})
	b.leftover = nil
	b.mutex.Unlock()

	b.shutdown.Break()
	b.workers.Wait()
}
