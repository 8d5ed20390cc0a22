package jitter

import (
	"time"
)

// Statistics снимок состояния буфера
type Statistics struct {
	PacketsInserted    uint64
	PacketsLate        uint64
	PacketsDuplicate   uint64
	PacketsUnsupported uint64 // Чужой payload type
	PacketsOverflow    uint64
	PacketsAccelerated uint64
	FramesDecoded      uint64
	FramesConcealed    uint64
	DecodeErrors       uint64
	Rebuffers          uint64

	Depth             int           // Кадров в буфере
	TargetDelayFrames int           // Текущая целевая задержка
	Jitter            time.Duration // Оценка межпакетного джиттера
	Playing           bool          // false во время накопления
}

type counters struct {
	inserted     uint64
	late         uint64
	duplicate    uint64
	unsupported  uint64
	overflow     uint64
	accelerated  uint64
	decoded      uint64
	concealed    uint64
	decodeErrors uint64
	rebuffers    uint64
}

// Statistics возвращает снимок статистики
func (b *Buffer) Statistics() Statistics {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return Statistics{
		PacketsInserted:    b.stats.inserted,
		PacketsLate:        b.stats.late,
		PacketsDuplicate:   b.stats.duplicate,
		PacketsUnsupported: b.stats.unsupported,
		PacketsOverflow:    b.stats.overflow,
		PacketsAccelerated: b.stats.accelerated,
		FramesDecoded:      b.stats.decoded,
		FramesConcealed:    b.stats.concealed,
		DecodeErrors:       b.stats.decodeErrors,
		Rebuffers:          b.stats.rebuffers,
		Depth:              b.frames.Len(),
		TargetDelayFrames:  b.targetDelay,
		Jitter:             time.Duration(b.jitter * float64(time.Millisecond)),
		Playing:            b.playing,
	}
}

// statsWorker периодически отдает статистику обработчику до Stop
func (b *Buffer) statsWorker() {
	defer b.workers.Done()

	ticker := time.NewTicker(b.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.shutdown.Watch():
			return
		case <-ticker.C:
			// Stop мог сработать одновременно с тиком
			if b.shutdown.IsBroken() {
				return
			}
			b.config.StatsHandler(b.Statistics())
		}
	}
}
