package jitter

// EncodedAudioData закодированный кадр в буфере. Payload копируется из пакета
// при вставке, поэтому буфер пакета можно переиспользовать сразу после Insert.
type EncodedAudioData struct {
	Timestamp      int64  // Развернутый RTP timestamp
	SequenceNumber uint16 // Для логов и отладки
	Payload        []byte
	Arrival        uint64 // Локальный тик прихода

	index int
}

// frameHeap min-heap по развернутому timestamp
type frameHeap []*EncodedAudioData

func (h frameHeap) Len() int           { return len(h) }
func (h frameHeap) Less(i, j int) bool { return h[i].Timestamp < h[j].Timestamp }
func (h frameHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *frameHeap) Push(x interface{}) {
	item := x.(*EncodedAudioData)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *frameHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// peek возвращает самый ранний кадр без извлечения
func (h frameHeap) peek() *EncodedAudioData {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// timestampUnwrapper разворачивает 32-битный RTP timestamp в монотонную 64-битную шкалу
// тем же правилом ближайшего значения, что и SequenceCounter для номеров пакетов.
type timestampUnwrapper struct {
	started   bool
	lastShort uint32
	lastLong  int64
}

func (u *timestampUnwrapper) unwrap(ts uint32) int64 {
	if !u.started {
		u.started = true
		u.lastShort = ts
		u.lastLong = int64(ts)
		return u.lastLong
	}

	delta := int64(int32(ts - u.lastShort))
	u.lastShort = ts
	u.lastLong += delta
	return u.lastLong
}
