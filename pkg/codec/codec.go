// Package codec описывает аудио кодек звонка: кадры PCM 8 кГц, 20 мс, моно, 16 бит.
//
// Кодер и декодер разделены на независимые экземпляры: захват микрофона владеет
// своим кодером, jitter buffer владеет своим декодером. Единственное общее состояние
// между потоками захвата и воспроизведения это EchoCanceller, и он синхронизирован сам.
package codec

import (
	"errors"
	"fmt"

	"github.com/arzzra/securevoice/pkg/rtp"
)

const (
	// SampleRate частота дискретизации кадров звонка
	SampleRate = 8000

	// Channels количество каналов
	Channels = 1

	// FrameSamples отсчетов в одном кадре 20 мс
	FrameSamples = 160
)

var (
	// ErrNotInitialized Init не был вызван
	ErrNotInitialized = errors.New("codec: не инициализирован")

	// ErrInvalidFrame длина кадра не соответствует контракту кодека
	ErrInvalidFrame = errors.New("codec: неверный размер кадра")

	// ErrUnsupportedPayloadType для payload type нет кодека
	ErrUnsupportedPayloadType = errors.New("codec: неподдерживаемый payload type")
)

// Encoder кодирует кадры PCM
type Encoder interface {
	// Encode кодирует ровно FrameSamples отсчетов
	Encode(pcm []int16) ([]byte, error)
}

// Decoder декодирует кадры и синтезирует аудио при потерях
type Decoder interface {
	// Decode возвращает PCM одного или нескольких кадров
	Decode(encoded []byte) ([]int16, error)

	// Conceal синтезирует frames кадров на месте потерянных
	Conceal(frames int) []int16
}

// Codec полный интерфейс кодека с параметрами кадра
type Codec interface {
	Encoder
	Decoder

	Init() error
	SampleRate() int
	Channels() int
	FrameSamples() int
	EncodedFrameSize() int
	PayloadType() rtp.PayloadType
}

// New создает кодек для payload type
func New(payloadType rtp.PayloadType) (Codec, error) {
	switch payloadType {
	case rtp.PayloadTypePCMU:
		return NewG711(MuLaw), nil
	case rtp.PayloadTypePCMA:
		return NewG711(ALaw), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPayloadType, payloadType)
	}
}

// ParsePayloadType разбирает имя кодека из конфигурации
func ParsePayloadType(name string) (rtp.PayloadType, error) {
	switch name {
	case "PCMU", "pcmu", "ulaw", "":
		return rtp.PayloadTypePCMU, nil
	case "PCMA", "pcma", "alaw":
		return rtp.PayloadTypePCMA, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedPayloadType, name)
	}
}
