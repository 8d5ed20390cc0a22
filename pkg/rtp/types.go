package rtp

import "fmt"

// PayloadType определяет тип payload согласно RFC 3551 Table 4
type PayloadType uint8

// Аудио payload типы из RFC 3551, используемые голосовым трактом
const (
	PayloadTypePCMU PayloadType = 0  // μ-law
	PayloadTypeGSM  PayloadType = 3  // GSM 06.10
	PayloadTypePCMA PayloadType = 8  // A-law
	PayloadTypeG722 PayloadType = 9  // G.722
	PayloadTypeCN   PayloadType = 13 // Comfort Noise
	PayloadTypeG729 PayloadType = 18 // G.729
)

func (pt PayloadType) String() string {
	switch pt {
	case PayloadTypePCMU:
		return "PCMU"
	case PayloadTypeGSM:
		return "GSM"
	case PayloadTypePCMA:
		return "PCMA"
	case PayloadTypeG722:
		return "G722"
	case PayloadTypeCN:
		return "CN"
	case PayloadTypeG729:
		return "G729"
	default:
		return fmt.Sprintf("PT(%d)", uint8(pt))
	}
}

// ClockRate возвращает частоту RTP clock для payload типа
func (pt PayloadType) ClockRate() (uint32, error) {
	switch pt {
	case PayloadTypePCMU, PayloadTypePCMA, PayloadTypeGSM, PayloadTypeCN, PayloadTypeG729:
		return 8000, nil
	case PayloadTypeG722:
		return 8000, nil // Особенность G.722: 16kHz sampling, но RTP clock 8kHz
	default:
		return 0, fmt.Errorf("неизвестный payload type: %d", pt)
	}
}
