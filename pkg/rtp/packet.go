package rtp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/rtp"
)

// Размеры полей защищенного аудио пакета
const (
	// HeaderSize размер фиксированного заголовка: flags(2) + seq(2) + timestamp(4) + ssrc(4)
	HeaderSize = 12

	// MACSize размер HMAC-SHA1 тега, добавляемого после payload
	MACSize = 20

	// MinPacketSize минимальный размер датаграммы, из которой можно собрать пакет.
	// Реально пригодный минимум для защищенного пакета: HeaderSize + MACSize + 1.
	MinPacketSize = HeaderSize

	// MaxPacketSize максимальный размер датаграммы (MTU)
	MaxPacketSize = 1500

	// MaxEncodedFrameSize верхняя граница закодированного аудио на 20ms
	MaxEncodedFrameSize = 1024

	// audioPacketFlag старший бит flags помечает пакет как аудио RTP (версия 2)
	audioPacketFlag = 0x8000
)

// ErrPacketTooShort возвращается при попытке разобрать датаграмму короче заголовка
var ErrPacketTooShort = errors.New("пакет короче RTP заголовка")

// Packet аудио пакет в формате провода: заголовок, payload и (после шифрования) MAC тег.
//
// Буфер всегда имеет длину HeaderSize + PayloadLen. Емкость буфера исходящих пакетов
// заранее включает место под MAC, поэтому Encrypt не перевыделяет память.
// Пакет принадлежит одному владельцу и передается между горутинами целиком.
type Packet struct {
	buf        []byte
	payloadLen int
}

// NewPacket создает исходящий пакет с payload типа PCMU, нулевым SSRC и местом под MAC.
func NewPacket(payload []byte, sequence uint16, timestamp uint32) *Packet {
	buf := make([]byte, HeaderSize+len(payload), HeaderSize+len(payload)+MACSize)

	header := rtp.Header{
		Version:        2,
		PayloadType:    uint8(PayloadTypePCMU),
		SequenceNumber: sequence,
		Timestamp:      timestamp,
	}
	// Заголовок без CSRC и расширений всегда занимает ровно HeaderSize байт
	if _, err := header.MarshalTo(buf); err != nil {
		panic(fmt.Sprintf("маршалинг RTP заголовка: %v", err))
	}

	copy(buf[HeaderSize:], payload)

	return &Packet{
		buf:        buf,
		payloadLen: len(payload),
	}
}

// ParsePacket копирует датаграмму из сети в новый пакет.
// Проверяется только минимальный размер; подлинность проверяет srtp.Stream.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < MinPacketSize {
		return nil, fmt.Errorf("%w: %d байт (минимум %d)", ErrPacketTooShort, len(data), MinPacketSize)
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	return &Packet{
		buf:        buf,
		payloadLen: len(data) - HeaderSize,
	}, nil
}

// Flags возвращает первые 16 бит заголовка
func (p *Packet) Flags() uint16 {
	return binary.BigEndian.Uint16(p.buf[0:2])
}

// IsAudio проверяет флаг аудио пакета
func (p *Packet) IsAudio() bool {
	return p.Flags()&audioPacketFlag != 0
}

// PayloadType возвращает младшие 7 бит flags
func (p *Packet) PayloadType() PayloadType {
	return PayloadType(p.Flags() & 0x7F)
}

// SetPayloadType записывает тип payload, сохраняя остальные биты flags
func (p *Packet) SetPayloadType(pt PayloadType) {
	flags := p.Flags()&^0x7F | uint16(pt)&0x7F
	binary.BigEndian.PutUint16(p.buf[0:2], flags)
}

// SequenceNumber возвращает 16-битный номер последовательности
func (p *Packet) SequenceNumber() uint16 {
	return binary.BigEndian.Uint16(p.buf[2:4])
}

// Timestamp возвращает RTP timestamp
func (p *Packet) Timestamp() uint32 {
	return binary.BigEndian.Uint32(p.buf[4:8])
}

// SetTimestamp перезаписывает RTP timestamp (нужно для импровизированных меток).
// После SetTimestamp MAC пакета больше не совпадает, поэтому вызывать только после Decrypt.
func (p *Packet) SetTimestamp(ts uint32) {
	binary.BigEndian.PutUint32(p.buf[4:8], ts)
}

// SSRC возвращает идентификатор источника
func (p *Packet) SSRC() uint32 {
	return binary.BigEndian.Uint32(p.buf[8:12])
}

// Payload возвращает payload без MAC тега (срез поверх внутреннего буфера)
func (p *Packet) Payload() []byte {
	return p.buf[HeaderSize : HeaderSize+p.payloadLen]
}

// PayloadLen возвращает текущую длину payload
func (p *Packet) PayloadLen() int {
	return p.payloadLen
}

// SetPayloadLen изменяет длину payload. Увеличение возможно только в пределах
// емкости буфера, иначе возвращается ошибка.
func (p *Packet) SetPayloadLen(n int) error {
	if n < 0 {
		return fmt.Errorf("отрицательная длина payload: %d", n)
	}
	if HeaderSize+n > cap(p.buf) {
		return fmt.Errorf("длина payload %d превышает емкость буфера %d", n, cap(p.buf)-HeaderSize)
	}

	p.buf = p.buf[:HeaderSize+n]
	p.payloadLen = n
	return nil
}

// Bytes возвращает сериализованный пакет: заголовок + payload
func (p *Packet) Bytes() []byte {
	return p.buf
}

// Len возвращает длину сериализованного пакета
func (p *Packet) Len() int {
	return len(p.buf)
}

// Header возвращает фиксированные поля в виде pion rtp.Header
func (p *Packet) Header() rtp.Header {
	flags := p.Flags()
	return rtp.Header{
		Version:        uint8(flags >> 14),
		Marker:         flags&0x0080 != 0,
		PayloadType:    uint8(flags & 0x7F),
		SequenceNumber: p.SequenceNumber(),
		Timestamp:      p.Timestamp(),
		SSRC:           p.SSRC(),
	}
}
