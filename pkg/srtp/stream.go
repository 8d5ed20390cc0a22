// Package srtp реализует SRTP-подобную защиту аудио пакетов: AES-128 в режиме
// счетчика для payload и HMAC-SHA1 (20 байт) над всем пакетом.
//
// IV строится из соли, SSRC и логического номера пакета, поэтому каждый пакет
// расшифровывается независимо от остальных и в любом порядке.
package srtp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"sync"

	"github.com/arzzra/securevoice/pkg/rtp"
)

var (
	// ErrMalformedPacket payload короче MAC тега плюс один байт
	ErrMalformedPacket = errors.New("srtp: пакет слишком короткий")

	// ErrAuthenticationFailed MAC не совпал. Такой пакет нельзя расшифровывать.
	ErrAuthenticationFailed = errors.New("srtp: ошибка аутентификации пакета")

	// ErrNotInitialized Init не был вызван
	ErrNotInitialized = errors.New("srtp: поток не инициализирован")
)

// logicalSequenceMask младшие 48 бит логического номера участвуют в IV
const logicalSequenceMask = 1<<48 - 1

// Stream защищает пакеты одного направления.
// Состояние между вызовами ограничено ключевым расписанием AES и HMAC.
type Stream struct {
	params StreamParameters

	mutex sync.Mutex
	block cipher.Block
	mac   hash.Hash
}

// NewStream создает поток; перед использованием нужен Init
func NewStream(params StreamParameters) *Stream {
	return &Stream{params: params}
}

// Init строит ключевое расписание
func (s *Stream) Init() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	block, err := aes.NewCipher(s.params.CipherKey[:])
	if err != nil {
		return fmt.Errorf("srtp: инициализация AES: %w", err)
	}

	s.block = block
	s.mac = hmac.New(sha1.New, s.params.MACKey[:])
	return nil
}

// IV возвращает вектор инициализации для пары (SSRC, логический номер):
// соль, дополненная нулями до 16 байт, младшие 16 бит SSRC XOR в байты [6..7],
// младшие 48 бит номера XOR в байты [8..13].
func (s *Stream) IV(ssrc uint32, logicalSequence uint64) [IVSize]byte {
	var iv [IVSize]byte
	copy(iv[:], s.params.Salt[:])

	iv[6] ^= byte(ssrc >> 8)
	iv[7] ^= byte(ssrc)

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], logicalSequence&logicalSequenceMask)
	for i := 0; i < 6; i++ {
		iv[8+i] ^= seq[2+i]
	}

	return iv
}

// Encrypt шифрует payload на месте и дописывает MAC. Буфер пакета должен иметь
// запас емкости под MAC (rtp.NewPacket его резервирует).
func (s *Stream) Encrypt(packet *rtp.Packet, logicalSequence uint64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.block == nil {
		return ErrNotInitialized
	}

	if room := cap(packet.Bytes()) - packet.Len(); room < rtp.MACSize {
		return fmt.Errorf("srtp: нет места под MAC: свободно %d байт из %d", room, rtp.MACSize)
	}

	s.applyKeystream(packet, logicalSequence)

	payloadLen := packet.PayloadLen()
	tag := s.computeMAC(packet.Bytes())

	if err := packet.SetPayloadLen(payloadLen + rtp.MACSize); err != nil {
		return fmt.Errorf("srtp: нет места под MAC: %w", err)
	}
	copy(packet.Payload()[payloadLen:], tag)

	return nil
}

// Decrypt проверяет MAC, отрезает его и расшифровывает payload на месте
func (s *Stream) Decrypt(packet *rtp.Packet, logicalSequence uint64) error {
	if err := s.Verify(packet); err != nil {
		return err
	}
	return s.DecryptPayload(packet, logicalSequence)
}

// Verify проверяет MAC и при успехе уменьшает payload на размер тега.
// Не зависит от логического номера, поэтому вызывается до разворачивания sequence.
func (s *Stream) Verify(packet *rtp.Packet) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.block == nil {
		return ErrNotInitialized
	}

	payloadLen := packet.PayloadLen()
	if payloadLen < rtp.MACSize+1 {
		return fmt.Errorf("%w: payload %d байт (минимум %d)", ErrMalformedPacket, payloadLen, rtp.MACSize+1)
	}

	data := packet.Bytes()
	body := data[:len(data)-rtp.MACSize]
	received := data[len(data)-rtp.MACSize:]

	if !hmac.Equal(s.computeMAC(body), received) {
		return ErrAuthenticationFailed
	}

	return packet.SetPayloadLen(payloadLen - rtp.MACSize)
}

// DecryptPayload расшифровывает payload уже проверенного пакета
func (s *Stream) DecryptPayload(packet *rtp.Packet, logicalSequence uint64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.block == nil {
		return ErrNotInitialized
	}

	s.applyKeystream(packet, logicalSequence)
	return nil
}

// applyKeystream накладывает ключевой поток CTR на payload. Вызывается под mutex.
func (s *Stream) applyKeystream(packet *rtp.Packet, logicalSequence uint64) {
	iv := s.IV(packet.SSRC(), logicalSequence)
	payload := packet.Payload()
	cipher.NewCTR(s.block, iv[:]).XORKeyStream(payload, payload)
}

// computeMAC считает HMAC-SHA1 над data. Вызывается под mutex.
func (s *Stream) computeMAC(data []byte) []byte {
	s.mac.Reset()
	s.mac.Write(data)
	return s.mac.Sum(nil)
}
