package srtp

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Размеры ключевого материала одного направления
const (
	CipherKeySize = 16 // AES-128
	MACKeySize    = 20 // HMAC-SHA1
	SaltSize      = 14
	IVSize        = 16
)

// StreamParameters неизменяемая тройка ключей одного направления звонка.
// Параметры отправки и приема всегда различны.
type StreamParameters struct {
	CipherKey [CipherKeySize]byte
	MACKey    [MACKeySize]byte
	Salt      [SaltSize]byte
}

// NewStreamParameters собирает параметры из срезов с проверкой длин
func NewStreamParameters(cipherKey, macKey, salt []byte) (StreamParameters, error) {
	var params StreamParameters

	if len(cipherKey) != CipherKeySize {
		return params, fmt.Errorf("ключ шифрования должен быть %d байт, получено %d", CipherKeySize, len(cipherKey))
	}
	if len(macKey) != MACKeySize {
		return params, fmt.Errorf("MAC ключ должен быть %d байт, получено %d", MACKeySize, len(macKey))
	}
	if len(salt) != SaltSize {
		return params, fmt.Errorf("соль должна быть %d байт, получено %d", SaltSize, len(salt))
	}

	copy(params.CipherKey[:], cipherKey)
	copy(params.MACKey[:], macKey)
	copy(params.Salt[:], salt)

	return params, nil
}

// ParseHexStreamParameters разбирает тройку ключей в hex (формат конфигурации)
func ParseHexStreamParameters(cipherKey, macKey, salt string) (StreamParameters, error) {
	ck, err := hex.DecodeString(cipherKey)
	if err != nil {
		return StreamParameters{}, fmt.Errorf("ключ шифрования: %w", err)
	}
	mk, err := hex.DecodeString(macKey)
	if err != nil {
		return StreamParameters{}, fmt.Errorf("MAC ключ: %w", err)
	}
	s, err := hex.DecodeString(salt)
	if err != nil {
		return StreamParameters{}, fmt.Errorf("соль: %w", err)
	}

	return NewStreamParameters(ck, mk, s)
}

// Role сторона звонка при выводе ключей из общего секрета
type Role int

const (
	RoleInitiator Role = iota // Вызывающая сторона
	RoleResponder             // Отвечающая сторона
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

const (
	labelInitiatorToResponder = "securevoice srtp initiator->responder"
	labelResponderToInitiator = "securevoice srtp responder->initiator"
	minMasterSecretSize       = 16
)

// DeriveStreamParameters выводит параметры отправки и приема из общего секрета,
// согласованного внешней сигнализацией. Параметры отправки одной стороны совпадают
// с параметрами приема другой.
func DeriveStreamParameters(masterSecret []byte, role Role) (send, recv StreamParameters, err error) {
	if len(masterSecret) < minMasterSecretSize {
		return send, recv, fmt.Errorf("общий секрет слишком короткий: %d байт (минимум %d)", len(masterSecret), minMasterSecretSize)
	}

	forward, err := deriveDirection(masterSecret, labelInitiatorToResponder)
	if err != nil {
		return send, recv, err
	}
	backward, err := deriveDirection(masterSecret, labelResponderToInitiator)
	if err != nil {
		return send, recv, err
	}

	switch role {
	case RoleInitiator:
		return forward, backward, nil
	case RoleResponder:
		return backward, forward, nil
	default:
		return send, recv, fmt.Errorf("неизвестная роль: %d", role)
	}
}

func deriveDirection(masterSecret []byte, label string) (StreamParameters, error) {
	var params StreamParameters

	reader := hkdf.New(sha256.New, masterSecret, nil, []byte(label))

	material := make([]byte, CipherKeySize+MACKeySize+SaltSize)
	if _, err := io.ReadFull(reader, material); err != nil {
		return params, fmt.Errorf("вывод ключей HKDF: %w", err)
	}

	copy(params.CipherKey[:], material[:CipherKeySize])
	copy(params.MACKey[:], material[CipherKeySize:CipherKeySize+MACKeySize])
	copy(params.Salt[:], material[CipherKeySize+MACKeySize:])

	return params, nil
}
