package call

import (
	"errors"
	"fmt"

	"github.com/arzzra/securevoice/pkg/network"
)

// ErrorCode типизированные коды ошибок звонка
type ErrorCode int

const (
	// ErrorCodeSetup фатальная ошибка запуска звонка
	ErrorCodeSetup ErrorCode = iota + 2000
	// ErrorCodeMalformedPacket короткая датаграмма или payload короче MAC
	ErrorCodeMalformedPacket
	// ErrorCodeAuthenticationFailed неверный MAC
	ErrorCodeAuthenticationFailed
	// ErrorCodeTransport ошибка сокета на одной операции
	ErrorCodeTransport
	// ErrorCodeCrypto ошибка шифрования
	ErrorCodeCrypto
	// ErrorCodeInvalidState операция недопустима в текущем состоянии
	ErrorCodeInvalidState
)

func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeSetup:
		return "Setup"
	case ErrorCodeMalformedPacket:
		return "MalformedPacket"
	case ErrorCodeAuthenticationFailed:
		return "AuthenticationFailed"
	case ErrorCodeTransport:
		return "Transport"
	case ErrorCodeCrypto:
		return "Crypto"
	case ErrorCodeInvalidState:
		return "InvalidState"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// Error ошибка звонка с кодом, идентификатором звонка и исходной причиной
type Error struct {
	Code    ErrorCode
	Message string
	CallID  string
	Wrapped error
}

// NewError создает ошибку звонка
func NewError(code ErrorCode, callID, message string, wrapped error) *Error {
	return &Error{Code: code, Message: message, CallID: callID, Wrapped: wrapped}
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Wrapped != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Wrapped)
	}
	if e.CallID != "" {
		return fmt.Sprintf("[звонок:%s] %s: %s", e.Code, e.CallID, msg)
	}
	return fmt.Sprintf("[звонок:%s] %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки звонка по коду
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// HasErrorCode проверяет код ошибки в цепочке
func HasErrorCode(err error, code ErrorCode) bool {
	var callErr *Error
	if errors.As(err, &callErr) {
		return callErr.Code == code
	}
	return false
}

// IsRecoverable сообщает, что ошибка относится к одному пакету и звонок продолжается
func IsRecoverable(err error) bool {
	var callErr *Error
	if !errors.As(err, &callErr) {
		return false
	}
	switch callErr.Code {
	case ErrorCodeMalformedPacket, ErrorCodeAuthenticationFailed, ErrorCodeTransport, ErrorCodeCrypto:
		return true
	default:
		return false
	}
}

// classifyPacketError переводит ошибку приема или отправки в ошибку звонка
func classifyPacketError(callID string, err error) *Error {
	switch {
	case errors.Is(err, network.ErrMalformedPacket):
		return NewError(ErrorCodeMalformedPacket, callID, "некорректный пакет", err)
	case errors.Is(err, network.ErrAuthenticationFailed):
		return NewError(ErrorCodeAuthenticationFailed, callID, "пакет не прошел аутентификацию", err)
	case errors.Is(err, network.ErrCrypto):
		return NewError(ErrorCodeCrypto, callID, "ошибка шифрования", err)
	default:
		return NewError(ErrorCodeTransport, callID, "ошибка транспорта", err)
	}
}

// dropReason метка метрики отброшенных пакетов
func (e *Error) dropReason() string {
	switch e.Code {
	case ErrorCodeMalformedPacket:
		return dropMalformed
	case ErrorCodeAuthenticationFailed:
		return dropAuth
	case ErrorCodeCrypto:
		return dropCrypto
	default:
		return dropTransport
	}
}
