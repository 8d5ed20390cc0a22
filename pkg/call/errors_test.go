package call

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arzzra/securevoice/pkg/network"
)

func TestErrorFormatting(t *testing.T) {
	err := NewError(ErrorCodeSetup, "call-1", "ошибка запуска", errors.New("нет движка"))
	assert.Equal(t, "[звонок:Setup] call-1: ошибка запуска: нет движка", err.Error())

	err = NewError(ErrorCodeTransport, "", "сбой", nil)
	assert.Equal(t, "[звонок:Transport] сбой", err.Error())

	assert.Equal(t, "Unknown(1)", ErrorCode(1).String())
}

func TestErrorMatching(t *testing.T) {
	cause := errors.New("причина")
	err := fmt.Errorf("обертка: %w", NewError(ErrorCodeAuthenticationFailed, "c", "mac", cause))

	assert.True(t, errors.Is(err, &Error{Code: ErrorCodeAuthenticationFailed}))
	assert.False(t, errors.Is(err, &Error{Code: ErrorCodeSetup}))
	assert.ErrorIs(t, err, cause)
	assert.True(t, HasErrorCode(err, ErrorCodeAuthenticationFailed))
	assert.False(t, HasErrorCode(cause, ErrorCodeAuthenticationFailed))
}

func TestClassifyPacketError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		code        ErrorCode
		reason      string
		recoverable bool
	}{
		{"Некорректный пакет", fmt.Errorf("%w: 3 байт", network.ErrMalformedPacket), ErrorCodeMalformedPacket, dropMalformed, true},
		{"Неверный MAC", network.ErrAuthenticationFailed, ErrorCodeAuthenticationFailed, dropAuth, true},
		{"Шифрование", network.ErrCrypto, ErrorCodeCrypto, dropCrypto, true},
		{"Сокет", &network.ClassifiedError{Type: network.ErrorTypeConnection, Operation: "UDP write", Err: errors.New("connection refused")}, ErrorCodeTransport, dropTransport, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			callErr := classifyPacketError("c", tt.err)
			assert.Equal(t, tt.code, callErr.Code)
			assert.Equal(t, tt.reason, callErr.dropReason())
			assert.Equal(t, tt.recoverable, IsRecoverable(callErr))
			assert.ErrorIs(t, callErr, tt.err)
		})
	}

	assert.False(t, IsRecoverable(NewError(ErrorCodeSetup, "", "", nil)))
	assert.False(t, IsRecoverable(errors.New("не ошибка звонка")))
}
