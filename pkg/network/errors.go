package network

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

var (
	// ErrCrypto ошибка шифрования исходящего пакета
	ErrCrypto = errors.New("ошибка шифрования пакета")

	// ErrTransport ошибка отправки или чтения одного пакета
	ErrTransport = errors.New("ошибка транспорта")

	// ErrMalformedPacket датаграмма короче заголовка или payload короче MAC
	ErrMalformedPacket = errors.New("некорректный пакет")

	// ErrAuthenticationFailed MAC не совпал
	ErrAuthenticationFailed = errors.New("пакет не прошел аутентификацию")

	// ErrNotInitialized Init не был вызван
	ErrNotInitialized = errors.New("не инициализирован")
)

// NetworkErrorType классы сетевых ошибок
type NetworkErrorType int

const (
	ErrorTypeTemporary  NetworkErrorType = iota // Временная ошибка
	ErrorTypePermanent                          // Постоянная ошибка
	ErrorTypeTimeout                            // Таймаут чтения (нормальное поведение)
	ErrorTypeConnection                         // Проблемы соединения
	ErrorTypeClosed                             // Сокет закрыт
	ErrorTypeUnknown                            // Неклассифицированная ошибка
)

func (t NetworkErrorType) String() string {
	switch t {
	case ErrorTypeTemporary:
		return "temporary"
	case ErrorTypePermanent:
		return "permanent"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeConnection:
		return "connection"
	case ErrorTypeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClassifiedError сетевая ошибка одной операции с классом.
// Всегда удовлетворяет errors.Is(err, ErrTransport).
type ClassifiedError struct {
	Type      NetworkErrorType
	Operation string
	Err       error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v (type: %s)", e.Operation, e.Err, e.Type)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Is сопоставляет ошибку с ErrTransport
func (e *ClassifiedError) Is(target error) bool {
	return target == ErrTransport
}

// classifyNetworkError анализирует сетевую ошибку и возвращает классифицированную версию
func classifyNetworkError(operation string, err error) error {
	if err == nil {
		return nil
	}

	classified := &ClassifiedError{
		Operation: operation,
		Err:       err,
		Type:      ErrorTypeUnknown,
	}

	var netErr net.Error
	switch {
	case errors.Is(err, net.ErrClosed):
		classified.Type = ErrorTypeClosed
	case errors.As(err, &netErr) && netErr.Timeout():
		classified.Type = ErrorTypeTimeout
	case isTemporaryError(err):
		classified.Type = ErrorTypeTemporary
	case isConnectionError(err):
		classified.Type = ErrorTypeConnection
	case isPermanentError(err):
		classified.Type = ErrorTypePermanent
	}

	return classified
}

// IsClosed проверяет, что ошибка вызвана закрытием сокета
func IsClosed(err error) bool {
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Type == ErrorTypeClosed
	}
	return errors.Is(err, net.ErrClosed)
}

// isTemporaryError ошибка, после которой следующий пакет можно отправить тем же сокетом
func isTemporaryError(err error) bool {
	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.ENOBUFS) {
		return true
	}
	return containsAny(err.Error(),
		"resource temporarily unavailable",
		"interrupted system call",
		"no buffer space available",
	)
}

func isConnectionError(err error) bool {
	return containsAny(err.Error(),
		"connection refused",
		"connection reset",
		"network is unreachable",
		"host is unreachable",
		"no route to host",
	)
}

func isPermanentError(err error) bool {
	return containsAny(err.Error(),
		"invalid argument",
		"address family not supported",
		"permission denied",
		"operation not supported",
	)
}

func containsAny(s string, substrs ...string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
