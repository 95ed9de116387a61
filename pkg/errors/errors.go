package errors

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedTask         = errors.New("malformed task")
	ErrEmptyResponse         = errors.New("empty capability response")
	ErrNoStructuredResult    = errors.New("no structured result in response")
	ErrCapabilityUnavailable = errors.New("external capability unavailable")
	ErrDatastore             = errors.New("datastore error")
	ErrDuplicateReceipt      = errors.New("duplicate receipt")
	ErrTimeout               = errors.New("operation timed out")
)

// AppError pairs an internal cause with the message shown to the chat user.
type AppError struct {
	Err     error
	Message string
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, message string) *AppError {
	return &AppError{
		Err:     sentinel,
		Message: message,
	}
}

func Newf(sentinel error, format string, args ...any) *AppError {
	return &AppError{
		Err:     sentinel,
		Message: fmt.Sprintf(format, args...),
	}
}

// UserMessage returns the user-facing message carried by err, or fallback
// when err does not wrap an AppError.
func UserMessage(err error, fallback string) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	switch {
	case errors.Is(err, ErrEmptyResponse), errors.Is(err, ErrNoStructuredResult):
		return "❌ IA no generó resultado."
	case errors.Is(err, ErrCapabilityUnavailable), errors.Is(err, ErrTimeout):
		return "❌ Servicio externo no disponible, inténtalo más tarde."
	default:
		return fallback
	}
}
