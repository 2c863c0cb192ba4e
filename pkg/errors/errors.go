// Package errors defines the pipeline's error taxonomy. Sentinels classify a
// failure so bus handlers and HTTP surfaces can decide between redelivery,
// no-op, and operator attention.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrTransientService    = errors.New("transient service error")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrDataIntegrity       = errors.New("data integrity violation")
	ErrInternal            = errors.New("internal error")
	ErrTimeout             = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// IsRetryable reports whether redelivering the message that produced err can
// succeed without a change elsewhere. Integrity violations and invalid input
// need the producing stage to be reprocessed instead.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrDataIntegrity), errors.Is(err, ErrInvalidInput):
		return false
	default:
		return true
	}
}

// FromHTTPStatus classifies a failed response of an external service.
// Throttling and server faults are transient; 404 is not-found.
func FromHTTPStatus(service string, status int, body string) error {
	if len(body) > 256 {
		body = body[:256]
	}
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s returned %d: %s", ErrNotFound, service, status, body)
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return fmt.Errorf("%w: %s returned %d: %s", ErrTransientService, service, status, body)
	case status == http.StatusConflict, status == http.StatusPreconditionFailed:
		return fmt.Errorf("%w: %s returned %d: %s", ErrConcurrencyConflict, service, status, body)
	case status >= 400:
		return fmt.Errorf("%w: %s returned %d: %s", ErrInvalidInput, service, status, body)
	}
	return nil
}

// IsNotFound reports whether err marks a missing record or object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrDataIntegrity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrTransientService), errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
