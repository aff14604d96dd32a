package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrTemplateNotFound   = errors.New("template not found")
	ErrAPNSNotConfigured  = errors.New("apns not configured")
	ErrStoreNotConnected  = errors.New("status store not connected")
	ErrConsumerNotStarted = errors.New("consumer not connected, call Connect first")
)

// RenderError is raised for a malformed template. It is terminal: the
// delivery engine does not retry it and it does not count against a breaker.
type RenderError struct {
	Code string
	Err  error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("template rendering error: code=%s: %v", e.Code, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// ProviderError is a failure reported by an external provider. Retryable
// distinguishes transient transport faults from terminal rejections.
type ProviderError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e ProviderError) Error() string {
	return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
}

func NewProviderError(statusCode int, message string, retryable bool) ProviderError {
	return ProviderError{
		StatusCode: statusCode,
		Message:    message,
		Retryable:  retryable,
	}
}

// IsTerminal reports whether err must not be retried by the delivery engine.
func IsTerminal(err error) bool {
	var renderErr *RenderError
	if errors.As(err, &renderErr) {
		return true
	}
	var providerErr ProviderError
	if errors.As(err, &providerErr) {
		return !providerErr.Retryable
	}
	return errors.Is(err, ErrAPNSNotConfigured)
}
