package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error is a failed call to an embedding provider.
type Error struct {
	StatusCode int
	Provider   string
	Model      string
	Message    string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("embedding %s/%s: status %d: %s", e.Provider, e.Model, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("embedding %s/%s: %s", e.Provider, e.Model, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newStatusError(provider, model string, status int, message string) *Error {
	return &Error{
		StatusCode: status,
		Provider:   provider,
		Model:      model,
		Message:    message,
		Retryable:  status == http.StatusTooManyRequests || status >= 500,
	}
}

func newTransportError(provider, model string, err error) *Error {
	return &Error{
		Provider:  provider,
		Model:     model,
		Message:   err.Error(),
		Retryable: !errors.Is(err, context.Canceled),
		Err:       err,
	}
}

func newResponseError(provider, model, message string) *Error {
	return &Error{
		Provider: provider,
		Model:    model,
		Message:  message,
	}
}

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}
