package anchor

import (
	"context"
	"errors"
	"fmt"

	"docseal/pkg/platform/sentinel"
)

// ErrorCategory normalizes backend failures for logs and metrics.
type ErrorCategory string

const (
	ErrorTimeout     ErrorCategory = "timeout"
	ErrorOutage      ErrorCategory = "outage"
	ErrorBadResponse ErrorCategory = "bad_response"
	ErrorCircuitOpen ErrorCategory = "circuit_open"
)

// BackendError wraps a failed submission with its category.
type BackendError struct {
	Category   ErrorCategory
	Backend    string
	Underlying error
}

func (e *BackendError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("anchor backend %s [%s]: %v", e.Backend, e.Category, e.Underlying)
	}
	return fmt.Sprintf("anchor backend %s [%s]", e.Backend, e.Category)
}

func (e *BackendError) Unwrap() error {
	return e.Underlying
}

// Is matches the infrastructure sentinel for the category.
func (e *BackendError) Is(target error) bool {
	switch e.Category {
	case ErrorTimeout:
		return target == sentinel.ErrTimeout
	case ErrorBadResponse:
		return target == sentinel.ErrBadResponse
	}
	return target == sentinel.ErrUnavailable
}

func newBackendError(backend string, underlying error) *BackendError {
	var be *BackendError
	if errors.As(underlying, &be) {
		return be
	}
	category := ErrorOutage
	switch {
	case errors.Is(underlying, context.DeadlineExceeded), errors.Is(underlying, sentinel.ErrTimeout):
		category = ErrorTimeout
	case errors.Is(underlying, sentinel.ErrBadResponse):
		category = ErrorBadResponse
	}
	return &BackendError{Category: category, Backend: backend, Underlying: underlying}
}

// CategoryOf extracts the failure category, defaulting to outage.
func CategoryOf(err error) ErrorCategory {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Category
	}
	return ErrorOutage
}
