package server

import (
	"fmt"
	"net/http"
)

// ProcessorError is an error whose HTTP status is sent to the client
// verbatim. Every other error a handler returns becomes a 500.
type ProcessorError struct {
	Status      int
	Code        string // machine readable, e.g. "invalid_request"
	Description string // safe to show to clients
	Err         error  // wrapped cause, never shown to clients
	Header      http.Header
}

func (e *ProcessorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *ProcessorError) Unwrap() error { return e.Err }

// WithHeader adds a response header sent along with the error.
func (e *ProcessorError) WithHeader(key, value string) *ProcessorError {
	if e.Header == nil {
		e.Header = make(http.Header)
	}
	e.Header.Add(key, value)
	return e
}

// Wrap attaches a cause.
func (e *ProcessorError) Wrap(err error) *ProcessorError {
	e.Err = err
	return e
}

// NewProcessorError creates a ProcessorError.
func NewProcessorError(status int, code, description string) *ProcessorError {
	return &ProcessorError{Status: status, Code: code, Description: description}
}

// Common processor errors.
var (
	BadRequest = func(desc string) *ProcessorError {
		return NewProcessorError(http.StatusBadRequest, "invalid_request", desc)
	}

	Unauthorized = func(desc string) *ProcessorError {
		return NewProcessorError(http.StatusUnauthorized, "unauthorized", desc)
	}

	NotFound = func(desc string) *ProcessorError {
		return NewProcessorError(http.StatusNotFound, "not_found", desc)
	}

	MethodNotAllowed = func(desc string) *ProcessorError {
		return NewProcessorError(http.StatusMethodNotAllowed, "method_not_allowed", desc)
	}

	Gone = func(desc string) *ProcessorError {
		return NewProcessorError(http.StatusGone, "gone", desc)
	}

	RequestTooLarge = func(desc string) *ProcessorError {
		return NewProcessorError(http.StatusRequestEntityTooLarge, "request_too_large", desc)
	}

	ServiceUnavailable = func(desc string) *ProcessorError {
		return NewProcessorError(http.StatusServiceUnavailable, "service_unavailable", desc)
	}

	TooManyRequests = func(desc string) *ProcessorError {
		return NewProcessorError(http.StatusTooManyRequests, "rate_limit_exceeded", desc).WithHeader("Retry-After", "1")
	}
)
