package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ErrorKind classifies engine failures. The kind decides whether a failing
// step is retried and is recorded on every failed step log row.
type ErrorKind string

const (
	ErrorKindConfiguration       ErrorKind = "CONFIGURATION"
	ErrorKindConditionEvaluation ErrorKind = "CONDITION_EVALUATION_ERROR"
	ErrorKindActionExecution     ErrorKind = "ACTION_EXECUTION_ERROR"
)

// EngineError is a classified error. It supports errors.Is and errors.As
// through Unwrap.
type EngineError struct {
	Kind      ErrorKind
	Transient bool
	Cause     string
	Wrapped   error
}

func (e *EngineError) Error() string {
	if e.Transient {
		return fmt.Sprintf("%s (transient): %s", e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
}

func (e *EngineError) Unwrap() error {
	return e.Wrapped
}

func NewConfigurationError(format string, args ...any) *EngineError {
	return &EngineError{Kind: ErrorKindConfiguration, Cause: fmt.Sprintf(format, args...)}
}

func NewConditionError(format string, args ...any) *EngineError {
	return &EngineError{Kind: ErrorKindConditionEvaluation, Cause: fmt.Sprintf(format, args...)}
}

// NewTransientActionError marks a failure worth retrying: timeouts, 5xx, network.
func NewTransientActionError(err error, format string, args ...any) *EngineError {
	return &EngineError{Kind: ErrorKindActionExecution, Transient: true, Cause: causeOf(err, format, args), Wrapped: err}
}

// NewPermanentActionError marks a failure that will not improve with retries: 4xx, rejected input.
func NewPermanentActionError(err error, format string, args ...any) *EngineError {
	return &EngineError{Kind: ErrorKindActionExecution, Cause: causeOf(err, format, args), Wrapped: err}
}

func causeOf(err error, format string, args []any) string {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		return msg + ": " + err.Error()
	}
	return msg
}

// ClassifyError returns err as an EngineError. Unclassified errors are
// action execution errors, transient when they look like timeouts or
// network faults.
func ClassifyError(err error) *EngineError {
	if err == nil {
		return nil
	}
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}
	return &EngineError{
		Kind:      ErrorKindActionExecution,
		Transient: isTransientByType(err),
		Cause:     err.Error(),
		Wrapped:   err,
	}
}

func IsTransient(err error) bool {
	e := ClassifyError(err)
	return e != nil && e.Transient
}

func IsConfigurationError(err error) bool {
	e := ClassifyError(err)
	return e != nil && e.Kind == ErrorKindConfiguration
}

func isTransientByType(err error) bool {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, context.Canceled):
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return isTransientByType(urlErr.Err)
	}
	return false
}
