package core

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors. Match with errors.Is.
var (
	ErrUnknownEndpoint   = errors.New("unknown endpoint")
	ErrDuplicateEndpoint = errors.New("duplicate endpoint")
	ErrCancelled         = errors.New("connect cancelled")
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrClosed            = errors.New("controller closed")
)

// UnknownEndpointError is returned for catalog lookups of an absent id.
type UnknownEndpointError struct {
	ID string
}

func (e *UnknownEndpointError) Error() string {
	return fmt.Sprintf("unknown endpoint %q", e.ID)
}

// Is makes errors.Is(err, ErrUnknownEndpoint) match.
func (e *UnknownEndpointError) Is(target error) bool {
	return target == ErrUnknownEndpoint
}

// TransportError is a handshake or teardown failure reported by a driver.
// Error returns Reason verbatim so it can be shown as the session's last
// error.
type TransportError struct {
	Op     string // "establish" or "teardown"
	Reason string
	Err    error
}

// NewTransportError builds a TransportError with no underlying cause.
func NewTransportError(op, reason string) *TransportError {
	return &TransportError{Op: op, Reason: reason}
}

func (e *TransportError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Op + " failed"
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// AsTransportError normalizes a driver error. Typed errors pass through,
// deadline expiry becomes reason "timeout", anything else is wrapped.
func AsTransportError(op string, err error) *TransportError {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{Op: op, Reason: "timeout", Err: err}
	}
	return &TransportError{Op: op, Reason: err.Error(), Err: err}
}
