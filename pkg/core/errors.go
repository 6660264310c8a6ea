package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned when a send is attempted while the
	// transport is not in the connected state. Sends are never queued.
	ErrNotConnected = errors.New("transport not connected")

	// ErrAckAbandoned is delivered to pending acknowledged requests when the
	// physical connection they were sent on goes away.
	ErrAckAbandoned = errors.New("acknowledgement abandoned: connection lost")

	// ErrUnknownHandler reports a detach of a handler that was never attached.
	ErrUnknownHandler = errors.New("handler was never attached")
)

// ValidationError reports bad caller input.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ConnectionTimeoutError reports that connection establishment did not
// complete within its budget.
type ConnectionTimeoutError struct {
	Timeout time.Duration
}

func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("connection timed out after %s", e.Timeout)
}

// ConnectionError is a transport level failure, either while establishing a
// connection or at runtime.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "connection error: " + e.Op
	}
	return fmt.Sprintf("connection error: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TokenError reports a malformed or missing auth response.
type TokenError struct {
	Reason string
	Err    error
}

func (e *TokenError) Error() string {
	if e.Err == nil {
		return "token: " + e.Reason
	}
	return fmt.Sprintf("token: %s: %v", e.Reason, e.Err)
}

func (e *TokenError) Unwrap() error { return e.Err }

// AckError carries a failure the server signalled for one acknowledged
// request.
type AckError struct {
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

func (e *AckError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("server error %d: %s", e.Status, e.Message)
	}
	return "server error: " + e.Message
}
