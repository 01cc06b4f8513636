package agentclient

import (
	"errors"
	"fmt"
)

// Errors returned by the clients and transports.
var (
	// ErrNotConnected is returned when an operation needs an established session.
	ErrNotConnected = errors.New("not connected")

	// ErrEmptyConversationID is returned when the service creates a conversation
	// without an identifier.
	ErrEmptyConversationID = errors.New("conversation created without an id")

	// ErrTimeout wraps requests that exceeded the configured per-call timeout.
	ErrTimeout = errors.New("request timed out")

	// ErrPollGaveUp is emitted when the poll loop exceeds the consecutive failure cap.
	ErrPollGaveUp = errors.New("poll loop gave up after consecutive failures")

	// ErrInvalidTransition is returned by the state machine for disallowed transitions.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// StatusError is returned for non-2xx HTTP responses.
// Callers can use errors.As to distinguish service rejections from network failures.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Retriable reports whether the status indicates a transient service failure.
func (e *StatusError) Retriable() bool {
	return e.Code >= 500 || e.Code == 429
}
