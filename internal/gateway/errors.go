package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrCircuitOpen is returned without a network attempt while the
	// partner's breaker is open.
	ErrCircuitOpen = errors.New("gateway: circuit open")
	// ErrTimeout means the upstream did not answer within the configured timeout.
	ErrTimeout = errors.New("gateway: upstream timeout")
	// ErrUpstreamServer covers 5xx responses and transport failures.
	ErrUpstreamServer = errors.New("gateway: upstream server error")
	// ErrUpstreamClient covers 4xx responses; the status and body are kept
	// so callers can pass them through.
	ErrUpstreamClient = errors.New("gateway: upstream client error")
)

// Error describes a failed partner call.
type Error struct {
	Kind       error
	Partner    string
	StatusCode int
	Body       []byte
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode > 0:
		return fmt.Sprintf("%s: %s (status %d)", e.Kind, e.Partner, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Partner, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Partner)
	}
}

// Is matches the kind sentinel so errors.Is(err, ErrTimeout) works.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}
