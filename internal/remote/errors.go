package remote

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when the provider has no such instance.
	ErrNotFound = errors.New("instance not found")

	// ErrStopped reports that a cancelled remote operation is known to have stopped.
	ErrStopped = errors.New("remote operation stopped")

	// ErrStopUnconfirmed reports that a cancelled remote operation may still be running.
	ErrStopUnconfirmed = errors.New("remote operation stop unconfirmed")

	// ErrNotReady is returned when an instance cannot accept commands yet.
	ErrNotReady = errors.New("instance not ready")
)

// StatusError is a non-success HTTP (or HTTP-like API) status from a provider.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Code, e.Body)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	switch e.Code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// ConnectError wraps a failure that happened before a request reached the remote side.
type ConnectError struct {
	Op  string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s: connect: %v", e.Op, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ExitError is returned when a command exits with a non-zero status.
type ExitError struct {
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.Code)
}
