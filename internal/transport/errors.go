package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"podagent/internal/remote"
)

// Kind classifies a transport failure.
type Kind string

const (
	KindTimeout           Kind = "timeout"
	KindConnection        Kind = "connection"
	KindUnavailable       Kind = "unavailable"
	KindCancelUnconfirmed Kind = "cancel_unconfirmed"
)

// ErrCancelled is returned when a call was cancelled and the remote side is known to be stopped.
var ErrCancelled = errors.New("cancelled")

// ErrorPrefix starts the message of every TransportError.
const ErrorPrefix = "transport error"

// TransportError is the only error the adapter produces for transient failures
// it gave up on. Low-level causes are flattened into Detail.
type TransportError struct {
	Kind     Kind
	Op       string
	Attempts int
	Detail   string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s (%s) during %s after %d attempt(s): %s", ErrorPrefix, e.Kind, e.Op, e.Attempts, e.Detail)
}

// failure is the classification of one attempt's error.
type failure struct {
	kind      Kind
	transient bool
	// unsent means the request never reached the remote side.
	unsent bool
}

func classify(err error) failure {
	var connErr *remote.ConnectError
	if errors.As(err, &connErr) {
		return failure{kind: KindConnection, transient: true, unsent: true}
	}

	var statusErr *remote.StatusError
	if errors.As(err, &statusErr) {
		if !statusErr.Temporary() {
			return failure{}
		}
		unsent := statusErr.Code == 429 || statusErr.Code == 503
		return failure{kind: KindUnavailable, transient: true, unsent: unsent}
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return failure{kind: KindConnection, transient: true, unsent: true}
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return failure{kind: KindConnection, transient: true}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return failure{kind: KindTimeout, transient: true}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return failure{kind: KindTimeout, transient: true}
	}
	return failure{}
}
