package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
)

// ErrConnection matches every *ConnectionError via errors.Is.
var ErrConnection = errors.New("cluster: backend unreachable")

// ConnectionError reports that the backend could not be reached or did not
// answer within the request timeout.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: backend unreachable: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is implements errors.Is so callers can test against ErrConnection.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

// IsConnectionError reports whether err is, or wraps, a *ConnectionError.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnection)
}

// classify wraps transport-level failures in *ConnectionError and annotates
// everything else with the operation name. Caller cancellation passes through
// untouched so shutdown is never mistaken for an outage.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if isTransportError(err) {
		return &ConnectionError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
