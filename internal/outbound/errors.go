package outbound

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDispatcherClosed indicates the dispatcher is closed.
	ErrDispatcherClosed = errors.New("dispatcher closed")
	// ErrConnectionClosed is the error delivered to every outstanding call
	// when the peer's output stream ends.
	ErrConnectionClosed = &ProtocolError{Reason: "connection closed"}
)

// RemoteError is an explicit error response from the peer.
type RemoteError struct {
	Method  string
	Code    int
	Message string
	Data    any
}

func (e *RemoteError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s failed with remote error %d: %s", e.Method, e.Code, e.Message)
}

// TimeoutError indicates no response arrived before the call's deadline.
type TimeoutError struct {
	Method string
	ID     string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s (id %s) timed out waiting for a response", e.Method, e.ID)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// ProtocolError indicates a message that decoded but is unusable where it was
// required, or a connection that ended underneath a call.
type ProtocolError struct {
	Method string
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Method == "" {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error in %s: %s", e.Method, e.Reason)
}

// Is lets errors.Is(err, ErrConnectionClosed) match by reason.
func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	if !ok {
		return false
	}
	return t.Method == "" && t.Reason == e.Reason
}
