package mcpclient

import (
	"fmt"

	"github.com/ggoodman/mcp-client-go/internal/outbound"
	"github.com/ggoodman/mcp-client-go/internal/process"
)

// Re-exported error types so callers never import internal packages.
type (
	// ProcessStartError reports that the worker executable could not be
	// launched.
	ProcessStartError = process.StartError
	// ProtocolError reports a reply that decoded but was unusable, or a
	// connection that ended while calls were outstanding.
	ProtocolError = outbound.ProtocolError
	// TimeoutError reports that no reply arrived before the call deadline.
	// errors.Is(err, context.DeadlineExceeded) holds for it.
	TimeoutError = outbound.TimeoutError
	// ToolInvocationError is a JSON-RPC error reply from the worker.
	ToolInvocationError = outbound.RemoteError
)

// ErrConnectionClosed is delivered to every call outstanding when the
// worker's output ends. Match it with errors.Is.
var ErrConnectionClosed = outbound.ErrConnectionClosed

// StateError reports an operation attempted in a lifecycle state that does
// not allow it. No I/O is performed when it is returned.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("mcpclient: cannot %s: session is %s", e.Op, e.State)
}
