package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-client-go/internal/jsonrpc"
)

// Transport writes one JSON-RPC message to the peer. Implementations must
// serialize concurrent writers so that two messages never interleave.
type Transport interface {
	Send(ctx context.Context, msg *jsonrpc.Request) error
}

type pendingCall struct {
	respCh chan *jsonrpc.Response
	errCh  chan error
}

// Dispatcher coordinates client-initiated JSON-RPC requests with correlation
// and response routing. It is transport-agnostic: the owner feeds it decoded
// responses through OnResponse and tears it down with Close.
type Dispatcher struct {
	t Transport

	mu       sync.Mutex
	pending  map[string]*pendingCall // id.String() -> call
	closeErr error

	nextID atomic.Int64
	closed atomic.Bool
}

// New constructs a Dispatcher using the provided transport.
func New(t Transport) *Dispatcher {
	return &Dispatcher{t: t, pending: make(map[string]*pendingCall)}
}

// Call sends a JSON-RPC request and waits for its response, the context's
// deadline, or Close. The pending entry is removed on every return path.
//
// A successful call returns the raw result, which is nil when the peer
// omitted it. Error responses surface as *RemoteError, missed deadlines as
// *TimeoutError, and responses carrying both result and error as
// *ProtocolError.
func (d *Dispatcher) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := d.err(); err != nil {
		return nil, err
	}

	id := jsonrpc.NewRequestID(d.nextID.Add(1))
	key := id.String()

	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	// Register before sending; a fast peer may answer before Send returns.
	pc := &pendingCall{respCh: make(chan *jsonrpc.Response, 1), errCh: make(chan error, 1)}
	d.mu.Lock()
	if d.closed.Load() {
		err := d.closeErr
		d.mu.Unlock()
		return nil, err
	}
	d.pending[key] = pc
	d.mu.Unlock()
	defer d.forget(key)

	if err := d.t.Send(ctx, req); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Method: method, ID: key}
		}
		return nil, err
	}

	select {
	case resp := <-pc.respCh:
		if resp.Error != nil {
			if len(resp.Result) > 0 {
				return nil, &ProtocolError{Method: method, Reason: resp.Validate().Error()}
			}
			return nil, &RemoteError{
				Method:  method,
				Code:    int(resp.Error.Code),
				Message: resp.Error.Message,
				Data:    resp.Error.Data,
			}
		}
		// An omitted result comes back as nil; callers that require one
		// report it as a ProtocolError themselves.
		return resp.Result, nil
	case err := <-pc.errCh:
		return nil, err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Method: method, ID: key}
		}
		return nil, ctx.Err()
	}
}

// Notify sends a JSON-RPC notification. No id is allocated and nothing is
// registered; transmission errors are returned synchronously.
func (d *Dispatcher) Notify(ctx context.Context, method string, params any) error {
	if err := d.err(); err != nil {
		return err
	}
	req, err := jsonrpc.NewRequest(nil, method, params)
	if err != nil {
		return err
	}
	return d.t.Send(ctx, req)
}

// OnResponse delivers an incoming response to a waiting call. It reports
// whether a waiter was found; unmatched responses are dropped.
func (d *Dispatcher) OnResponse(resp *jsonrpc.Response) bool {
	if resp == nil || resp.ID.IsNil() {
		return false
	}
	key := resp.ID.String()
	d.mu.Lock()
	pc, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		pc.respCh <- resp
	}
	return ok
}

// Pending returns the number of calls sent but not yet resolved.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close fails all pending calls with the provided error and prevents new
// calls. Only the first Close has an effect.
func (d *Dispatcher) Close(err error) {
	if err == nil {
		err = ErrDispatcherClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.closeErr = err
	for key, pc := range d.pending {
		delete(d.pending, key)
		pc.errCh <- err
	}
}

func (d *Dispatcher) forget(key string) {
	d.mu.Lock()
	delete(d.pending, key)
	d.mu.Unlock()
}

func (d *Dispatcher) err() error {
	if !d.closed.Load() {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeErr
}
