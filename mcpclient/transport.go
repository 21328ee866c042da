package mcpclient

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/ggoodman/mcp-client-go/internal/jsonrpc"
)

// lineTransport writes one JSON message per line to the worker's stdin. The
// whole line goes out in a single Write while the one-slot sem is held, so
// concurrent senders never interleave.
//
// A write still blocked when its context ends leaves the stream in an unknown
// state: the transport is marked broken and onStall is told so the owner can
// tear the worker down, which in turn unblocks the write.
type lineTransport struct {
	w       io.Writer
	sem     chan struct{}
	onStall func()
	broken  atomic.Bool
}

func newLineTransport(w io.Writer, onStall func()) *lineTransport {
	return &lineTransport{w: w, sem: make(chan struct{}, 1), onStall: onStall}
}

func (t *lineTransport) Send(ctx context.Context, req *jsonrpc.Request) error {
	return t.write(ctx, req)
}

func (t *lineTransport) write(ctx context.Context, v any) error {
	line, err := jsonrpc.EncodeLine(v)
	if err != nil {
		return err
	}

	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if t.broken.Load() {
		<-t.sem
		return ErrConnectionClosed
	}

	done := make(chan error, 1)
	go func() {
		_, err := t.w.Write(line)
		<-t.sem
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("write to worker: %w", err)
		}
		return nil
	case <-ctx.Done():
		if t.broken.CompareAndSwap(false, true) && t.onStall != nil {
			t.onStall()
		}
		return ctx.Err()
	}
}
