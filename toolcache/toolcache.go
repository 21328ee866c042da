// Package toolcache memoizes successful tool results in a storage.Storage.
package toolcache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-client-go/mcpclient"
	"github.com/ggoodman/mcp-client-go/storage"
)

// DefaultTTL applies when no WithTTL option is given.
const DefaultTTL = 5 * time.Minute

// Option customizes a Caller.
type Option func(*Caller)

// WithTTL sets how long results stay cached.
func WithTTL(ttl time.Duration) Option {
	return func(c *Caller) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Caller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithTools restricts caching to the named tools. By default every tool is
// cached.
func WithTools(names ...string) Option {
	return func(c *Caller) {
		c.only = make(map[string]bool, len(names))
		for _, n := range names {
			c.only[n] = true
		}
	}
}

// Stats counts cache outcomes.
type Stats struct {
	Hits   uint64
	Misses uint64
	Errors uint64
}

// Caller wraps a ToolCaller for one worker. Errors and results flagged
// isError are never stored. Storage failures are logged and the call goes
// through to the worker.
type Caller struct {
	inner  mcpclient.ToolCaller
	store  storage.Storage
	server string
	ttl    time.Duration
	only   map[string]bool
	log    *slog.Logger

	hits, misses, storeErrs atomic.Uint64
}

var _ mcpclient.ToolCaller = (*Caller)(nil)

// New wraps inner. server names the cache namespace and should be stable
// across restarts so that shared backends stay warm.
func New(inner mcpclient.ToolCaller, store storage.Storage, server string, opts ...Option) *Caller {
	c := &Caller{
		inner:  inner,
		store:  store,
		server: server,
		ttl:    DefaultTTL,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CallTool returns a cached result when one exists, otherwise calls the
// worker and caches a successful result.
func (c *Caller) CallTool(ctx context.Context, name string, args any) (json.RawMessage, error) {
	if c.only != nil && !c.only[name] {
		return c.inner.CallTool(ctx, name, args)
	}

	key, err := Key(name, args)
	if err != nil {
		return nil, err
	}
	ns := storage.WithTool(c.server, name)

	item, err := c.store.Get(ctx, key, ns)
	switch {
	case err != nil:
		c.storeErrs.Add(1)
		c.log.WarnContext(ctx, "toolcache.get.failed", slog.String("tool", name), slog.String("err", err.Error()))
	case item != nil:
		c.hits.Add(1)
		return json.RawMessage(item.Data), nil
	default:
		c.misses.Add(1)
	}

	res, err := c.inner.CallTool(ctx, name, args)
	if err != nil {
		return nil, err
	}
	if isErrorResult(res) {
		return res, nil
	}
	if err := c.store.Set(ctx, key, res, ns, storage.WithTTL(c.ttl)); err != nil {
		c.storeErrs.Add(1)
		c.log.WarnContext(ctx, "toolcache.set.failed", slog.String("tool", name), slog.String("err", err.Error()))
	}
	return res, nil
}

// Invalidate drops every cached result for this worker.
func (c *Caller) Invalidate(ctx context.Context) error {
	return c.store.Delete(ctx, storage.WithServer(c.server))
}

// Stats returns hit, miss and storage error counts.
func (c *Caller) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Errors: c.storeErrs.Load()}
}

// Key derives the cache key for a call: a hash of the tool name and the
// arguments in canonical JSON form, so that key order in maps and struct
// versus map arguments do not matter.
func Key(name string, args any) (string, error) {
	canon, err := canonicalJSON(args)
	if err != nil {
		return "", fmt.Errorf("toolcache: arguments for %s: %w", name, err)
	}
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func canonicalJSON(args any) ([]byte, error) {
	if args == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	// Numbers stay json.Number so large integers keep every digit.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if v == nil {
		return []byte("{}"), nil
	}
	// encoding/json sorts map keys.
	return json.Marshal(v)
}

func isErrorResult(raw json.RawMessage) bool {
	var envelope struct {
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return true
	}
	return envelope.IsError
}
