package mcpclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ToolCaller is anything that can invoke a named tool. *Session and the
// callers returned by Registry.Bind satisfy it.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args any) (json.RawMessage, error)
}

var _ ToolCaller = (*Session)(nil)

type registryEntry struct {
	// gate is a one-slot lock serializing starts for one signature without
	// blocking others. Waiters in Get give up when their context ends.
	gate    chan struct{}
	session *Session
}

func newRegistryEntry() *registryEntry {
	return &registryEntry{gate: make(chan struct{}, 1)}
}

func (e *registryEntry) lock() { e.gate <- struct{}{} }

func (e *registryEntry) lockContext(ctx context.Context) error {
	select {
	case e.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *registryEntry) unlock() { <-e.gate }

// Registry caches one live Session per worker signature. The zero value is
// not usable; construct with NewRegistry.
type Registry struct {
	cfg config
	log *slog.Logger

	mu      sync.Mutex
	entries map[string]*registryEntry
}

// NewRegistry constructs an empty registry. opts apply to every session it
// creates.
func NewRegistry(opts ...Option) *Registry {
	cfg := newConfig(opts)
	return &Registry{cfg: cfg, log: cfg.log, entries: make(map[string]*registryEntry)}
}

// Signature identifies a worker by its argument vector and environment
// overrides. Two calls with equal inputs produce equal signatures regardless
// of map order.
func Signature(command []string, env map[string]string) string {
	var b strings.Builder
	for _, arg := range command {
		b.WriteString(arg)
		b.WriteByte(0)
	}
	b.WriteByte(0)
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(env[k])
		b.WriteByte(0)
	}
	return b.String()
}

// Get returns the cached Ready session for (command, env), starting one if
// none exists or the cached one has stopped or failed. Concurrent callers for
// the same signature share a single start. A failed start is returned and
// not cached. A caller waiting on another's start returns ctx.Err() once its
// context ends.
func (r *Registry) Get(ctx context.Context, command []string, env map[string]string) (*Session, error) {
	sig := Signature(command, env)
	e, err := r.lockEntry(ctx, sig)
	if err != nil {
		return nil, err
	}
	defer e.unlock()

	if s := e.session; s != nil {
		st := s.State()
		if !st.Terminal() {
			if err := s.Start(ctx); err != nil {
				return nil, err
			}
			return s, nil
		}
		r.log.Info("registry.session.replace", slog.String("session_id", s.ID()), slog.String("state", st.String()))
		e.session = nil
		go s.Stop()
	}

	s := newSession(command, env, r.cfg)
	if err := s.Start(ctx); err != nil {
		r.forget(sig, e)
		return nil, err
	}
	e.session = s
	return s, nil
}

// lockEntry returns the entry for sig with its gate held, creating it if
// needed. An entry removed by Evict or ShutdownAll while we waited for its
// gate is abandoned and the lookup retried.
func (r *Registry) lockEntry(ctx context.Context, sig string) (*registryEntry, error) {
	for {
		r.mu.Lock()
		e, ok := r.entries[sig]
		if !ok {
			e = newRegistryEntry()
			r.entries[sig] = e
		}
		r.mu.Unlock()

		if err := e.lockContext(ctx); err != nil {
			return nil, err
		}
		r.mu.Lock()
		current := r.entries[sig] == e
		r.mu.Unlock()
		if current {
			return e, nil
		}
		e.unlock()
	}
}

// forget removes e if it is still the entry for sig and holds no session.
// Called with e's gate held.
func (r *Registry) forget(sig string, e *registryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[sig] == e && e.session == nil {
		delete(r.entries, sig)
	}
}

// Sessions returns the cached sessions keyed by signature.
func (r *Registry) Sessions() map[string]*Session {
	r.mu.Lock()
	entries := make(map[string]*registryEntry, len(r.entries))
	for sig, e := range r.entries {
		entries[sig] = e
	}
	r.mu.Unlock()

	out := make(map[string]*Session, len(entries))
	for sig, e := range entries {
		e.lock()
		if e.session != nil {
			out[sig] = e.session
		}
		e.unlock()
	}
	return out
}

// Evict stops and removes the session for signature, if any.
func (r *Registry) Evict(signature string) {
	r.mu.Lock()
	e, ok := r.entries[signature]
	delete(r.entries, signature)
	r.mu.Unlock()
	if !ok {
		return
	}
	e.lock()
	s := e.session
	e.session = nil
	e.unlock()
	if s != nil {
		r.log.Debug("registry.evict", slog.String("session_id", s.ID()))
		s.Stop()
	}
}

// ShutdownAll stops every cached session concurrently and empties the
// registry. It returns once all workers are gone.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *registryEntry) {
			defer wg.Done()
			// Waits out any Get still starting this entry.
			e.lock()
			s := e.session
			e.session = nil
			e.unlock()
			if s != nil {
				s.Stop()
			}
		}(e)
	}
	wg.Wait()
	r.log.Debug("registry.shutdown", slog.Int("sessions", len(entries)))
}

// Bind returns a ToolCaller that resolves the session for (command, env)
// through Get on every call, so a worker that died is replaced transparently
// on the next call.
func (r *Registry) Bind(command []string, env map[string]string) ToolCaller {
	return &boundCaller{r: r, command: append([]string(nil), command...), env: env}
}

type boundCaller struct {
	r       *Registry
	command []string
	env     map[string]string
}

func (b *boundCaller) CallTool(ctx context.Context, name string, args any) (json.RawMessage, error) {
	s, err := b.r.Get(ctx, b.command, b.env)
	if err != nil {
		return nil, err
	}
	return s.CallTool(ctx, name, args)
}
