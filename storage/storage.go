// Package storage defines a small namespaced key-value interface with TTLs,
// used to cache tool results across workers.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage is a namespaced byte store.
type Storage interface {
	// Get retrieves data for a key within the given namespace.
	// Returns a nil StorageItem if the key doesn't exist or has expired.
	// Returns an error only for storage system failures.
	Get(ctx context.Context, key string, opts ...Option) (*StorageItem, error)

	// Set stores data for a key within the given namespace.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes data within the given namespace.
	// Without WithKey the entire namespace is removed.
	Delete(ctx context.Context, opts ...Option) error

	// Close releases the backend's resources.
	Close() error
}

// StorageItem represents a stored piece of data with metadata
type StorageItem struct {
	Data      []byte     // The stored data
	CreatedAt time.Time  // When the item was created
	ExpiresAt *time.Time // When the item expires (nil = no expiration)
}

// IsExpired checks if the item has expired
func (si *StorageItem) IsExpired() bool {
	return si.ExpiresAt != nil && time.Now().After(*si.ExpiresAt)
}

// Option configures storage operations
type Option func(*Options)

// Options contains configuration for storage operations
type Options struct {
	Namespace Namespace      // Optional: the storage namespace (nil = global)
	Key       *string        // Optional: specific key (for Delete operations)
	TTL       *time.Duration // Optional: time-to-live for the data
}

// Apply folds opts into a fresh Options.
func Apply(opts []Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Namespace scopes keys. A nil Namespace is the global namespace.
type Namespace interface {
	namespace() // private method to ensure only our types implement this
}

// ServerNamespace holds everything cached for one worker.
type ServerNamespace struct {
	Server string
}

func (ServerNamespace) namespace() {}

// ToolNamespace holds results of one tool on one worker. It nests inside the
// worker's ServerNamespace, so deleting the server namespace removes it too.
type ToolNamespace struct {
	Server string
	Tool   string
}

func (ToolNamespace) namespace() {}

// WithServer specifies the worker-level namespace.
func WithServer(server string) Option {
	return func(opts *Options) {
		opts.Namespace = ServerNamespace{Server: server}
	}
}

// WithTool specifies the tool-level namespace.
func WithTool(server, tool string) Option {
	return func(opts *Options) {
		opts.Namespace = ToolNamespace{Server: server, Tool: tool}
	}
}

// WithKey specifies a specific key for Delete operations
// If not provided, Delete removes the entire namespace
func WithKey(key string) Option {
	return func(opts *Options) {
		opts.Key = &key
	}
}

// WithTTL sets a time-to-live for the stored data
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = &ttl
	}
}

// ErrInvalidOptions is returned when incompatible options are provided.
var ErrInvalidOptions = errors.New("storage: invalid option combination")

// Validate rejects option sets the backends cannot honour.
func (o *Options) Validate() error {
	if o.TTL != nil && *o.TTL <= 0 {
		return ErrInvalidOptions
	}
	return nil
}

// Prefix returns the key prefix shared by everything in ns. Backends build
// their keys from it so that nested namespaces share their parent's prefix.
func Prefix(ns Namespace) string {
	switch ns := ns.(type) {
	case ServerNamespace:
		return "server:" + ns.Server + ":"
	case ToolNamespace:
		return "server:" + ns.Server + ":tool:" + ns.Tool + ":"
	default:
		return "global:"
	}
}
