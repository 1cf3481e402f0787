package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Read when no value exists at the path.
	ErrNotFound = errors.New("record not found")
	// ErrUnavailable is returned when the backing store cannot be reached.
	// Callers do not retry; the failure is surfaced to the user.
	ErrUnavailable = errors.New("store unavailable")
)

// Event is one change notification. Value is nil when the path was deleted.
type Event struct {
	Path  string
	Value []byte
}

// Store is a tree-structured key-value space with subscribe-on-change
// semantics. Write upserts a JSON document at path, Subscribe delivers the
// current values under a prefix immediately and every subsequent change
// until the returned cancel func is called. Ordering is only guaranteed
// per path in the order writes were applied.
type Store interface {
	Write(ctx context.Context, path string, value interface{}) error
	Read(ctx context.Context, path string, out interface{}) error
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	Subscribe(ctx context.Context, prefix string) (<-chan Event, func(), error)
}
