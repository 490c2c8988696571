// Package store persists API records. Backends deal in raw JSON documents
// grouped by resource kind; Repository adds the typed codec on top.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record id is absent from its kind.
var ErrNotFound = errors.New("store: record not found")

// Backend is the persistence contract shared by the memory and redis implementations.
type Backend interface {
	Get(ctx context.Context, kind, id string) ([]byte, error)
	Put(ctx context.Context, kind, id string, data []byte) error
	Delete(ctx context.Context, kind, id string) error
	// List returns every record of a kind keyed by id.
	List(ctx context.Context, kind string) (map[string][]byte, error)
	// NextID allocates a monotonically increasing id within a kind.
	NextID(ctx context.Context, kind string) (string, error)
	// Size reports the number of records across all kinds.
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}
