package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/l0p7/immogest/internal/domain"
)

// Repository stores one model type in a backend under its kind name.
type Repository[T any, PT interface {
	*T
	domain.Model
}] struct {
	backend Backend
	kind    string
	now     func() time.Time
}

// NewRepository binds a model type to a kind. now defaults to time.Now.
func NewRepository[T any, PT interface {
	*T
	domain.Model
}](backend Backend, kind string, now func() time.Time) *Repository[T, PT] {
	if now == nil {
		now = time.Now
	}
	return &Repository[T, PT]{backend: backend, kind: kind, now: now}
}

// Kind returns the collection name records are stored under.
func (r *Repository[T, PT]) Kind() string { return r.kind }

func (r *Repository[T, PT]) Get(ctx context.Context, id string) (PT, error) {
	data, err := r.backend.Get(ctx, r.kind, id)
	if err != nil {
		return nil, err
	}
	return r.decode(data)
}

// List returns every record ordered by id, numeric ids first in numeric order.
func (r *Repository[T, PT]) List(ctx context.Context) ([]PT, error) {
	raw, err := r.backend.List(ctx, r.kind)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })
	out := make([]PT, 0, len(ids))
	for _, id := range ids {
		record, err := r.decode(raw[id])
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

// Create allocates an id, stamps timestamps and persists the record.
func (r *Repository[T, PT]) Create(ctx context.Context, record PT) (PT, error) {
	id, err := r.backend.NextID(ctx, r.kind)
	if err != nil {
		return nil, err
	}
	record.SetResourceID(id)
	record.Touch(r.now())
	if err := r.put(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Save overwrites an existing record.
func (r *Repository[T, PT]) Save(ctx context.Context, record PT) error {
	if _, err := r.backend.Get(ctx, r.kind, record.ResourceID()); err != nil {
		return err
	}
	record.Touch(r.now())
	return r.put(ctx, record)
}

func (r *Repository[T, PT]) Delete(ctx context.Context, id string) error {
	return r.backend.Delete(ctx, r.kind, id)
}

func (r *Repository[T, PT]) put(ctx context.Context, record PT) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", r.kind, record.ResourceID(), err)
	}
	return r.backend.Put(ctx, r.kind, record.ResourceID(), data)
}

func (r *Repository[T, PT]) decode(data []byte) (PT, error) {
	record := PT(new(T))
	if err := json.Unmarshal(data, record); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", r.kind, err)
	}
	return record, nil
}

func lessID(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}
