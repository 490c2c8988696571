package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

type memoryBackend struct {
	mu      sync.RWMutex
	records map[string]map[string][]byte
	seq     map[string]int64
}

// NewMemory returns a process-local backend. Data is lost on restart.
func NewMemory() Backend {
	return &memoryBackend{
		records: make(map[string]map[string][]byte),
		seq:     make(map[string]int64),
	}
}

func (b *memoryBackend) Get(_ context.Context, kind, id string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.records[kind][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
	}
	return cloneBytes(data), nil
}

func (b *memoryBackend) Put(_ context.Context, kind, id string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	bucket, ok := b.records[kind]
	if !ok {
		bucket = make(map[string][]byte)
		b.records[kind] = bucket
	}
	bucket[id] = cloneBytes(data)
	return nil
}

func (b *memoryBackend) Delete(_ context.Context, kind, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.records[kind][id]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
	}
	delete(b.records[kind], id)
	return nil
}

func (b *memoryBackend) List(_ context.Context, kind string) (map[string][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string][]byte, len(b.records[kind]))
	for id, data := range b.records[kind] {
		out[id] = cloneBytes(data)
	}
	return out, nil
}

func (b *memoryBackend) NextID(_ context.Context, kind string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq[kind]++
	return strconv.FormatInt(b.seq[kind], 10), nil
}

func (b *memoryBackend) Size(_ context.Context) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total int64
	for _, bucket := range b.records {
		total += int64(len(bucket))
	}
	return total, nil
}

func (b *memoryBackend) Close(_ context.Context) error {
	return nil
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
