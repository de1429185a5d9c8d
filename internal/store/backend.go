package store

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// Backend persists sealed records by cache key. Implementations never see
// plaintext and must be safe for concurrent use.
type Backend interface {
	// Get returns the sealed record; ok is false when the key is absent.
	Get(ctx context.Context, key string) (sealed []byte, ok bool, err error)
	Put(ctx context.Context, key string, sealed []byte) error
	// Evict removes the key; removing an absent key is not an error.
	Evict(ctx context.Context, key string) error
	// Snapshot returns every persisted record.
	Snapshot(ctx context.Context) (map[string][]byte, error)
	// Hydrate replaces the persisted contents with records.
	Hydrate(ctx context.Context, records map[string][]byte) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

type memoryBackend struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemoryBackend keeps records in process memory only.
func NewMemoryBackend() Backend {
	return &memoryBackend{records: make(map[string][]byte)}
}

func (b *memoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sealed, ok := b.records[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(sealed), true, nil
}

func (b *memoryBackend) Put(_ context.Context, key string, sealed []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[key] = slices.Clone(sealed)
	return nil
}

func (b *memoryBackend) Evict(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, key)
	return nil
}

func (b *memoryBackend) Snapshot(_ context.Context) (map[string][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string][]byte, len(b.records))
	for key, sealed := range b.records {
		out[key] = slices.Clone(sealed)
	}
	return out, nil
}

func (b *memoryBackend) Hydrate(_ context.Context, records map[string][]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = maps.Clone(records)
	if b.records == nil {
		b.records = make(map[string][]byte)
	}
	return nil
}

func (b *memoryBackend) Ping(context.Context) error { return nil }

func (b *memoryBackend) Close(context.Context) error { return nil }
