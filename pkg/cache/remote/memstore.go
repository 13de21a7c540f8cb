package remote

import (
	"context"
	"sync"
	"time"

	"github.com/pario-ai/gencache/pkg/cache"
	"github.com/pario-ai/gencache/pkg/models"
)

// MemoryBackend is an in-process MetadataStore and ObjectStore. Several
// caches sharing one MemoryBackend behave like devices sharing a remote store.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string]models.Record
	objects map[string][]byte
	err     error
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records: make(map[string]models.Record),
		objects: make(map[string][]byte),
	}
}

// SetError makes every subsequent call fail with err until it is reset with nil.
func (b *MemoryBackend) SetError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

// GetRecord implements MetadataStore.
func (b *MemoryBackend) GetRecord(_ context.Context, key string) (*models.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	rec, ok := b.records[key]
	if !ok {
		return nil, cache.ErrNotFound
	}
	return &rec, nil
}

// PutRecord implements MetadataStore.
func (b *MemoryBackend) PutRecord(_ context.Context, rec *models.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.records[rec.Key] = *rec
	return nil
}

// DeleteRecord implements MetadataStore.
func (b *MemoryBackend) DeleteRecord(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	delete(b.records, key)
	return nil
}

// TouchRecord implements MetadataStore.
func (b *MemoryBackend) TouchRecord(_ context.Context, key string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	rec, ok := b.records[key]
	if !ok {
		return cache.ErrNotFound
	}
	rec.AccessCount++
	rec.LastAccessedAt = at
	b.records[key] = rec
	return nil
}

// PutObject implements ObjectStore.
func (b *MemoryBackend) PutObject(_ context.Context, key string, data []byte, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	ref := "mem://" + key
	b.objects[ref] = append([]byte(nil), data...)
	return ref, nil
}

// GetObject implements ObjectStore.
func (b *MemoryBackend) GetObject(_ context.Context, ref string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	data, ok := b.objects[ref]
	if !ok {
		return nil, cache.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// DeleteObject implements ObjectStore.
func (b *MemoryBackend) DeleteObject(_ context.Context, ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	delete(b.objects, ref)
	return nil
}

// Len returns the number of stored records and objects.
func (b *MemoryBackend) Len() (records, objects int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records), len(b.objects)
}
