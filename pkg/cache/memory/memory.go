// Package memory implements the in-process tier of the generation cache.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/pario-ai/gencache/pkg/cache"
	"github.com/pario-ai/gencache/pkg/models"
)

// Cache is a volatile tier holding records and payloads in a map.
// Trimming is left to the eviction manager; Put only rejects single payloads
// larger than the whole capacity.
type Cache struct {
	capacity int64

	mu    sync.RWMutex
	items map[string]*entry
	size  int64
}

type entry struct {
	rec     models.Record
	payload *models.Payload
}

// New creates a memory tier. A capacity of zero means unbounded.
func New(capacity int64) *Cache {
	return &Cache{
		capacity: capacity,
		items:    make(map[string]*entry),
	}
}

// Name implements cache.Tier.
func (c *Cache) Name() models.Tier { return models.TierMemory }

// Get implements cache.Tier.
func (c *Cache) Get(_ context.Context, key string) (*models.Record, *models.Payload, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.items[key]
	if !ok {
		return nil, nil, cache.ErrNotFound
	}
	rec := e.rec
	return &rec, e.payload.Clone(), nil
}

// Put implements cache.Tier.
func (c *Cache) Put(_ context.Context, rec *models.Record, p *models.Payload) error {
	if c.capacity > 0 && rec.SizeBytes > c.capacity {
		return cache.ErrItemTooLarge
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.items[rec.Key]; ok {
		c.size -= old.rec.SizeBytes
	}
	c.items[rec.Key] = &entry{rec: *rec, payload: p.Clone()}
	c.size += rec.SizeBytes
	return nil
}

// Delete implements cache.Tier.
func (c *Cache) Delete(ctx context.Context, key string) error {
	_, err := c.Remove(ctx, key)
	return err
}

// Touch implements cache.Tier.
func (c *Cache) Touch(_ context.Context, key string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return cache.ErrNotFound
	}
	e.rec.AccessCount++
	e.rec.LastAccessedAt = at
	return nil
}

// Entries implements cache.Evictable.
func (c *Cache) Entries(_ context.Context) ([]models.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.Record, 0, len(c.items))
	for _, e := range c.items {
		out = append(out, e.rec)
	}
	return out, nil
}

// Remove implements cache.Evictable.
func (c *Cache) Remove(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return 0, nil
	}
	delete(c.items, key)
	c.size -= e.rec.SizeBytes
	return e.rec.SizeBytes, nil
}

// Evict implements cache.Evictable.
func (c *Cache) Evict(_ context.Context, rec models.Record) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[rec.Key]
	if !ok || !cache.Unchanged(&e.rec, &rec) {
		return 0, false, nil
	}
	delete(c.items, rec.Key)
	c.size -= e.rec.SizeBytes
	return e.rec.SizeBytes, true, nil
}

// Usage implements cache.Evictable.
func (c *Cache) Usage(_ context.Context) (models.TierUsage, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return models.TierUsage{
		Tier:      models.TierMemory,
		Entries:   int64(len(c.items)),
		SizeBytes: c.size,
		Capacity:  c.capacity,
	}, nil
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*entry)
	c.size = 0
}
