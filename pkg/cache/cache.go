// Package cache defines the contract shared by the memory, local and remote
// tiers of the generation cache.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/pario-ai/gencache/pkg/models"
)

var (
	// ErrNotFound is returned when a tier holds no record for a key.
	ErrNotFound = errors.New("cache: not found")

	// ErrItemTooLarge is returned when a payload exceeds a tier's capacity.
	ErrItemTooLarge = errors.New("cache: item too large")
)

// Tier is one level of the tiered store.
type Tier interface {
	// Name identifies the tier.
	Name() models.Tier
	// Get returns the record and, for completed records, its payload.
	// It returns ErrNotFound on a miss and does not update access state.
	Get(ctx context.Context, key string) (*models.Record, *models.Payload, error)
	// Put stores the record, replacing any previous record for the key.
	Put(ctx context.Context, rec *models.Record, p *models.Payload) error
	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Touch increments the access count and sets the last access time.
	Touch(ctx context.Context, key string, at time.Time) error
}

// Evictable is a tier whose contents can be enumerated and trimmed by the
// eviction manager.
type Evictable interface {
	Tier
	// Entries lists record metadata without payloads.
	Entries(ctx context.Context) ([]models.Record, error)
	// Remove drops the key and returns the number of payload bytes released.
	Remove(ctx context.Context, key string) (int64, error)
	// Evict drops rec.Key only while the stored record is still the one
	// Entries listed as rec. A record rewritten or accessed since then is
	// kept and removed is false.
	Evict(ctx context.Context, rec models.Record) (freed int64, removed bool, err error)
	// Usage reports entry count and total payload size.
	Usage(ctx context.Context) (models.TierUsage, error)
}

// Sweeper is a tier that can reconcile its index with its backing storage.
type Sweeper interface {
	// Sweep removes superseded index rows and orphaned payload files.
	Sweep(ctx context.Context) (superseded int, freed int64, err error)
}

// Unchanged reports whether stored is the same version of a record as listed,
// with no write or access in between.
func Unchanged(stored, listed *models.Record) bool {
	return stored.Key == listed.Key &&
		stored.Status == listed.Status &&
		stored.Owner == listed.Owner &&
		stored.AccessCount == listed.AccessCount &&
		stored.CreatedAt.Equal(listed.CreatedAt) &&
		stored.LastAccessedAt.Equal(listed.LastAccessedAt) &&
		stored.ExpiresAt.Equal(listed.ExpiresAt)
}
