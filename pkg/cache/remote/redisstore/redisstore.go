// Package redisstore implements the remote tier's metadata and object stores
// on Redis. Keys expire with their records so Redis reclaims stale entries.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/pario-ai/gencache/pkg/cache"
	"github.com/pario-ai/gencache/pkg/models"
)

const refScheme = "redis://"

// DefaultObjectTTL bounds how long a payload blob outlives its last write.
const DefaultObjectTTL = 22 * 24 * time.Hour

// Store implements remote.MetadataStore and remote.ObjectStore.
type Store struct {
	r         redis.Cmdable
	prefix    string
	objectTTL time.Duration
}

// New creates a Redis-backed store. A zero objectTTL uses DefaultObjectTTL.
func New(r redis.Cmdable, prefix string, objectTTL time.Duration) *Store {
	if objectTTL <= 0 {
		objectTTL = DefaultObjectTTL
	}
	return &Store{r: r, prefix: prefix, objectTTL: objectTTL}
}

func (s *Store) namespaced(kind, key string) string {
	if s.prefix == "" {
		return kind + ":" + key
	}
	return s.prefix + ":" + kind + ":" + key
}

// GetRecord implements remote.MetadataStore.
func (s *Store) GetRecord(ctx context.Context, key string) (*models.Record, error) {
	val, err := s.r.Get(ctx, s.namespaced("meta", key)).Bytes()
	if err == redis.Nil {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get record: %w", err)
	}
	var rec models.Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("redis decode record: %w", err)
	}
	return &rec, nil
}

// PutRecord implements remote.MetadataStore. Records already past their
// expiry are deleted instead of written.
func (s *Store) PutRecord(ctx context.Context, rec *models.Record) error {
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return s.DeleteRecord(ctx, rec.Key)
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis encode record: %w", err)
	}
	if err := s.r.Set(ctx, s.namespaced("meta", rec.Key), val, ttl).Err(); err != nil {
		return fmt.Errorf("redis put record: %w", err)
	}
	return nil
}

// DeleteRecord implements remote.MetadataStore.
func (s *Store) DeleteRecord(ctx context.Context, key string) error {
	if err := s.r.Del(ctx, s.namespaced("meta", key)).Err(); err != nil {
		return fmt.Errorf("redis delete record: %w", err)
	}
	return nil
}

// TouchRecord implements remote.MetadataStore. Concurrent touches may lose
// an increment; access counts only break LRU ties.
func (s *Store) TouchRecord(ctx context.Context, key string, at time.Time) error {
	rec, err := s.GetRecord(ctx, key)
	if err != nil {
		return err
	}
	rec.LastAccessedAt = at
	rec.AccessCount++
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis encode record: %w", err)
	}
	if err := s.r.Set(ctx, s.namespaced("meta", key), val, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("redis touch record: %w", err)
	}
	return nil
}

// PutObject implements remote.ObjectStore.
func (s *Store) PutObject(ctx context.Context, key string, data []byte, _ string) (string, error) {
	ns := s.namespaced("blob", key)
	if err := s.r.Set(ctx, ns, data, s.objectTTL).Err(); err != nil {
		return "", fmt.Errorf("redis put object: %w", err)
	}
	return refScheme + ns, nil
}

// GetObject implements remote.ObjectStore.
func (s *Store) GetObject(ctx context.Context, ref string) ([]byte, error) {
	ns, ok := strings.CutPrefix(ref, refScheme)
	if !ok {
		return nil, fmt.Errorf("redis: invalid object ref %q", ref)
	}
	val, err := s.r.Get(ctx, ns).Bytes()
	if err == redis.Nil {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get object: %w", err)
	}
	return val, nil
}

// DeleteObject implements remote.ObjectStore.
func (s *Store) DeleteObject(ctx context.Context, ref string) error {
	ns, ok := strings.CutPrefix(ref, refScheme)
	if !ok {
		return fmt.Errorf("redis: invalid object ref %q", ref)
	}
	if err := s.r.Del(ctx, ns).Err(); err != nil {
		return fmt.Errorf("redis delete object: %w", err)
	}
	return nil
}
