// Package store layers the memory, local and remote cache tiers into one
// lookup and write path.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/gencache/pkg/cache"
	"github.com/pario-ai/gencache/pkg/cache/remote"
	"github.com/pario-ai/gencache/pkg/metrics"
	"github.com/pario-ai/gencache/pkg/models"
)

// ErrLocalTier wraps every failure of the local tier. Local failures are
// surfaced to callers; remote failures never are.
var ErrLocalTier = errors.New("local tier unavailable")

const touchTimeout = 5 * time.Second

// Options configures a Store. Local is required.
type Options struct {
	Memory  cache.Tier
	Local   cache.Tier
	Remote  cache.Tier
	Logger  *zap.Logger
	Metrics *metrics.Collector
	Now     func() time.Time
}

// Store is the tiered store: memory, then local, then remote.
type Store struct {
	memory  cache.Tier
	local   cache.Tier
	remote  cache.Tier
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time

	wg sync.WaitGroup
}

// New creates a Store from its tiers.
func New(opts Options) (*Store, error) {
	if opts.Local == nil {
		return nil, errors.New("store: local tier is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		memory:  opts.Memory,
		local:   opts.Local,
		remote:  opts.Remote,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}, nil
}

// Tiers returns the configured tiers from fastest to slowest.
func (s *Store) Tiers() []cache.Tier {
	tiers := make([]cache.Tier, 0, 3)
	if s.memory != nil {
		tiers = append(tiers, s.memory)
	}
	tiers = append(tiers, s.local)
	if s.remote != nil {
		tiers = append(tiers, s.remote)
	}
	return tiers
}

// Lookup returns the first unexpired record for key, checking tiers from
// fastest to slowest. A completed hit in a slower tier is promoted into every
// faster tier and its access state is touched. The returned record reflects
// the access. On a miss Lookup returns cache.ErrNotFound.
func (s *Store) Lookup(ctx context.Context, key string) (*models.Record, *models.Payload, models.Tier, error) {
	now := s.now()
	tiers := s.Tiers()

	for i, t := range tiers {
		rec, p, err := t.Get(ctx, key)
		if errors.Is(err, cache.ErrNotFound) {
			continue
		}
		if err != nil {
			if t.Name() == models.TierLocal {
				s.metrics.TierError(string(t.Name()), "get")
				return nil, nil, "", fmt.Errorf("%w: %w", ErrLocalTier, err)
			}
			s.tierFailure(t, "get", key, err)
			continue
		}
		if rec.Expired(now) {
			continue
		}

		if rec.Status == models.StatusCompleted {
			rec.LastAccessedAt = now
			rec.AccessCount++
			s.promote(ctx, tiers[:i], rec, p)
			s.touch(ctx, t, key, now)
		}
		s.metrics.Lookup(string(t.Name()), "hit")
		return rec, p, t.Name(), nil
	}

	s.metrics.Lookup("", "miss")
	return nil, nil, "", cache.ErrNotFound
}

// Write stores the record in every tier. The local tier is written first and
// its failure aborts the write. Memory and remote failures are logged.
func (s *Store) Write(ctx context.Context, rec *models.Record, p *models.Payload) error {
	if err := s.local.Put(ctx, rec, p); err != nil {
		s.metrics.TierError(string(models.TierLocal), "put")
		return fmt.Errorf("%w: %w", ErrLocalTier, err)
	}
	if s.memory != nil {
		s.putMemory(ctx, rec, p)
	}
	if s.remote != nil {
		if err := s.remote.Put(ctx, rec, p); err != nil {
			s.tierFailure(s.remote, "put", rec.Key, err)
		}
	}
	return nil
}

// Delete removes key from every tier.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.local.Delete(ctx, key); err != nil {
		s.metrics.TierError(string(models.TierLocal), "delete")
		return fmt.Errorf("%w: %w", ErrLocalTier, err)
	}
	if s.memory != nil {
		if err := s.memory.Delete(ctx, key); err != nil {
			s.tierFailure(s.memory, "delete", key, err)
		}
	}
	if s.remote != nil {
		if err := s.remote.Delete(ctx, key); err != nil {
			s.tierFailure(s.remote, "delete", key, err)
		}
	}
	return nil
}

// Close waits for background touches to finish.
func (s *Store) Close() {
	s.wg.Wait()
}

func (s *Store) promote(ctx context.Context, faster []cache.Tier, rec *models.Record, p *models.Payload) {
	for _, t := range faster {
		if t.Name() == models.TierMemory {
			s.putMemory(ctx, rec, p)
			continue
		}
		if err := t.Put(ctx, rec, p); err != nil {
			// A failed promotion only costs a slower lookup next time.
			s.metrics.TierError(string(t.Name()), "promote")
			s.logger.Warn("cache promotion failed",
				zap.String("key", rec.Key), zap.String("tier", string(t.Name())), zap.Error(err))
		}
	}
}

// putMemory writes to the memory tier. A rejected write evicts the key so a
// stale entry cannot shadow the slower tiers.
func (s *Store) putMemory(ctx context.Context, rec *models.Record, p *models.Payload) {
	err := s.memory.Put(ctx, rec, p)
	if err == nil {
		return
	}
	if errors.Is(err, cache.ErrItemTooLarge) {
		s.logger.Debug("payload too large for memory tier",
			zap.String("key", rec.Key), zap.Int64("size_bytes", rec.SizeBytes))
	} else {
		s.tierFailure(s.memory, "put", rec.Key, err)
	}
	_ = s.memory.Delete(ctx, rec.Key)
}

// touch updates access state in the tier that served the hit. The memory
// tier is touched inline; slower tiers in the background.
func (s *Store) touch(ctx context.Context, t cache.Tier, key string, at time.Time) {
	if t.Name() == models.TierMemory {
		if err := t.Touch(ctx, key, at); err != nil && !errors.Is(err, cache.ErrNotFound) {
			s.tierFailure(t, "touch", key, err)
		}
		return
	}

	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		tctx, cancel := context.WithTimeout(bg, touchTimeout)
		defer cancel()
		if err := t.Touch(tctx, key, at); err != nil && !errors.Is(err, cache.ErrNotFound) {
			s.tierFailure(t, "touch", key, err)
		}
	}()
}

func (s *Store) tierFailure(t cache.Tier, op, key string, err error) {
	s.metrics.TierError(string(t.Name()), op)
	if errors.Is(err, remote.ErrUnavailable) {
		s.logger.Debug("tier skipped, circuit open",
			zap.String("tier", string(t.Name())), zap.String("op", op), zap.String("key", key))
		return
	}
	s.logger.Warn("tier operation failed",
		zap.String("tier", string(t.Name())), zap.String("op", op), zap.String("key", key), zap.Error(err))
}
