// Package eviction keeps the memory and local tiers within their capacity.
//
// Each pass first removes every expired record, then, only when the tier is
// over capacity, removes the least recently used completed records until
// the tier is back under its target. Records accessed within the protect
// window are never removed by the LRU step. The manager only removes
// records; it never changes their status.
package eviction

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/gencache/pkg/cache"
	"github.com/pario-ai/gencache/pkg/metrics"
	"github.com/pario-ai/gencache/pkg/models"
)

// ErrUnmanagedTier is returned for tiers without an eviction policy. The
// remote tier is reclaimed by its backend's own expiry.
var ErrUnmanagedTier = errors.New("tier is not managed by eviction")

// DefaultTargetRatio is the fraction of capacity an LRU pass trims down to.
const DefaultTargetRatio = 0.9

// Policy bounds one tier. A zero Capacity means unbounded; expired records
// are still removed.
type Policy struct {
	Capacity      int64
	TargetRatio   float64
	ProtectWindow time.Duration
}

// DefaultMemoryPolicy returns the policy used for the memory tier.
func DefaultMemoryPolicy() Policy {
	return Policy{Capacity: 64 << 20, TargetRatio: DefaultTargetRatio, ProtectWindow: time.Minute}
}

// DefaultLocalPolicy returns the policy used for the local tier.
func DefaultLocalPolicy() Policy {
	return Policy{Capacity: 512 << 20, TargetRatio: DefaultTargetRatio, ProtectWindow: 24 * time.Hour}
}

// Options configures a Manager.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Collector
	Now     func() time.Time
}

type managed struct {
	tier   cache.Evictable
	policy Policy
}

// Manager runs cleanup passes on demand, on notification and on a timer.
type Manager struct {
	tiers   map[models.Tier]managed
	order   []models.Tier
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time

	// mu serializes passes so a timer run and a notified run never race.
	mu sync.Mutex

	notify  chan struct{}
	startMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Manager. Each tier with a policy in policies is managed when
// it supports enumeration; the rest are unmanaged.
func New(tiers []cache.Tier, policies map[models.Tier]Policy, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		tiers:   make(map[models.Tier]managed),
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
		notify:  make(chan struct{}, 1),
	}
	for _, t := range tiers {
		ev, ok := t.(cache.Evictable)
		if !ok {
			continue
		}
		p, ok := policies[t.Name()]
		if !ok {
			continue
		}
		if p.TargetRatio <= 0 || p.TargetRatio > 1 {
			p.TargetRatio = DefaultTargetRatio
		}
		m.tiers[t.Name()] = managed{tier: ev, policy: p}
		m.order = append(m.order, t.Name())
	}
	return m
}

// Policy returns the policy of a managed tier.
func (m *Manager) Policy(tier models.Tier) (Policy, bool) {
	mt, ok := m.tiers[tier]
	return mt.policy, ok
}

// RunCleanup runs one pass over tier.
func (m *Manager) RunCleanup(ctx context.Context, tier models.Tier) (models.CleanupResult, error) {
	mt, ok := m.tiers[tier]
	if !ok {
		return models.CleanupResult{Tier: tier}, fmt.Errorf("%w: %s", ErrUnmanagedTier, tier)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.cleanup(ctx, tier, mt)
	m.metrics.Eviction(string(tier), "expired", res.Expired)
	m.metrics.Eviction(string(tier), "lru", res.Removed)
	m.metrics.Eviction(string(tier), "superseded", res.Superseded)
	m.metrics.Freed(string(tier), res.FreedBytes)
	if err != nil {
		return res, fmt.Errorf("cleanup %s tier: %w", tier, err)
	}

	if res.Removed+res.Expired+res.Superseded > 0 {
		m.logger.Info("cache cleanup",
			zap.String("tier", string(tier)),
			zap.Int("expired", res.Expired),
			zap.Int("removed", res.Removed),
			zap.Int("superseded", res.Superseded),
			zap.Int64("freed_bytes", res.FreedBytes))
	}
	return res, nil
}

func (m *Manager) cleanup(ctx context.Context, tier models.Tier, mt managed) (models.CleanupResult, error) {
	res := models.CleanupResult{Tier: tier}
	now := m.now()

	entries, err := mt.tier.Entries(ctx)
	if err != nil {
		return res, err
	}

	var (
		candidates []models.Record
		total      int64
	)
	for _, rec := range entries {
		if rec.Expired(now) {
			freed, removed, err := mt.tier.Evict(ctx, rec)
			if err != nil {
				return res, err
			}
			if !removed {
				// Rewritten since it was listed.
				continue
			}
			res.Expired++
			res.FreedBytes += freed
			continue
		}
		if rec.Status != models.StatusCompleted {
			continue
		}
		total += rec.SizeBytes
		if now.Sub(rec.LastAccessedAt) >= mt.policy.ProtectWindow {
			candidates = append(candidates, rec)
		}
	}

	if mt.policy.Capacity > 0 && total > mt.policy.Capacity {
		target := int64(float64(mt.policy.Capacity) * mt.policy.TargetRatio)
		slices.SortFunc(candidates, func(a, b models.Record) int {
			return cmp.Or(
				a.LastAccessedAt.Compare(b.LastAccessedAt),
				cmp.Compare(a.AccessCount, b.AccessCount),
				cmp.Compare(a.Key, b.Key),
			)
		})
		for _, rec := range candidates {
			if total <= target {
				break
			}
			freed, removed, err := mt.tier.Evict(ctx, rec)
			if err != nil {
				return res, err
			}
			if !removed {
				continue
			}
			total -= rec.SizeBytes
			res.Removed++
			res.FreedBytes += freed
		}
		if total > target {
			m.logger.Debug("cleanup target not reached, remaining records are protected",
				zap.String("tier", string(tier)), zap.Int64("size_bytes", total), zap.Int64("target_bytes", target))
		}
	}

	if sw, ok := mt.tier.(cache.Sweeper); ok {
		superseded, freed, err := sw.Sweep(ctx)
		if err != nil {
			return res, err
		}
		res.Superseded = superseded
		res.FreedBytes += freed
	}
	return res, nil
}

// RunAll runs a pass over every managed tier, fastest first.
func (m *Manager) RunAll(ctx context.Context) ([]models.CleanupResult, error) {
	results := make([]models.CleanupResult, 0, len(m.order))
	var errs []error
	for _, tier := range m.order {
		res, err := m.RunCleanup(ctx, tier)
		if err != nil {
			errs = append(errs, err)
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// Notify schedules an asynchronous pass over every managed tier. Bursts of
// notifications collapse into one pass. Notify never blocks and does nothing
// until Start is called.
func (m *Manager) Notify() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Start runs the background janitor until ctx is done or Close is called.
// A positive interval also triggers passes periodically. Calling Start on a
// running manager does nothing.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		var tick <-chan time.Time
		if interval > 0 {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick:
			case <-m.notify:
			}
			if _, err := m.RunAll(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("background cleanup failed", zap.Error(err))
			}
		}
	}()
}

// Close stops the janitor and waits for a running pass to finish.
func (m *Manager) Close() {
	m.startMu.Lock()
	cancel := m.cancel
	m.startMu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}
