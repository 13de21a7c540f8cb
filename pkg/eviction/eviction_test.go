package eviction

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/gencache/pkg/cache"
	"github.com/pario-ai/gencache/pkg/cache/memory"
	"github.com/pario-ai/gencache/pkg/cache/remote"
	"github.com/pario-ai/gencache/pkg/cache/sqlite"
	"github.com/pario-ai/gencache/pkg/models"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func put(t *testing.T, tier cache.Tier, key string, status models.Status, size int64, lastAccess time.Time, accessCount int64, expires time.Time) {
	t.Helper()
	var (
		p    *models.Payload
		text string
	)
	if status == models.StatusCompleted {
		text = string(make([]byte, size))
		p = &models.Payload{Text: text}
	}
	require.NoError(t, tier.Put(context.Background(), &models.Record{
		Key:            key,
		TemplateID:     "tpl",
		Status:         status,
		PayloadText:    text,
		SizeBytes:      p.Size(),
		CreatedAt:      lastAccess,
		LastAccessedAt: lastAccess,
		AccessCount:    accessCount,
		ExpiresAt:      expires,
	}, p))
}

func keys(t *testing.T, tier cache.Evictable) []string {
	t.Helper()
	entries, err := tier.Entries(context.Background())
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Key)
	}
	return out
}

func newTestManager(tiers []cache.Tier, policies map[models.Tier]Policy) *Manager {
	return New(tiers, policies, Options{Now: func() time.Time { return now }})
}

func TestLRUWithProtectWindow(t *testing.T) {
	mem := memory.New(0)
	live := now.Add(time.Hour)
	put(t, mem, "a", models.StatusCompleted, 30, now.Add(-5*time.Hour), 9, live)
	put(t, mem, "b", models.StatusCompleted, 30, now.Add(-4*time.Hour), 9, live)
	put(t, mem, "c", models.StatusCompleted, 30, now.Add(-3*time.Hour), 0, live)
	put(t, mem, "d", models.StatusCompleted, 30, now.Add(-10*time.Second), 0, live)
	put(t, mem, "e", models.StatusCompleted, 30, now.Add(-5*time.Second), 0, live)

	m := newTestManager([]cache.Tier{mem}, map[models.Tier]Policy{
		models.TierMemory: {Capacity: 100, TargetRatio: 0.9, ProtectWindow: time.Minute},
	})
	res, err := m.RunCleanup(context.Background(), models.TierMemory)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Removed, "150 bytes trimmed to the 90 byte target")
	assert.EqualValues(t, 60, res.FreedBytes)
	assert.ElementsMatch(t, []string{"c", "d", "e"}, keys(t, mem))
}

func TestProtectedRecordsSurviveEvenOverTarget(t *testing.T) {
	mem := memory.New(0)
	live := now.Add(time.Hour)
	put(t, mem, "old", models.StatusCompleted, 50, now.Add(-time.Hour), 0, live)
	put(t, mem, "recent1", models.StatusCompleted, 50, now.Add(-20*time.Second), 0, live)
	put(t, mem, "recent2", models.StatusCompleted, 50, now.Add(-10*time.Second), 0, live)

	m := newTestManager([]cache.Tier{mem}, map[models.Tier]Policy{
		models.TierMemory: {Capacity: 60, TargetRatio: 0.9, ProtectWindow: time.Minute},
	})
	res, err := m.RunCleanup(context.Background(), models.TierMemory)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Removed)
	assert.ElementsMatch(t, []string{"recent1", "recent2"}, keys(t, mem))
}

func TestTieBreaksOnAccessCountThenKey(t *testing.T) {
	mem := memory.New(0)
	live := now.Add(time.Hour)
	same := now.Add(-time.Hour)
	put(t, mem, "popular", models.StatusCompleted, 10, same, 5, live)
	put(t, mem, "b-rare", models.StatusCompleted, 10, same, 1, live)
	put(t, mem, "a-rare", models.StatusCompleted, 10, same, 1, live)

	m := newTestManager([]cache.Tier{mem}, map[models.Tier]Policy{
		models.TierMemory: {Capacity: 25, TargetRatio: 0.8},
	})
	_, err := m.RunCleanup(context.Background(), models.TierMemory)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"b-rare", "popular"}, keys(t, mem))
}

func TestUnderCapacityRemovesOnlyExpired(t *testing.T) {
	mem := memory.New(0)
	put(t, mem, "fresh", models.StatusCompleted, 10, now.Add(-48*time.Hour), 0, now.Add(time.Hour))
	put(t, mem, "stale", models.StatusCompleted, 10, now.Add(-time.Second), 0, now.Add(-time.Second))
	put(t, mem, "dead-lock", models.StatusPending, 0, now.Add(-10*time.Minute), 0, now.Add(-5*time.Minute))
	put(t, mem, "live-lock", models.StatusPending, 0, now, 0, now.Add(5*time.Minute))

	m := newTestManager([]cache.Tier{mem}, map[models.Tier]Policy{
		models.TierMemory: {Capacity: 1000, TargetRatio: 0.9, ProtectWindow: time.Minute},
	})
	res, err := m.RunCleanup(context.Background(), models.TierMemory)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Expired)
	assert.Zero(t, res.Removed)
	assert.ElementsMatch(t, []string{"fresh", "live-lock"}, keys(t, mem))
}

func TestZeroCapacityIsUnbounded(t *testing.T) {
	mem := memory.New(0)
	for _, k := range []string{"a", "b", "c"} {
		put(t, mem, k, models.StatusCompleted, 1<<20, now.Add(-time.Hour), 0, now.Add(time.Hour))
	}
	m := newTestManager([]cache.Tier{mem}, map[models.Tier]Policy{models.TierMemory: {}})

	res, err := m.RunCleanup(context.Background(), models.TierMemory)
	require.NoError(t, err)
	assert.Zero(t, res.Removed)
	assert.Len(t, keys(t, mem), 3)
}

func TestRemoteTierIsUnmanaged(t *testing.T) {
	backend := remote.NewMemoryBackend()
	rt := remote.New(backend, backend, remote.DefaultBreakerSettings(), nil)
	m := newTestManager([]cache.Tier{memory.New(0), rt}, map[models.Tier]Policy{
		models.TierMemory: DefaultMemoryPolicy(),
		models.TierRemote: {Capacity: 1},
	})

	_, err := m.RunCleanup(context.Background(), models.TierRemote)
	assert.ErrorIs(t, err, ErrUnmanagedTier)

	results, err := m.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.TierMemory, results[0].Tier)
}

func TestLocalTierCleanupSweeps(t *testing.T) {
	dir := t.TempDir()
	local, err := sqlite.New(sqlite.Options{DBPath: filepath.Join(dir, "idx.db"), Dir: filepath.Join(dir, "p")})
	require.NoError(t, err)
	defer local.Close()

	put(t, local, "old", models.StatusCompleted, 100, now.Add(-72*time.Hour), 0, now.Add(time.Hour))
	put(t, local, "new", models.StatusCompleted, 100, now.Add(-time.Hour), 0, now.Add(time.Hour))
	put(t, local, "gone", models.StatusFailed, 0, now.Add(-time.Hour), 0, now.Add(-time.Minute))
	orphan := filepath.Join(dir, "p", "0123456789abcdef.payload")
	require.NoError(t, os.WriteFile(orphan, []byte("orphan"), 0o644))
	stale := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(orphan, stale, stale))

	m := newTestManager([]cache.Tier{local}, map[models.Tier]Policy{
		models.TierLocal: {Capacity: 150, TargetRatio: 0.9, ProtectWindow: 24 * time.Hour},
	})
	res, err := m.RunCleanup(context.Background(), models.TierLocal)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 1, res.Removed)
	assert.NoFileExists(t, orphan)
	assert.Equal(t, []string{"new"}, keys(t, local))
}

// rewritingTier writes fresh over its key right after listing, the way a
// generation finishing mid-pass would.
type rewritingTier struct {
	*memory.Cache
	fresh *models.Record
}

func (r *rewritingTier) Entries(ctx context.Context) ([]models.Record, error) {
	entries, err := r.Cache.Entries(ctx)
	if err != nil {
		return nil, err
	}
	return entries, r.Cache.Put(ctx, r.fresh, &models.Payload{Text: r.fresh.PayloadText})
}

func freshRecord(key string, size int) *models.Record {
	return &models.Record{
		Key:            key,
		TemplateID:     "tpl",
		Status:         models.StatusCompleted,
		PayloadText:    string(make([]byte, size)),
		SizeBytes:      int64(size),
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(time.Hour),
	}
}

func TestExpiredPassKeepsRecordRewrittenAfterListing(t *testing.T) {
	mem := memory.New(0)
	put(t, mem, "k", models.StatusCompleted, 10, now.Add(-time.Hour), 0, now.Add(-time.Second))
	tier := &rewritingTier{Cache: mem, fresh: freshRecord("k", 12)}

	m := newTestManager([]cache.Tier{tier}, map[models.Tier]Policy{models.TierMemory: DefaultMemoryPolicy()})
	res, err := m.RunCleanup(context.Background(), models.TierMemory)
	require.NoError(t, err)

	assert.Zero(t, res.Expired)
	assert.Zero(t, res.FreedBytes)
	rec, _, err := mem.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, rec.ExpiresAt.Equal(now.Add(time.Hour)))
	assert.EqualValues(t, 12, rec.SizeBytes)
}

func TestLRUPassSkipsRecordRewrittenAfterListing(t *testing.T) {
	mem := memory.New(0)
	live := now.Add(time.Hour)
	put(t, mem, "k", models.StatusCompleted, 60, now.Add(-3*time.Hour), 0, live)
	put(t, mem, "j", models.StatusCompleted, 60, now.Add(-2*time.Hour), 0, live)
	tier := &rewritingTier{Cache: mem, fresh: freshRecord("k", 60)}

	m := newTestManager([]cache.Tier{tier}, map[models.Tier]Policy{
		models.TierMemory: {Capacity: 100, TargetRatio: 0.9, ProtectWindow: time.Minute},
	})
	res, err := m.RunCleanup(context.Background(), models.TierMemory)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Removed)
	assert.EqualValues(t, 60, res.FreedBytes)
	assert.Equal(t, []string{"k"}, keys(t, mem))
	rec, _, err := mem.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, rec.LastAccessedAt.Equal(now))
}

func TestNotifyRunsInBackground(t *testing.T) {
	mem := memory.New(0)
	put(t, mem, "stale", models.StatusCompleted, 10, now.Add(-time.Hour), 0, now.Add(-time.Second))

	m := newTestManager([]cache.Tier{mem}, map[models.Tier]Policy{models.TierMemory: DefaultMemoryPolicy()})
	m.Start(context.Background(), 0)
	defer m.Close()

	for range 10 {
		m.Notify()
	}
	require.Eventually(t, func() bool {
		return len(keys(t, mem)) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestStartRunsPeriodically(t *testing.T) {
	mem := memory.New(0)
	m := newTestManager([]cache.Tier{mem}, map[models.Tier]Policy{models.TierMemory: DefaultMemoryPolicy()})
	m.Start(context.Background(), 10*time.Millisecond)
	m.Start(context.Background(), 10*time.Millisecond)

	put(t, mem, "stale", models.StatusCompleted, 10, now.Add(-time.Hour), 0, now.Add(-time.Second))
	require.Eventually(t, func() bool {
		return len(keys(t, mem)) == 0
	}, time.Second, 10*time.Millisecond)

	m.Close()
	m.Close()
}

func TestInvalidTargetRatioDefaults(t *testing.T) {
	m := newTestManager([]cache.Tier{memory.New(0)}, map[models.Tier]Policy{models.TierMemory: {Capacity: 10, TargetRatio: 7}})
	p, ok := m.Policy(models.TierMemory)
	require.True(t, ok)
	assert.Equal(t, DefaultTargetRatio, p.TargetRatio)
}
