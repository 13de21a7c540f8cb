package store

import (
	"context"
	"errors"
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

type fixture struct {
	store   *Store
	memory  *memory.Cache
	local   *sqlite.Cache
	remote  *remote.Tier
	backend *remote.MemoryBackend
}

func newTestStore(t *testing.T, memCapacity int64) *fixture {
	t.Helper()
	dir := t.TempDir()
	local, err := sqlite.New(sqlite.Options{
		DBPath: filepath.Join(dir, "index.db"),
		Dir:    filepath.Join(dir, "payloads"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	backend := remote.NewMemoryBackend()
	f := &fixture{
		memory:  memory.New(memCapacity),
		local:   local,
		remote:  remote.New(backend, backend, remote.DefaultBreakerSettings(), nil),
		backend: backend,
	}
	f.store, err = New(Options{Memory: f.memory, Local: f.local, Remote: f.remote})
	require.NoError(t, err)
	return f
}

func completed(key, text string) (*models.Record, *models.Payload) {
	now := time.Now()
	p := &models.Payload{Text: text, Data: []byte("audio:" + text), ContentType: "audio/mpeg"}
	return &models.Record{
		Key:            key,
		TemplateID:     "goal_viz_01",
		Status:         models.StatusCompleted,
		PayloadText:    p.Text,
		ContentType:    p.ContentType,
		SizeBytes:      p.Size(),
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(time.Hour),
	}, p
}

func TestWriteThenLookupServesFromMemory(t *testing.T) {
	f := newTestStore(t, 0)
	ctx := context.Background()

	rec, p := completed("k", "script")
	require.NoError(t, f.store.Write(ctx, rec, p))

	got, payload, tier, err := f.store.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, models.TierMemory, tier)
	assert.Equal(t, p.Data, payload.Data)
	assert.EqualValues(t, 1, got.AccessCount)

	_, _, err = f.local.Get(ctx, "k")
	require.NoError(t, err, "write goes through to local")
	records, _ := f.backend.Len()
	assert.Equal(t, 1, records, "write goes through to remote")
}

func TestRemoteHitIsPromoted(t *testing.T) {
	f := newTestStore(t, 0)
	ctx := context.Background()

	rec, p := completed("shared", "from another device")
	require.NoError(t, f.remote.Put(ctx, rec, p))

	_, payload, tier, err := f.store.Lookup(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, models.TierRemote, tier)
	assert.Equal(t, p.Data, payload.Data)

	_, _, tier, err = f.store.Lookup(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, models.TierMemory, tier)

	localRec, localPayload, err := f.local.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, p.Data, localPayload.Data)
	assert.EqualValues(t, 1, localRec.AccessCount, "promoted copy reflects the first access")
	f.store.Close()
}

func TestLocalHitTouchesInBackground(t *testing.T) {
	f := newTestStore(t, 0)
	ctx := context.Background()

	rec, p := completed("k", "x")
	require.NoError(t, f.local.Put(ctx, rec, p))

	_, _, tier, err := f.store.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, models.TierLocal, tier)
	f.store.Close()

	got, _, err := f.local.Get(ctx, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.AccessCount)
}

func TestPendingIsNotPromoted(t *testing.T) {
	f := newTestStore(t, 0)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, f.remote.Put(ctx, &models.Record{
		Key: "p", Status: models.StatusPending, CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}, nil))

	got, payload, tier, err := f.store.Lookup(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, models.TierRemote, tier)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Nil(t, payload)

	_, _, err = f.memory.Get(ctx, "p")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestExpiredRecordFallsThrough(t *testing.T) {
	f := newTestStore(t, 0)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, f.memory.Put(ctx, &models.Record{
		Key: "k", Status: models.StatusPending, CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute),
	}, nil))
	rec, p := completed("k", "fresh")
	require.NoError(t, f.local.Put(ctx, rec, p))

	got, _, tier, err := f.store.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, models.TierLocal, tier)
	assert.Equal(t, models.StatusCompleted, got.Status)
	f.store.Close()
}

func TestRemoteFailureDegradesToMiss(t *testing.T) {
	f := newTestStore(t, 0)
	ctx := context.Background()

	f.backend.SetError(errors.New("connection refused"))

	rec, p := completed("k", "x")
	require.NoError(t, f.store.Write(ctx, rec, p), "remote failure is not surfaced")
	require.NoError(t, f.store.Delete(ctx, "k"))

	_, _, _, err := f.store.Lookup(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

type brokenLocal struct {
	cache.Tier
}

var errDisk = errors.New("disk full")

func (brokenLocal) Put(context.Context, *models.Record, *models.Payload) error { return errDisk }

func (brokenLocal) Get(context.Context, string) (*models.Record, *models.Payload, error) {
	return nil, nil, errDisk
}

func TestLocalFailureIsHardError(t *testing.T) {
	f := newTestStore(t, 0)
	s, err := New(Options{Memory: f.memory, Local: brokenLocal{Tier: f.local}, Remote: f.remote})
	require.NoError(t, err)
	ctx := context.Background()

	rec, p := completed("k", "x")
	err = s.Write(ctx, rec, p)
	assert.ErrorIs(t, err, ErrLocalTier)
	assert.ErrorIs(t, err, errDisk)

	_, _, err = f.memory.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrNotFound, "nothing is written past a failed local write")

	_, _, _, err = s.Lookup(ctx, "k")
	assert.ErrorIs(t, err, ErrLocalTier)
}

func TestOversizedPayloadSkipsMemory(t *testing.T) {
	f := newTestStore(t, 8)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, f.store.Write(ctx, &models.Record{
		Key: "k", Status: models.StatusPending, CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}, nil))

	rec, p := completed("k", "much longer than eight bytes")
	require.NoError(t, f.store.Write(ctx, rec, p))

	_, _, err := f.memory.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrNotFound, "stale pending entry must not shadow the completed record")

	got, _, tier, err := f.store.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, models.TierLocal, tier)
	assert.Equal(t, models.StatusCompleted, got.Status)
	f.store.Close()
}

func TestDeleteRemovesEveryTier(t *testing.T) {
	f := newTestStore(t, 0)
	ctx := context.Background()

	rec, p := completed("k", "x")
	require.NoError(t, f.store.Write(ctx, rec, p))
	require.NoError(t, f.store.Delete(ctx, "k"))

	for _, tier := range f.store.Tiers() {
		_, _, err := tier.Get(ctx, "k")
		assert.ErrorIs(t, err, cache.ErrNotFound, string(tier.Name()))
	}
}

func TestNewRequiresLocal(t *testing.T) {
	_, err := New(Options{Memory: memory.New(0)})
	assert.Error(t, err)
}
