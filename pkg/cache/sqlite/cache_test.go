package sqlite

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/gencache/pkg/cache"
	"github.com/pario-ai/gencache/pkg/models"
)

func newTestCache(t *testing.T, level int) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := New(Options{
		DBPath:           filepath.Join(dir, "cache_test.db"),
		Dir:              filepath.Join(dir, "payloads"),
		Capacity:         1 << 20,
		CompressionLevel: level,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func completedRecord(key string, p *models.Payload, ttl time.Duration) *models.Record {
	now := time.Now()
	return &models.Record{
		Key:            key,
		TemplateID:     "goal_viz_01",
		Variant:        "voice-A",
		Status:         models.StatusCompleted,
		PayloadText:    p.Text,
		ContentType:    p.ContentType,
		SizeBytes:      p.Size(),
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(ttl),
	}
}

func TestPutAndGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, level := range []int{0, 3} {
		c := newTestCache(t, level)

		audio := bytes.Repeat([]byte("mp3frame"), 1024)
		p := &models.Payload{Data: audio, Text: "breathe in, breathe out", ContentType: "audio/mpeg"}
		require.NoError(t, c.Put(ctx, completedRecord("k1", p, time.Hour), p))

		rec, got, err := c.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, rec.Status)
		assert.Equal(t, "voice-A", rec.Variant)
		assert.Equal(t, audio, got.Data, "level %d", level)
		assert.Equal(t, p.Text, got.Text)
		assert.Equal(t, "audio/mpeg", got.ContentType)
		assert.FileExists(t, rec.PayloadRef)

		if level > 0 {
			info, err := os.Stat(rec.PayloadRef)
			require.NoError(t, err)
			assert.Less(t, info.Size(), int64(len(audio)), "payload should be compressed on disk")
		}
	}
}

func TestGetMiss(t *testing.T) {
	c := newTestCache(t, 0)
	_, _, err := c.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestPendingRecordHasNoPayload(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 0)

	now := time.Now()
	rec := &models.Record{
		Key:        "k",
		TemplateID: "t",
		Status:     models.StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(5 * time.Minute),
		Owner:      "owner-1",
	}
	require.NoError(t, c.Put(ctx, rec, nil))

	got, p, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, "owner-1", got.Owner)
	assert.True(t, got.ExpiresAt.Equal(rec.ExpiresAt))
}

func TestMissingFileSelfHeals(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 0)

	p := &models.Payload{Data: []byte("audio"), ContentType: "audio/mpeg"}
	require.NoError(t, c.Put(ctx, completedRecord("k", p, time.Hour), p))
	rec, _, err := c.Get(ctx, "k")
	require.NoError(t, err)

	require.NoError(t, os.Remove(rec.PayloadRef))

	_, _, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrNotFound)

	u, err := c.Usage(ctx)
	require.NoError(t, err)
	assert.Zero(t, u.Entries, "row should be dropped with its file")
}

func TestCorruptFileSelfHeals(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 3)

	p := &models.Payload{Data: bytes.Repeat([]byte("a"), 4096)}
	require.NoError(t, c.Put(ctx, completedRecord("k", p, time.Hour), p))
	rec, _, err := c.Get(ctx, "k")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(rec.PayloadRef, []byte("not zstd"), 0o644))

	_, _, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestSupersededFormatIsAbsent(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 0)

	p := &models.Payload{Text: "script"}
	require.NoError(t, c.Put(ctx, completedRecord("old", p, time.Hour), p))
	require.NoError(t, c.Put(ctx, completedRecord("new", p, time.Hour), p))
	_, err := c.db.Exec(`UPDATE cache_records SET format_version = 1 WHERE cache_key = 'old'`)
	require.NoError(t, err)

	entries, err := c.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].Key)

	superseded, _, err := c.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, superseded)

	_, _, err = c.Get(ctx, "old")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestSweepRemovesOrphanFiles(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 0)

	p := &models.Payload{Data: []byte("kept")}
	require.NoError(t, c.Put(ctx, completedRecord("k", p, time.Hour), p))

	orphan := filepath.Join(c.dir, "deadbeef"+payloadExt)
	require.NoError(t, os.WriteFile(orphan, []byte("orphaned"), 0o644))
	old := time.Now().Add(-2 * orphanGrace)
	require.NoError(t, os.Chtimes(orphan, old, old))

	// A file renamed into place by a Put that has not indexed it yet.
	fresh := filepath.Join(c.dir, "cafebabe"+payloadExt)
	require.NoError(t, os.WriteFile(fresh, []byte("in flight"), 0o644))

	_, freed, err := c.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len("orphaned")), freed)
	assert.NoFileExists(t, orphan)
	assert.FileExists(t, fresh)

	_, got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), got.Data)
}

func TestTouch(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 0)

	p := &models.Payload{Text: "x"}
	require.NoError(t, c.Put(ctx, completedRecord("k", p, time.Hour), p))

	at := time.Now().Add(time.Minute)
	require.NoError(t, c.Touch(ctx, "k", at))
	assert.ErrorIs(t, c.Touch(ctx, "missing", at), cache.ErrNotFound)

	rec, _, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.AccessCount)
	assert.True(t, rec.LastAccessedAt.Equal(at))
}

func TestOverwriteWithPendingRemovesFile(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 0)

	p := &models.Payload{Data: []byte("audio")}
	require.NoError(t, c.Put(ctx, completedRecord("k", p, time.Hour), p))
	rec, _, err := c.Get(ctx, "k")
	require.NoError(t, err)
	path := rec.PayloadRef

	now := time.Now()
	require.NoError(t, c.Put(ctx, &models.Record{
		Key: "k", TemplateID: "t", Status: models.StatusPending,
		CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}, nil))
	assert.NoFileExists(t, path)
}

func TestReplacingVersionRemovesOldFile(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 0)

	first := &models.Payload{Data: []byte("take one")}
	require.NoError(t, c.Put(ctx, completedRecord("k", first, time.Hour), first))
	rec, _, err := c.Get(ctx, "k")
	require.NoError(t, err)

	second := &models.Payload{Data: []byte("take two")}
	next := completedRecord("k", second, time.Hour)
	next.CreatedAt = rec.CreatedAt.Add(time.Second)
	require.NoError(t, c.Put(ctx, next, second))

	got, p, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.NotEqual(t, rec.PayloadRef, got.PayloadRef)
	assert.NoFileExists(t, rec.PayloadRef)
	assert.Equal(t, []byte("take two"), p.Data)
}

func TestEvictKeepsRewrittenRecord(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 0)

	stale := &models.Payload{Data: []byte("stale")}
	require.NoError(t, c.Put(ctx, completedRecord("k", stale, -time.Minute), stale))
	listed, err := c.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	fresh := &models.Payload{Data: []byte("fresh")}
	rewrite := completedRecord("k", fresh, time.Hour)
	rewrite.CreatedAt = listed[0].CreatedAt.Add(time.Second)
	require.NoError(t, c.Put(ctx, rewrite, fresh))

	freed, removed, err := c.Evict(ctx, listed[0])
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Zero(t, freed)

	_, got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), got.Data)

	current, err := c.Entries(ctx)
	require.NoError(t, err)
	freed, removed, err = c.Evict(ctx, current[0])
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, int64(len("fresh")), freed)
	_, _, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestEvictKeepsTouchedRecord(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 0)

	p := &models.Payload{Text: "x"}
	require.NoError(t, c.Put(ctx, completedRecord("k", p, time.Hour), p))
	listed, err := c.Entries(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Touch(ctx, "k", time.Now().Add(time.Second)))

	_, removed, err := c.Evict(ctx, listed[0])
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 0)

	p := &models.Payload{Data: []byte("data")}
	require.NoError(t, c.Put(ctx, completedRecord("live", p, time.Hour), p))
	require.NoError(t, c.Put(ctx, completedRecord("dead", p, -time.Minute), p))

	n, err := c.Clear(ctx, true, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	u, err := c.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.Entries)
	assert.Equal(t, int64(4), u.SizeBytes)

	n, err = c.Clear(ctx, false, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	u, _ = c.Usage(ctx)
	assert.Zero(t, u.Entries)
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts := Options{DBPath: filepath.Join(dir, "idx.db"), Dir: filepath.Join(dir, "p")}

	c, err := New(opts)
	require.NoError(t, err)
	p := &models.Payload{Data: []byte("durable")}
	require.NoError(t, c.Put(ctx, completedRecord("k", p, time.Hour), p))
	require.NoError(t, c.Close())

	c, err = New(opts)
	require.NoError(t, err)
	defer c.Close()

	_, got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), got.Data)
}
