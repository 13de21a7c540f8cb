// Package sqlite implements the local tier of the generation cache: an index
// of records in SQLite plus one payload file per record version in a cache
// directory.
package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/gencache/pkg/cache"
	"github.com/pario-ai/gencache/pkg/models"
)

// FormatVersion is stamped on every index row. Rows written with another
// version are treated as absent and purged by Sweep.
const FormatVersion = 2

const (
	payloadExt       = ".payload"
	compressMinBytes = 1024
	staleTempAge     = time.Hour
	// orphanGrace spares payload files a Put has renamed into place but not
	// yet indexed.
	orphanGrace = time.Minute
)

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_records (
	cache_key TEXT PRIMARY KEY,
	template_id TEXT NOT NULL,
	variant TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	payload_path TEXT NOT NULL DEFAULT '',
	payload_text TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	size_bytes INTEGER NOT NULL DEFAULT 0,
	compressed INTEGER NOT NULL DEFAULT 0,
	format_version INTEGER NOT NULL,
	error_detail TEXT NOT NULL DEFAULT '',
	owner TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	last_accessed_at INTEGER NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_records_access ON cache_records(last_accessed_at);
CREATE INDEX IF NOT EXISTS idx_cache_records_expiry ON cache_records(expires_at);
`

const selectColumns = `cache_key, template_id, variant, status, payload_path, content_type,
	size_bytes, created_at, last_accessed_at, access_count, expires_at, error_detail, owner`

// Options configures the local tier.
type Options struct {
	// DBPath is the SQLite index file.
	DBPath string
	// Dir holds one payload file per record version.
	Dir string
	// Capacity is reported through Usage; trimming is done by the eviction manager.
	Capacity int64
	// CompressionLevel is the zstd level for payloads; 0 disables compression.
	CompressionLevel int
	Logger           *zap.Logger
}

// Cache is the durable on-device tier.
type Cache struct {
	db       *sql.DB
	dir      string
	capacity int64
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
	logger   *zap.Logger
}

// New opens the index, runs migrations and prepares the payload directory.
func New(opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, errors.New("local cache dir not configured")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	db, err := sql.Open("sqlite", opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// A single connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=FULL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure cache db: %w", err)
	}
	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	c := &Cache{
		db:       db,
		dir:      opts.Dir,
		capacity: opts.Capacity,
		logger:   opts.Logger,
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	if opts.CompressionLevel > 0 {
		c.encoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.CompressionLevel)))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
	}
	// The decoder is always available so rows written with compression stay
	// readable after compression is turned off.
	c.decoder, err = zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return c, nil
}

// Name implements cache.Tier.
func (c *Cache) Name() models.Tier { return models.TierLocal }

// Get implements cache.Tier. Rows with a missing or undecodable payload file,
// or with a superseded format version, are dropped and reported as a miss.
func (c *Cache) Get(ctx context.Context, key string) (*models.Record, *models.Payload, error) {
	var (
		rec        models.Record
		text       string
		compressed bool
		version    int
	)
	row := c.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+`, payload_text, compressed, format_version
		 FROM cache_records WHERE cache_key = ?`, key)
	if err := scanRecord(row, &rec, &text, &compressed, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, cache.ErrNotFound
		}
		return nil, nil, fmt.Errorf("local get: %w", err)
	}
	rec.PayloadText = text

	if version != FormatVersion {
		c.logger.Debug("dropping superseded cache row",
			zap.String("key", key), zap.Int("format_version", version))
		if _, _, err := c.Evict(ctx, rec); err != nil {
			return nil, nil, err
		}
		return nil, nil, cache.ErrNotFound
	}

	if rec.Status != models.StatusCompleted {
		return &rec, nil, nil
	}

	payload := &models.Payload{Text: text, ContentType: rec.ContentType}
	if rec.PayloadRef == "" {
		return &rec, payload, nil
	}

	data, err := os.ReadFile(rec.PayloadRef)
	if errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn("payload file missing, dropping cache row",
			zap.String("key", key), zap.String("path", rec.PayloadRef))
		if _, _, err := c.Evict(ctx, rec); err != nil {
			return nil, nil, err
		}
		return nil, nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read payload: %w", err)
	}
	if compressed {
		decoded, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			c.logger.Warn("payload file corrupted, dropping cache row",
				zap.String("key", key), zap.Error(err))
			if _, _, err := c.Evict(ctx, rec); err != nil {
				return nil, nil, err
			}
			return nil, nil, cache.ErrNotFound
		}
		data = decoded
	}
	payload.Data = data
	return &rec, payload, nil
}

// Put implements cache.Tier. The payload file is synced and renamed into
// place before the index row is written, so a returned Put survives a crash.
// Each record version gets its own file; the file of the replaced version is
// removed once the new row is in place.
func (c *Cache) Put(ctx context.Context, rec *models.Record, p *models.Payload) error {
	var (
		path       string
		compressed bool
	)
	if rec.Status == models.StatusCompleted && p != nil && len(p.Data) > 0 {
		data := p.Data
		if c.encoder != nil && len(data) > compressMinBytes {
			if enc := c.encoder.EncodeAll(data, nil); len(enc) < len(data) {
				data = enc
				compressed = true
			}
		}
		path = c.pathFor(rec.Key, rec.CreatedAt)
		if err := writeFileSync(path, data); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}

	text := rec.PayloadText
	if text == "" && p != nil {
		text = p.Text
	}

	var oldPath string
	err := c.db.QueryRowContext(ctx,
		`SELECT payload_path FROM cache_records WHERE cache_key = ?`, rec.Key).Scan(&oldPath)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("local put: %w", err)
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_records (cache_key, template_id, variant, status,
			payload_path, payload_text, content_type, size_bytes, compressed, format_version,
			error_detail, owner, created_at, last_accessed_at, access_count, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Key, rec.TemplateID, rec.Variant, string(rec.Status),
		path, text, rec.ContentType, rec.SizeBytes, compressed, FormatVersion,
		rec.ErrorDetail, rec.Owner, unixNano(rec.CreatedAt), unixNano(rec.LastAccessedAt),
		rec.AccessCount, unixNano(rec.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("local put: %w", err)
	}

	if oldPath != "" && oldPath != path {
		removeFile(oldPath)
	}
	return nil
}

// Delete implements cache.Tier.
func (c *Cache) Delete(ctx context.Context, key string) error {
	_, err := c.Remove(ctx, key)
	return err
}

// Touch implements cache.Tier.
func (c *Cache) Touch(ctx context.Context, key string, at time.Time) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE cache_records SET access_count = access_count + 1, last_accessed_at = ?
		 WHERE cache_key = ?`, unixNano(at), key)
	if err != nil {
		return fmt.Errorf("local touch: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return cache.ErrNotFound
	}
	return nil
}

// Entries implements cache.Evictable. Rows with a superseded format are skipped.
func (c *Cache) Entries(ctx context.Context) ([]models.Record, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM cache_records WHERE format_version = ?`, FormatVersion)
	if err != nil {
		return nil, fmt.Errorf("local entries: %w", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		var rec models.Record
		if err := scanRecord(rows, &rec); err != nil {
			return nil, fmt.Errorf("local entries: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Remove implements cache.Evictable.
func (c *Cache) Remove(ctx context.Context, key string) (int64, error) {
	var (
		path string
		size int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT payload_path, size_bytes FROM cache_records WHERE cache_key = ?`, key).Scan(&path, &size)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("local remove: %w", err)
	}

	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_records WHERE cache_key = ?`, key); err != nil {
		return 0, fmt.Errorf("local remove: %w", err)
	}
	if path != "" {
		removeFile(path)
	}
	return size, nil
}

// Evict implements cache.Evictable. The row is deleted only if every listed
// version column still matches; the payload file named by the deleted row
// belongs to that version alone.
func (c *Cache) Evict(ctx context.Context, rec models.Record) (int64, bool, error) {
	var (
		path string
		size int64
	)
	err := c.db.QueryRowContext(ctx,
		`DELETE FROM cache_records
		 WHERE cache_key = ? AND status = ? AND owner = ? AND created_at = ?
		   AND last_accessed_at = ? AND access_count = ? AND expires_at = ?
		 RETURNING payload_path, size_bytes`,
		rec.Key, string(rec.Status), rec.Owner, unixNano(rec.CreatedAt),
		unixNano(rec.LastAccessedAt), rec.AccessCount, unixNano(rec.ExpiresAt),
	).Scan(&path, &size)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("local evict: %w", err)
	}
	if path != "" {
		removeFile(path)
	}
	return size, true, nil
}

// Usage implements cache.Evictable.
func (c *Cache) Usage(ctx context.Context) (models.TierUsage, error) {
	u := models.TierUsage{Tier: models.TierLocal, Capacity: c.capacity}
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM cache_records WHERE format_version = ?`,
		FormatVersion).Scan(&u.Entries, &u.SizeBytes)
	if err != nil {
		return models.TierUsage{}, fmt.Errorf("local usage: %w", err)
	}
	return u, nil
}

// Sweep implements cache.Sweeper. It purges rows with a superseded format
// version, payload files no row references, and stale temp files. Payload
// files younger than orphanGrace are left for a later pass.
func (c *Cache) Sweep(ctx context.Context) (int, int64, error) {
	start := time.Now()
	superseded, err := c.dropSuperseded(ctx)
	if err != nil {
		return 0, 0, err
	}

	referenced := make(map[string]bool)
	rows, err := c.db.QueryContext(ctx, `SELECT payload_path FROM cache_records WHERE payload_path <> ''`)
	if err != nil {
		return 0, 0, fmt.Errorf("local sweep: %w", err)
	}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("local sweep: %w", err)
		}
		referenced[filepath.Clean(p)] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("local sweep: %w", err)
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, 0, fmt.Errorf("local sweep: %w", err)
	}
	var freed int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(c.dir, e.Name())
		switch {
		case strings.HasSuffix(e.Name(), payloadExt) && !referenced[path] &&
			start.Sub(info.ModTime()) > orphanGrace:
		case strings.HasSuffix(e.Name(), ".tmp") && start.Sub(info.ModTime()) > staleTempAge:
		default:
			continue
		}
		if err := os.Remove(path); err == nil {
			freed += info.Size()
			c.logger.Debug("removed orphan cache file", zap.String("path", path))
		}
	}
	return superseded, freed, nil
}

// dropSuperseded deletes rows written with another format version together
// with their payload files.
func (c *Cache) dropSuperseded(ctx context.Context) (int, error) {
	rows, err := c.db.QueryContext(ctx,
		`DELETE FROM cache_records WHERE format_version <> ? RETURNING payload_path`, FormatVersion)
	if err != nil {
		return 0, fmt.Errorf("local sweep: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return 0, fmt.Errorf("local sweep: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("local sweep: %w", err)
	}
	for _, p := range paths {
		if p != "" {
			removeFile(p)
		}
	}
	return len(paths), nil
}

// Clear removes cache entries. If expiredOnly is true, only entries expired
// at now are removed. It returns the number of removed entries.
func (c *Cache) Clear(ctx context.Context, expiredOnly bool, now time.Time) (int, error) {
	var (
		keys []string
		err  error
	)
	if expiredOnly {
		keys, err = c.keysWhere(ctx, `expires_at <= ?`, unixNano(now))
	} else {
		keys, err = c.keysWhere(ctx, `1 = 1`)
	}
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if _, err := c.Remove(ctx, key); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// Close releases the database connection and codecs.
func (c *Cache) Close() error {
	if c.encoder != nil {
		c.encoder.Close()
	}
	c.decoder.Close()
	return c.db.Close()
}

func (c *Cache) keysWhere(ctx context.Context, cond string, args ...any) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT cache_key FROM cache_records WHERE `+cond, args...)
	if err != nil {
		return nil, fmt.Errorf("local query: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("local query: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (c *Cache) pathFor(key string, createdAt time.Time) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:16]) + "-" + strconv.FormatInt(unixNano(createdAt), 36)
	return filepath.Join(c.dir, name+payloadExt)
}

type scanner interface {
	Scan(dest ...any) error
}

// scanRecord reads selectColumns into rec followed by any extra destinations.
func scanRecord(s scanner, rec *models.Record, extra ...any) error {
	var (
		status                         string
		created, accessed, expiresNano int64
	)
	dest := []any{
		&rec.Key, &rec.TemplateID, &rec.Variant, &status, &rec.PayloadRef, &rec.ContentType,
		&rec.SizeBytes, &created, &accessed, &rec.AccessCount, &expiresNano, &rec.ErrorDetail, &rec.Owner,
	}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	rec.Status = models.Status(status)
	rec.CreatedAt = fromUnixNano(created)
	rec.LastAccessedAt = fromUnixNano(accessed)
	rec.ExpiresAt = fromUnixNano(expiresNano)
	return nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// writeFileSync writes to a temp file, fsyncs it and renames it over path.
func writeFileSync(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func removeFile(path string) {
	_ = os.Remove(path)
}
