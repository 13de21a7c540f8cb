// Package tracker keeps a ledger of generation attempts in SQLite.
package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/gencache/pkg/models"
)

// Tracker records and queries generation attempts.
type Tracker interface {
	// Record stores one generation attempt.
	Record(ctx context.Context, ev models.GenerationEvent) error
	// QueryByKey returns attempts for a cache key since a given time, newest first.
	QueryByKey(ctx context.Context, key string, since time.Time) ([]models.GenerationEvent, error)
	// Recent returns the latest attempts, optionally filtered by template.
	Recent(ctx context.Context, templateID string, limit int) ([]models.GenerationEvent, error)
	// Summary aggregates attempts per template and variant, optionally filtered by template.
	Summary(ctx context.Context, templateID string) ([]models.GenerationSummary, error)
	// Prune deletes attempts older than before and returns how many were removed.
	Prune(ctx context.Context, before time.Time) (int64, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS generation_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cache_key TEXT NOT NULL,
	template_id TEXT NOT NULL,
	variant TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_generation_key_time ON generation_events(cache_key, created_at);
CREATE INDEX IF NOT EXISTS idx_generation_template ON generation_events(template_id, variant);
`

const eventColumns = `id, cache_key, template_id, variant, status, size_bytes, duration_ms, error, created_at`

// New creates a SQLiteTracker and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure tracker db: %w", err)
	}
	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	return &SQLiteTracker{db: db}, nil
}

// Record stores a generation attempt. A zero CreatedAt is set to now.
func (t *SQLiteTracker) Record(ctx context.Context, ev models.GenerationEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO generation_events (cache_key, template_id, variant, status, size_bytes, duration_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Key, ev.TemplateID, ev.Variant, string(ev.Status), ev.SizeBytes,
		ev.Duration.Milliseconds(), ev.Error, ev.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record generation: %w", err)
	}
	return nil
}

// QueryByKey returns attempts for a cache key since a given time.
func (t *SQLiteTracker) QueryByKey(ctx context.Context, key string, since time.Time) ([]models.GenerationEvent, error) {
	return t.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM generation_events
		 WHERE cache_key = ? AND created_at >= ? ORDER BY created_at DESC, id DESC`,
		key, since.UnixNano(),
	)
}

// Recent returns the latest attempts. A non-positive limit defaults to 50.
func (t *SQLiteTracker) Recent(ctx context.Context, templateID string, limit int) ([]models.GenerationEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + eventColumns + ` FROM generation_events`
	var args []any
	if templateID != "" {
		query += ` WHERE template_id = ?`
		args = append(args, templateID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	return t.queryEvents(ctx, query, args...)
}

func (t *SQLiteTracker) queryEvents(ctx context.Context, query string, args ...any) ([]models.GenerationEvent, error) {
	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query generations: %w", err)
	}
	defer rows.Close()

	var events []models.GenerationEvent
	for rows.Next() {
		var (
			ev         models.GenerationEvent
			status     string
			durationMS int64
			createdAt  int64
		)
		if err := rows.Scan(&ev.ID, &ev.Key, &ev.TemplateID, &ev.Variant, &status,
			&ev.SizeBytes, &durationMS, &ev.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		ev.Status = models.Status(status)
		ev.Duration = time.Duration(durationMS) * time.Millisecond
		ev.CreatedAt = time.Unix(0, createdAt).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Summary returns aggregated attempts grouped by template and variant.
func (t *SQLiteTracker) Summary(ctx context.Context, templateID string) ([]models.GenerationSummary, error) {
	query := `SELECT template_id, variant, COUNT(*),
		SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
		COALESCE(SUM(size_bytes), 0), COALESCE(AVG(duration_ms), 0), MAX(created_at)
		FROM generation_events`
	var args []any
	if templateID != "" {
		query += ` WHERE template_id = ?`
		args = append(args, templateID)
	}
	query += ` GROUP BY template_id, variant ORDER BY template_id, variant`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.GenerationSummary
	for rows.Next() {
		var (
			s     models.GenerationSummary
			avgMS float64
			last  int64
		)
		if err := rows.Scan(&s.TemplateID, &s.Variant, &s.Generations, &s.Failures,
			&s.TotalBytes, &avgMS, &last); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		s.AvgDuration = time.Duration(avgMS * float64(time.Millisecond))
		s.LastGenerated = time.Unix(0, last).UTC()
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Prune deletes attempts created before the given time.
func (t *SQLiteTracker) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := t.db.ExecContext(ctx, `DELETE FROM generation_events WHERE created_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune generations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune generations: %w", err)
	}
	return n, nil
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
