package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "reelbot/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped when schema.sql changes shape.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database was created by an incompatible version.
var ErrSchemaMismatch = errors.New("ledger: schema version mismatch")

// Config configures the ledger store.
type Config struct {
	Path        string
	BusyTimeout time.Duration  // 0 means default (5s)
	Location    *time.Location // zone used for hour-of-day grouping; nil means time.Local
}

// Store is the durable publication ledger backed by SQLite.
//
// Writes (RecordPublish, UpdateMetrics) surface errors: silently losing a
// publish record would corrupt the dedup invariant. Advisory optimization
// reads degrade to empty results instead (see optimize.go).
type Store struct {
	db   *sql.DB
	path string
	loc  *time.Location
	log  logx.Logger
}

// Open initializes or connects to the ledger database and applies the schema.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("ledger: path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open db: %w", err)
	}
	// SQLite prefers a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ledger: apply pragma %q: %w", pragma, execErr)
		}
	}

	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}

	st := &Store{db: db, path: cfg.Path, loc: loc, log: log}
	if err := st.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ledger: create schema: %w", err)
	}

	var version int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion)
		if err != nil {
			return fmt.Errorf("ledger: record schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("ledger: read schema version: %w", err)
	case version != schemaVersion:
		return fmt.Errorf("%w: database has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// HasPublished reports whether a publish record exists for sourceID.
//
// Unlike the advisory reads, storage errors surface to the caller: a degraded
// "false" here could let the pipeline publish the same item twice.
func (s *Store) HasPublished(ctx context.Context, sourceID string) (bool, error) {
	if strings.TrimSpace(sourceID) == "" {
		return false, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM publish_records WHERE source_id = ?`, sourceID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("ledger: has published: %w", err)
	}
	return n > 0, nil
}

// RecordPublish inserts the record iff no record exists for its source.
// The check-and-insert is a single statement, so concurrent cycles racing on
// the same source resolve to exactly one record and one ErrConflict.
func (s *Store) RecordPublish(ctx context.Context, rec PublishRecord) error {
	if strings.TrimSpace(rec.SourceID) == "" {
		return errors.New("ledger: source id is required")
	}
	if strings.TrimSpace(rec.PlatformPostID) == "" {
		return errors.New("ledger: platform post id is required")
	}
	if rec.PublishedAt.IsZero() {
		rec.PublishedAt = time.Now()
	}

	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("ledger: marshal tags: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO publish_records (
            source_id, platform_post_id, platform_url, title, source_url,
            caption, tags_json, category, published_at,
            likes, comments, views, engagement_rate, metrics_updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(source_id) DO NOTHING`,
		rec.SourceID, rec.PlatformPostID, rec.PlatformURL, rec.Title, rec.SourceURL,
		rec.Caption, string(tagsJSON), rec.Category,
		formatTime(rec.PublishedAt),
		rec.Likes, rec.Comments, rec.Views,
		EngagementRate(rec.Likes, rec.Comments, rec.Views),
		nullableTime(rec.MetricsUpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("ledger: record publish: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: record publish: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrConflict, rec.SourceID)
	}
	return nil
}

// UpdateMetrics stores fresh counters for a record and recomputes its
// engagement rate. published_at is never touched. Idempotent for identical
// inputs apart from metrics_updated_at.
func (s *Store) UpdateMetrics(ctx context.Context, sourceID string, likes, comments, views int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE publish_records
            SET likes = ?, comments = ?, views = ?, engagement_rate = ?, metrics_updated_at = ?
          WHERE source_id = ?`,
		likes, comments, views,
		EngagementRate(likes, comments, views),
		formatTime(time.Now()),
		sourceID,
	)
	if err != nil {
		return fmt.Errorf("ledger: update metrics: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: update metrics: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sourceID)
	}
	return nil
}

// Get fetches a record by source ID. Returns (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, sourceID string) (*PublishRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM publish_records WHERE source_id = ?`, sourceID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get: %w", err)
	}
	return rec, nil
}

// Recent returns up to limit records, most recently published first.
func (s *Store) Recent(ctx context.Context, limit int) ([]PublishRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM publish_records
          ORDER BY published_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: recent: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Count returns the number of publish records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM publish_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger: count: %w", err)
	}
	return n, nil
}

// timeFormat is RFC3339 with a fixed-width 9-digit fraction. Timestamps are
// stored in UTC, so the text sorts exactly like the instant it encodes;
// RFC3339Nano drops trailing fraction zeros, and 'Z' > '.' would then rank a
// whole-second instant after any sub-second one in ORDER BY published_at.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

const recordColumns = `source_id, platform_post_id, platform_url, title, source_url,
    caption, tags_json, category, published_at,
    likes, comments, views, engagement_rate, metrics_updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*PublishRecord, error) {
	var (
		rec         PublishRecord
		tagsJSON    string
		publishedAt string
		updatedAt   sql.NullString
	)
	err := row.Scan(
		&rec.SourceID, &rec.PlatformPostID, &rec.PlatformURL, &rec.Title, &rec.SourceURL,
		&rec.Caption, &tagsJSON, &rec.Category, &publishedAt,
		&rec.Likes, &rec.Comments, &rec.Views, &rec.EngagementRate, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &rec.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	rec.PublishedAt, err = time.Parse(time.RFC3339Nano, publishedAt)
	if err != nil {
		return nil, fmt.Errorf("decode published_at: %w", err)
	}
	if updatedAt.Valid && updatedAt.String != "" {
		rec.MetricsUpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt.String)
		if err != nil {
			return nil, fmt.Errorf("decode metrics_updated_at: %w", err)
		}
	}
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]PublishRecord, error) {
	var out []PublishRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}
