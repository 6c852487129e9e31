// Package storage owns the on-disk database file, schema migration, and all
// CRUD/query primitives for every entity type.
//
// One embedded SQLite file per project holds all entity tables, an FTS5
// index over searchable text, and a meta table carrying the schema version.
// Write-ahead logging and foreign-key enforcement are always on; a
// multi-second busy timeout serializes the rare overlapping writer.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver
)

// Config configures the store.
type Config struct {
	// Path is the database file location, e.g. <project>/.aidd/memory.db.
	Path string

	// BusyTimeout absorbs single-writer contention (default 5s).
	BusyTimeout time.Duration

	// Logger for structured logging. Required.
	Logger *zap.Logger
}

// Store is the embedded storage backend.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the database file, applies pending migrations in
// ascending order, and fails if the stored schema version exceeds this
// binary's current version.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports one writer; a larger pool only manufactures
	// SQLITE_BUSY errors.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("pragma %q failed: %w", p, err)
		}
	}

	s := &Store{db: db, logger: cfg.Logger}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	cfg.Logger.Info("storage initialized",
		zap.String("path", cfg.Path),
		zap.Int("schema_version", currentSchemaVersion))
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Checkpoint forces a write-ahead-log flush back into the main file.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint failed: %w", err)
	}
	return nil
}

// PruneOptions bounds the stale-data sweep. Zero values fall back to the
// documented defaults (30 days, 1,000 observations, 50 indexed sessions).
type PruneOptions struct {
	DetectionMaxAge    time.Duration
	MaxObservations    int
	MaxIndexedSessions int
}

// PruneResult reports what a prune pass removed.
type PruneResult struct {
	DetectionsDeleted   int64 `json:"detections_deleted"`
	ObservationsDeleted int64 `json:"observations_deleted"`
	SessionsDeindexed   int64 `json:"sessions_deindexed"`
}

// PruneStaleData deletes detection telemetry older than the configured age,
// caps stored observation count, and caps the indexed-session count. All
// deletes are explicitly bounded to keep the file from growing unbounded.
func (s *Store) PruneStaleData(ctx context.Context, opts PruneOptions) (*PruneResult, error) {
	if opts.DetectionMaxAge <= 0 {
		opts.DetectionMaxAge = 30 * 24 * time.Hour
	}
	if opts.MaxObservations <= 0 {
		opts.MaxObservations = 1000
	}
	if opts.MaxIndexedSessions <= 0 {
		opts.MaxIndexedSessions = 50
	}

	result := &PruneResult{}
	cutoff := formatTime(time.Now().Add(-opts.DetectionMaxAge))

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pattern_detections WHERE created_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("prune detections: %w", err)
	}
	result.DetectionsDeleted, _ = res.RowsAffected()

	// Oldest observations beyond the cap go first, search index rows with
	// them (FTS rows are removed by the delete trigger).
	res, err = s.db.ExecContext(ctx, `
		DELETE FROM observations WHERE id IN (
			SELECT id FROM observations
			ORDER BY created_at DESC
			LIMIT -1 OFFSET ?
		)`, opts.MaxObservations)
	if err != nil {
		return nil, fmt.Errorf("prune observations: %w", err)
	}
	result.ObservationsDeleted, _ = res.RowsAffected()

	// De-index sessions beyond the cap: their search rows are dropped but
	// the session rows themselves remain.
	res, err = s.db.ExecContext(ctx, `
		DELETE FROM search_index WHERE session_id IN (
			SELECT id FROM sessions
			ORDER BY started_at DESC
			LIMIT -1 OFFSET ?
		)`, opts.MaxIndexedSessions)
	if err != nil {
		return nil, fmt.Errorf("prune search index: %w", err)
	}
	result.SessionsDeindexed, _ = res.RowsAffected()

	s.logger.Info("pruned stale data",
		zap.Int64("detections_deleted", result.DetectionsDeleted),
		zap.Int64("observations_deleted", result.ObservationsDeleted),
		zap.Int64("sessions_deindexed", result.SessionsDeindexed))
	return result, nil
}

// Time columns store UTC RFC3339Nano text so lexical ordering matches
// chronological ordering.

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
