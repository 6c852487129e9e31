package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// currentSchemaVersion is the schema this binary writes. A stored version
// greater than this is fatal: the file belongs to a newer binary and must
// never be silently downgraded.
const currentSchemaVersion = 3

// migrate brings the database up to currentSchemaVersion. Every step is
// idempotent (CREATE ... IF NOT EXISTS), so interrupted migrations are safe
// to re-run. Legacy databases lacking the meta table are treated as
// version 0 and receive all steps.
func (s *Store) migrate() error {
	stored, err := s.schemaVersion()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if stored > currentSchemaVersion {
		return fmt.Errorf("%w: stored version %d, binary supports %d",
			ErrSchemaTooNew, stored, currentSchemaVersion)
	}

	for v := stored + 1; v <= currentSchemaVersion; v++ {
		if err := s.applyMigration(v); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", v, err)
		}
		if err := s.setSchemaVersion(v); err != nil {
			return fmt.Errorf("failed to record schema version %d: %w", v, err)
		}
	}
	return nil
}

func (s *Store) applyMigration(version int) error {
	switch version {
	case 1:
		return s.execAll(migrationV1)
	case 2:
		return s.execAll(migrationV2)
	case 3:
		return s.execAll(migrationV3)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

func (s *Store) execAll(stmts []string) error {
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("statement failed: %s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// schemaVersion reads schema_version from the meta table, creating the table
// if absent. A fresh or legacy database reports 0.
func (s *Store) schemaVersion() (int, error) {
	if _, err := s.db.Exec(
		`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return 0, err
	}

	var raw string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	version, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("corrupt schema_version %q: %w", raw, err)
	}
	return version, nil
}

func (s *Store) setSchemaVersion(version int) error {
	_, err := s.db.Exec(
		`INSERT INTO meta (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		strconv.Itoa(version))
	return err
}

func firstLine(stmt string) string {
	for i, r := range stmt {
		if r == '\n' {
			return stmt[:i]
		}
	}
	return stmt
}

// migrationV1 creates the base tables and the full-text search index.
var migrationV1 = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		branch     TEXT,
		provider   TEXT,
		model      TEXT,
		task_type  TEXT,
		started_at TEXT NOT NULL,
		ended_at   TEXT,
		payload    TEXT NOT NULL,
		revision   INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_ended ON sessions(ended_at)`,

	`CREATE TABLE IF NOT EXISTS observations (
		id               TEXT PRIMARY KEY,
		session_id       TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		type             TEXT NOT NULL,
		title            TEXT NOT NULL,
		narrative        TEXT,
		facts            TEXT,
		concepts         TEXT,
		discovery_tokens INTEGER NOT NULL DEFAULT 0,
		created_at       TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_obs_session ON observations(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_obs_created ON observations(created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS memory_entries (
		id               TEXT PRIMARY KEY,
		kind             TEXT NOT NULL CHECK (kind IN ('decision','mistake','convention')),
		title            TEXT NOT NULL,
		content          TEXT,
		normalized_error TEXT,
		occurrences      INTEGER NOT NULL DEFAULT 1,
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_memory_mistake_dedupe
		ON memory_entries(normalized_error) WHERE normalized_error IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_memory_kind ON memory_entries(kind)`,

	`CREATE TABLE IF NOT EXISTS banned_patterns (
		id          TEXT PRIMARY KEY,
		category    TEXT NOT NULL,
		pattern     TEXT NOT NULL,
		is_regex    INTEGER NOT NULL DEFAULT 0,
		severity    TEXT NOT NULL DEFAULT 'medium',
		origin      TEXT NOT NULL CHECK (origin IN ('system','learned')),
		active      INTEGER NOT NULL DEFAULT 1,
		use_count   INTEGER NOT NULL DEFAULT 0,
		model_scope TEXT,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_patterns_active ON banned_patterns(active, category)`,

	`CREATE TABLE IF NOT EXISTS pattern_detections (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		pattern_id TEXT NOT NULL,
		session_id TEXT,
		model_id   TEXT,
		snippet    TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_detections_pattern ON pattern_detections(pattern_id)`,
	`CREATE INDEX IF NOT EXISTS idx_detections_created ON pattern_detections(created_at)`,

	`CREATE TABLE IF NOT EXISTS evolution_candidates (
		id            TEXT PRIMARY KEY,
		type          TEXT NOT NULL,
		title         TEXT NOT NULL UNIQUE,
		description   TEXT,
		confidence    REAL NOT NULL DEFAULT 0,
		session_count INTEGER NOT NULL DEFAULT 0,
		status        TEXT NOT NULL DEFAULT 'pending',
		payload       TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_candidates_status ON evolution_candidates(status)`,
	`CREATE INDEX IF NOT EXISTS idx_candidates_type ON evolution_candidates(type)`,

	`CREATE TABLE IF NOT EXISTS evolution_log (
		id           TEXT PRIMARY KEY,
		candidate_id TEXT NOT NULL,
		action       TEXT NOT NULL,
		reason       TEXT,
		created_at   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_evolog_candidate ON evolution_log(candidate_id)`,

	// Full-text index over observation and permanent-memory text. Rows are
	// written at entity save time; delete triggers keep it consistent.
	`CREATE VIRTUAL TABLE IF NOT EXISTS search_index USING fts5(
		title,
		body,
		entry_id UNINDEXED,
		entry_type UNINDEXED,
		session_id UNINDEXED,
		created_at UNINDEXED
	)`,
	`CREATE TRIGGER IF NOT EXISTS obs_search_delete AFTER DELETE ON observations BEGIN
		DELETE FROM search_index WHERE entry_id = old.id;
	END`,
	`CREATE TRIGGER IF NOT EXISTS memory_search_delete AFTER DELETE ON memory_entries BEGIN
		DELETE FROM search_index WHERE entry_id = old.id;
	END`,
}

// migrationV2 adds workflow artifacts and the composite session index used
// by filtered session listings.
var migrationV2 = []string{
	`CREATE TABLE IF NOT EXISTS artifacts (
		id         TEXT PRIMARY KEY,
		type       TEXT NOT NULL,
		feature    TEXT,
		status     TEXT NOT NULL CHECK (status IN ('active','done')),
		content    TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_status ON artifacts(status, type)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_branch_ended ON sessions(branch, ended_at)`,
}

// migrationV3 adds evolution snapshots, audit telemetry, and the secondary
// branch/lifecycle aggregates.
var migrationV3 = []string{
	`CREATE TABLE IF NOT EXISTS evolution_snapshots (
		id           TEXT PRIMARY KEY,
		candidate_id TEXT NOT NULL,
		state        TEXT NOT NULL,
		created_at   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_candidate ON evolution_snapshots(candidate_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS audit_scores (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id   TEXT,
		model_id     TEXT,
		total        REAL NOT NULL,
		lexical      REAL NOT NULL,
		structural   REAL NOT NULL,
		voice        REAL NOT NULL,
		absence      REAL NOT NULL,
		semantic     REAL NOT NULL,
		verdict      TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_at   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_model ON audit_scores(model_id)`,

	`CREATE TABLE IF NOT EXISTS branch_context (
		branch          TEXT PRIMARY KEY,
		last_session_id TEXT,
		session_count   INTEGER NOT NULL DEFAULT 0,
		summary         TEXT,
		updated_at      TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS lifecycle_sessions (
		id         TEXT PRIMARY KEY,
		phase      TEXT NOT NULL,
		state      TEXT,
		updated_at TEXT NOT NULL
	)`,
}
