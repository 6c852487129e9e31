package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// MemoryStats summarizes the contents of the substrate for status surfaces.
type MemoryStats struct {
	TotalSessions     int            `json:"total_sessions"`
	ActiveSessions    int            `json:"active_sessions"`
	TotalObservations int            `json:"total_observations"`
	MemoryEntries     map[string]int `json:"memory_entries"`
	IndexedEntries    int            `json:"indexed_entries"`
	Candidates        map[string]int `json:"candidates"`
	SchemaVersion     int            `json:"schema_version"`
	LastSessionAt     string         `json:"last_session_at,omitempty"`
}

// GetMemoryStats aggregates counts across every entity family.
func (s *Store) GetMemoryStats(ctx context.Context) (*MemoryStats, error) {
	stats := &MemoryStats{
		MemoryEntries: make(map[string]int),
		Candidates:    make(map[string]int),
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN ended_at IS NULL THEN 1 ELSE 0 END), 0)
		FROM sessions`).Scan(&stats.TotalSessions, &stats.ActiveSessions); err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations`).
		Scan(&stats.TotalObservations); err != nil {
		return nil, fmt.Errorf("failed to count observations: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM search_index`).
		Scan(&stats.IndexedEntries); err != nil {
		return nil, fmt.Errorf("failed to count index rows: %w", err)
	}

	if err := countByColumn(ctx, s.db, `SELECT kind, COUNT(*) FROM memory_entries GROUP BY kind`, stats.MemoryEntries); err != nil {
		return nil, fmt.Errorf("failed to count memory entries: %w", err)
	}
	if err := countByColumn(ctx, s.db, `SELECT status, COUNT(*) FROM evolution_candidates GROUP BY status`, stats.Candidates); err != nil {
		return nil, fmt.Errorf("failed to count candidates: %w", err)
	}

	var lastStarted sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(started_at) FROM sessions`).
		Scan(&lastStarted); err != nil {
		return nil, fmt.Errorf("failed to read last session time: %w", err)
	}
	stats.LastSessionAt = lastStarted.String

	version, err := s.schemaVersion()
	if err != nil {
		return nil, err
	}
	stats.SchemaVersion = version
	return stats, nil
}

func countByColumn(ctx context.Context, db *sql.DB, query string, into map[string]int) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			key   string
			count int
		)
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		into[key] = count
	}
	return rows.Err()
}
