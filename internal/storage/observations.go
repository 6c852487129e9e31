package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SaveObservation inserts an immutable observation and indexes its text for
// search in the same transaction. Observations are never mutated after
// creation; re-saving the same id is rejected by the primary key.
func (s *Store) SaveObservation(ctx context.Context, obs *Observation) error {
	if err := obs.Validate(); err != nil {
		return fmt.Errorf("invalid observation: %w", err)
	}

	facts, err := json.Marshal(obs.Facts)
	if err != nil {
		return fmt.Errorf("failed to marshal facts: %w", err)
	}
	concepts, err := json.Marshal(obs.Concepts)
	if err != nil {
		return fmt.Errorf("failed to marshal concepts: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	createdAt := formatTime(obs.CreatedAt)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO observations (id, session_id, type, title, narrative, facts, concepts, discovery_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		obs.ID, obs.SessionID, obs.Type, obs.Title, obs.Narrative,
		string(facts), string(concepts), obs.DiscoveryTokens, createdAt); err != nil {
		return fmt.Errorf("failed to insert observation %s: %w", obs.ID, err)
	}

	body := searchBody(obs.Narrative, obs.Facts, obs.Concepts)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO search_index (title, body, entry_id, entry_type, session_id, created_at)
		VALUES (?, ?, ?, 'observation', ?, ?)`,
		obs.Title, body, obs.ID, obs.SessionID, createdAt); err != nil {
		return fmt.Errorf("failed to index observation %s: %w", obs.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit observation %s: %w", obs.ID, err)
	}
	return nil
}

// GetObservation returns the observation with the given id, or nil if absent.
func (s *Store) GetObservation(ctx context.Context, id string) (*Observation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, type, title, narrative, facts, concepts, discovery_tokens, created_at
		FROM observations WHERE id = ?`, id)

	obs, err := scanObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get observation %s: %w", id, err)
	}
	return obs, nil
}

// ListObservations returns observations newest-first, optionally scoped to a
// session.
func (s *Store) ListObservations(ctx context.Context, sessionID string, limit int) ([]*Observation, error) {
	query := `
		SELECT id, session_id, type, title, narrative, facts, concepts, discovery_tokens, created_at
		FROM observations`
	var args []any

	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list observations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var observations []*Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		observations = append(observations, obs)
	}
	return observations, rows.Err()
}

// SessionNarratives returns the concatenated observation narrative text for
// a session, oldest-first, used for fingerprint derivation.
func (s *Store) SessionNarratives(ctx context.Context, sessionID string) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT narrative FROM observations
		WHERE session_id = ? AND narrative IS NOT NULL AND narrative != ''
		ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to load narratives for %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	var parts []string
	for rows.Next() {
		var narrative string
		if err := rows.Scan(&narrative); err != nil {
			return "", err
		}
		parts = append(parts, narrative)
	}
	return strings.Join(parts, "\n\n"), rows.Err()
}

func scanObservation(row rowScanner) (*Observation, error) {
	var (
		obs       Observation
		narrative sql.NullString
		facts     sql.NullString
		concepts  sql.NullString
		createdAt string
	)
	if err := row.Scan(&obs.ID, &obs.SessionID, &obs.Type, &obs.Title,
		&narrative, &facts, &concepts, &obs.DiscoveryTokens, &createdAt); err != nil {
		return nil, err
	}

	obs.Narrative = narrative.String
	obs.CreatedAt = parseTime(createdAt)
	if facts.Valid && facts.String != "" {
		if err := json.Unmarshal([]byte(facts.String), &obs.Facts); err != nil {
			return nil, fmt.Errorf("corrupt facts blob: %w", err)
		}
	}
	if concepts.Valid && concepts.String != "" {
		if err := json.Unmarshal([]byte(concepts.String), &obs.Concepts); err != nil {
			return nil, fmt.Errorf("corrupt concepts blob: %w", err)
		}
	}
	return &obs, nil
}

// searchBody builds the indexed text for an observation: narrative plus
// facts and concepts, so a query can hit any of them.
func searchBody(narrative string, facts, concepts []string) string {
	parts := make([]string, 0, 3)
	if narrative != "" {
		parts = append(parts, narrative)
	}
	if len(facts) > 0 {
		parts = append(parts, strings.Join(facts, " "))
	}
	if len(concepts) > 0 {
		parts = append(parts, strings.Join(concepts, " "))
	}
	return strings.Join(parts, "\n")
}
