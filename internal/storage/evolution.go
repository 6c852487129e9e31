package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// candidatePayload is the JSON-shaped remainder of a candidate row.
type candidatePayload struct {
	Evidence        []string            `json:"evidence,omitempty"`
	ModelEvidence   map[string][]string `json:"model_evidence,omitempty"`
	SuggestedAction string              `json:"suggested_action,omitempty"`
	ShadowTest      *ShadowTestResult   `json:"shadow_test,omitempty"`
}

// CandidateFilter narrows ListEvolutionCandidates.
type CandidateFilter struct {
	Title         string
	Type          string
	Status        CandidateStatus
	MinConfidence float64
	Limit         int
}

// SaveEvolutionCandidate upserts a candidate. Title is the uniqueness key:
// saving a candidate whose title already exists updates that row in place.
func (s *Store) SaveEvolutionCandidate(ctx context.Context, c *EvolutionCandidate) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid evolution candidate: %w", err)
	}
	if c.Status == "" {
		c.Status = CandidatePending
	}

	payload, err := json.Marshal(candidatePayload{
		Evidence:        c.Evidence,
		ModelEvidence:   c.ModelEvidence,
		SuggestedAction: c.SuggestedAction,
		ShadowTest:      c.ShadowTest,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal candidate payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evolution_candidates
			(id, type, title, description, confidence, session_count, status, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(title) DO UPDATE SET
			type = excluded.type,
			description = excluded.description,
			confidence = excluded.confidence,
			session_count = excluded.session_count,
			status = excluded.status,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		c.ID, c.Type, c.Title, c.Description, c.Confidence, c.SessionCount,
		c.Status, string(payload), formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert candidate %q: %w", c.Title, err)
	}
	return nil
}

// UpdateEvolutionCandidate rewrites an existing candidate row by id.
func (s *Store) UpdateEvolutionCandidate(ctx context.Context, c *EvolutionCandidate) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid evolution candidate: %w", err)
	}

	payload, err := json.Marshal(candidatePayload{
		Evidence:        c.Evidence,
		ModelEvidence:   c.ModelEvidence,
		SuggestedAction: c.SuggestedAction,
		ShadowTest:      c.ShadowTest,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal candidate payload: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE evolution_candidates
		SET type = ?, title = ?, description = ?, confidence = ?,
		    session_count = ?, status = ?, payload = ?, updated_at = ?
		WHERE id = ?`,
		c.Type, c.Title, c.Description, c.Confidence, c.SessionCount,
		c.Status, string(payload), formatTime(c.UpdatedAt), c.ID)
	if err != nil {
		return fmt.Errorf("failed to update candidate %s: %w", c.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check candidate update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("candidate %s does not exist", c.ID)
	}
	return nil
}

// GetEvolutionCandidate returns the candidate with the given id, or nil.
func (s *Store) GetEvolutionCandidate(ctx context.Context, id string) (*EvolutionCandidate, error) {
	return s.getCandidateBy(ctx, "id", id)
}

// GetEvolutionCandidateByTitle returns the candidate with the given title,
// or nil. Title is the merge key used on re-detection and promotion.
func (s *Store) GetEvolutionCandidateByTitle(ctx context.Context, title string) (*EvolutionCandidate, error) {
	return s.getCandidateBy(ctx, "title", title)
}

func (s *Store) getCandidateBy(ctx context.Context, column, value string) (*EvolutionCandidate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, title, description, confidence, session_count, status, payload, created_at, updated_at
		FROM evolution_candidates WHERE `+column+` = ?`, value)

	c, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get candidate by %s: %w", column, err)
	}
	return c, nil
}

// ListEvolutionCandidates returns candidates newest-first.
func (s *Store) ListEvolutionCandidates(ctx context.Context, filter CandidateFilter) ([]*EvolutionCandidate, error) {
	query := `
		SELECT id, type, title, description, confidence, session_count, status, payload, created_at, updated_at
		FROM evolution_candidates WHERE 1=1`
	var args []any

	if filter.Title != "" {
		query += " AND title = ?"
		args = append(args, filter.Title)
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, filter.Type)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.MinConfidence > 0 {
		query += " AND confidence >= ?"
		args = append(args, filter.MinConfidence)
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var candidates []*EvolutionCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// DeleteEvolutionCandidate removes a candidate. Idempotent.
func (s *Store) DeleteEvolutionCandidate(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM evolution_candidates WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete candidate %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check candidate delete: %w", err)
	}
	return affected > 0, nil
}

// AppendEvolutionLog adds one row to the append-only audit trail.
func (s *Store) AppendEvolutionLog(ctx context.Context, entry *EvolutionLogEntry) error {
	if entry.ID == "" || entry.CandidateID == "" || entry.Action == "" {
		return errors.New("evolution log entry requires id, candidate_id and action")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evolution_log (id, candidate_id, action, reason, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.CandidateID, entry.Action, entry.Reason, formatTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append evolution log: %w", err)
	}
	return nil
}

// ListEvolutionLog returns audit entries for a candidate, oldest-first.
func (s *Store) ListEvolutionLog(ctx context.Context, candidateID string) ([]*EvolutionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, candidate_id, action, reason, created_at
		FROM evolution_log WHERE candidate_id = ?
		ORDER BY created_at ASC`, candidateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list evolution log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*EvolutionLogEntry
	for rows.Next() {
		var (
			e      EvolutionLogEntry
			reason sql.NullString
			ts     string
		)
		if err := rows.Scan(&e.ID, &e.CandidateID, &e.Action, &reason, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan evolution log: %w", err)
		}
		e.Reason = reason.String
		e.CreatedAt = parseTime(ts)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// SaveEvolutionSnapshot stores pre-change state for a candidate.
func (s *Store) SaveEvolutionSnapshot(ctx context.Context, snap *EvolutionSnapshot) error {
	if snap.ID == "" || snap.CandidateID == "" {
		return errors.New("evolution snapshot requires id and candidate_id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evolution_snapshots (id, candidate_id, state, created_at)
		VALUES (?, ?, ?, ?)`,
		snap.ID, snap.CandidateID, snap.State, formatTime(snap.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// GetEvolutionSnapshot returns the most recent snapshot for a candidate, or
// nil if none was ever taken.
func (s *Store) GetEvolutionSnapshot(ctx context.Context, candidateID string) (*EvolutionSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, candidate_id, state, created_at
		FROM evolution_snapshots WHERE candidate_id = ?
		ORDER BY created_at DESC LIMIT 1`, candidateID)

	var (
		snap EvolutionSnapshot
		ts   string
	)
	err := row.Scan(&snap.ID, &snap.CandidateID, &snap.State, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot for %s: %w", candidateID, err)
	}
	snap.CreatedAt = parseTime(ts)
	return &snap, nil
}

func scanCandidate(row rowScanner) (*EvolutionCandidate, error) {
	var (
		c           EvolutionCandidate
		description sql.NullString
		payload     string
		createdAt   string
		updatedAt   string
	)
	if err := row.Scan(&c.ID, &c.Type, &c.Title, &description, &c.Confidence,
		&c.SessionCount, &c.Status, &payload, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	c.Description = description.String
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)

	var p candidatePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("corrupt candidate payload: %w", err)
	}
	c.Evidence = p.Evidence
	c.ModelEvidence = p.ModelEvidence
	c.SuggestedAction = p.SuggestedAction
	c.ShadowTest = p.ShadowTest
	return &c, nil
}
