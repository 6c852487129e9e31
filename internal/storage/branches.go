package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TouchBranchContext records session activity against a branch: it upserts
// the row, bumps the session counter and rewrites the last-session pointer.
func (s *Store) TouchBranchContext(ctx context.Context, bc *BranchContext) error {
	if bc.Branch == "" {
		return errors.New("branch context requires a branch name")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branch_context (branch, last_session_id, session_count, summary, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(branch) DO UPDATE SET
			last_session_id = excluded.last_session_id,
			session_count = branch_context.session_count + 1,
			summary = COALESCE(NULLIF(excluded.summary, ''), branch_context.summary),
			updated_at = excluded.updated_at`,
		bc.Branch, nullableString(bc.LastSessionID), max(bc.SessionCount, 1),
		nullableString(bc.Summary), formatTime(bc.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert branch context %s: %w", bc.Branch, err)
	}
	return nil
}

// SummarizeBranch rewrites a branch aggregate's summary and last-session
// pointer without bumping the session counter; the counter belongs to the
// session-start path. Unseen branches get a fresh row.
func (s *Store) SummarizeBranch(ctx context.Context, branch, lastSessionID, summary string, at time.Time) error {
	if branch == "" {
		return errors.New("branch context requires a branch name")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branch_context (branch, last_session_id, session_count, summary, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(branch) DO UPDATE SET
			last_session_id = excluded.last_session_id,
			summary = COALESCE(NULLIF(excluded.summary, ''), branch_context.summary),
			updated_at = excluded.updated_at`,
		branch, nullableString(lastSessionID), nullableString(summary), formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to summarize branch %s: %w", branch, err)
	}
	return nil
}

// GetBranchContext returns the aggregate for one branch, or nil if unseen.
func (s *Store) GetBranchContext(ctx context.Context, branch string) (*BranchContext, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT branch, last_session_id, session_count, summary, updated_at
		FROM branch_context WHERE branch = ?`, branch)

	var (
		bc        BranchContext
		lastID    sql.NullString
		summary   sql.NullString
		updatedAt string
	)
	err := row.Scan(&bc.Branch, &lastID, &bc.SessionCount, &summary, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get branch context %s: %w", branch, err)
	}
	bc.LastSessionID = lastID.String
	bc.Summary = summary.String
	bc.UpdatedAt = parseTime(updatedAt)
	return &bc, nil
}

// ListBranchContexts returns all branch aggregates, most recent first.
func (s *Store) ListBranchContexts(ctx context.Context) ([]*BranchContext, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT branch, last_session_id, session_count, summary, updated_at
		FROM branch_context ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list branch contexts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*BranchContext
	for rows.Next() {
		var (
			bc        BranchContext
			lastID    sql.NullString
			summary   sql.NullString
			updatedAt string
		)
		if err := rows.Scan(&bc.Branch, &lastID, &bc.SessionCount, &summary, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan branch context: %w", err)
		}
		bc.LastSessionID = lastID.String
		bc.Summary = summary.String
		bc.UpdatedAt = parseTime(updatedAt)
		out = append(out, &bc)
	}
	return out, rows.Err()
}

// SaveLifecycleSession upserts a lifecycle aggregate row.
func (s *Store) SaveLifecycleSession(ctx context.Context, ls *LifecycleSession) error {
	if ls.ID == "" {
		return ErrEmptyID
	}
	if ls.Phase == "" {
		return errors.New("lifecycle session requires a phase")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lifecycle_sessions (id, phase, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phase = excluded.phase,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		ls.ID, ls.Phase, nullableString(ls.State), formatTime(ls.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert lifecycle session %s: %w", ls.ID, err)
	}
	return nil
}

// GetLifecycleSession returns one lifecycle aggregate, or nil if absent.
func (s *Store) GetLifecycleSession(ctx context.Context, id string) (*LifecycleSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, phase, state, updated_at FROM lifecycle_sessions WHERE id = ?`, id)

	var (
		ls        LifecycleSession
		state     sql.NullString
		updatedAt string
	)
	err := row.Scan(&ls.ID, &ls.Phase, &state, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lifecycle session %s: %w", id, err)
	}
	ls.State = state.String
	ls.UpdatedAt = parseTime(updatedAt)
	return &ls, nil
}
