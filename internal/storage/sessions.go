package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// sessionPayload is the JSON-shaped remainder of a session row. Scalar
// columns used by filtered listings stay out of the blob.
type sessionPayload struct {
	Decisions         []string        `json:"decisions,omitempty"`
	ErrorsResolved    []string        `json:"errors_resolved,omitempty"`
	FilesModified     []string        `json:"files_modified,omitempty"`
	TasksCompleted    []string        `json:"tasks_completed,omitempty"`
	TasksPending      []string        `json:"tasks_pending,omitempty"`
	ToolsCalled       []string        `json:"tools_called,omitempty"`
	Outcome           *SessionOutcome `json:"outcome,omitempty"`
	TokenUsage        *TokenUsage     `json:"token_usage,omitempty"`
	ContextEfficiency *float64        `json:"context_efficiency,omitempty"`
	Fingerprint       *Fingerprint    `json:"fingerprint,omitempty"`
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	Branch string
	Status SessionStatus
	Limit  int
}

// SaveSession upserts a session. Updates carry an optimistic concurrency
// check: the stored revision must match the revision the caller read, or
// ErrRevisionConflict is returned and nothing is written. The stored
// revision increments on every successful update.
func (s *Store) SaveSession(ctx context.Context, session *Session) error {
	if err := session.Validate(); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}

	payload, err := json.Marshal(sessionPayload{
		Decisions:         session.Decisions,
		ErrorsResolved:    session.ErrorsResolved,
		FilesModified:     session.FilesModified,
		TasksCompleted:    session.TasksCompleted,
		TasksPending:      session.TasksPending,
		ToolsCalled:       session.ToolsCalled,
		Outcome:           session.Outcome,
		TokenUsage:        session.TokenUsage,
		ContextEfficiency: session.ContextEfficiency,
		Fingerprint:       session.Fingerprint,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal session payload: %w", err)
	}

	if session.Revision == 0 {
		// New session.
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, branch, provider, model, task_type, started_at, ended_at, payload, revision)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			session.ID, session.Branch, session.Provider, session.Model, session.TaskType,
			formatTime(session.StartedAt), formatNullableTime(session.EndedAt), string(payload))
		if err != nil {
			return fmt.Errorf("failed to insert session %s: %w", session.ID, err)
		}
		session.Revision = 1
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET branch = ?, provider = ?, model = ?, task_type = ?,
		    started_at = ?, ended_at = ?, payload = ?, revision = revision + 1
		WHERE id = ? AND revision = ?`,
		session.Branch, session.Provider, session.Model, session.TaskType,
		formatTime(session.StartedAt), formatNullableTime(session.EndedAt), string(payload),
		session.ID, session.Revision)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", session.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check session update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("session %s: %w", session.ID, ErrRevisionConflict)
	}
	session.Revision++
	return nil
}

// GetSession returns the session with the given id, or nil if absent.
// Absence is a value, not an error.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, branch, provider, model, task_type, started_at, ended_at, payload, revision
		FROM sessions WHERE id = ?`, id)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return session, nil
}

// ListSessions returns sessions newest-first, optionally filtered by branch
// and derived status.
func (s *Store) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	query := `
		SELECT id, branch, provider, model, task_type, started_at, ended_at, payload, revision
		FROM sessions WHERE 1=1`
	var args []any

	if filter.Branch != "" {
		query += " AND branch = ?"
		args = append(args, filter.Branch)
	}
	switch filter.Status {
	case StatusActive:
		query += " AND ended_at IS NULL"
	case StatusCompleted:
		query += " AND ended_at IS NOT NULL"
	}

	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and, via foreign keys, its observations.
// Deleting a non-existent row is not an error; the return reports whether a
// row existed.
func (s *Store) DeleteSession(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check session delete: %w", err)
	}
	return affected > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		session                           Session
		branch, provider, model, taskType sql.NullString
		startedAt                         string
		endedAt                           sql.NullString
		payload                           string
	)
	if err := row.Scan(&session.ID, &branch, &provider, &model, &taskType,
		&startedAt, &endedAt, &payload, &session.Revision); err != nil {
		return nil, err
	}

	session.Branch = branch.String
	session.Provider = provider.String
	session.Model = model.String
	session.TaskType = taskType.String
	session.StartedAt = parseTime(startedAt)
	session.EndedAt = parseNullableTime(endedAt)

	var p sessionPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("corrupt session payload: %w", err)
	}
	session.Decisions = p.Decisions
	session.ErrorsResolved = p.ErrorsResolved
	session.FilesModified = p.FilesModified
	session.TasksCompleted = p.TasksCompleted
	session.TasksPending = p.TasksPending
	session.ToolsCalled = p.ToolsCalled
	session.Outcome = p.Outcome
	session.TokenUsage = p.TokenUsage
	session.ContextEfficiency = p.ContextEfficiency
	session.Fingerprint = p.Fingerprint

	return &session, nil
}
