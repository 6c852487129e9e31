package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ArtifactFilter narrows ListArtifacts.
type ArtifactFilter struct {
	Type    string
	Feature string
	Status  ArtifactStatus
	Limit   int
}

// SaveArtifact upserts a workflow artifact.
func (s *Store) SaveArtifact(ctx context.Context, a *Artifact) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid artifact: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, type, feature, status, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			feature = excluded.feature,
			status = excluded.status,
			content = excluded.content,
			updated_at = excluded.updated_at`,
		a.ID, a.Type, a.Feature, a.Status, a.Content,
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert artifact %s: %w", a.ID, err)
	}
	return nil
}

// GetArtifact returns the artifact with the given id, or nil if absent.
func (s *Store) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, feature, status, content, created_at, updated_at
		FROM artifacts WHERE id = ?`, id)

	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact %s: %w", id, err)
	}
	return a, nil
}

// ListArtifacts returns artifacts newest-first by update time.
func (s *Store) ListArtifacts(ctx context.Context, filter ArtifactFilter) ([]*Artifact, error) {
	query := `
		SELECT id, type, feature, status, content, created_at, updated_at
		FROM artifacts WHERE 1=1`
	var args []any

	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, filter.Type)
	}
	if filter.Feature != "" {
		query += " AND feature = ?"
		args = append(args, filter.Feature)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var artifacts []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// DeleteArtifact removes an artifact. Idempotent; reports whether a row
// existed.
func (s *Store) DeleteArtifact(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete artifact %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check artifact delete: %w", err)
	}
	return affected > 0, nil
}

func scanArtifact(row rowScanner) (*Artifact, error) {
	var (
		a         Artifact
		feature   sql.NullString
		content   sql.NullString
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&a.ID, &a.Type, &feature, &a.Status, &content, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.Feature = feature.String
	a.Content = content.String
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}
