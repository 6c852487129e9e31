package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// NormalizeErrorText canonicalizes an error message for mistake
// deduplication: lowercased, whitespace collapsed, volatile hex addresses
// and long digit runs replaced so repeats of the same failure match.
func NormalizeErrorText(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	t = regexp.MustCompile(`0x[0-9a-f]+`).ReplaceAllString(t, "0xN")
	t = regexp.MustCompile(`\d{3,}`).ReplaceAllString(t, "N")
	return whitespaceRe.ReplaceAllString(t, " ")
}

// SaveMemoryEntry upserts a permanent memory entry and indexes it for
// search. Mistakes are deduplicated by normalized error text: a repeat adds
// its occurrence count (minimum one) to the existing row and refreshes its
// timestamp, and the entry's ID is rewritten to the surviving row.
func (s *Store) SaveMemoryEntry(ctx context.Context, entry *MemoryEntry) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("invalid memory entry: %w", err)
	}

	now := formatTime(entry.UpdatedAt)

	if entry.Kind == MemoryMistake {
		if entry.NormalizedError == "" {
			entry.NormalizedError = NormalizeErrorText(entry.Content)
		}
		var existingID string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM memory_entries WHERE kind = 'mistake' AND normalized_error = ?`,
			entry.NormalizedError).Scan(&existingID)
		switch {
		case err == nil:
			// A live repeat carries no count and adds one; an imported row
			// carries its accumulated count and adds all of it.
			delta := entry.Occurrences
			if delta < 1 {
				delta = 1
			}
			if _, err := s.db.ExecContext(ctx, `
				UPDATE memory_entries
				SET occurrences = occurrences + ?, updated_at = ?
				WHERE id = ?`, delta, now, existingID); err != nil {
				return fmt.Errorf("failed to bump mistake %s: %w", existingID, err)
			}
			entry.ID = existingID
			return nil
		case errors.Is(err, sql.ErrNoRows):
			// First occurrence, fall through to insert.
		default:
			return fmt.Errorf("failed to check mistake dedupe: %w", err)
		}
	}

	if entry.Occurrences < 1 {
		entry.Occurrences = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_entries (id, kind, title, content, normalized_error, occurrences, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			updated_at = excluded.updated_at`,
		entry.ID, entry.Kind, entry.Title, entry.Content,
		nullableString(entry.NormalizedError), entry.Occurrences,
		formatTime(entry.CreatedAt), now); err != nil {
		return fmt.Errorf("failed to upsert memory entry %s: %w", entry.ID, err)
	}

	// Refresh the search row for this entry.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM search_index WHERE entry_id = ?`, entry.ID); err != nil {
		return fmt.Errorf("failed to deindex memory entry %s: %w", entry.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO search_index (title, body, entry_id, entry_type, session_id, created_at)
		VALUES (?, ?, ?, 'memory', '', ?)`,
		entry.Title, entry.Content, entry.ID, formatTime(entry.CreatedAt)); err != nil {
		return fmt.Errorf("failed to index memory entry %s: %w", entry.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit memory entry %s: %w", entry.ID, err)
	}
	return nil
}

// GetMemoryEntry returns the entry with the given id, or nil if absent.
func (s *Store) GetMemoryEntry(ctx context.Context, id string) (*MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, title, content, normalized_error, occurrences, created_at, updated_at
		FROM memory_entries WHERE id = ?`, id)

	entry, err := scanMemoryEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory entry %s: %w", id, err)
	}
	return entry, nil
}

// ListMemoryEntries returns entries newest-first, optionally filtered by kind.
func (s *Store) ListMemoryEntries(ctx context.Context, kind MemoryKind, limit int) ([]*MemoryEntry, error) {
	query := `
		SELECT id, kind, title, content, normalized_error, occurrences, created_at, updated_at
		FROM memory_entries`
	var args []any

	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY updated_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memory entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*MemoryEntry
	for rows.Next() {
		entry, err := scanMemoryEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DeleteMemoryEntry removes an entry. Idempotent; reports whether a row
// existed.
func (s *Store) DeleteMemoryEntry(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete memory entry %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check memory delete: %w", err)
	}
	return affected > 0, nil
}

func scanMemoryEntry(row rowScanner) (*MemoryEntry, error) {
	var (
		entry      MemoryEntry
		content    sql.NullString
		normalized sql.NullString
		createdAt  string
		updatedAt  string
	)
	if err := row.Scan(&entry.ID, &entry.Kind, &entry.Title, &content,
		&normalized, &entry.Occurrences, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	entry.Content = content.String
	entry.NormalizedError = normalized.String
	entry.CreatedAt = parseTime(createdAt)
	entry.UpdatedAt = parseTime(updatedAt)
	return &entry, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
