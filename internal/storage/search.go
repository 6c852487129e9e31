package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SearchHit is one full-text match from the search index. Rank is the raw
// bm25 rank from SQLite, where lower means more relevant.
type SearchHit struct {
	EntryID   string
	EntryType string
	SessionID string
	Title     string
	Body      string
	CreatedAt time.Time
	Rank      float64
}

// TimelineEntry is one indexed item in chronological context around an
// anchor, regardless of which entity family it came from.
type TimelineEntry struct {
	EntryID   string
	EntryType string
	SessionID string
	Title     string
	Body      string
	CreatedAt time.Time
}

// SearchFilter narrows a full-text query. Zero values mean no filter.
type SearchFilter struct {
	// EntryType restricts hits to one entry family.
	EntryType string

	// SessionID restricts hits to one session's entries.
	SessionID string

	// Limit caps returned hits (default 20).
	Limit int

	// OrderByRelevance drops the recency tiebreak and orders on rank alone.
	OrderByRelevance bool
}

// SearchText runs an FTS5 MATCH query over the search index, best rank
// first with recency as the tiebreak unless relevance-only ordering is
// requested. The query string must already be a valid FTS5 expression; the
// search layer above handles tokenization.
func (s *Store) SearchText(ctx context.Context, query string, filter SearchFilter) ([]*SearchHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if filter.Limit <= 0 {
		filter.Limit = 20
	}

	q := `
		SELECT entry_id, entry_type, session_id, title, body, created_at, rank
		FROM search_index
		WHERE search_index MATCH ?`
	args := []any{query}
	if filter.EntryType != "" {
		q += ` AND entry_type = ?`
		args = append(args, filter.EntryType)
	}
	if filter.SessionID != "" {
		q += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.OrderByRelevance {
		q += ` ORDER BY rank ASC`
	} else {
		q += ` ORDER BY rank ASC, created_at DESC`
	}
	q += ` LIMIT ?`
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("full-text query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []*SearchHit
	for rows.Next() {
		var (
			h         SearchHit
			createdAt string
		)
		if err := rows.Scan(&h.EntryID, &h.EntryType, &h.SessionID, &h.Title, &h.Body, &createdAt, &h.Rank); err != nil {
			return nil, fmt.Errorf("failed to scan search hit: %w", err)
		}
		h.CreatedAt = parseTime(createdAt)
		hits = append(hits, &h)
	}
	return hits, rows.Err()
}

// TimelineAround returns up to depth indexed entries strictly before the
// anchor time, the anchor neighborhood itself, and up to depth entries
// after it, in chronological order. RFC3339Nano text sorts lexically in
// timestamp order, so the comparisons run on the stored strings.
func (s *Store) TimelineAround(ctx context.Context, anchor time.Time, depth int) ([]*TimelineEntry, error) {
	if depth <= 0 {
		depth = 5
	}
	anchorText := formatTime(anchor)

	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, entry_type, session_id, title, body, created_at FROM (
			SELECT entry_id, entry_type, session_id, title, body, created_at
			FROM search_index WHERE created_at < ?
			ORDER BY created_at DESC LIMIT ?
		)
		UNION ALL
		SELECT entry_id, entry_type, session_id, title, body, created_at FROM (
			SELECT entry_id, entry_type, session_id, title, body, created_at
			FROM search_index WHERE created_at >= ?
			ORDER BY created_at ASC LIMIT ?
		)
		ORDER BY created_at ASC`,
		anchorText, depth, anchorText, depth+1)
	if err != nil {
		return nil, fmt.Errorf("timeline query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectTimeline(rows)
}

// TimelineForSession returns all indexed entries of one session in
// chronological order.
func (s *Store) TimelineForSession(ctx context.Context, sessionID string) ([]*TimelineEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, entry_type, session_id, title, body, created_at
		FROM search_index WHERE session_id = ?
		ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session timeline query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectTimeline(rows)
}

// GetIndexedEntries fetches index rows by entry id, preserving the order of
// the requested ids. Missing ids are skipped silently.
func (s *Store) GetIndexedEntries(ctx context.Context, ids []string) ([]*TimelineEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT entry_id, entry_type, session_id, title, body, created_at
		FROM search_index WHERE entry_id IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("indexed entry lookup failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	found, err := collectTimeline(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*TimelineEntry, len(found))
	for _, e := range found {
		byID[e.EntryID] = e
	}
	ordered := make([]*TimelineEntry, 0, len(ids))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			ordered = append(ordered, e)
		}
	}
	return ordered, nil
}

type timelineRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func collectTimeline(rows timelineRows) ([]*TimelineEntry, error) {
	var out []*TimelineEntry
	for rows.Next() {
		var (
			e         TimelineEntry
			createdAt string
		)
		if err := rows.Scan(&e.EntryID, &e.EntryType, &e.SessionID, &e.Title, &e.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan timeline entry: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}
