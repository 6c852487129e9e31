// Package search is the retrieval layer over the storage index. It exposes
// the three-step workflow the memory tools follow: a cheap ranked search
// first, chronological context around an interesting hit second, and full
// entry fetches only for what survives triage.
package search

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DerianAndre/aidd.md-sub003/internal/storage"
)

const snippetLength = 100

// Entry is one compact result row; full content stays in storage until a
// caller explicitly asks for it.
type Entry struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	SessionID      string    `json:"session_id,omitempty"`
	Title          string    `json:"title"`
	Snippet        string    `json:"snippet,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	RelevanceScore float64   `json:"relevance_score"`
}

// Index is the retrieval service.
type Index struct {
	store  *storage.Store
	logger *zap.Logger
}

// New constructs the retrieval service.
func New(store *storage.Store, logger *zap.Logger) (*Index, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Index{store: store, logger: logger}, nil
}

// Options narrows a search. Zero values mean no filter.
type Options struct {
	// Type restricts results to one entry family.
	Type string

	// SessionID restricts results to one session's entries.
	SessionID string

	// Limit caps returned results (default 20).
	Limit int

	// OrderByRelevance orders on rank alone instead of breaking ties
	// toward recency.
	OrderByRelevance bool
}

// Search runs a ranked full-text query. Results come back best-first with
// relevance normalized to [0,1); ties break toward recency unless
// relevance-only ordering is requested.
func (i *Index) Search(ctx context.Context, query string, opts Options) ([]*Entry, error) {
	match := buildMatchQuery(query)
	if match == "" {
		return nil, nil
	}

	hits, err := i.store.SearchText(ctx, match, storage.SearchFilter{
		EntryType:        opts.Type,
		SessionID:        opts.SessionID,
		Limit:            opts.Limit,
		OrderByRelevance: opts.OrderByRelevance,
	})
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	entries := make([]*Entry, 0, len(hits))
	for _, h := range hits {
		entries = append(entries, &Entry{
			ID:             h.EntryID,
			Type:           h.EntryType,
			SessionID:      h.SessionID,
			Title:          h.Title,
			Snippet:        snippet(h.Body),
			CreatedAt:      h.CreatedAt,
			RelevanceScore: normalizeRank(h.Rank),
		})
	}

	i.logger.Debug("search executed",
		zap.String("query", query),
		zap.Int("results", len(entries)))
	return entries, nil
}

// Timeline returns chronological context around an anchor entry: up to depth
// entries on each side, oldest first. Unknown anchors yield an error rather
// than an empty window.
func (i *Index) Timeline(ctx context.Context, anchorID string, depth int) ([]*Entry, error) {
	anchors, err := i.store.GetIndexedEntries(ctx, []string{anchorID})
	if err != nil {
		return nil, fmt.Errorf("anchor lookup failed: %w", err)
	}
	if len(anchors) == 0 {
		return nil, fmt.Errorf("anchor entry %s is not indexed", anchorID)
	}

	rows, err := i.store.TimelineAround(ctx, anchors[0].CreatedAt, depth)
	if err != nil {
		return nil, fmt.Errorf("timeline failed: %w", err)
	}
	return fromTimeline(rows), nil
}

// SessionTimeline returns every indexed entry of one session, oldest first.
func (i *Index) SessionTimeline(ctx context.Context, sessionID string) ([]*Entry, error) {
	rows, err := i.store.TimelineForSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session timeline failed: %w", err)
	}
	return fromTimeline(rows), nil
}

// FullEntry is a complete entry body. Only the batch-get step returns it;
// search and timeline stay snippet-sized.
type FullEntry struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// GetByIDs fetches complete entries for the given ids, preserving request
// order and skipping unknown ids.
func (i *Index) GetByIDs(ctx context.Context, ids []string) ([]*FullEntry, error) {
	rows, err := i.store.GetIndexedEntries(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("entry fetch failed: %w", err)
	}
	entries := make([]*FullEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, &FullEntry{
			ID:        r.EntryID,
			Type:      r.EntryType,
			SessionID: r.SessionID,
			Title:     r.Title,
			Body:      r.Body,
			CreatedAt: r.CreatedAt,
		})
	}
	return entries, nil
}

func fromTimeline(rows []*storage.TimelineEntry) []*Entry {
	entries := make([]*Entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, &Entry{
			ID:        r.EntryID,
			Type:      r.EntryType,
			SessionID: r.SessionID,
			Title:     r.Title,
			Snippet:   snippet(r.Body),
			CreatedAt: r.CreatedAt,
		})
	}
	return entries
}

// normalizeRank maps SQLite's bm25 rank (more negative means better) onto
// [0,1), larger meaning more relevant.
func normalizeRank(rank float64) float64 {
	if rank < 0 {
		rank = -rank
	}
	return rank / (1.0 + rank)
}

func snippet(body string) string {
	runes := []rune(body)
	if len(runes) <= snippetLength {
		return body
	}
	return string(runes[:snippetLength])
}
