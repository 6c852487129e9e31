package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DerianAndre/aidd.md-sub003/internal/search"
)

type searchInput struct {
	Query            string `json:"query" jsonschema:"required,Full-text query"`
	Type             string `json:"type,omitempty" jsonschema:"Restrict to one entry family (observation or a memory kind)"`
	SessionID        string `json:"session_id,omitempty" jsonschema:"Restrict to one session's entries"`
	Limit            int    `json:"limit,omitempty" jsonschema:"Maximum results to return (default: 20)"`
	OrderByRelevance bool   `json:"order_by_relevance,omitempty" jsonschema:"Order on rank alone instead of breaking ties toward recency"`
}

type searchEntry struct {
	ID             string  `json:"id" jsonschema:"Entry identifier"`
	Type           string  `json:"type" jsonschema:"Entry family (observation or memory kind)"`
	SessionID      string  `json:"session_id,omitempty" jsonschema:"Owning session, if any"`
	Title          string  `json:"title" jsonschema:"Entry title"`
	Snippet        string  `json:"snippet,omitempty" jsonschema:"Body excerpt (at most 100 characters)"`
	CreatedAt      string  `json:"created_at" jsonschema:"Creation timestamp (RFC 3339)"`
	RelevanceScore float64 `json:"relevance_score" jsonschema:"Normalized relevance in [0,1)"`
}

type searchOutput struct {
	Entries []searchEntry `json:"entries" jsonschema:"Compact index entries, most relevant first"`
	Count   int           `json:"count" jsonschema:"Number of entries returned"`
}

type timelineInput struct {
	AnchorID  string `json:"anchor_id,omitempty" jsonschema:"Entry to center the timeline on"`
	SessionID string `json:"session_id,omitempty" jsonschema:"Return the full timeline of one session instead"`
	Depth     int    `json:"depth,omitempty" jsonschema:"Entries to include on each side of the anchor (default: 5)"`
}

type getByIDsInput struct {
	IDs []string `json:"ids" jsonschema:"required,Entry identifiers to fetch"`
}

type fullEntry struct {
	ID        string `json:"id" jsonschema:"Entry identifier"`
	Type      string `json:"type" jsonschema:"Entry family"`
	SessionID string `json:"session_id,omitempty" jsonschema:"Owning session, if any"`
	Title     string `json:"title" jsonschema:"Entry title"`
	Body      string `json:"body,omitempty" jsonschema:"Full entry text"`
	CreatedAt string `json:"created_at" jsonschema:"Creation timestamp (RFC 3339)"`
}

type getByIDsOutput struct {
	Entries []fullEntry `json:"entries" jsonschema:"Full entries in request order; missing ids are skipped"`
	Count   int         `json:"count" jsonschema:"Number of entries returned"`
}

func (s *Server) registerSearchTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_search",
		Description: "Search observations and permanent memory, returning compact index entries",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args searchInput) (*mcp.CallToolResult, searchOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "memory_search")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "memory_search")
			s.metrics.RecordInvocation(ctx, "memory_search", time.Since(start), toolErr)
		}()

		entries, err := s.index.Search(ctx, args.Query, search.Options{
			Type:             args.Type,
			SessionID:        args.SessionID,
			Limit:            args.Limit,
			OrderByRelevance: args.OrderByRelevance,
		})
		if err != nil {
			toolErr = fmt.Errorf("search failed: %w", err)
			return nil, searchOutput{}, toolErr
		}

		out := searchOutput{Entries: toSearchEntries(entries), Count: len(entries)}
		return textResult(fmt.Sprintf("%d entries matched", out.Count)), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_timeline",
		Description: "Walk the global chronological timeline around an anchor entry",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args timelineInput) (*mcp.CallToolResult, searchOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "memory_timeline")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "memory_timeline")
			s.metrics.RecordInvocation(ctx, "memory_timeline", time.Since(start), toolErr)
		}()

		var (
			entries []*search.Entry
			err     error
		)
		switch {
		case args.SessionID != "":
			entries, err = s.index.SessionTimeline(ctx, args.SessionID)
		case args.AnchorID != "":
			depth := args.Depth
			if depth <= 0 {
				depth = 5
			}
			entries, err = s.index.Timeline(ctx, args.AnchorID, depth)
		default:
			err = fmt.Errorf("either anchor_id or session_id is required")
		}
		if err != nil {
			toolErr = err
			return nil, searchOutput{}, err
		}

		out := searchOutput{Entries: toSearchEntries(entries), Count: len(entries)}
		return textResult(fmt.Sprintf("%d timeline entries", out.Count)), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_get",
		Description: "Batch-fetch full entry content by id",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args getByIDsInput) (*mcp.CallToolResult, getByIDsOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "memory_get")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "memory_get")
			s.metrics.RecordInvocation(ctx, "memory_get", time.Since(start), toolErr)
		}()

		rows, err := s.index.GetByIDs(ctx, args.IDs)
		if err != nil {
			toolErr = fmt.Errorf("get failed: %w", err)
			return nil, getByIDsOutput{}, toolErr
		}

		out := getByIDsOutput{Entries: make([]fullEntry, 0, len(rows)), Count: len(rows)}
		for _, row := range rows {
			out.Entries = append(out.Entries, fullEntry{
				ID:        row.ID,
				Type:      row.Type,
				SessionID: row.SessionID,
				Title:     row.Title,
				Body:      row.Body,
				CreatedAt: row.CreatedAt.Format(time.RFC3339),
			})
		}
		return textResult(fmt.Sprintf("%d entries fetched", out.Count)), out, nil
	})
}

func toSearchEntries(entries []*search.Entry) []searchEntry {
	out := make([]searchEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, searchEntry{
			ID:             e.ID,
			Type:           e.Type,
			SessionID:      e.SessionID,
			Title:          e.Title,
			Snippet:        e.Snippet,
			CreatedAt:      e.CreatedAt.Format(time.RFC3339),
			RelevanceScore: e.RelevanceScore,
		})
	}
	return out
}
