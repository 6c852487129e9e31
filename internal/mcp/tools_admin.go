package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type statsInput struct {
	ModelID string `json:"model_id,omitempty" jsonschema:"Narrow pattern statistics to one model"`
}

type statsOutput struct {
	TotalSessions     int            `json:"total_sessions" jsonschema:"All recorded sessions"`
	ActiveSessions    int            `json:"active_sessions" jsonschema:"Sessions not yet ended"`
	TotalObservations int            `json:"total_observations" jsonschema:"All observations"`
	MemoryEntries     map[string]int `json:"memory_entries" jsonschema:"Permanent memory entries by kind"`
	IndexedEntries    int            `json:"indexed_entries" jsonschema:"Rows in the search index"`
	Candidates        map[string]int `json:"candidates" jsonschema:"Evolution candidates by status"`
	SchemaVersion     int            `json:"schema_version" jsonschema:"Current database schema version"`
	LastSessionAt     string         `json:"last_session_at,omitempty" jsonschema:"Most recent session start"`
	TotalPatterns     int            `json:"total_patterns" jsonschema:"All banned patterns"`
	ActivePatterns    int            `json:"active_patterns" jsonschema:"Active banned patterns"`
	TotalDetections   int            `json:"total_detections" jsonschema:"Recorded pattern detections"`
	AuditCount        int            `json:"audit_count" jsonschema:"Persisted audit scores"`
	AvgAuditScore     float64        `json:"avg_audit_score" jsonschema:"Mean audit total"`
}

func (s *Server) registerAdminTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_stats",
		Description: "Summarize the contents of the memory substrate",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args statsInput) (*mcp.CallToolResult, statsOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "memory_stats")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "memory_stats")
			s.metrics.RecordInvocation(ctx, "memory_stats", time.Since(start), toolErr)
		}()

		stats, err := s.store.GetMemoryStats(ctx)
		if err != nil {
			toolErr = fmt.Errorf("stats failed: %w", err)
			return nil, statsOutput{}, toolErr
		}
		patternStats, err := s.store.GetPatternStats(ctx, args.ModelID)
		if err != nil {
			toolErr = fmt.Errorf("pattern stats failed: %w", err)
			return nil, statsOutput{}, toolErr
		}

		out := statsOutput{
			TotalSessions:     stats.TotalSessions,
			ActiveSessions:    stats.ActiveSessions,
			TotalObservations: stats.TotalObservations,
			MemoryEntries:     stats.MemoryEntries,
			IndexedEntries:    stats.IndexedEntries,
			Candidates:        stats.Candidates,
			SchemaVersion:     stats.SchemaVersion,
			LastSessionAt:     stats.LastSessionAt,
			TotalPatterns:     patternStats.TotalPatterns,
			ActivePatterns:    patternStats.ActivePatterns,
			TotalDetections:   patternStats.TotalDetections,
			AuditCount:        patternStats.AuditCount,
			AvgAuditScore:     patternStats.AvgAuditScore,
		}
		return textResult(fmt.Sprintf("%d sessions, %d observations", out.TotalSessions, out.TotalObservations)), out, nil
	})
}
