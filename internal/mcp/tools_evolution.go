package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DerianAndre/aidd.md-sub003/internal/storage"
)

type analyzeInput struct{}

type candidateEntry struct {
	ID           string  `json:"id" jsonschema:"Candidate identifier"`
	Type         string  `json:"type" jsonschema:"Detector that produced the candidate"`
	Title        string  `json:"title" jsonschema:"Candidate title (uniqueness key)"`
	Confidence   float64 `json:"confidence" jsonschema:"Confidence score (0-100)"`
	SessionCount int     `json:"session_count" jsonschema:"Sessions supporting the candidate"`
	Status       string  `json:"status" jsonschema:"Lifecycle status"`
}

type analyzeOutput struct {
	Candidates []candidateEntry `json:"candidates" jsonschema:"Candidates detected in this pass"`
	Count      int              `json:"count" jsonschema:"Number of candidates"`
}

type promoteInput struct {
	CandidateID string `json:"candidate_id" jsonschema:"required,Candidate to classify"`
}

type promoteOutput struct {
	Candidate candidateEntry `json:"candidate" jsonschema:"Candidate after classification"`
	Skipped   bool           `json:"skipped" jsonschema:"True when promotion was skipped"`
	Reason    string         `json:"reason,omitempty" jsonschema:"Skip or rejection reason"`
}

type revertInput struct {
	CandidateID string `json:"candidate_id" jsonschema:"required,Applied candidate to revert"`
}

type revertOutput struct {
	SnapshotRestored bool `json:"snapshot_restored" jsonschema:"Whether a pre-change snapshot was restored"`
}

func (s *Server) registerEvolutionTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "evolution_analyze",
		Description: "Run the pattern detectors over recent completed sessions",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args analyzeInput) (*mcp.CallToolResult, analyzeOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "evolution_analyze")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "evolution_analyze")
			s.metrics.RecordInvocation(ctx, "evolution_analyze", time.Since(start), toolErr)
		}()

		candidates, err := s.engine.Analyze(ctx)
		if err != nil {
			toolErr = fmt.Errorf("analyze failed: %w", err)
			return nil, analyzeOutput{}, toolErr
		}

		out := analyzeOutput{Candidates: make([]candidateEntry, 0, len(candidates)), Count: len(candidates)}
		for _, c := range candidates {
			out.Candidates = append(out.Candidates, toCandidateEntry(c))
		}
		return textResult(fmt.Sprintf("%d candidates detected", out.Count)), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "evolution_promote",
		Description: "Classify a candidate through the confidence tiers, shadow-testing pattern bans",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args promoteInput) (*mcp.CallToolResult, promoteOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "evolution_promote")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "evolution_promote")
			s.metrics.RecordInvocation(ctx, "evolution_promote", time.Since(start), toolErr)
		}()

		candidate, err := s.store.GetEvolutionCandidate(ctx, args.CandidateID)
		if err != nil {
			toolErr = err
			return nil, promoteOutput{}, err
		}
		if candidate == nil {
			toolErr = fmt.Errorf("candidate %s does not exist", args.CandidateID)
			return nil, promoteOutput{}, toolErr
		}

		result, err := s.engine.Promote(ctx, candidate)
		if err != nil {
			toolErr = fmt.Errorf("promote failed: %w", err)
			return nil, promoteOutput{}, toolErr
		}

		out := promoteOutput{
			Candidate: toCandidateEntry(result.Candidate),
			Skipped:   result.Skipped,
			Reason:    result.Reason,
		}
		return textResult(fmt.Sprintf("Candidate %s: %s", result.Candidate.ID, result.Candidate.Status)), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "evolution_revert",
		Description: "Revert an applied candidate, restoring its pre-change snapshot if one exists",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args revertInput) (*mcp.CallToolResult, revertOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "evolution_revert")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "evolution_revert")
			s.metrics.RecordInvocation(ctx, "evolution_revert", time.Since(start), toolErr)
		}()

		result, err := s.engine.Revert(ctx, args.CandidateID)
		if err != nil {
			toolErr = fmt.Errorf("revert failed: %w", err)
			return nil, revertOutput{}, toolErr
		}

		return textResult("Candidate reverted: " + args.CandidateID), revertOutput{
			SnapshotRestored: result.SnapshotRestored,
		}, nil
	})
}

func toCandidateEntry(c *storage.EvolutionCandidate) candidateEntry {
	return candidateEntry{
		ID:           c.ID,
		Type:         c.Type,
		Title:        c.Title,
		Confidence:   c.Confidence,
		SessionCount: c.SessionCount,
		Status:       string(c.Status),
	}
}
