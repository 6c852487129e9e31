package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DerianAndre/aidd.md-sub003/internal/session"
	"github.com/DerianAndre/aidd.md-sub003/internal/storage"
)

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	s.registerSessionTools()
	s.registerSearchTools()
	s.registerEvolutionTools()
	s.registerPatternTools()
	s.registerAdminTools()
}

type tokenUsageInput struct {
	InputTokens     int64 `json:"input_tokens,omitempty" jsonschema:"Input tokens consumed"`
	OutputTokens    int64 `json:"output_tokens,omitempty" jsonschema:"Output tokens produced"`
	CacheReadTokens int64 `json:"cache_read_tokens,omitempty" jsonschema:"Tokens served from cache"`
}

type outcomeInput struct {
	ComplianceScore float64 `json:"compliance_score,omitempty" jsonschema:"Instruction compliance score (0-100)"`
	RevertCount     int     `json:"revert_count,omitempty" jsonschema:"Number of reverted changes"`
	ReworkCount     int     `json:"rework_count,omitempty" jsonschema:"Number of reworked changes"`
	UserFeedback    string  `json:"user_feedback,omitempty" jsonschema:"Free-form user feedback"`
}

type startSessionInput struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"Session identifier (generated if omitted)"`
	Branch    string `json:"branch,omitempty" jsonschema:"Git branch the session works on"`
	Provider  string `json:"provider,omitempty" jsonschema:"Model provider name"`
	Model     string `json:"model,omitempty" jsonschema:"Model identifier"`
	TaskType  string `json:"task_type,omitempty" jsonschema:"Dominant task classification (bugfix feature refactor ...)"`
}

type sessionOutput struct {
	SessionID         string   `json:"session_id" jsonschema:"Session identifier"`
	Status            string   `json:"status" jsonschema:"Lifecycle status (active or completed)"`
	Branch            string   `json:"branch,omitempty" jsonschema:"Git branch"`
	StartedAt         string   `json:"started_at" jsonschema:"Start timestamp (RFC 3339)"`
	EndedAt           string   `json:"ended_at,omitempty" jsonschema:"End timestamp (RFC 3339)"`
	Revision          int64    `json:"revision" jsonschema:"Optimistic concurrency revision"`
	ContextEfficiency *float64 `json:"context_efficiency,omitempty" jsonschema:"Tasks completed per 1k output tokens"`
}

type updateSessionInput struct {
	SessionID      string           `json:"session_id" jsonschema:"required,Session to update"`
	Decisions      []string         `json:"decisions,omitempty" jsonschema:"Decisions made (appended)"`
	ErrorsResolved []string         `json:"errors_resolved,omitempty" jsonschema:"Errors resolved (appended)"`
	FilesModified  []string         `json:"files_modified,omitempty" jsonschema:"Files modified (de-duplicated)"`
	TasksCompleted []string         `json:"tasks_completed,omitempty" jsonschema:"Tasks completed (appended)"`
	TasksPending   []string         `json:"tasks_pending,omitempty" jsonschema:"Remaining tasks (replaces stored list)"`
	ToolsCalled    []string         `json:"tools_called,omitempty" jsonschema:"Tools invoked (appended)"`
	TaskType       string           `json:"task_type,omitempty" jsonschema:"Task classification override"`
	TokenUsage     *tokenUsageInput `json:"token_usage,omitempty" jsonschema:"Token counters (summed across reports)"`
	Outcome        *outcomeInput    `json:"outcome,omitempty" jsonschema:"Session outcome measures"`
}

// endSessionInput shares the update shape; EndedAt is set server-side.
type endSessionInput updateSessionInput

type observeInput struct {
	SessionID       string   `json:"session_id" jsonschema:"required,Owning session"`
	Type            string   `json:"type" jsonschema:"required,Observation type (discovery decision mistake ...)"`
	Title           string   `json:"title" jsonschema:"required,Short title"`
	Facts           []string `json:"facts,omitempty" jsonschema:"Atomic facts"`
	Narrative       string   `json:"narrative,omitempty" jsonschema:"Free-form narrative"`
	Concepts        []string `json:"concepts,omitempty" jsonschema:"Concept tags"`
	DiscoveryTokens int64    `json:"discovery_tokens,omitempty" jsonschema:"Tokens spent reaching this observation"`
}

type observeOutput struct {
	ObservationID string `json:"observation_id" jsonschema:"Observation identifier"`
	SessionID     string `json:"session_id" jsonschema:"Owning session"`
	CreatedAt     string `json:"created_at" jsonschema:"Creation timestamp (RFC 3339)"`
}

func (s *Server) registerSessionTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_start_session",
		Description: "Start a new work session",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args startSessionInput) (*mcp.CallToolResult, sessionOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "memory_start_session")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "memory_start_session")
			s.metrics.RecordInvocation(ctx, "memory_start_session", time.Since(start), toolErr)
		}()

		sess, err := s.sessions.Start(ctx, session.StartParams{
			ID:       args.SessionID,
			Branch:   args.Branch,
			Provider: args.Provider,
			Model:    args.Model,
			TaskType: args.TaskType,
		})
		if err != nil {
			toolErr = err
			return nil, sessionOutput{}, err
		}

		return textResult("Session started: " + sess.ID), toSessionOutput(sess), nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_update_session",
		Description: "Apply a partial progress report to an active session",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args updateSessionInput) (*mcp.CallToolResult, sessionOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "memory_update_session")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "memory_update_session")
			s.metrics.RecordInvocation(ctx, "memory_update_session", time.Since(start), toolErr)
		}()

		sess, err := s.sessions.Apply(ctx, args.SessionID, toUpdate(args))
		if err != nil {
			toolErr = err
			return nil, sessionOutput{}, err
		}

		return textResult("Session updated: " + sess.ID), toSessionOutput(sess), nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_end_session",
		Description: "End a session, freezing its derived metrics",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args endSessionInput) (*mcp.CallToolResult, sessionOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "memory_end_session")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "memory_end_session")
			s.metrics.RecordInvocation(ctx, "memory_end_session", time.Since(start), toolErr)
		}()

		sess, err := s.sessions.End(ctx, args.SessionID, toUpdate(updateSessionInput(args)))
		if err != nil {
			toolErr = err
			return nil, sessionOutput{}, err
		}

		return textResult("Session ended: " + sess.ID), toSessionOutput(sess), nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_observe",
		Description: "Record an immutable observation under a session",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args observeInput) (*mcp.CallToolResult, observeOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "memory_observe")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "memory_observe")
			s.metrics.RecordInvocation(ctx, "memory_observe", time.Since(start), toolErr)
		}()

		obs, err := s.sessions.Observe(ctx, &storage.Observation{
			SessionID:       args.SessionID,
			Type:            args.Type,
			Title:           args.Title,
			Facts:           args.Facts,
			Narrative:       args.Narrative,
			Concepts:        args.Concepts,
			DiscoveryTokens: args.DiscoveryTokens,
		})
		if err != nil {
			toolErr = fmt.Errorf("observe failed: %w", err)
			return nil, observeOutput{}, toolErr
		}

		return textResult("Observation recorded: " + obs.ID), observeOutput{
			ObservationID: obs.ID,
			SessionID:     obs.SessionID,
			CreatedAt:     obs.CreatedAt.Format(time.RFC3339),
		}, nil
	})
}

func toUpdate(args updateSessionInput) session.Update {
	u := session.Update{
		Decisions:      args.Decisions,
		ErrorsResolved: args.ErrorsResolved,
		FilesModified:  args.FilesModified,
		TasksCompleted: args.TasksCompleted,
		TasksPending:   args.TasksPending,
		ToolsCalled:    args.ToolsCalled,
		TaskType:       args.TaskType,
	}
	if args.TokenUsage != nil {
		u.TokenUsage = &storage.TokenUsage{
			InputTokens:     args.TokenUsage.InputTokens,
			OutputTokens:    args.TokenUsage.OutputTokens,
			CacheReadTokens: args.TokenUsage.CacheReadTokens,
		}
	}
	if args.Outcome != nil {
		u.Outcome = &storage.SessionOutcome{
			ComplianceScore: args.Outcome.ComplianceScore,
			RevertCount:     args.Outcome.RevertCount,
			ReworkCount:     args.Outcome.ReworkCount,
			UserFeedback:    args.Outcome.UserFeedback,
		}
	}
	return u
}

func toSessionOutput(sess *storage.Session) sessionOutput {
	out := sessionOutput{
		SessionID:         sess.ID,
		Status:            string(sess.Status()),
		Branch:            sess.Branch,
		StartedAt:         sess.StartedAt.Format(time.RFC3339),
		Revision:          sess.Revision,
		ContextEfficiency: sess.ContextEfficiency,
	}
	if sess.EndedAt != nil {
		out.EndedAt = sess.EndedAt.Format(time.RFC3339)
	}
	return out
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}
