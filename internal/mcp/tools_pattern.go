package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DerianAndre/aidd.md-sub003/internal/patternkiller"
	"github.com/DerianAndre/aidd.md-sub003/internal/storage"
)

type auditInput struct {
	Text      string `json:"text" jsonschema:"required,Text to audit"`
	SessionID string `json:"session_id,omitempty" jsonschema:"Session the text belongs to"`
	ModelID   string `json:"model_id,omitempty" jsonschema:"Model that produced the text (narrows pattern scope)"`
}

type detectionEntry struct {
	PatternID string `json:"pattern_id" jsonschema:"Matched pattern identifier"`
	Pattern   string `json:"pattern" jsonschema:"Pattern text"`
	Category  string `json:"category" jsonschema:"Pattern category"`
	Severity  string `json:"severity" jsonschema:"Pattern severity"`
	Context   string `json:"context" jsonschema:"Text surrounding the match"`
	Offset    int    `json:"offset" jsonschema:"Byte offset of the match"`
}

type auditOutput struct {
	Total       float64          `json:"total" jsonschema:"Total audit score (0-100)"`
	Verdict     string           `json:"verdict" jsonschema:"pass retry or escalate"`
	Lexical     float64          `json:"lexical" jsonschema:"Lexical diversity dimension (0-20)"`
	Structural  float64          `json:"structural" jsonschema:"Structural variance dimension (0-20)"`
	Voice       float64          `json:"voice" jsonschema:"Voice authenticity dimension (0-20)"`
	Absence     float64          `json:"absence" jsonschema:"Pattern absence dimension (0-20)"`
	Semantic    float64          `json:"semantic" jsonschema:"Semantic dimension (0-20)"`
	Detections  []detectionEntry `json:"detections,omitempty" jsonschema:"Banned-pattern matches"`
	ContentHash string           `json:"content_hash" jsonschema:"Truncated hash of the audited text"`
}

type detectInput struct {
	Text      string `json:"text" jsonschema:"required,Text to scan"`
	SessionID string `json:"session_id,omitempty" jsonschema:"Session the text belongs to"`
	ModelID   string `json:"model_id,omitempty" jsonschema:"Model that produced the text (narrows pattern scope)"`
}

type detectOutput struct {
	Detections []detectionEntry `json:"detections" jsonschema:"Banned-pattern matches"`
	Count      int              `json:"count" jsonschema:"Number of matches"`
}

type registerPatternInput struct {
	Pattern    string `json:"pattern" jsonschema:"required,Literal phrase or regular expression to ban"`
	Category   string `json:"category" jsonschema:"required,Pattern category (filler hedge verbosity ai_tell rhetorical)"`
	IsRegex    bool   `json:"is_regex,omitempty" jsonschema:"Treat pattern as a regular expression"`
	Severity   string `json:"severity,omitempty" jsonschema:"Severity (default: medium)"`
	ModelScope string `json:"model_scope,omitempty" jsonschema:"Restrict the pattern to one model"`
}

type patternOutput struct {
	PatternID string `json:"pattern_id" jsonschema:"Pattern identifier"`
	Active    bool   `json:"active" jsonschema:"Whether the pattern is active"`
	UseCount  int    `json:"use_count" jsonschema:"Current use count"`
}

type falsePositiveInput struct {
	PatternID string `json:"pattern_id" jsonschema:"required,Pattern that fired incorrectly"`
}

func (s *Server) registerPatternTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "pattern_audit",
		Description: "Fingerprint a text and score it across the five audit dimensions",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args auditInput) (*mcp.CallToolResult, auditOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "pattern_audit")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "pattern_audit")
			s.metrics.RecordInvocation(ctx, "pattern_audit", time.Since(start), toolErr)
		}()

		result, err := s.killer.Audit(ctx, args.Text, args.SessionID, args.ModelID)
		if err != nil {
			toolErr = fmt.Errorf("audit failed: %w", err)
			return nil, auditOutput{}, toolErr
		}

		out := auditOutput{
			Total:       result.Score.Total,
			Verdict:     result.Score.Verdict,
			Lexical:     result.Score.Lexical,
			Structural:  result.Score.Structural,
			Voice:       result.Score.Voice,
			Absence:     result.Score.Absence,
			Semantic:    result.Score.Semantic,
			Detections:  toDetectionEntries(result.Detections),
			ContentHash: result.Score.ContentHash,
		}
		return textResult(fmt.Sprintf("Audit %s: %.1f/100", out.Verdict, out.Total)), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "pattern_detect",
		Description: "Scan a text for banned patterns without scoring it",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args detectInput) (*mcp.CallToolResult, detectOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "pattern_detect")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "pattern_detect")
			s.metrics.RecordInvocation(ctx, "pattern_detect", time.Since(start), toolErr)
		}()

		detections, err := s.killer.Detect(ctx, args.Text, args.SessionID, args.ModelID)
		if err != nil {
			toolErr = fmt.Errorf("detect failed: %w", err)
			return nil, detectOutput{}, toolErr
		}

		out := detectOutput{Detections: toDetectionEntries(detections), Count: len(detections)}
		return textResult(fmt.Sprintf("%d patterns matched", out.Count)), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "pattern_register",
		Description: "Register a new learned banned pattern",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args registerPatternInput) (*mcp.CallToolResult, patternOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "pattern_register")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "pattern_register")
			s.metrics.RecordInvocation(ctx, "pattern_register", time.Since(start), toolErr)
		}()

		severity := args.Severity
		if severity == "" {
			severity = "medium"
		}
		p := &storage.BannedPattern{
			ID:         "learned-" + uuid.NewString(),
			Category:   args.Category,
			Pattern:    args.Pattern,
			IsRegex:    args.IsRegex,
			Severity:   severity,
			Origin:     storage.OriginLearned,
			Active:     true,
			ModelScope: args.ModelScope,
		}
		if err := s.killer.RegisterPattern(ctx, p); err != nil {
			toolErr = fmt.Errorf("register failed: %w", err)
			return nil, patternOutput{}, toolErr
		}

		return textResult("Pattern registered: " + p.ID), patternOutput{
			PatternID: p.ID,
			Active:    p.Active,
			UseCount:  p.UseCount,
		}, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "pattern_report_false_positive",
		Description: "Report a pattern match as a false positive, decaying its use count",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args falsePositiveInput) (*mcp.CallToolResult, patternOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "pattern_report_false_positive")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "pattern_report_false_positive")
			s.metrics.RecordInvocation(ctx, "pattern_report_false_positive", time.Since(start), toolErr)
		}()

		p, err := s.killer.ReportFalsePositive(ctx, args.PatternID)
		if err != nil {
			toolErr = fmt.Errorf("false-positive report failed: %w", err)
			return nil, patternOutput{}, toolErr
		}

		return textResult("False positive recorded: " + p.ID), patternOutput{
			PatternID: p.ID,
			Active:    p.Active,
			UseCount:  p.UseCount,
		}, nil
	})
}

func toDetectionEntries(detections []patternkiller.Detection) []detectionEntry {
	out := make([]detectionEntry, 0, len(detections))
	for _, d := range detections {
		out = append(out, detectionEntry{
			PatternID: d.PatternID,
			Pattern:   d.Pattern,
			Category:  d.Category,
			Severity:  d.Severity,
			Context:   d.Context,
			Offset:    d.Offset,
		})
	}
	return out
}
