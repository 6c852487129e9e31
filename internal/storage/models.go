package storage

import (
	"errors"
	"fmt"
	"time"
)

// Common errors for storage operations.
var (
	// ErrSchemaTooNew indicates the on-disk schema version exceeds what this
	// binary understands. Fatal at startup, never degraded.
	ErrSchemaTooNew = errors.New("database schema is newer than this binary")

	// ErrRevisionConflict indicates a session write lost an optimistic
	// concurrency check against the stored revision.
	ErrRevisionConflict = errors.New("session revision conflict")

	ErrEmptyID        = errors.New("id cannot be empty")
	ErrEmptySessionID = errors.New("session id cannot be empty")
	ErrEmptyTitle     = errors.New("title cannot be empty")
	ErrEmptyPattern   = errors.New("pattern cannot be empty")
)

// SessionStatus is derived from the presence of an end timestamp; there is
// no stored status column.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
)

// TokenUsage accumulates token counters across repeated partial reports.
type TokenUsage struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	CacheReadTokens int64 `json:"cache_read_tokens"`
}

// SessionOutcome captures post-hoc quality measures for a completed session.
type SessionOutcome struct {
	ComplianceScore float64 `json:"compliance_score"`
	RevertCount     int     `json:"revert_count"`
	ReworkCount     int     `json:"rework_count"`
	UserFeedback    string  `json:"user_feedback,omitempty"`
}

// Fingerprint is a vector of purely statistical text metrics used to
// characterize writing style. No model inference is involved.
type Fingerprint struct {
	AvgSentenceLength      float64 `json:"avg_sentence_length"`
	SentenceLengthVariance float64 `json:"sentence_length_variance"`
	TypeTokenRatio         float64 `json:"type_token_ratio"`
	AvgParagraphLength     float64 `json:"avg_paragraph_length"`
	PassiveVoiceRatio      float64 `json:"passive_voice_ratio"`
	FillerDensity          float64 `json:"filler_density_per_1000"`
	QuestionFrequency      float64 `json:"question_frequency_per_1000"`
}

// Session is a recorded work session. Lifecycle: active from start, completed
// once EndedAt is set. During the active phase updates are additive merges;
// on end the derived metrics (ContextEfficiency, Fingerprint) are computed
// once and frozen.
type Session struct {
	ID       string `json:"id"`
	Branch   string `json:"branch,omitempty"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	Decisions      []string `json:"decisions,omitempty"`
	ErrorsResolved []string `json:"errors_resolved,omitempty"`
	FilesModified  []string `json:"files_modified,omitempty"`
	TasksCompleted []string `json:"tasks_completed,omitempty"`
	TasksPending   []string `json:"tasks_pending,omitempty"`
	ToolsCalled    []string `json:"tools_called,omitempty"`

	// TaskType classifies the session's dominant work (e.g. "bugfix",
	// "feature", "refactor").
	TaskType string `json:"task_type,omitempty"`

	Outcome    *SessionOutcome `json:"outcome,omitempty"`
	TokenUsage *TokenUsage     `json:"token_usage,omitempty"`

	// ContextEfficiency is tasksCompleted / (outputTokens/1000), rounded to
	// two decimals, derived once on end.
	ContextEfficiency *float64 `json:"context_efficiency,omitempty"`

	// Fingerprint is derived once on end from observation narratives.
	Fingerprint *Fingerprint `json:"fingerprint,omitempty"`

	// Revision is a monotonic counter checked on write to detect lost
	// updates between concurrent read-modify-write callers.
	Revision int64 `json:"revision"`
}

// Status derives the lifecycle state from the end timestamp.
func (s *Session) Status() SessionStatus {
	if s.EndedAt != nil {
		return StatusCompleted
	}
	return StatusActive
}

// Validate checks construction-time invariants.
func (s *Session) Validate() error {
	if s.ID == "" {
		return ErrEmptyID
	}
	if s.StartedAt.IsZero() {
		return errors.New("session started_at cannot be zero")
	}
	if s.EndedAt != nil && s.EndedAt.Before(s.StartedAt) {
		return fmt.Errorf("session %s ended_at precedes started_at", s.ID)
	}
	return nil
}

// Observation is an immutable typed record owned by its session. It is
// indexed for search at write time and never mutated after creation.
type Observation struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	Type            string    `json:"type"`
	Title           string    `json:"title"`
	Facts           []string  `json:"facts,omitempty"`
	Narrative       string    `json:"narrative,omitempty"`
	Concepts        []string  `json:"concepts,omitempty"`
	DiscoveryTokens int64     `json:"discovery_tokens,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Validate checks construction-time invariants.
func (o *Observation) Validate() error {
	if o.ID == "" {
		return ErrEmptyID
	}
	if o.SessionID == "" {
		return ErrEmptySessionID
	}
	if o.Title == "" {
		return ErrEmptyTitle
	}
	if o.Type == "" {
		return errors.New("observation type cannot be empty")
	}
	return nil
}

// MemoryKind classifies a permanent memory entry.
type MemoryKind string

const (
	MemoryDecision   MemoryKind = "decision"
	MemoryMistake    MemoryKind = "mistake"
	MemoryConvention MemoryKind = "convention"
)

// MemoryEntry is a long-lived knowledge unit. Mistakes are deduplicated by
// normalized error text; a repeat increments Occurrences instead of creating
// a new row.
type MemoryEntry struct {
	ID              string     `json:"id"`
	Kind            MemoryKind `json:"kind"`
	Title           string     `json:"title"`
	Content         string     `json:"content"`
	NormalizedError string     `json:"normalized_error,omitempty"`
	Occurrences     int        `json:"occurrences"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Validate checks construction-time invariants.
func (m *MemoryEntry) Validate() error {
	if m.ID == "" {
		return ErrEmptyID
	}
	if m.Title == "" {
		return ErrEmptyTitle
	}
	switch m.Kind {
	case MemoryDecision, MemoryMistake, MemoryConvention:
	default:
		return fmt.Errorf("invalid memory kind %q", m.Kind)
	}
	return nil
}

// ArtifactStatus is the workflow state of an artifact.
type ArtifactStatus string

const (
	ArtifactActive ArtifactStatus = "active"
	ArtifactDone   ArtifactStatus = "done"
)

// Artifact is a workflow document tracked independently of sessions.
type Artifact struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Feature   string         `json:"feature,omitempty"`
	Status    ArtifactStatus `json:"status"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Validate checks construction-time invariants.
func (a *Artifact) Validate() error {
	if a.ID == "" {
		return ErrEmptyID
	}
	if a.Type == "" {
		return errors.New("artifact type cannot be empty")
	}
	if a.Status != ArtifactActive && a.Status != ArtifactDone {
		return fmt.Errorf("invalid artifact status %q", a.Status)
	}
	return nil
}

// CandidateStatus is the promotion state of an evolution candidate.
type CandidateStatus string

const (
	CandidatePending     CandidateStatus = "pending"
	CandidateDrafted     CandidateStatus = "drafted"
	CandidateAutoApplied CandidateStatus = "auto_applied"
	CandidateRejected    CandidateStatus = "rejected"
	CandidateReverted    CandidateStatus = "reverted"
)

// ShadowTestResult holds the measured false-positive rate of a not-yet-applied
// pattern evaluated against historical text.
type ShadowTestResult struct {
	FalsePositiveRate float64 `json:"false_positive_rate"`
	SampleSize        int     `json:"sample_size"`
}

// EvolutionCandidate is a system-proposed change derived from aggregate
// session history. Uniqueness key is Title: re-detection merges into the
// existing row rather than duplicating.
type EvolutionCandidate struct {
	ID              string              `json:"id"`
	Type            string              `json:"type"`
	Title           string              `json:"title"`
	Description     string              `json:"description,omitempty"`
	Confidence      float64             `json:"confidence"`
	SessionCount    int                 `json:"session_count"`
	Evidence        []string            `json:"evidence,omitempty"`
	ModelEvidence   map[string][]string `json:"model_evidence,omitempty"`
	SuggestedAction string              `json:"suggested_action,omitempty"`
	Status          CandidateStatus     `json:"status"`
	ShadowTest      *ShadowTestResult   `json:"shadow_test,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Validate checks construction-time invariants.
func (c *EvolutionCandidate) Validate() error {
	if c.ID == "" {
		return ErrEmptyID
	}
	if c.Title == "" {
		return ErrEmptyTitle
	}
	if c.Type == "" {
		return errors.New("candidate type cannot be empty")
	}
	if c.Confidence < 0 || c.Confidence > 100 {
		return fmt.Errorf("candidate confidence %.1f outside [0,100]", c.Confidence)
	}
	return nil
}

// EvolutionLogEntry is one row in the append-only audit trail of promotion
// and revert decisions.
type EvolutionLogEntry struct {
	ID          string    `json:"id"`
	CandidateID string    `json:"candidate_id"`
	Action      string    `json:"action"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// EvolutionSnapshot is the pre-change state captured before an auto-applied
// change, used for revert.
type EvolutionSnapshot struct {
	ID          string    `json:"id"`
	CandidateID string    `json:"candidate_id"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
}

// PatternOrigin distinguishes built-in from learned banned patterns.
type PatternOrigin string

const (
	OriginSystem  PatternOrigin = "system"
	OriginLearned PatternOrigin = "learned"
)

// BannedPattern is a phrasing the pattern killer flags. UseCount is a
// decaying confidence proxy for learned patterns; system patterns are never
// auto-deactivated.
type BannedPattern struct {
	ID         string        `json:"id"`
	Category   string        `json:"category"`
	Pattern    string        `json:"pattern"`
	IsRegex    bool          `json:"is_regex"`
	Severity   string        `json:"severity"`
	Origin     PatternOrigin `json:"origin"`
	Active     bool          `json:"active"`
	UseCount   int           `json:"use_count"`
	ModelScope string        `json:"model_scope,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Validate checks construction-time invariants. Regex patterns are compiled
// at registration time by the pattern killer before they reach the store.
func (p *BannedPattern) Validate() error {
	if p.ID == "" {
		return ErrEmptyID
	}
	if p.Pattern == "" {
		return ErrEmptyPattern
	}
	if p.Origin != OriginSystem && p.Origin != OriginLearned {
		return fmt.Errorf("invalid pattern origin %q", p.Origin)
	}
	return nil
}

// PatternDetection is an append-only telemetry row recording one match.
type PatternDetection struct {
	ID        int64     `json:"id"`
	PatternID string    `json:"pattern_id"`
	SessionID string    `json:"session_id,omitempty"`
	ModelID   string    `json:"model_id,omitempty"`
	Snippet   string    `json:"snippet,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditScore is an append-only telemetry row recording one audit pass. The
// content hash allows traceability without storing raw text twice.
type AuditScore struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id,omitempty"`
	ModelID     string    `json:"model_id,omitempty"`
	Total       float64   `json:"total"`
	Lexical     float64   `json:"lexical_diversity"`
	Structural  float64   `json:"structural_variation"`
	Voice       float64   `json:"voice_authenticity"`
	Absence     float64   `json:"pattern_absence"`
	Semantic    float64   `json:"semantic_preservation"`
	Verdict     string    `json:"verdict"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// BranchContext is a secondary aggregate keyed by branch name.
type BranchContext struct {
	Branch        string    `json:"branch"`
	LastSessionID string    `json:"last_session_id,omitempty"`
	SessionCount  int       `json:"session_count"`
	Summary       string    `json:"summary,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// LifecycleSession is a secondary aggregate keyed by lifecycle id.
type LifecycleSession struct {
	ID        string    `json:"id"`
	Phase     string    `json:"phase"`
	State     string    `json:"state,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
