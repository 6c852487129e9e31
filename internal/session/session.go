// Package session implements the session lifecycle: start, additive updates
// while active, and an end transition that freezes derived metrics. Session
// status is never stored; it is derived from the presence of an end
// timestamp.
package session

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DerianAndre/aidd.md-sub003/internal/bus"
	"github.com/DerianAndre/aidd.md-sub003/internal/patternkiller"
	"github.com/DerianAndre/aidd.md-sub003/internal/storage"
)

// Config configures the session service.
type Config struct {
	// MinFingerprintChars is the minimum concatenated narrative length
	// before a fingerprint is computed on end (default 200).
	MinFingerprintChars int
}

// DefaultConfig returns the default session service configuration.
func DefaultConfig() Config {
	return Config{MinFingerprintChars: 200}
}

// Service manages session lifecycle and observation capture.
type Service struct {
	store  *storage.Store
	events *bus.Bus
	cfg    Config
	logger *zap.Logger
}

// New constructs the service.
func New(store *storage.Store, events *bus.Bus, cfg Config, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.MinFingerprintChars <= 0 {
		cfg.MinFingerprintChars = 200
	}
	return &Service{store: store, events: events, cfg: cfg, logger: logger}, nil
}

// StartParams describes a new session.
type StartParams struct {
	ID       string
	Branch   string
	Provider string
	Model    string
	TaskType string
}

// Start creates an active session and updates the branch aggregate. A zero
// ID gets a generated UUID.
func (s *Service) Start(ctx context.Context, params StartParams) (*storage.Session, error) {
	if params.ID == "" {
		params.ID = uuid.NewString()
	}

	session := &storage.Session{
		ID:        params.ID,
		Branch:    params.Branch,
		Provider:  params.Provider,
		Model:     params.Model,
		TaskType:  params.TaskType,
		StartedAt: time.Now().UTC(),
	}
	if err := s.store.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	if session.Branch != "" {
		if err := s.store.TouchBranchContext(ctx, &storage.BranchContext{
			Branch:        session.Branch,
			LastSessionID: session.ID,
			UpdatedAt:     session.StartedAt,
		}); err != nil {
			// Branch bookkeeping is best-effort; the session itself is saved.
			s.logger.Warn("failed to update branch context",
				zap.String("branch", session.Branch), zap.Error(err))
		}
	}

	s.logger.Info("session started",
		zap.String("session_id", session.ID),
		zap.String("branch", session.Branch),
		zap.String("model", session.Model))
	s.publish(bus.EventSessionStarted, session.ID, session)
	return session, nil
}

// Update carries one partial progress report. All list fields are additive;
// TasksPending replaces the stored list wholesale because it represents
// remaining work, not a log.
type Update struct {
	Decisions      []string
	ErrorsResolved []string
	FilesModified  []string
	TasksCompleted []string
	TasksPending   []string
	ToolsCalled    []string
	TaskType       string
	TokenUsage     *storage.TokenUsage
	Outcome        *storage.SessionOutcome
}

// Apply applies an update to an active session. Token counters sum across
// repeated reports; files-modified de-duplicates on insert. The write is
// revision-checked: a concurrent writer surfaces as ErrRevisionConflict.
func (s *Service) Apply(ctx context.Context, sessionID string, u Update) (*storage.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("session %s does not exist", sessionID)
	}
	if session.Status() == storage.StatusCompleted {
		return nil, fmt.Errorf("session %s already ended", sessionID)
	}

	merge(session, u)
	if err := s.store.SaveSession(ctx, session); err != nil {
		return nil, err
	}

	s.publish(bus.EventSessionUpdated, session.ID, session)
	return session, nil
}

// End applies a final update, stamps the end time, and derives the frozen
// metrics: context efficiency when token usage, outcome, and at least one
// completed task are present, and a text fingerprint when the session's
// concatenated narratives are long enough.
func (s *Service) End(ctx context.Context, sessionID string, final Update) (*storage.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("session %s does not exist", sessionID)
	}
	if session.Status() == storage.StatusCompleted {
		return nil, fmt.Errorf("session %s already ended", sessionID)
	}

	merge(session, final)
	now := time.Now().UTC()
	session.EndedAt = &now

	if eff, ok := contextEfficiency(session); ok {
		session.ContextEfficiency = &eff
	}

	narratives, err := s.store.SessionNarratives(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(narratives) > s.cfg.MinFingerprintChars {
		fp := patternkiller.ComputeFingerprint(narratives)
		session.Fingerprint = &fp
	}

	if err := s.store.SaveSession(ctx, session); err != nil {
		return nil, err
	}

	s.logger.Info("session ended",
		zap.String("session_id", session.ID),
		zap.Duration("duration", now.Sub(session.StartedAt)),
		zap.Bool("fingerprinted", session.Fingerprint != nil))
	s.publish(bus.EventSessionEnded, session.ID, session)
	return session, nil
}

// Observe records an immutable observation under an active session and
// indexes it for search.
func (s *Service) Observe(ctx context.Context, obs *storage.Observation) (*storage.Observation, error) {
	if obs.ID == "" {
		obs.ID = uuid.NewString()
	}
	if obs.CreatedAt.IsZero() {
		obs.CreatedAt = time.Now().UTC()
	}

	session, err := s.store.GetSession(ctx, obs.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("session %s does not exist", obs.SessionID)
	}

	if err := s.store.SaveObservation(ctx, obs); err != nil {
		return nil, err
	}

	s.publish(bus.EventObservationAdded, obs.SessionID, obs)
	return obs, nil
}

// Get returns a session by id; absence is a nil session, not an error.
func (s *Service) Get(ctx context.Context, id string) (*storage.Session, error) {
	return s.store.GetSession(ctx, id)
}

// List returns sessions matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter storage.SessionFilter) ([]*storage.Session, error) {
	return s.store.ListSessions(ctx, filter)
}

func (s *Service) publish(eventType, sessionID string, payload any) {
	if s.events == nil {
		return
	}
	s.events.Publish(bus.Event{Type: eventType, SessionID: sessionID, Payload: payload})
}

func merge(session *storage.Session, u Update) {
	session.Decisions = append(session.Decisions, u.Decisions...)
	session.ErrorsResolved = append(session.ErrorsResolved, u.ErrorsResolved...)
	session.TasksCompleted = append(session.TasksCompleted, u.TasksCompleted...)
	session.ToolsCalled = append(session.ToolsCalled, u.ToolsCalled...)
	session.FilesModified = appendUnique(session.FilesModified, u.FilesModified)

	if u.TasksPending != nil {
		session.TasksPending = u.TasksPending
	}
	if u.TaskType != "" {
		session.TaskType = u.TaskType
	}
	if u.TokenUsage != nil {
		if session.TokenUsage == nil {
			session.TokenUsage = &storage.TokenUsage{}
		}
		session.TokenUsage.InputTokens += u.TokenUsage.InputTokens
		session.TokenUsage.OutputTokens += u.TokenUsage.OutputTokens
		session.TokenUsage.CacheReadTokens += u.TokenUsage.CacheReadTokens
	}
	if u.Outcome != nil {
		session.Outcome = u.Outcome
	}
}

func appendUnique(existing []string, additions []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, e := range existing {
		seen[e] = struct{}{}
	}
	for _, a := range additions {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		existing = append(existing, a)
	}
	return existing
}

// contextEfficiency derives tasksCompleted / (outputTokens/1000), rounded to
// two decimals. It requires token usage, an outcome, at least one completed
// task, and nonzero output tokens.
func contextEfficiency(session *storage.Session) (float64, bool) {
	if session.TokenUsage == nil || session.Outcome == nil {
		return 0, false
	}
	if len(session.TasksCompleted) == 0 || session.TokenUsage.OutputTokens == 0 {
		return 0, false
	}
	eff := float64(len(session.TasksCompleted)) / (float64(session.TokenUsage.OutputTokens) / 1000.0)
	return math.Round(eff*100) / 100, true
}

// Narratives returns the session's concatenated observation narratives,
// oldest first. Exposed for the evolution engine's shadow tests.
func (s *Service) Narratives(ctx context.Context, sessionID string) (string, error) {
	text, err := s.store.SessionNarratives(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}
