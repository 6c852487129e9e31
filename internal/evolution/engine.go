// Package evolution mines completed session history for promotable changes:
// model recommendations, recurring-mistake conventions, workflow and combo
// patterns, efficiency gaps, drift alerts, and pattern bans. Analysis runs
// strictly on demand; there is no background scheduler.
package evolution

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DerianAndre/aidd.md-sub003/internal/bus"
	"github.com/DerianAndre/aidd.md-sub003/internal/storage"
)

// SkipReasonCooldown marks a promotion skipped because the candidate was
// recently rejected.
const SkipReasonCooldown = "recent_rejection_cooldown"

// Config configures the engine.
type Config struct {
	// MaxSessions caps how many recent completed sessions analyze loads
	// (default 200).
	MaxSessions int

	// MinSessionsPerModel gates model comparisons (default 5).
	MinSessionsPerModel int

	// MinOccurrences gates recurrence-based detectors (default 3).
	MinOccurrences int

	// AutoApplyThreshold and DraftThreshold classify promoted candidates
	// (defaults 85 and 60).
	AutoApplyThreshold float64
	DraftThreshold     float64

	// DriftWindow is the first/last session count compared for drift
	// (default 5).
	DriftWindow int

	// RejectionCooldown suppresses re-promotion of recently rejected ban
	// candidates (default 7 days).
	RejectionCooldown time.Duration

	// ShadowMaxFalsePositiveRate and ShadowMinSamples bound the shadow
	// test: a ban candidate is rejected when at least ShadowMinSamples
	// historical texts were checked and the match rate exceeds the bound
	// (defaults 0.10 and 10).
	ShadowMaxFalsePositiveRate float64
	ShadowMinSamples           int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxSessions:                200,
		MinSessionsPerModel:        5,
		MinOccurrences:             3,
		AutoApplyThreshold:         85,
		DraftThreshold:             60,
		DriftWindow:                5,
		RejectionCooldown:          7 * 24 * time.Hour,
		ShadowMaxFalsePositiveRate: 0.10,
		ShadowMinSamples:           10,
	}
}

// Engine is the evolution analysis and promotion service.
type Engine struct {
	store  *storage.Store
	events *bus.Bus
	cfg    Config
	logger *zap.Logger
}

// New constructs the engine.
func New(store *storage.Store, events *bus.Bus, cfg Config, logger *zap.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	def := DefaultConfig()
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = def.MaxSessions
	}
	if cfg.MinSessionsPerModel <= 0 {
		cfg.MinSessionsPerModel = def.MinSessionsPerModel
	}
	if cfg.MinOccurrences <= 0 {
		cfg.MinOccurrences = def.MinOccurrences
	}
	if cfg.AutoApplyThreshold <= 0 {
		cfg.AutoApplyThreshold = def.AutoApplyThreshold
	}
	if cfg.DraftThreshold <= 0 {
		cfg.DraftThreshold = def.DraftThreshold
	}
	if cfg.DriftWindow <= 0 {
		cfg.DriftWindow = def.DriftWindow
	}
	if cfg.RejectionCooldown <= 0 {
		cfg.RejectionCooldown = def.RejectionCooldown
	}
	if cfg.ShadowMaxFalsePositiveRate <= 0 {
		cfg.ShadowMaxFalsePositiveRate = def.ShadowMaxFalsePositiveRate
	}
	if cfg.ShadowMinSamples <= 0 {
		cfg.ShadowMinSamples = def.ShadowMinSamples
	}
	return &Engine{store: store, events: events, cfg: cfg, logger: logger}, nil
}

// Analyze loads the most recent completed sessions, runs every detector, and
// persists the resulting candidates. Re-detections merge into existing rows
// by title, keeping the maxima and the existing status.
func (e *Engine) Analyze(ctx context.Context) ([]*storage.EvolutionCandidate, error) {
	sessions, err := e.store.ListSessions(ctx, storage.SessionFilter{
		Status: storage.StatusCompleted,
		Limit:  e.cfg.MaxSessions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	var candidates []*storage.EvolutionCandidate
	for _, detect := range detectors {
		candidates = append(candidates, detect(e, sessions)...)
	}

	freqs, err := e.store.PatternFrequencies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pattern frequencies: %w", err)
	}
	candidates = append(candidates, e.detectPatternBans(freqs)...)

	now := time.Now().UTC()
	for _, c := range candidates {
		c.CreatedAt = now
		c.UpdatedAt = now
		c.Status = storage.CandidatePending

		existing, err := e.store.GetEvolutionCandidateByTitle(ctx, c.Title)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			mergeCandidate(existing, c)
			if err := e.store.UpdateEvolutionCandidate(ctx, existing); err != nil {
				return nil, err
			}
			*c = *existing
			continue
		}
		if err := e.store.SaveEvolutionCandidate(ctx, c); err != nil {
			return nil, err
		}
	}

	e.logger.Info("evolution analysis completed",
		zap.Int("sessions", len(sessions)),
		zap.Int("candidates", len(candidates)))
	return candidates, nil
}

// PromoteResult reports how a promotion attempt concluded.
type PromoteResult struct {
	Candidate *storage.EvolutionCandidate `json:"candidate"`
	Skipped   bool                        `json:"skipped"`
	Reason    string                      `json:"reason,omitempty"`
}

// Promote classifies one candidate. Ban candidates pass a rejection cooldown
// check and a shadow test first; everything else classifies directly on
// confidence. Every decision lands in the append-only log.
func (e *Engine) Promote(ctx context.Context, candidate *storage.EvolutionCandidate) (*PromoteResult, error) {
	existing, err := e.store.GetEvolutionCandidateByTitle(ctx, candidate.Title)
	if err != nil {
		return nil, err
	}
	var rejectedAt time.Time
	if existing != nil {
		if existing.Status == storage.CandidateRejected {
			// The cooldown clock starts at the logged rejection, not at
			// updated_at: re-detection merges bump updated_at on every
			// analysis pass. Rows without a log entry (imports) fall back
			// to updated_at.
			rejectedAt = existing.UpdatedAt
			log, err := e.store.ListEvolutionLog(ctx, existing.ID)
			if err != nil {
				return nil, err
			}
			for _, entry := range log {
				if entry.Action == string(storage.CandidateRejected) {
					rejectedAt = entry.CreatedAt
				}
			}
		}
		mergeCandidate(existing, candidate)
		candidate = existing
	} else {
		if candidate.ID == "" {
			candidate.ID = uuid.NewString()
		}
		if candidate.CreatedAt.IsZero() {
			candidate.CreatedAt = time.Now().UTC()
		}
	}

	if candidate.Type == TypeModelPatternBan {
		if !rejectedAt.IsZero() && time.Since(rejectedAt) < e.cfg.RejectionCooldown {
			e.logger.Info("promotion skipped",
				zap.String("title", candidate.Title),
				zap.String("reason", SkipReasonCooldown))
			return &PromoteResult{Candidate: candidate, Skipped: true, Reason: SkipReasonCooldown}, nil
		}

		shadow, err := e.shadowTest(ctx, strings.TrimPrefix(candidate.Title, banTitlePrefix))
		if err != nil {
			return nil, err
		}
		candidate.ShadowTest = shadow
		if shadow.SampleSize < e.cfg.ShadowMinSamples {
			e.logger.Info("shadow test accepted on thin evidence",
				zap.String("title", candidate.Title),
				zap.Int("sample_size", shadow.SampleSize),
				zap.Int("min_samples", e.cfg.ShadowMinSamples))
		}
		if shadow.SampleSize >= e.cfg.ShadowMinSamples &&
			shadow.FalsePositiveRate > e.cfg.ShadowMaxFalsePositiveRate {
			candidate.Status = storage.CandidateRejected
			reason := fmt.Sprintf("shadow test false-positive rate %.2f over %d samples",
				shadow.FalsePositiveRate, shadow.SampleSize)
			if err := e.persistDecision(ctx, candidate, reason); err != nil {
				return nil, err
			}
			return &PromoteResult{Candidate: candidate, Skipped: true, Reason: reason}, nil
		}
	}

	switch {
	case candidate.Confidence >= e.cfg.AutoApplyThreshold:
		if err := e.autoApply(ctx, candidate); err != nil {
			return nil, err
		}
		candidate.Status = storage.CandidateAutoApplied
	case candidate.Confidence >= e.cfg.DraftThreshold:
		candidate.Status = storage.CandidateDrafted
	default:
		candidate.Status = storage.CandidatePending
	}

	if err := e.persistDecision(ctx, candidate, ""); err != nil {
		return nil, err
	}
	if candidate.Status == storage.CandidateAutoApplied && e.events != nil {
		e.events.Publish(bus.Event{Type: bus.EventCandidateApplied, Payload: candidate})
	}
	return &PromoteResult{Candidate: candidate}, nil
}

// autoApply performs the side effect of an auto-applied candidate and saves
// the pre-change snapshot revert needs. Only ban candidates carry a concrete
// side effect today: registering the pattern as a learned banned pattern.
func (e *Engine) autoApply(ctx context.Context, candidate *storage.EvolutionCandidate) error {
	if candidate.Type != TypeModelPatternBan {
		return nil
	}

	patternText := strings.TrimPrefix(candidate.Title, banTitlePrefix)
	pattern := &storage.BannedPattern{
		ID:        "learned-" + uuid.NewString(),
		Category:  "ai_tell",
		Pattern:   patternText,
		Severity:  "medium",
		Origin:    storage.OriginLearned,
		Active:    true,
		UseCount:  candidate.SessionCount,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	state, err := json.Marshal(map[string]string{"pattern_id": pattern.ID})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot state: %w", err)
	}
	if err := e.store.SaveEvolutionSnapshot(ctx, &storage.EvolutionSnapshot{
		ID:          uuid.NewString(),
		CandidateID: candidate.ID,
		State:       string(state),
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		return err
	}
	if err := e.store.SaveBannedPattern(ctx, pattern); err != nil {
		return err
	}

	e.logger.Info("candidate auto-applied",
		zap.String("title", candidate.Title),
		zap.String("pattern_id", pattern.ID))
	return nil
}

func (e *Engine) persistDecision(ctx context.Context, candidate *storage.EvolutionCandidate, reason string) error {
	candidate.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveEvolutionCandidate(ctx, candidate); err != nil {
		return err
	}
	return e.store.AppendEvolutionLog(ctx, &storage.EvolutionLogEntry{
		ID:          uuid.NewString(),
		CandidateID: candidate.ID,
		Action:      string(candidate.Status),
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
	})
}

// RevertResult reports a revert.
type RevertResult struct {
	SnapshotRestored bool `json:"snapshot_restored"`
}

// Revert undoes an applied candidate. It restores the snapshot when one
// exists (deactivating the learned pattern a ban created) and always marks
// the candidate reverted; a missing snapshot is reported, never an error.
func (e *Engine) Revert(ctx context.Context, candidateID string) (*RevertResult, error) {
	candidate, err := e.store.GetEvolutionCandidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if candidate == nil {
		return nil, fmt.Errorf("candidate %s does not exist", candidateID)
	}

	result := &RevertResult{}
	snapshot, err := e.store.GetEvolutionSnapshot(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		if err := e.restoreSnapshot(ctx, snapshot); err != nil {
			e.logger.Warn("snapshot restore failed, continuing revert",
				zap.String("candidate_id", candidateID), zap.Error(err))
		} else {
			result.SnapshotRestored = true
		}
	}

	candidate.Status = storage.CandidateReverted
	if err := e.persistDecision(ctx, candidate,
		fmt.Sprintf("snapshot_restored=%t", result.SnapshotRestored)); err != nil {
		return nil, err
	}

	e.logger.Info("candidate reverted",
		zap.String("candidate_id", candidateID),
		zap.Bool("snapshot_restored", result.SnapshotRestored))
	return result, nil
}

func (e *Engine) restoreSnapshot(ctx context.Context, snapshot *storage.EvolutionSnapshot) error {
	var state map[string]string
	if err := json.Unmarshal([]byte(snapshot.State), &state); err != nil {
		return fmt.Errorf("malformed snapshot state: %w", err)
	}
	patternID, ok := state["pattern_id"]
	if !ok {
		return nil
	}

	pattern, err := e.store.GetBannedPattern(ctx, patternID)
	if err != nil {
		return err
	}
	if pattern == nil {
		return nil
	}
	pattern.Active = false
	pattern.UpdatedAt = time.Now().UTC()
	return e.store.UpdateBannedPattern(ctx, pattern)
}

// shadowTest measures how often a proposed literal pattern matches historical
// session narratives. Each session with narrative text is one sample; a
// match counts as a presumed false positive because the text predates the
// ban proposal.
func (e *Engine) shadowTest(ctx context.Context, patternText string) (*storage.ShadowTestResult, error) {
	re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(patternText) + `\b`)
	if err != nil {
		return nil, fmt.Errorf("pattern %q is not testable: %w", patternText, err)
	}

	sessions, err := e.store.ListSessions(ctx, storage.SessionFilter{Limit: e.cfg.MaxSessions})
	if err != nil {
		return nil, err
	}

	result := &storage.ShadowTestResult{}
	matches := 0
	for _, s := range sessions {
		text, err := e.store.SessionNarratives(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		result.SampleSize++
		if re.MatchString(text) {
			matches++
		}
	}
	if result.SampleSize > 0 {
		result.FalsePositiveRate = float64(matches) / float64(result.SampleSize)
	}
	return result, nil
}

func mergeCandidate(dst, src *storage.EvolutionCandidate) {
	if src.Confidence > dst.Confidence {
		dst.Confidence = src.Confidence
	}
	if src.SessionCount > dst.SessionCount {
		dst.SessionCount = src.SessionCount
	}
	if src.Description != "" {
		dst.Description = src.Description
	}
	for _, ev := range src.Evidence {
		dst.Evidence = appendIfMissing(dst.Evidence, ev)
	}
	for model, evs := range src.ModelEvidence {
		if dst.ModelEvidence == nil {
			dst.ModelEvidence = make(map[string][]string)
		}
		for _, ev := range evs {
			dst.ModelEvidence[model] = appendIfMissing(dst.ModelEvidence[model], ev)
		}
	}
	dst.UpdatedAt = time.Now().UTC()
}
