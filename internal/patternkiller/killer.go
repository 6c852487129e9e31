// Package patternkiller detects banned phrasing in generated text and scores
// text quality across five statistical dimensions. Everything here is pure
// computation over text plus storage round-trips; no model inference runs at
// any point.
package patternkiller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/DerianAndre/aidd.md-sub003/internal/bus"
	"github.com/DerianAndre/aidd.md-sub003/internal/storage"
)

// Verdicts for an audited text.
const (
	VerdictPass     = "pass"
	VerdictRetry    = "retry"
	VerdictEscalate = "escalate"
)

const (
	passThreshold  = 70.0
	retryThreshold = 40.0

	// semanticDefault is the fixed semantic-preservation score (20 x 0.75):
	// the one dimension a statistical pass cannot measure.
	semanticDefault = 15.0

	// useCountDecay is applied per false-positive report.
	useCountDecay = 0.85

	// deactivateBelow is the use-count floor under which learned patterns
	// are switched off. System patterns are exempt.
	deactivateBelow = 2
)

// Config configures the pattern killer.
type Config struct {
	// ContextWindow is the number of characters captured around each match
	// (default 80).
	ContextWindow int
}

// DefaultConfig returns the default pattern killer configuration.
func DefaultConfig() Config {
	return Config{ContextWindow: 80}
}

// Detection is one banned-pattern match with its surrounding context.
type Detection struct {
	PatternID string `json:"pattern_id"`
	Pattern   string `json:"pattern"`
	Category  string `json:"category"`
	Severity  string `json:"severity"`
	Context   string `json:"context"`
	Offset    int    `json:"offset"`
}

// Killer is the pattern detection and audit service.
type Killer struct {
	store  *storage.Store
	events *bus.Bus
	cfg    Config
	logger *zap.Logger
}

// New constructs the service and seeds the built-in signature set. Built-ins
// are upserted on every start so edits to the shipped set propagate, while
// prior deactivations survive because active state is preserved for known ids.
func New(ctx context.Context, store *storage.Store, events *bus.Bus, cfg Config, logger *zap.Logger) (*Killer, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 80
	}

	k := &Killer{store: store, events: events, cfg: cfg, logger: logger}
	if err := k.seedBuiltins(ctx); err != nil {
		return nil, fmt.Errorf("failed to seed builtin patterns: %w", err)
	}
	return k, nil
}

func (k *Killer) seedBuiltins(ctx context.Context) error {
	now := time.Now().UTC()
	for _, row := range builtinRows(now) {
		existing, err := k.store.GetBannedPattern(ctx, row.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			row.Active = existing.Active
			row.UseCount = existing.UseCount
			row.CreatedAt = existing.CreatedAt
		}
		if err := k.store.SaveBannedPattern(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// RegisterPattern validates and stores a caller-supplied banned pattern.
// Malformed regexes are rejected before any write.
func (k *Killer) RegisterPattern(ctx context.Context, p *storage.BannedPattern) error {
	if err := ValidatePattern(p); err != nil {
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.UpdatedAt = time.Now().UTC()
	if err := k.store.SaveBannedPattern(ctx, p); err != nil {
		return err
	}
	k.logger.Info("banned pattern registered",
		zap.String("id", p.ID),
		zap.String("category", p.Category),
		zap.String("origin", string(p.Origin)))
	return nil
}

// Detect matches every active banned pattern (scoped to modelID when the
// pattern carries a scope) against the text, records a detection row per
// match, and publishes a detection event. The returned detections carry a
// context window around each match.
func (k *Killer) Detect(ctx context.Context, text, sessionID, modelID string) ([]Detection, error) {
	detections, err := k.match(ctx, text, modelID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, d := range detections {
		if err := k.store.RecordPatternDetection(ctx, &storage.PatternDetection{
			PatternID: d.PatternID,
			SessionID: sessionID,
			ModelID:   modelID,
			Snippet:   d.Context,
			CreatedAt: now,
		}); err != nil {
			return nil, fmt.Errorf("failed to record detection: %w", err)
		}
	}

	if len(detections) > 0 {
		k.logger.Debug("patterns detected",
			zap.Int("count", len(detections)),
			zap.String("session_id", sessionID),
			zap.String("model_id", modelID))
		if k.events != nil {
			k.events.Publish(bus.Event{
				Type:      bus.EventPatternDetected,
				SessionID: sessionID,
				Payload:   detections,
			})
		}
	}
	return detections, nil
}

// match runs the matchers without persisting anything.
func (k *Killer) match(ctx context.Context, text, modelID string) ([]Detection, error) {
	active := true
	// Text of unknown provenance runs against unscoped patterns only; a
	// model-scoped ban never fires without a model id to match it.
	patterns, err := k.store.ListBannedPatterns(ctx, storage.PatternFilter{
		Active:       &active,
		ModelScope:   modelID,
		UnscopedOnly: modelID == "",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load banned patterns: %w", err)
	}

	var detections []Detection
	for _, p := range patterns {
		cp, err := compile(p)
		if err != nil {
			// A stored pattern that no longer compiles is skipped, not fatal:
			// validation guards the write path, this guards old rows.
			k.logger.Warn("skipping uncompilable pattern",
				zap.String("id", p.ID), zap.Error(err))
			continue
		}
		for _, loc := range cp.re.FindAllStringIndex(text, -1) {
			detections = append(detections, Detection{
				PatternID: p.ID,
				Pattern:   p.Pattern,
				Category:  p.Category,
				Severity:  p.Severity,
				Context:   contextWindow(text, loc[0], loc[1], k.cfg.ContextWindow),
				Offset:    loc[0],
			})
		}
	}
	return detections, nil
}

// AuditResult is the outcome of one audit pass.
type AuditResult struct {
	Score       *storage.AuditScore `json:"score"`
	Fingerprint storage.Fingerprint `json:"fingerprint"`
	Detections  []Detection         `json:"detections,omitempty"`
}

// Audit fingerprints the text, runs pattern detection, folds both into the
// five-dimension score, and persists the result with a truncated content
// hash. Detection rows are recorded as part of the pass.
func (k *Killer) Audit(ctx context.Context, text, sessionID, modelID string) (*AuditResult, error) {
	fp := ComputeFingerprint(text)
	detections, err := k.Detect(ctx, text, sessionID, modelID)
	if err != nil {
		return nil, err
	}

	score := scoreDimensions(fp, len(detections))
	score.SessionID = sessionID
	score.ModelID = modelID
	score.ContentHash = contentHash(text)
	score.CreatedAt = time.Now().UTC()

	if err := k.store.SaveAuditScore(ctx, score); err != nil {
		return nil, fmt.Errorf("failed to persist audit score: %w", err)
	}

	k.logger.Info("audit completed",
		zap.Float64("total", score.Total),
		zap.String("verdict", score.Verdict),
		zap.Int("detections", len(detections)))
	return &AuditResult{Score: score, Fingerprint: fp, Detections: detections}, nil
}

// ReportFalsePositive decays the pattern's use count by 15% (floored at 0)
// and deactivates learned patterns once the count drops below the threshold.
// System patterns decay but are never auto-deactivated.
func (k *Killer) ReportFalsePositive(ctx context.Context, patternID string) (*storage.BannedPattern, error) {
	p, err := k.store.GetBannedPattern(ctx, patternID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("banned pattern %s does not exist", patternID)
	}

	p.UseCount = int(math.Floor(float64(p.UseCount) * useCountDecay))
	if p.UseCount < 0 {
		p.UseCount = 0
	}
	if p.Origin == storage.OriginLearned && p.UseCount < deactivateBelow {
		p.Active = false
		k.logger.Info("learned pattern deactivated after false positives",
			zap.String("id", p.ID),
			zap.Int("use_count", p.UseCount))
	}
	p.UpdatedAt = time.Now().UTC()

	if err := k.store.UpdateBannedPattern(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// scoreDimensions computes the five 0-20 dimensions and the verdict.
func scoreDimensions(fp storage.Fingerprint, matchCount int) *storage.AuditScore {
	lexical := math.Min(20, fp.TypeTokenRatio*40)
	structural := math.Max(0, 20-0.3*math.Abs(fp.SentenceLengthVariance-30))

	passivePenalty := math.Min(10, fp.PassiveVoiceRatio*50)
	fillerPenalty := math.Min(10, fp.FillerDensity*0.5)
	voice := math.Max(0, 20-passivePenalty-fillerPenalty)

	absence := math.Max(0, 20-3*float64(matchCount))

	score := &storage.AuditScore{
		Lexical:    lexical,
		Structural: structural,
		Voice:      voice,
		Absence:    absence,
		Semantic:   semanticDefault,
	}
	score.Total = lexical + structural + voice + absence + semanticDefault
	switch {
	case score.Total >= passThreshold:
		score.Verdict = VerdictPass
	case score.Total >= retryThreshold:
		score.Verdict = VerdictRetry
	default:
		score.Verdict = VerdictEscalate
	}
	return score
}

// contentHash is the first 16 hex chars of the sha256 of the text: enough to
// correlate audits without storing the text twice.
func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}

func contextWindow(text string, start, end, window int) string {
	half := window / 2
	lo := start - half
	if lo < 0 {
		lo = 0
	}
	hi := end + half
	if hi > len(text) {
		hi = len(text)
	}
	// Byte offsets can land mid-rune next to multibyte text; widen to the
	// enclosing rune boundaries so the snippet stays valid UTF-8.
	for lo > 0 && !utf8.RuneStart(text[lo]) {
		lo--
	}
	for hi < len(text) && !utf8.RuneStart(text[hi]) {
		hi++
	}
	return text[lo:hi]
}
