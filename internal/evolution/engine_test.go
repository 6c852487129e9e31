package evolution

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DerianAndre/aidd.md-sub003/internal/storage"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *storage.Store) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store, err := storage.Open(storage.Config{
		Path:   filepath.Join(t.TempDir(), "memory.db"),
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	engine, err := New(store, nil, cfg, logger)
	require.NoError(t, err)
	return engine, store
}

func saveCompleted(t *testing.T, store *storage.Store, s *storage.Session) {
	t.Helper()
	if s.EndedAt == nil {
		ended := s.StartedAt.Add(time.Hour)
		s.EndedAt = &ended
	}
	require.NoError(t, store.SaveSession(context.Background(), s))
}

func TestDetectModelRecommendation(t *testing.T) {
	engine, store := newTestEngine(t, Config{MinSessionsPerModel: 3})
	base := time.Now().Add(-24 * time.Hour)

	// opus averages 90 on bugfix work, sonnet averages 60: a 50% relative
	// improvement with three sessions per model.
	for i := 0; i < 3; i++ {
		saveCompleted(t, store, &storage.Session{
			ID: fmt.Sprintf("opus-%d", i), Model: "opus", TaskType: "bugfix",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			Outcome:   &storage.SessionOutcome{ComplianceScore: 90},
		})
		saveCompleted(t, store, &storage.Session{
			ID: fmt.Sprintf("sonnet-%d", i), Model: "sonnet", TaskType: "bugfix",
			StartedAt: base.Add(time.Duration(i+10) * time.Minute),
			Outcome:   &storage.SessionOutcome{ComplianceScore: 60},
		})
	}

	candidates, err := engine.Analyze(context.Background())
	require.NoError(t, err)

	rec := findByType(candidates, TypeModelRecommendation)
	require.NotNil(t, rec)
	assert.Equal(t, "prefer opus for bugfix tasks", rec.Title)
	assert.Equal(t, 3, rec.SessionCount)
	assert.NotEmpty(t, rec.ModelEvidence["opus"])
}

func TestDetectModelRecommendationBelowThreshold(t *testing.T) {
	engine, store := newTestEngine(t, Config{MinSessionsPerModel: 3})
	base := time.Now().Add(-24 * time.Hour)

	// 10% relative difference stays under the 20% bar.
	for i := 0; i < 3; i++ {
		saveCompleted(t, store, &storage.Session{
			ID: fmt.Sprintf("a-%d", i), Model: "opus", TaskType: "bugfix",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			Outcome:   &storage.SessionOutcome{ComplianceScore: 88},
		})
		saveCompleted(t, store, &storage.Session{
			ID: fmt.Sprintf("b-%d", i), Model: "sonnet", TaskType: "bugfix",
			StartedAt: base.Add(time.Duration(i+10) * time.Minute),
			Outcome:   &storage.SessionOutcome{ComplianceScore: 80},
		})
	}

	candidates, err := engine.Analyze(context.Background())
	require.NoError(t, err)
	assert.Nil(t, findByType(candidates, TypeModelRecommendation))
}

func TestDetectNewConventions(t *testing.T) {
	engine, store := newTestEngine(t, Config{MinOccurrences: 3})
	base := time.Now().Add(-24 * time.Hour)

	for i := 0; i < 3; i++ {
		saveCompleted(t, store, &storage.Session{
			ID:             fmt.Sprintf("s-%d", i),
			StartedAt:      base.Add(time.Duration(i) * time.Minute),
			ErrorsResolved: []string{"forgot to close rows iterator in query helper"},
		})
	}

	candidates, err := engine.Analyze(context.Background())
	require.NoError(t, err)

	conv := findByType(candidates, TypeNewConvention)
	require.NotNil(t, conv)
	assert.Contains(t, conv.Title, "recurring mistake")
	assert.Equal(t, 3, conv.SessionCount)
}

func TestDetectCompoundWorkflows(t *testing.T) {
	engine, store := newTestEngine(t, Config{MinOccurrences: 3})
	base := time.Now().Add(-24 * time.Hour)

	for i := 0; i < 3; i++ {
		saveCompleted(t, store, &storage.Session{
			ID:          fmt.Sprintf("s-%d", i),
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
			ToolsCalled: []string{"grep", "edit", "test"},
		})
	}

	candidates, err := engine.Analyze(context.Background())
	require.NoError(t, err)

	var titles []string
	for _, c := range candidates {
		if c.Type == TypeCompoundWorkflow {
			titles = append(titles, c.Title)
		}
	}
	assert.Contains(t, titles, "workflow: grep -> edit")
	assert.Contains(t, titles, "workflow: edit -> test")
}

func TestDetectModelDrift(t *testing.T) {
	engine, store := newTestEngine(t, Config{DriftWindow: 2})
	base := time.Now().Add(-24 * time.Hour)

	// Compliance falls from ~90 to ~60 over six sessions: a 33% drop.
	scores := []float64{90, 90, 80, 70, 60, 60}
	for i, score := range scores {
		saveCompleted(t, store, &storage.Session{
			ID: fmt.Sprintf("s-%d", i), Model: "opus",
			StartedAt: base.Add(time.Duration(i) * time.Hour),
			Outcome:   &storage.SessionOutcome{ComplianceScore: score},
		})
	}

	candidates, err := engine.Analyze(context.Background())
	require.NoError(t, err)

	drift := findByType(candidates, TypeModelDrift)
	require.NotNil(t, drift)
	assert.Equal(t, "drift: opus compliance degrading", drift.Title)
}

func TestDetectPatternBans(t *testing.T) {
	engine, store := newTestEngine(t, Config{})
	ctx := context.Background()

	require.NoError(t, store.SaveBannedPattern(ctx, &storage.BannedPattern{
		ID: "p1", Category: "ai_tell", Pattern: "seamlessly",
		Origin: storage.OriginSystem, Active: true,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	for i, sess := range []string{"s1", "s2", "s3", "s1", "s2"} {
		require.NoError(t, store.RecordPatternDetection(ctx, &storage.PatternDetection{
			PatternID: "p1", SessionID: sess, ModelID: "opus",
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	candidates, err := engine.Analyze(ctx)
	require.NoError(t, err)

	ban := findByType(candidates, TypeModelPatternBan)
	require.NotNil(t, ban)
	assert.Equal(t, "ban pattern: seamlessly", ban.Title)
	assert.Equal(t, 3, ban.SessionCount)
}

func TestAnalyzeMergesRedetections(t *testing.T) {
	engine, store := newTestEngine(t, Config{MinOccurrences: 3})
	ctx := context.Background()
	base := time.Now().Add(-24 * time.Hour)

	for i := 0; i < 3; i++ {
		saveCompleted(t, store, &storage.Session{
			ID:          fmt.Sprintf("s-%d", i),
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
			ToolsCalled: []string{"grep", "edit"},
		})
	}

	_, err := engine.Analyze(ctx)
	require.NoError(t, err)
	_, err = engine.Analyze(ctx)
	require.NoError(t, err)

	all, err := store.ListEvolutionCandidates(ctx, storage.CandidateFilter{Type: TypeCompoundWorkflow})
	require.NoError(t, err)
	assert.Len(t, all, 1, "re-detection merges by title")
}

func TestPromoteClassifiesByConfidence(t *testing.T) {
	engine, store := newTestEngine(t, Config{AutoApplyThreshold: 85, DraftThreshold: 60})
	ctx := context.Background()

	tests := []struct {
		confidence float64
		want       storage.CandidateStatus
	}{
		{90, storage.CandidateAutoApplied},
		{70, storage.CandidateDrafted},
		{40, storage.CandidatePending},
	}
	for i, tt := range tests {
		result, err := engine.Promote(ctx, &storage.EvolutionCandidate{
			Type:       TypeCompoundWorkflow,
			Title:      fmt.Sprintf("workflow: a -> b%d", i),
			Confidence: tt.confidence,
		})
		require.NoError(t, err)
		assert.False(t, result.Skipped)
		assert.Equal(t, tt.want, result.Candidate.Status)

		log, err := store.ListEvolutionLog(ctx, result.Candidate.ID)
		require.NoError(t, err)
		require.Len(t, log, 1)
		assert.Equal(t, string(tt.want), log[0].Action)
	}
}

func TestPromoteBanRunsShadowTestAndRejects(t *testing.T) {
	engine, store := newTestEngine(t, Config{
		AutoApplyThreshold:         85,
		ShadowMinSamples:           3,
		ShadowMaxFalsePositiveRate: 0.10,
	})
	ctx := context.Background()

	// Every historical narrative contains the phrase, so the shadow test
	// measures a 100% false-positive rate.
	base := time.Now().Add(-24 * time.Hour)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("s-%d", i)
		saveCompleted(t, store, &storage.Session{ID: id, StartedAt: base.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, store.SaveObservation(ctx, &storage.Observation{
			ID: "o-" + id, SessionID: id, Type: "note", Title: "t",
			Narrative: "the build completes and requests flow normally",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	result, err := engine.Promote(ctx, &storage.EvolutionCandidate{
		Type:       TypeModelPatternBan,
		Title:      banTitlePrefix + "normally",
		Confidence: 95,
	})
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, storage.CandidateRejected, result.Candidate.Status)
	require.NotNil(t, result.Candidate.ShadowTest)
	assert.InDelta(t, 1.0, result.Candidate.ShadowTest.FalsePositiveRate, 1e-9)
	assert.Equal(t, 3, result.Candidate.ShadowTest.SampleSize)
}

func TestPromoteBanCooldownSkip(t *testing.T) {
	engine, store := newTestEngine(t, Config{RejectionCooldown: time.Hour})
	ctx := context.Background()

	rejected := &storage.EvolutionCandidate{
		ID: "c1", Type: TypeModelPatternBan, Title: banTitlePrefix + "tapestry",
		Confidence: 90, Status: storage.CandidateRejected,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, store.SaveEvolutionCandidate(ctx, rejected))

	result, err := engine.Promote(ctx, &storage.EvolutionCandidate{
		Type: TypeModelPatternBan, Title: banTitlePrefix + "tapestry", Confidence: 95,
	})
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, SkipReasonCooldown, result.Reason)
}

func TestPromoteCooldownUnaffectedByRedetection(t *testing.T) {
	engine, store := newTestEngine(t, Config{RejectionCooldown: time.Hour})
	ctx := context.Background()

	rejectedAt := time.Now().Add(-2 * time.Hour)
	require.NoError(t, store.SaveEvolutionCandidate(ctx, &storage.EvolutionCandidate{
		ID: "c1", Type: TypeModelPatternBan, Title: banTitlePrefix + "seamlessly",
		Confidence: 90, Status: storage.CandidateRejected,
		CreatedAt: rejectedAt, UpdatedAt: rejectedAt,
	}))
	require.NoError(t, store.AppendEvolutionLog(ctx, &storage.EvolutionLogEntry{
		ID: "l1", CandidateID: "c1",
		Action:    string(storage.CandidateRejected),
		CreatedAt: rejectedAt,
	}))

	// A fresh analysis pass re-detects the same ban and bumps updated_at.
	require.NoError(t, store.SaveBannedPattern(ctx, &storage.BannedPattern{
		ID: "p1", Category: "ai_tell", Pattern: "seamlessly",
		Origin: storage.OriginSystem, Active: true,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	for i, sess := range []string{"s1", "s2", "s3"} {
		require.NoError(t, store.RecordPatternDetection(ctx, &storage.PatternDetection{
			PatternID: "p1", SessionID: sess, ModelID: "opus",
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}
	_, err := engine.Analyze(ctx)
	require.NoError(t, err)

	result, err := engine.Promote(ctx, &storage.EvolutionCandidate{
		Type: TypeModelPatternBan, Title: banTitlePrefix + "seamlessly", Confidence: 95,
	})
	require.NoError(t, err)
	assert.False(t, result.Skipped, "an expired cooldown stays expired across re-detections")
	assert.NotEqual(t, SkipReasonCooldown, result.Reason)
}

func TestPromoteBanAutoAppliesAndRegistersPattern(t *testing.T) {
	engine, store := newTestEngine(t, Config{
		AutoApplyThreshold: 85,
		ShadowMinSamples:   10, // no history, sample size 0, acceptance passes
	})
	ctx := context.Background()

	result, err := engine.Promote(ctx, &storage.EvolutionCandidate{
		Type: TypeModelPatternBan, Title: banTitlePrefix + "rich tapestry",
		Confidence: 95, SessionCount: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, storage.CandidateAutoApplied, result.Candidate.Status)

	active := true
	patterns, err := store.ListBannedPatterns(ctx, storage.PatternFilter{Active: &active})
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "rich tapestry", patterns[0].Pattern)
	assert.Equal(t, storage.OriginLearned, patterns[0].Origin)

	snap, err := store.GetEvolutionSnapshot(ctx, result.Candidate.ID)
	require.NoError(t, err)
	assert.NotNil(t, snap)
}

func TestRevertRestoresSnapshot(t *testing.T) {
	engine, store := newTestEngine(t, Config{AutoApplyThreshold: 85, ShadowMinSamples: 10})
	ctx := context.Background()

	result, err := engine.Promote(ctx, &storage.EvolutionCandidate{
		Type: TypeModelPatternBan, Title: banTitlePrefix + "game-changer",
		Confidence: 95,
	})
	require.NoError(t, err)
	candidateID := result.Candidate.ID

	revert, err := engine.Revert(ctx, candidateID)
	require.NoError(t, err)
	assert.True(t, revert.SnapshotRestored)

	// The learned pattern the apply created is inactive again.
	active := true
	patterns, err := store.ListBannedPatterns(ctx, storage.PatternFilter{Active: &active})
	require.NoError(t, err)
	assert.Empty(t, patterns)

	candidate, err := store.GetEvolutionCandidate(ctx, candidateID)
	require.NoError(t, err)
	assert.Equal(t, storage.CandidateReverted, candidate.Status)
}

func TestRevertWithoutSnapshotSucceeds(t *testing.T) {
	engine, store := newTestEngine(t, Config{})
	ctx := context.Background()

	c := &storage.EvolutionCandidate{
		ID: "c1", Type: TypeCompoundWorkflow, Title: "workflow: a -> b",
		Confidence: 70, Status: storage.CandidateDrafted,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, store.SaveEvolutionCandidate(ctx, c))

	revert, err := engine.Revert(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, revert.SnapshotRestored)
}

func TestTokenOverlap(t *testing.T) {
	assert.Greater(t, tokenOverlap("failed to close rows", "forgot to close rows"), 0.5)
	assert.Less(t, tokenOverlap("timeout in proxy", "nil pointer dereference"), 0.5)
	assert.Zero(t, tokenOverlap("", "anything"))
}

func findByType(candidates []*storage.EvolutionCandidate, typ string) *storage.EvolutionCandidate {
	for _, c := range candidates {
		if c.Type == typ {
			return c
		}
	}
	return nil
}
