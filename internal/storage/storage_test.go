package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		Path:   filepath.Join(t.TempDir(), "memory.db"),
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenValidation(t *testing.T) {
	_, err := Open(Config{Logger: zaptest.NewLogger(t)})
	assert.Error(t, err)

	_, err = Open(Config{Path: filepath.Join(t.TempDir(), "memory.db")})
	assert.Error(t, err)
}

func TestMigrationIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")
	logger := zaptest.NewLogger(t)

	s, err := Open(Config{Path: path, Logger: logger})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening an already-migrated file must not fail or re-run anything.
	s, err = Open(Config{Path: path, Logger: logger})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	version, err := s.schemaVersion()
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, version)
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")
	logger := zaptest.NewLogger(t)

	s, err := Open(Config{Path: path, Logger: logger})
	require.NoError(t, err)
	require.NoError(t, s.setSchemaVersion(currentSchemaVersion+5))
	require.NoError(t, s.Close())

	_, err = Open(Config{Path: path, Logger: logger})
	require.ErrorIs(t, err, ErrSchemaTooNew)
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	eff := 1.25
	started := time.Now().UTC().Truncate(time.Millisecond)
	ended := started.Add(45 * time.Minute)
	session := &Session{
		ID:                "sess-1",
		Branch:            "feature/search",
		Provider:          "anthropic",
		Model:             "opus",
		StartedAt:         started,
		EndedAt:           &ended,
		Decisions:         []string{"use FTS5"},
		FilesModified:     []string{"internal/search/index.go"},
		TasksCompleted:    []string{"wire search"},
		TaskType:          "feature",
		TokenUsage:        &TokenUsage{InputTokens: 1200, OutputTokens: 800},
		Outcome:           &SessionOutcome{ComplianceScore: 92.5, RevertCount: 1},
		ContextEfficiency: &eff,
	}
	require.NoError(t, s.SaveSession(ctx, session))
	assert.Equal(t, int64(1), session.Revision)

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, session.Branch, got.Branch)
	assert.Equal(t, session.Decisions, got.Decisions)
	assert.Equal(t, StatusCompleted, got.Status())
	require.NotNil(t, got.TokenUsage)
	assert.Equal(t, int64(800), got.TokenUsage.OutputTokens)
	require.NotNil(t, got.ContextEfficiency)
	assert.InDelta(t, 1.25, *got.ContextEfficiency, 1e-9)
	assert.True(t, got.StartedAt.Equal(started))
}

func TestGetSessionMissing(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetSession(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSessionRevisionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := &Session{ID: "sess-1", StartedAt: time.Now()}
	require.NoError(t, s.SaveSession(ctx, session))

	// Two readers load revision 1; the second writer loses.
	a, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	b, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)

	a.TaskType = "bugfix"
	require.NoError(t, s.SaveSession(ctx, a))
	assert.Equal(t, int64(2), a.Revision)

	b.TaskType = "feature"
	err = s.SaveSession(ctx, b)
	require.ErrorIs(t, err, ErrRevisionConflict)
}

func TestListSessionsStatusFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	ended := now.Add(-time.Hour)
	require.NoError(t, s.SaveSession(ctx, &Session{ID: "done", StartedAt: now.Add(-2 * time.Hour), EndedAt: &ended, Branch: "main"}))
	require.NoError(t, s.SaveSession(ctx, &Session{ID: "live", StartedAt: now, Branch: "main"}))

	active, err := s.ListSessions(ctx, SessionFilter{Status: StatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "live", active[0].ID)

	completed, err := s.ListSessions(ctx, SessionFilter{Status: StatusCompleted, Branch: "main"})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "done", completed[0].ID)

	all, err := s.ListSessions(ctx, SessionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	// Newest first.
	assert.Equal(t, "live", all[0].ID)
}

func TestObservationIndexedForSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, &Session{ID: "sess-1", StartedAt: time.Now()}))
	obs := &Observation{
		ID:        "obs-1",
		SessionID: "sess-1",
		Type:      "discovery",
		Title:     "Connection pooling misconfigured",
		Narrative: "The pool size exceeded the database connection limit.",
		Facts:     []string{"pool size 100", "limit 20"},
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.SaveObservation(ctx, obs))

	hits, err := s.SearchText(ctx, "pooling", SearchFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "obs-1", hits[0].EntryID)
	assert.Equal(t, "observation", hits[0].EntryType)
	assert.Equal(t, "sess-1", hits[0].SessionID)

	// Deleting the observation removes its index row via trigger.
	_, err = s.db.ExecContext(ctx, `DELETE FROM observations WHERE id = 'obs-1'`)
	require.NoError(t, err)
	hits, err = s.SearchText(ctx, "pooling", SearchFilter{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchTextLimitAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, &Session{ID: "sess-1", StartedAt: time.Now()}))
	base := time.Now().Add(-time.Hour)
	for i, title := range []string{
		"retry logic added",
		"retry retry backoff tuned for retry storms",
		"unrelated database note",
	} {
		require.NoError(t, s.SaveObservation(ctx, &Observation{
			ID:        "obs-" + title[:3] + string(rune('a'+i)),
			SessionID: "sess-1",
			Type:      "note",
			Title:     title,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	hits, err := s.SearchText(ctx, "retry", SearchFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hits, err = s.SearchText(ctx, "retry", SearchFilter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestMistakeDeduplication(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &MemoryEntry{
		ID:              "mem-1",
		Kind:            MemoryMistake,
		Title:           "nil map write",
		Content:         "assignment to entry in nil map at worker.go:42",
		NormalizedError: NormalizeErrorText("assignment to entry in nil map at worker.go:42"),
		Occurrences:     1,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	require.NoError(t, s.SaveMemoryEntry(ctx, first))

	repeat := &MemoryEntry{
		ID:              "mem-2",
		Kind:            MemoryMistake,
		Title:           "nil map write again",
		Content:         "assignment to entry in nil map at worker.go:97",
		NormalizedError: NormalizeErrorText("assignment to entry in nil map at worker.go:97"),
		Occurrences:     1,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	require.NoError(t, s.SaveMemoryEntry(ctx, repeat))

	// The repeat merged into the surviving row instead of creating one.
	assert.Equal(t, "mem-1", repeat.ID)
	entries, err := s.ListMemoryEntries(ctx, MemoryMistake, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Occurrences)
}

func TestMistakeDeduplicationAddsImportedCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	text := "connection refused dialing localhost:5432"
	require.NoError(t, s.SaveMemoryEntry(ctx, &MemoryEntry{
		ID: "mem-1", Kind: MemoryMistake,
		Title: "db unreachable", Content: text,
		NormalizedError: NormalizeErrorText(text),
		Occurrences:     2,
		CreatedAt:       time.Now(), UpdatedAt: time.Now(),
	}))

	// An imported repeat carries its accumulated count; the merge keeps it.
	imported := &MemoryEntry{
		ID: "mem-2", Kind: MemoryMistake,
		Title: "db unreachable", Content: text,
		NormalizedError: NormalizeErrorText(text),
		Occurrences:     5,
		CreatedAt:       time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, s.SaveMemoryEntry(ctx, imported))

	entries, err := s.ListMemoryEntries(ctx, MemoryMistake, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 7, entries[0].Occurrences)
}

func TestNormalizeErrorText(t *testing.T) {
	a := NormalizeErrorText("Error at 0xDEADBEEF: request 12345 FAILED")
	b := NormalizeErrorText("error at 0xcafebabe:   request 99 failed")
	assert.Equal(t, a, b)
}

func TestTimelineAround(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, &Session{ID: "sess-1", StartedAt: time.Now()}))
	anchor := time.Now()
	for i := -3; i <= 3; i++ {
		require.NoError(t, s.SaveObservation(ctx, &Observation{
			ID:        string(rune('a' + i + 3)),
			SessionID: "sess-1",
			Type:      "note",
			Title:     "event",
			CreatedAt: anchor.Add(time.Duration(i) * time.Minute),
		}))
	}

	entries, err := s.TimelineAround(ctx, anchor, 2)
	require.NoError(t, err)
	// Two before, the anchor itself, and two after.
	require.Len(t, entries, 5)
	for i := 1; i < len(entries); i++ {
		assert.False(t, entries[i].CreatedAt.Before(entries[i-1].CreatedAt))
	}
}

func TestGetIndexedEntriesPreservesOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, &Session{ID: "sess-1", StartedAt: time.Now()}))
	for _, id := range []string{"x", "y", "z"} {
		require.NoError(t, s.SaveObservation(ctx, &Observation{
			ID: id, SessionID: "sess-1", Type: "note", Title: "t-" + id, CreatedAt: time.Now(),
		}))
	}

	entries, err := s.GetIndexedEntries(ctx, []string{"z", "missing", "x"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "z", entries[0].EntryID)
	assert.Equal(t, "x", entries[1].EntryID)
}

func TestPruneStaleData(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveBannedPattern(ctx, &BannedPattern{
		ID: "p1", Category: "ai_tell", Pattern: "delve", Origin: OriginSystem,
		Active: true, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	old := &PatternDetection{PatternID: "p1", CreatedAt: time.Now().Add(-60 * 24 * time.Hour)}
	fresh := &PatternDetection{PatternID: "p1", CreatedAt: time.Now()}
	require.NoError(t, s.RecordPatternDetection(ctx, old))
	require.NoError(t, s.RecordPatternDetection(ctx, fresh))

	require.NoError(t, s.SaveSession(ctx, &Session{ID: "sess-1", StartedAt: time.Now()}))
	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveObservation(ctx, &Observation{
			ID: string(rune('a' + i)), SessionID: "sess-1", Type: "note",
			Title: "obs", CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	result, err := s.PruneStaleData(ctx, PruneOptions{
		DetectionMaxAge: 30 * 24 * time.Hour,
		MaxObservations: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.DetectionsDeleted)
	assert.Equal(t, int64(2), result.ObservationsDeleted)

	remaining, err := s.ListObservations(ctx, "sess-1", 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 3)
}

func TestBannedPatternRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &BannedPattern{
		ID:         "pat-1",
		Category:   "hedging",
		Pattern:    `it's worth noting`,
		Severity:   "high",
		Origin:     OriginLearned,
		Active:     true,
		UseCount:   4,
		ModelScope: "opus",
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	require.NoError(t, s.SaveBannedPattern(ctx, p))

	got, err := s.GetBannedPattern(ctx, "pat-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, OriginLearned, got.Origin)
	assert.Equal(t, "opus", got.ModelScope)
	assert.True(t, got.Active)

	active := true
	scoped, err := s.ListBannedPatterns(ctx, PatternFilter{Active: &active, ModelScope: "opus"})
	require.NoError(t, err)
	assert.Len(t, scoped, 1)

	// A different model scope filter excludes the scoped pattern.
	other, err := s.ListBannedPatterns(ctx, PatternFilter{ModelScope: "sonnet"})
	require.NoError(t, err)
	assert.Empty(t, other)

	got.Active = false
	require.NoError(t, s.UpdateBannedPattern(ctx, got))
	active = false
	inactive, err := s.ListBannedPatterns(ctx, PatternFilter{Active: &active})
	require.NoError(t, err)
	assert.Len(t, inactive, 1)
}

func TestUpdateBannedPatternMissing(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateBannedPattern(context.Background(), &BannedPattern{
		ID: "ghost", Pattern: "x", Origin: OriginSystem,
	})
	assert.Error(t, err)
}

func TestPatternFrequencies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveBannedPattern(ctx, &BannedPattern{
		ID: "p1", Category: "ai_tell", Pattern: "seamlessly", Origin: OriginSystem,
		Active: true, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	for i, sess := range []string{"s1", "s1", "s2", "s3"} {
		require.NoError(t, s.RecordPatternDetection(ctx, &PatternDetection{
			PatternID: "p1", SessionID: sess, ModelID: "opus",
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	freqs, err := s.PatternFrequencies(ctx)
	require.NoError(t, err)
	require.Len(t, freqs, 1)
	assert.Equal(t, 4, freqs[0].Occurrences)
	assert.Equal(t, 3, freqs[0].SessionCount)
	assert.Equal(t, "seamlessly", freqs[0].Pattern)
}

func TestEvolutionCandidateUpsertByTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &EvolutionCandidate{
		ID:           "cand-1",
		Type:         "new_convention",
		Title:        "prefer table-driven tests",
		Confidence:   62,
		SessionCount: 4,
		Evidence:     []string{"s1"},
		Status:       CandidatePending,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	require.NoError(t, s.SaveEvolutionCandidate(ctx, c))

	// Same title from a later detection run merges, not duplicates.
	again := &EvolutionCandidate{
		ID:           "cand-2",
		Type:         "new_convention",
		Title:        "prefer table-driven tests",
		Confidence:   71,
		SessionCount: 6,
		Evidence:     []string{"s1", "s2"},
		Status:       CandidatePending,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	require.NoError(t, s.SaveEvolutionCandidate(ctx, again))

	all, err := s.ListEvolutionCandidates(ctx, CandidateFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.InDelta(t, 71, all[0].Confidence, 1e-9)
	assert.Equal(t, 6, all[0].SessionCount)
}

func TestEvolutionLogAndSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &EvolutionCandidate{
		ID: "cand-1", Type: "model_pattern_ban", Title: "ban seamlessly",
		Confidence: 90, Status: CandidateAutoApplied,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, s.SaveEvolutionCandidate(ctx, c))

	require.NoError(t, s.SaveEvolutionSnapshot(ctx, &EvolutionSnapshot{
		ID: "snap-1", CandidateID: c.ID, State: `{"active":false}`, CreatedAt: time.Now(),
	}))
	require.NoError(t, s.AppendEvolutionLog(ctx, &EvolutionLogEntry{
		ID: "log-1", CandidateID: c.ID, Action: "auto_applied", CreatedAt: time.Now(),
	}))
	require.NoError(t, s.AppendEvolutionLog(ctx, &EvolutionLogEntry{
		ID: "log-2", CandidateID: c.ID, Action: "reverted", Reason: "user request",
		CreatedAt: time.Now().Add(time.Second),
	}))

	log, err := s.ListEvolutionLog(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, "auto_applied", log[0].Action)
	assert.Equal(t, "reverted", log[1].Action)

	snap, err := s.GetEvolutionSnapshot(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, `{"active":false}`, snap.State)

	none, err := s.GetEvolutionSnapshot(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestBranchContextUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.TouchBranchContext(ctx, &BranchContext{
		Branch: "main", LastSessionID: "s1", Summary: "initial work", UpdatedAt: time.Now(),
	}))
	require.NoError(t, s.TouchBranchContext(ctx, &BranchContext{
		Branch: "main", LastSessionID: "s2", UpdatedAt: time.Now(),
	}))

	bc, err := s.GetBranchContext(ctx, "main")
	require.NoError(t, err)
	require.NotNil(t, bc)
	assert.Equal(t, "s2", bc.LastSessionID)
	assert.Equal(t, 2, bc.SessionCount)
	// An empty summary on the second touch preserved the first.
	assert.Equal(t, "initial work", bc.Summary)
}

func TestMemoryStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, &Session{ID: "s1", StartedAt: time.Now()}))
	require.NoError(t, s.SaveObservation(ctx, &Observation{
		ID: "o1", SessionID: "s1", Type: "note", Title: "t", CreatedAt: time.Now(),
	}))
	require.NoError(t, s.SaveMemoryEntry(ctx, &MemoryEntry{
		ID: "m1", Kind: MemoryDecision, Title: "use sqlite", Content: "embedded",
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	stats, err := s.GetMemoryStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalSessions)
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, 1, stats.TotalObservations)
	assert.Equal(t, 1, stats.MemoryEntries["decision"])
	assert.Equal(t, 2, stats.IndexedEntries)
	assert.Equal(t, currentSchemaVersion, stats.SchemaVersion)
}
