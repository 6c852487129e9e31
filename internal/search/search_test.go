package search

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DerianAndre/aidd.md-sub003/internal/storage"
)

func newTestIndex(t *testing.T) (*Index, *storage.Store) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store, err := storage.Open(storage.Config{
		Path:   filepath.Join(t.TempDir(), "memory.db"),
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	idx, err := New(store, logger)
	require.NoError(t, err)
	return idx, store
}

func seedObservation(t *testing.T, store *storage.Store, id, title, narrative string, at time.Time) {
	t.Helper()
	require.NoError(t, store.SaveObservation(context.Background(), &storage.Observation{
		ID:        id,
		SessionID: "sess-1",
		Type:      "discovery",
		Title:     title,
		Narrative: narrative,
		CreatedAt: at,
	}))
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"lowercases and splits", "Retry Backoff", []string{"retry", "backoff"}},
		{"strips punctuation", "pool.size=100, fails!", []string{"pool", "size", "100", "fails"}},
		{"drops stopwords", "what is the pool size", []string{"pool", "size"}},
		{"drops single chars", "a b config", []string{"config"}},
		{"empty input", "   ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.input)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSearchReturnsRankedEntries(t *testing.T) {
	idx, store := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSession(ctx, &storage.Session{ID: "sess-1", StartedAt: time.Now()}))
	base := time.Now().Add(-time.Hour)
	seedObservation(t, store, "o1", "connection pool exhausted", "the pool ran out of connections under load", base)
	seedObservation(t, store, "o2", "unrelated logging change", "rotated the log files", base.Add(time.Minute))

	entries, err := idx.Search(ctx, "what happened with the connection pool?", Options{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "o1", entries[0].ID)
	assert.Equal(t, "observation", entries[0].Type)
	assert.Greater(t, entries[0].RelevanceScore, 0.0)
	assert.Less(t, entries[0].RelevanceScore, 1.0)
}

func TestSearchEmptyQuery(t *testing.T) {
	idx, _ := newTestIndex(t)

	entries, err := idx.Search(context.Background(), "the a an", Options{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSearchFilters(t *testing.T) {
	idx, store := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSession(ctx, &storage.Session{ID: "sess-1", StartedAt: time.Now()}))
	require.NoError(t, store.SaveSession(ctx, &storage.Session{ID: "sess-2", StartedAt: time.Now()}))
	seedObservation(t, store, "o1", "migration plan", "migration steps for the billing schema", time.Now().Add(-time.Minute))
	require.NoError(t, store.SaveObservation(ctx, &storage.Observation{
		ID:        "o2",
		SessionID: "sess-2",
		Type:      "discovery",
		Title:     "migration rollback",
		Narrative: "rollback procedure for the failed migration",
		CreatedAt: time.Now(),
	}))
	require.NoError(t, store.SaveMemoryEntry(ctx, &storage.MemoryEntry{
		ID:      "mem-1",
		Kind:    storage.MemoryConvention,
		Title:   "migration convention",
		Content: "always gate migrations behind a version check",
	}))

	all, err := idx.Search(ctx, "migration", Options{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	bySession, err := idx.Search(ctx, "migration", Options{SessionID: "sess-2"})
	require.NoError(t, err)
	require.Len(t, bySession, 1)
	assert.Equal(t, "o2", bySession[0].ID)

	byType, err := idx.Search(ctx, "migration", Options{Type: "observation"})
	require.NoError(t, err)
	require.Len(t, byType, 2)
	for _, e := range byType {
		assert.Equal(t, "observation", e.Type)
	}
}

func TestSearchSnippetTruncation(t *testing.T) {
	idx, store := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSession(ctx, &storage.Session{ID: "sess-1", StartedAt: time.Now()}))
	long := strings.Repeat("deadlock analysis ", 20)
	seedObservation(t, store, "o1", "deadlock found", long, time.Now())

	entries, err := idx.Search(ctx, "deadlock", Options{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.LessOrEqual(t, len([]rune(entries[0].Snippet)), snippetLength)
}

func TestTimelineAroundAnchor(t *testing.T) {
	idx, store := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSession(ctx, &storage.Session{ID: "sess-1", StartedAt: time.Now()}))
	base := time.Now().Add(-time.Hour)
	ids := []string{"o1", "o2", "o3", "o4", "o5"}
	for i, id := range ids {
		seedObservation(t, store, id, "step "+id, "", base.Add(time.Duration(i)*time.Minute))
	}

	entries, err := idx.Timeline(ctx, "o3", 1)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "o2", entries[0].ID)
	assert.Equal(t, "o3", entries[1].ID)
	assert.Equal(t, "o4", entries[2].ID)
}

func TestTimelineUnknownAnchor(t *testing.T) {
	idx, _ := newTestIndex(t)

	_, err := idx.Timeline(context.Background(), "ghost", 3)
	assert.Error(t, err)
}

func TestGetByIDsPreservesOrder(t *testing.T) {
	idx, store := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSession(ctx, &storage.Session{ID: "sess-1", StartedAt: time.Now()}))
	for _, id := range []string{"a", "b", "c"} {
		seedObservation(t, store, id, "entry "+id, "", time.Now())
	}

	entries, err := idx.GetByIDs(ctx, []string{"c", "a", "missing"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].ID)
	assert.Equal(t, "a", entries[1].ID)
}

func TestGetByIDsReturnsFullBody(t *testing.T) {
	idx, store := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSession(ctx, &storage.Session{ID: "sess-1", StartedAt: time.Now()}))
	narrative := strings.Repeat("the connection pool ran out of connections under load ", 10)
	seedObservation(t, store, "o1", "pool exhaustion", narrative, time.Now())

	entries, err := idx.GetByIDs(ctx, []string{"o1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Body, narrative, "batch get returns the complete narrative")

	hits, err := idx.Search(ctx, "connection pool", Options{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.LessOrEqual(t, len([]rune(hits[0].Snippet)), snippetLength)
}
