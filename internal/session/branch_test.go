package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DerianAndre/aidd.md-sub003/internal/bus"
	"github.com/DerianAndre/aidd.md-sub003/internal/storage"
)

func newBranchTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(storage.Config{
		Path:   filepath.Join(t.TempDir(), "memory.db"),
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBranchUpkeepHandlerRefreshesSummary(t *testing.T) {
	store := newBranchTestStore(t)
	handler := BranchUpkeepHandler(store, zaptest.NewLogger(t))

	started := time.Now().UTC()
	ended := started.Add(time.Hour)
	sess := &storage.Session{
		ID: "s1", Branch: "feature/x", TaskType: "bugfix",
		TasksCompleted: []string{"fix pool", "add test"},
		TasksPending:   []string{"docs"},
		StartedAt:      started, EndedAt: &ended,
	}
	require.NoError(t, handler(bus.Event{Type: bus.EventSessionEnded, SessionID: "s1", Payload: sess}))

	bc, err := store.GetBranchContext(context.Background(), "feature/x")
	require.NoError(t, err)
	require.NotNil(t, bc)
	assert.Equal(t, "s1", bc.LastSessionID)
	assert.Equal(t, "bugfix, 2 tasks completed, 1 pending", bc.Summary)
	assert.Equal(t, 1, bc.SessionCount)
}

func TestBranchUpkeepHandlerIgnoresOtherEvents(t *testing.T) {
	store := newBranchTestStore(t)
	handler := BranchUpkeepHandler(store, zaptest.NewLogger(t))

	require.NoError(t, handler(bus.Event{Type: bus.EventSessionStarted, Payload: &storage.Session{ID: "s1", Branch: "main"}}))
	require.NoError(t, handler(bus.Event{Type: bus.EventSessionEnded, Payload: &storage.Session{ID: "s2"}}))

	bc, err := store.GetBranchContext(context.Background(), "main")
	require.NoError(t, err)
	assert.Nil(t, bc)
}

func TestBranchUpkeepOnEndKeepsSessionCount(t *testing.T) {
	store := newBranchTestStore(t)
	logger := zaptest.NewLogger(t)

	events, err := bus.New(bus.Config{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(events.Close)
	events.Subscribe("branch-context", BranchUpkeepHandler(store, logger))

	svc, err := New(store, events, DefaultConfig(), logger)
	require.NoError(t, err)

	ctx := context.Background()
	sess, err := svc.Start(ctx, StartParams{Branch: "feature/y"})
	require.NoError(t, err)
	_, err = svc.End(ctx, sess.ID, Update{TasksCompleted: []string{"ship it"}})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		bc, err := store.GetBranchContext(ctx, "feature/y")
		return err == nil && bc != nil && bc.Summary != "" && bc.SessionCount == 1
	}, time.Second, 10*time.Millisecond, "end refreshes the summary without a second count bump")
}
