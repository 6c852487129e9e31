package mcp

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DerianAndre/aidd.md-sub003/internal/bus"
	"github.com/DerianAndre/aidd.md-sub003/internal/evolution"
	"github.com/DerianAndre/aidd.md-sub003/internal/patternkiller"
	"github.com/DerianAndre/aidd.md-sub003/internal/search"
	"github.com/DerianAndre/aidd.md-sub003/internal/session"
	"github.com/DerianAndre/aidd.md-sub003/internal/storage"
)

type testServices struct {
	store    *storage.Store
	sessions *session.Service
	index    *search.Index
	engine   *evolution.Engine
	killer   *patternkiller.Killer
}

func newTestServices(t *testing.T) *testServices {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := storage.Open(storage.Config{
		Path:   filepath.Join(t.TempDir(), "memory.db"),
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	events, err := bus.New(bus.Config{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { events.Close() })

	sessions, err := session.New(store, events, session.DefaultConfig(), logger)
	require.NoError(t, err)
	index, err := search.New(store, logger)
	require.NoError(t, err)
	engine, err := evolution.New(store, events, evolution.DefaultConfig(), logger)
	require.NoError(t, err)
	killer, err := patternkiller.New(context.Background(), store, events, patternkiller.DefaultConfig(), logger)
	require.NoError(t, err)

	return &testServices{
		store:    store,
		sessions: sessions,
		index:    index,
		engine:   engine,
		killer:   killer,
	}
}

func TestNewServer(t *testing.T) {
	svcs := newTestServices(t)
	logger := zaptest.NewLogger(t)

	srv, err := NewServer(&Config{Logger: logger}, svcs.sessions, svcs.index, svcs.engine, svcs.killer, svcs.store)
	require.NoError(t, err)
	require.NotNil(t, srv)
}

func TestNewServerValidation(t *testing.T) {
	svcs := newTestServices(t)

	tests := []struct {
		name    string
		build   func() (*Server, error)
		wantErr string
	}{
		{
			name: "nil session service",
			build: func() (*Server, error) {
				return NewServer(nil, nil, svcs.index, svcs.engine, svcs.killer, svcs.store)
			},
			wantErr: "session service is required",
		},
		{
			name: "nil search index",
			build: func() (*Server, error) {
				return NewServer(nil, svcs.sessions, nil, svcs.engine, svcs.killer, svcs.store)
			},
			wantErr: "search index is required",
		},
		{
			name: "nil evolution engine",
			build: func() (*Server, error) {
				return NewServer(nil, svcs.sessions, svcs.index, nil, svcs.killer, svcs.store)
			},
			wantErr: "evolution engine is required",
		},
		{
			name: "nil pattern killer",
			build: func() (*Server, error) {
				return NewServer(nil, svcs.sessions, svcs.index, svcs.engine, nil, svcs.store)
			},
			wantErr: "pattern killer is required",
		},
		{
			name: "nil store",
			build: func() (*Server, error) {
				return NewServer(nil, svcs.sessions, svcs.index, svcs.engine, svcs.killer, nil)
			},
			wantErr: "store is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, err := tt.build()
			require.Error(t, err)
			require.Nil(t, srv)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "aiddmem", cfg.Name)
	require.Equal(t, "1.0.0", cfg.Version)
	require.NotNil(t, cfg.Logger)
}
