package main

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/DerianAndre/aidd.md-sub003/internal/bus"
	"github.com/DerianAndre/aidd.md-sub003/internal/config"
	"github.com/DerianAndre/aidd.md-sub003/internal/evolution"
	"github.com/DerianAndre/aidd.md-sub003/internal/logging"
	"github.com/DerianAndre/aidd.md-sub003/internal/patternkiller"
	"github.com/DerianAndre/aidd.md-sub003/internal/project"
	"github.com/DerianAndre/aidd.md-sub003/internal/search"
	"github.com/DerianAndre/aidd.md-sub003/internal/session"
	"github.com/DerianAndre/aidd.md-sub003/internal/storage"
)

// services bundles everything a command needs against one project database.
type services struct {
	cfg      *config.Config
	logger   *zap.Logger
	project  *project.Project
	store    *storage.Store
	events   *bus.Bus
	sessions *session.Service
	index    *search.Index
	engine   *evolution.Engine
	killer   *patternkiller.Killer
}

// buildServices loads configuration, resolves the project, opens the store
// and wires every service. The caller must call close when done.
func buildServices(ctx context.Context) (*services, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	proj, err := project.Resolve(projectPath)
	if err != nil {
		return nil, fmt.Errorf("%w (run 'aiddmem init' to create one)", err)
	}

	dbPath := proj.DatabasePath()
	if cfg.DataDir != "" {
		dbPath = filepath.Join(cfg.DataDir, "memory.db")
	}

	store, err := storage.Open(storage.Config{
		Path:        dbPath,
		BusyTimeout: cfg.Storage.BusyTimeout.Duration(),
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	events, err := bus.New(bus.Config{
		MaxConsecutiveFailures: cfg.Bus.MaxConsecutiveFailures,
		Logger:                 logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	sessions, err := session.New(store, events, session.Config{
		MinFingerprintChars: cfg.Patterns.MinFingerprintChars,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	events.Subscribe("branch-context", session.BranchUpkeepHandler(store, logger))

	index, err := search.New(store, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	engine, err := evolution.New(store, events, evolution.Config{
		MaxSessions:                cfg.Evolution.MaxSessions,
		MinSessionsPerModel:        cfg.Evolution.MinSessionsPerModel,
		MinOccurrences:             cfg.Evolution.MinOccurrences,
		AutoApplyThreshold:         cfg.Evolution.AutoApplyThreshold,
		DraftThreshold:             cfg.Evolution.DraftThreshold,
		DriftWindow:                cfg.Evolution.DriftWindow,
		RejectionCooldown:          cfg.Evolution.RejectionCooldown.Duration(),
		ShadowMaxFalsePositiveRate: cfg.Evolution.ShadowMaxFalsePositiveRate,
		ShadowMinSamples:           cfg.Evolution.ShadowMinSamples,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	killer, err := patternkiller.New(ctx, store, events, patternkiller.Config{
		ContextWindow: cfg.Patterns.ContextWindow,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &services{
		cfg:      cfg,
		logger:   logger,
		project:  proj,
		store:    store,
		events:   events,
		sessions: sessions,
		index:    index,
		engine:   engine,
		killer:   killer,
	}, nil
}

// close flushes the bus and releases the database.
func (s *services) close() {
	s.events.Close()
	if err := s.store.Close(); err != nil {
		s.logger.Warn("store close failed", zap.Error(err))
	}
	_ = s.logger.Sync()
}
