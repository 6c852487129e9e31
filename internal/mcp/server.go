// Package mcp exposes the memory substrate as MCP tools over stdio.
//
// This implementation uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// and calls internal services directly; there is no transport between the
// tool layer and the store.
package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/DerianAndre/aidd.md-sub003/internal/evolution"
	"github.com/DerianAndre/aidd.md-sub003/internal/patternkiller"
	"github.com/DerianAndre/aidd.md-sub003/internal/search"
	"github.com/DerianAndre/aidd.md-sub003/internal/session"
	"github.com/DerianAndre/aidd.md-sub003/internal/storage"
)

// Server registers the memory tools and serves them on stdio.
type Server struct {
	mcp      *mcp.Server
	sessions *session.Service
	index    *search.Index
	engine   *evolution.Engine
	killer   *patternkiller.Killer
	store    *storage.Store
	metrics  *Metrics
	logger   *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "aiddmem")
	Name string

	// Version is the server version (default: "1.0.0")
	Version string

	// Logger for structured logging
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "aiddmem",
		Version: "1.0.0",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates a new MCP server with the given services.
func NewServer(
	cfg *Config,
	sessions *session.Service,
	index *search.Index,
	engine *evolution.Engine,
	killer *patternkiller.Killer,
	store *storage.Store,
) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if sessions == nil {
		return nil, fmt.Errorf("session service is required")
	}
	if index == nil {
		return nil, fmt.Errorf("search index is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("evolution engine is required")
	}
	if killer == nil {
		return nil, fmt.Errorf("pattern killer is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:      mcpServer,
		sessions: sessions,
		index:    index,
		engine:   engine,
		killer:   killer,
		store:    store,
		metrics:  NewMetrics(cfg.Logger),
		logger:   cfg.Logger,
	}

	s.registerTools()

	return s, nil
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	transport := &mcp.StdioTransport{}
	if err := s.mcp.Run(ctx, transport); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Close closes the server and the backing store.
func (s *Server) Close() error {
	s.logger.Info("closing MCP server")

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("store close: %w", err)
	}
	return nil
}
