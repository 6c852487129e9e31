package mcp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics(zaptest.NewLogger(t))
	require.NotNil(t, m)
	require.NotNil(t, m.meter)
}

func TestRecordInvocation(t *testing.T) {
	m := NewMetrics(zaptest.NewLogger(t))
	ctx := context.Background()

	// Success and failure paths must not panic regardless of meter state.
	m.RecordInvocation(ctx, "memory_search", 5*time.Millisecond, nil)
	m.RecordInvocation(ctx, "memory_search", 5*time.Millisecond, errors.New("search failed"))
	m.IncrementActive(ctx, "memory_search")
	m.DecrementActive(ctx, "memory_search")
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		err    error
		reason string
	}{
		{nil, ""},
		{errors.New("session revision conflict"), "revision_conflict"},
		{errors.New("database schema version 9 is newer than supported"), "schema_error"},
		{errors.New("session abc does not exist"), "not_found"},
		{errors.New("pattern id is required"), "validation_error"},
		{errors.New("database is locked"), "timeout"},
		{errors.New("session already ended"), "lifecycle_error"},
		{errors.New("something broke"), "internal_error"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.reason, categorizeError(tt.err))
	}
}
