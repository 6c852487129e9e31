package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DerianAndre/aidd.md-sub003/internal/bus"
	"github.com/DerianAndre/aidd.md-sub003/internal/storage"
)

// BranchUpkeepHandler returns a bus handler that refreshes a branch's
// aggregate when a session on it ends: the last-session pointer and a short
// summary of what the session accomplished. Events for other types, or for
// sessions without a branch, are ignored.
func BranchUpkeepHandler(store *storage.Store, logger *zap.Logger) bus.Handler {
	return func(ev bus.Event) error {
		if ev.Type != bus.EventSessionEnded {
			return nil
		}
		sess, ok := ev.Payload.(*storage.Session)
		if !ok || sess.Branch == "" {
			return nil
		}
		if err := store.SummarizeBranch(context.Background(), sess.Branch, sess.ID,
			branchSummary(sess), time.Now().UTC()); err != nil {
			return err
		}
		logger.Debug("branch context refreshed",
			zap.String("branch", sess.Branch),
			zap.String("session_id", sess.ID))
		return nil
	}
}

func branchSummary(s *storage.Session) string {
	var parts []string
	if s.TaskType != "" {
		parts = append(parts, s.TaskType)
	}
	parts = append(parts, fmt.Sprintf("%d tasks completed", len(s.TasksCompleted)))
	if n := len(s.TasksPending); n > 0 {
		parts = append(parts, fmt.Sprintf("%d pending", n))
	}
	if n := len(s.ErrorsResolved); n > 0 {
		parts = append(parts, fmt.Sprintf("%d errors resolved", n))
	}
	return strings.Join(parts, ", ")
}
