package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ExportEnvelope is the portable snapshot format. Version tracks the schema
// generation it was written from so imports can reject incompatible dumps.
type ExportEnvelope struct {
	Version    int                   `json:"version"`
	ExportedAt time.Time             `json:"exported_at"`
	Sessions   []*Session            `json:"sessions,omitempty"`
	Memory     []*MemoryEntry        `json:"memory,omitempty"`
	Patterns   []*BannedPattern      `json:"patterns,omitempty"`
	Candidates []*EvolutionCandidate `json:"candidates,omitempty"`
	Artifacts  []*Artifact           `json:"artifacts,omitempty"`
}

// Export writes the full substrate (minus append-only telemetry) as JSON.
// Observations travel inside session exports only when callers need them;
// the envelope carries durable knowledge, not session transcripts.
func (s *Store) Export(ctx context.Context, w io.Writer) error {
	env := &ExportEnvelope{
		Version:    currentSchemaVersion,
		ExportedAt: time.Now().UTC(),
	}

	var err error
	if env.Sessions, err = s.ListSessions(ctx, SessionFilter{}); err != nil {
		return fmt.Errorf("export sessions: %w", err)
	}
	if env.Memory, err = s.ListMemoryEntries(ctx, "", 0); err != nil {
		return fmt.Errorf("export memory entries: %w", err)
	}
	if env.Patterns, err = s.ListBannedPatterns(ctx, PatternFilter{}); err != nil {
		return fmt.Errorf("export banned patterns: %w", err)
	}
	if env.Candidates, err = s.ListEvolutionCandidates(ctx, CandidateFilter{}); err != nil {
		return fmt.Errorf("export candidates: %w", err)
	}
	if env.Artifacts, err = s.ListArtifacts(ctx, ArtifactFilter{}); err != nil {
		return fmt.Errorf("export artifacts: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(env); err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	return nil
}

// ImportResult reports what an Import call wrote.
type ImportResult struct {
	Sessions   int `json:"sessions"`
	Memory     int `json:"memory"`
	Patterns   int `json:"patterns"`
	Candidates int `json:"candidates"`
	Artifacts  int `json:"artifacts"`
}

// Import merges an exported envelope into the store. Entries are saved
// through the normal write paths, so mistake dedupe and title-keyed
// candidate merging apply exactly as they do for live writes.
func (s *Store) Import(ctx context.Context, r io.Reader) (*ImportResult, error) {
	var env ExportEnvelope
	dec := json.NewDecoder(r)
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode import: %w", err)
	}
	if env.Version > currentSchemaVersion {
		return nil, fmt.Errorf("%w: export version %d, binary supports %d",
			ErrSchemaTooNew, env.Version, currentSchemaVersion)
	}

	result := &ImportResult{}
	for _, sess := range env.Sessions {
		existing, err := s.GetSession(ctx, sess.ID)
		if err != nil {
			return result, fmt.Errorf("import session %s: %w", sess.ID, err)
		}
		if existing != nil {
			sess.Revision = existing.Revision
		} else {
			sess.Revision = 0
		}
		if err := s.SaveSession(ctx, sess); err != nil {
			return result, fmt.Errorf("import session %s: %w", sess.ID, err)
		}
		result.Sessions++
	}
	for _, entry := range env.Memory {
		if err := s.SaveMemoryEntry(ctx, entry); err != nil {
			return result, fmt.Errorf("import memory entry %s: %w", entry.ID, err)
		}
		result.Memory++
	}
	for _, p := range env.Patterns {
		if err := s.SaveBannedPattern(ctx, p); err != nil {
			return result, fmt.Errorf("import pattern %s: %w", p.ID, err)
		}
		result.Patterns++
	}
	for _, c := range env.Candidates {
		if err := s.SaveEvolutionCandidate(ctx, c); err != nil {
			return result, fmt.Errorf("import candidate %s: %w", c.Title, err)
		}
		result.Candidates++
	}
	for _, a := range env.Artifacts {
		if err := s.SaveArtifact(ctx, a); err != nil {
			return result, fmt.Errorf("import artifact %s: %w", a.ID, err)
		}
		result.Artifacts++
	}
	return result, nil
}
