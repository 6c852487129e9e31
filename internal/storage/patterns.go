package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PatternFilter narrows ListBannedPatterns.
type PatternFilter struct {
	Active   *bool
	Category string

	// ModelScope matches patterns scoped to that model plus unscoped ones.
	// UnscopedOnly restricts results to patterns with no scope at all; it
	// wins over ModelScope.
	ModelScope   string
	UnscopedOnly bool

	Limit int
}

// SaveBannedPattern upserts a banned pattern.
func (s *Store) SaveBannedPattern(ctx context.Context, p *BannedPattern) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid banned pattern: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO banned_patterns
			(id, category, pattern, is_regex, severity, origin, active, use_count, model_scope, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			category = excluded.category,
			pattern = excluded.pattern,
			is_regex = excluded.is_regex,
			severity = excluded.severity,
			active = excluded.active,
			use_count = excluded.use_count,
			model_scope = excluded.model_scope,
			updated_at = excluded.updated_at`,
		p.ID, p.Category, p.Pattern, boolToInt(p.IsRegex), p.Severity, p.Origin,
		boolToInt(p.Active), p.UseCount, nullableString(p.ModelScope),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert banned pattern %s: %w", p.ID, err)
	}
	return nil
}

// UpdateBannedPattern rewrites mutable fields of an existing pattern.
func (s *Store) UpdateBannedPattern(ctx context.Context, p *BannedPattern) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid banned pattern: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE banned_patterns
		SET category = ?, pattern = ?, is_regex = ?, severity = ?,
		    active = ?, use_count = ?, model_scope = ?, updated_at = ?
		WHERE id = ?`,
		p.Category, p.Pattern, boolToInt(p.IsRegex), p.Severity,
		boolToInt(p.Active), p.UseCount, nullableString(p.ModelScope),
		formatTime(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update banned pattern %s: %w", p.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check pattern update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("banned pattern %s does not exist", p.ID)
	}
	return nil
}

// GetBannedPattern returns the pattern with the given id, or nil if absent.
func (s *Store) GetBannedPattern(ctx context.Context, id string) (*BannedPattern, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, category, pattern, is_regex, severity, origin, active, use_count, model_scope, created_at, updated_at
		FROM banned_patterns WHERE id = ?`, id)

	p, err := scanBannedPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get banned pattern %s: %w", id, err)
	}
	return p, nil
}

// ListBannedPatterns returns patterns filtered by activity, category, and
// model scope. A ModelScope filter also matches unscoped patterns.
func (s *Store) ListBannedPatterns(ctx context.Context, filter PatternFilter) ([]*BannedPattern, error) {
	query := `
		SELECT id, category, pattern, is_regex, severity, origin, active, use_count, model_scope, created_at, updated_at
		FROM banned_patterns WHERE 1=1`
	var args []any

	if filter.Active != nil {
		query += " AND active = ?"
		args = append(args, boolToInt(*filter.Active))
	}
	if filter.Category != "" {
		query += " AND category = ?"
		args = append(args, filter.Category)
	}
	switch {
	case filter.UnscopedOnly:
		query += " AND model_scope IS NULL"
	case filter.ModelScope != "":
		query += " AND (model_scope IS NULL OR model_scope = ?)"
		args = append(args, filter.ModelScope)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list banned patterns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var patterns []*BannedPattern
	for rows.Next() {
		p, err := scanBannedPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan banned pattern: %w", err)
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// RecordPatternDetection appends one detection telemetry row.
func (s *Store) RecordPatternDetection(ctx context.Context, d *PatternDetection) error {
	if d.PatternID == "" {
		return errors.New("pattern detection requires pattern_id")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pattern_detections (pattern_id, session_id, model_id, snippet, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		d.PatternID, nullableString(d.SessionID), nullableString(d.ModelID),
		nullableString(d.Snippet), formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record detection: %w", err)
	}
	d.ID, _ = res.LastInsertId()
	return nil
}

// SaveAuditScore appends one audit telemetry row.
func (s *Store) SaveAuditScore(ctx context.Context, a *AuditScore) error {
	if a.Verdict == "" || a.ContentHash == "" {
		return errors.New("audit score requires verdict and content_hash")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_scores
			(session_id, model_id, total, lexical, structural, voice, absence, semantic, verdict, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullableString(a.SessionID), nullableString(a.ModelID),
		a.Total, a.Lexical, a.Structural, a.Voice, a.Absence, a.Semantic,
		a.Verdict, a.ContentHash, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save audit score: %w", err)
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

// PatternStats aggregates detection telemetry, optionally per model.
type PatternStats struct {
	TotalPatterns   int     `json:"total_patterns"`
	ActivePatterns  int     `json:"active_patterns"`
	TotalDetections int     `json:"total_detections"`
	AuditCount      int     `json:"audit_count"`
	AvgAuditScore   float64 `json:"avg_audit_score"`
}

// GetPatternStats computes aggregate statistics over patterns, detections
// and audit scores. modelID narrows detection and audit figures.
func (s *Store) GetPatternStats(ctx context.Context, modelID string) (*PatternStats, error) {
	stats := &PatternStats{}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(active), 0) FROM banned_patterns`).
		Scan(&stats.TotalPatterns, &stats.ActivePatterns); err != nil {
		return nil, fmt.Errorf("failed to count patterns: %w", err)
	}

	detQuery := `SELECT COUNT(*) FROM pattern_detections`
	auditQuery := `SELECT COUNT(*), COALESCE(AVG(total), 0) FROM audit_scores`
	var args []any
	if modelID != "" {
		detQuery += " WHERE model_id = ?"
		auditQuery += " WHERE model_id = ?"
		args = append(args, modelID)
	}

	if err := s.db.QueryRowContext(ctx, detQuery, args...).Scan(&stats.TotalDetections); err != nil {
		return nil, fmt.Errorf("failed to count detections: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, auditQuery, args...).Scan(&stats.AuditCount, &stats.AvgAuditScore); err != nil {
		return nil, fmt.Errorf("failed to aggregate audit scores: %w", err)
	}
	return stats, nil
}

// PatternFrequency is the detection density of one pattern: how many times
// it fired and across how many distinct sessions.
type PatternFrequency struct {
	PatternID    string `json:"pattern_id"`
	Pattern      string `json:"pattern"`
	Occurrences  int    `json:"occurrences"`
	SessionCount int    `json:"session_count"`
	ModelID      string `json:"model_id,omitempty"`
}

// PatternFrequencies returns per-pattern detection density, feeding the
// evolution engine's model_pattern_ban detector.
func (s *Store) PatternFrequencies(ctx context.Context) ([]*PatternFrequency, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.pattern_id,
		       COALESCE(p.pattern, d.pattern_id),
		       COUNT(*),
		       COUNT(DISTINCT d.session_id),
		       COALESCE(MAX(d.model_id), '')
		FROM pattern_detections d
		LEFT JOIN banned_patterns p ON p.id = d.pattern_id
		GROUP BY d.pattern_id
		ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pattern frequencies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var freqs []*PatternFrequency
	for rows.Next() {
		var f PatternFrequency
		if err := rows.Scan(&f.PatternID, &f.Pattern, &f.Occurrences, &f.SessionCount, &f.ModelID); err != nil {
			return nil, fmt.Errorf("failed to scan pattern frequency: %w", err)
		}
		freqs = append(freqs, &f)
	}
	return freqs, rows.Err()
}

func scanBannedPattern(row rowScanner) (*BannedPattern, error) {
	var (
		p          BannedPattern
		isRegex    int
		active     int
		modelScope sql.NullString
		createdAt  string
		updatedAt  string
	)
	if err := row.Scan(&p.ID, &p.Category, &p.Pattern, &isRegex, &p.Severity,
		&p.Origin, &active, &p.UseCount, &modelScope, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.IsRegex = isRegex != 0
	p.Active = active != 0
	p.ModelScope = modelScope.String
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
