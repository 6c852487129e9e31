package patternkiller

import (
	"fmt"
	"regexp"
	"time"

	"github.com/DerianAndre/aidd.md-sub003/internal/storage"
)

// builtinPatterns is the fixed signature set: filler phrases, hedges,
// verbosity markers, and repeated rhetorical structures. They are seeded as
// origin=system rows so detections, stats, and false-positive reports treat
// them uniformly with learned patterns. System patterns never auto-deactivate.
var builtinPatterns = []struct {
	id       string
	category string
	pattern  string
	isRegex  bool
	severity string
}{
	{"builtin-worth-noting", "filler", "it's worth noting", false, "medium"},
	{"builtin-important-note", "filler", "it is important to note", false, "medium"},
	{"builtin-needless", "filler", "needless to say", false, "low"},
	{"builtin-end-of-day", "filler", "at the end of the day", false, "low"},
	{"builtin-arguably", "hedge", "arguably", false, "low"},
	{"builtin-might-consider", "hedge", "you might want to consider", false, "medium"},
	{"builtin-could-argue", "hedge", "one could argue", false, "medium"},
	{"builtin-in-order-to", "verbosity", "in order to", false, "low"},
	{"builtin-due-to-fact", "verbosity", "due to the fact that", false, "medium"},
	{"builtin-wide-variety", "verbosity", "a wide variety of", false, "low"},
	{"builtin-delve", "ai_tell", "delve", false, "high"},
	{"builtin-seamlessly", "ai_tell", "seamlessly", false, "high"},
	{"builtin-tapestry", "ai_tell", "tapestry", false, "high"},
	{"builtin-testament", "ai_tell", "a testament to", false, "high"},
	{"builtin-fast-paced", "ai_tell", "in today's fast-paced world", false, "high"},
	{"builtin-game-changer", "ai_tell", "game-changer", false, "medium"},
	{"builtin-not-only", "rhetorical", `not only\s+[^.!?]{1,60}\s+but also`, true, "medium"},
	{"builtin-whether-or", "rhetorical", `whether you're\s+[^.!?]{1,60}\s+or`, true, "medium"},
}

// ValidatePattern rejects malformed patterns before they reach the store.
// Regex patterns must compile; the error names the offending pattern.
func ValidatePattern(p *storage.BannedPattern) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.IsRegex {
		if _, err := regexp.Compile("(?i)" + p.Pattern); err != nil {
			return fmt.Errorf("pattern %q is not a valid regex: %w", p.Pattern, err)
		}
	}
	return nil
}

// compiledPattern pairs a stored pattern with its ready-to-run matcher.
type compiledPattern struct {
	pattern *storage.BannedPattern
	re      *regexp.Regexp
}

// compile builds the matcher. Literal patterns are word-boundary-escaped so
// "delve" does not fire inside "delved".
func compile(p *storage.BannedPattern) (*compiledPattern, error) {
	expr := p.Pattern
	if !p.IsRegex {
		expr = `\b` + regexp.QuoteMeta(p.Pattern) + `\b`
	}
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return nil, fmt.Errorf("pattern %q is not a valid regex: %w", p.Pattern, err)
	}
	return &compiledPattern{pattern: p, re: re}, nil
}

func builtinRows(now time.Time) []*storage.BannedPattern {
	rows := make([]*storage.BannedPattern, 0, len(builtinPatterns))
	for _, b := range builtinPatterns {
		rows = append(rows, &storage.BannedPattern{
			ID:        b.id,
			Category:  b.category,
			Pattern:   b.pattern,
			IsRegex:   b.isRegex,
			Severity:  b.severity,
			Origin:    storage.OriginSystem,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return rows
}
