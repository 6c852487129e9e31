package evolution

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/DerianAndre/aidd.md-sub003/internal/storage"
)

// Candidate type names produced by the detectors.
const (
	TypeModelRecommendation = "model_recommendation"
	TypeNewConvention       = "new_convention"
	TypeCompoundWorkflow    = "compound_workflow"
	TypeSkillCombo          = "skill_combo"
	TypeContextEfficiency   = "context_efficiency"
	TypeModelDrift          = "model_drift"
	TypeModelPatternBan     = "model_pattern_ban"
)

// banTitlePrefix keys ban-candidate titles; promotion extracts the literal
// pattern text after it for the shadow test.
const banTitlePrefix = "ban pattern: "

type detector func(e *Engine, sessions []*storage.Session) []*storage.EvolutionCandidate

var detectors = []detector{
	(*Engine).detectModelRecommendation,
	(*Engine).detectNewConventions,
	(*Engine).detectCompoundWorkflows,
	(*Engine).detectSkillCombos,
	(*Engine).detectContextEfficiency,
	(*Engine).detectModelDrift,
}

// detectModelRecommendation groups sessions by (task type, model) and flags
// the best-scoring model when its average compliance beats the runner-up by
// at least 20% relative. Every model in the comparison needs a minimum
// session count.
func (e *Engine) detectModelRecommendation(sessions []*storage.Session) []*storage.EvolutionCandidate {
	type stats struct {
		sum float64
		n   int
		ids []string
	}
	byTask := make(map[string]map[string]*stats)
	for _, s := range sessions {
		if s.TaskType == "" || s.Model == "" || s.Outcome == nil {
			continue
		}
		if byTask[s.TaskType] == nil {
			byTask[s.TaskType] = make(map[string]*stats)
		}
		st := byTask[s.TaskType][s.Model]
		if st == nil {
			st = &stats{}
			byTask[s.TaskType][s.Model] = st
		}
		st.sum += s.Outcome.ComplianceScore
		st.n++
		st.ids = append(st.ids, s.ID)
	}

	var candidates []*storage.EvolutionCandidate
	for task, models := range byTask {
		type ranked struct {
			model string
			avg   float64
			st    *stats
		}
		var qualified []ranked
		for model, st := range models {
			if st.n >= e.cfg.MinSessionsPerModel {
				qualified = append(qualified, ranked{model, st.sum / float64(st.n), st})
			}
		}
		if len(qualified) < 2 {
			continue
		}
		sort.Slice(qualified, func(i, j int) bool { return qualified[i].avg > qualified[j].avg })

		best, runnerUp := qualified[0], qualified[1]
		if runnerUp.avg <= 0 {
			continue
		}
		improvement := (best.avg - runnerUp.avg) / runnerUp.avg
		if improvement < 0.20 {
			continue
		}

		confidence := math.Min(100, 50+improvement*100+2*float64(best.st.n))
		candidates = append(candidates, &storage.EvolutionCandidate{
			ID:    uuid.NewString(),
			Type:  TypeModelRecommendation,
			Title: fmt.Sprintf("prefer %s for %s tasks", best.model, task),
			Description: fmt.Sprintf(
				"%s averages %.1f compliance over %d %s sessions, %.0f%% above %s (%.1f)",
				best.model, best.avg, best.st.n, task, improvement*100, runnerUp.model, runnerUp.avg),
			Confidence:    confidence,
			SessionCount:  best.st.n,
			Evidence:      best.st.ids,
			ModelEvidence: map[string][]string{best.model: best.st.ids},
		})
	}
	return candidates
}

// detectNewConventions clusters resolved errors by token overlap and flags
// clusters recurring often enough to deserve a written convention.
func (e *Engine) detectNewConventions(sessions []*storage.Session) []*storage.EvolutionCandidate {
	type occurrence struct {
		text      string
		sessionID string
	}
	var all []occurrence
	for _, s := range sessions {
		for _, errText := range s.ErrorsResolved {
			all = append(all, occurrence{errText, s.ID})
		}
	}

	type cluster struct {
		representative string
		members        []occurrence
	}
	var clusters []*cluster
	for _, occ := range all {
		placed := false
		for _, c := range clusters {
			if tokenOverlap(occ.text, c.representative) > 0.5 {
				c.members = append(c.members, occ)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, &cluster{representative: occ.text, members: []occurrence{occ}})
		}
	}

	var candidates []*storage.EvolutionCandidate
	for _, c := range clusters {
		if len(c.members) < e.cfg.MinOccurrences {
			continue
		}
		evidence := make([]string, 0, len(c.members))
		for _, m := range c.members {
			evidence = appendIfMissing(evidence, m.sessionID)
		}
		candidates = append(candidates, &storage.EvolutionCandidate{
			ID:           uuid.NewString(),
			Type:         TypeNewConvention,
			Title:        "recurring mistake: " + truncate(c.representative, 60),
			Description:  fmt.Sprintf("resolved %d times across %d sessions", len(c.members), len(evidence)),
			Confidence:   math.Min(100, 40+10*float64(len(c.members))),
			SessionCount: len(evidence),
			Evidence:     evidence,
		})
	}
	return candidates
}

// detectCompoundWorkflows counts adjacent tool pairs in call order and flags
// sequences recurring across enough sessions.
func (e *Engine) detectCompoundWorkflows(sessions []*storage.Session) []*storage.EvolutionCandidate {
	pairSessions := make(map[string]map[string]struct{})
	for _, s := range sessions {
		for i := 0; i+1 < len(s.ToolsCalled); i++ {
			pair := s.ToolsCalled[i] + " -> " + s.ToolsCalled[i+1]
			if pairSessions[pair] == nil {
				pairSessions[pair] = make(map[string]struct{})
			}
			pairSessions[pair][s.ID] = struct{}{}
		}
	}

	var candidates []*storage.EvolutionCandidate
	for pair, ids := range pairSessions {
		if len(ids) < e.cfg.MinOccurrences {
			continue
		}
		evidence := make([]string, 0, len(ids))
		for id := range ids {
			evidence = append(evidence, id)
		}
		sort.Strings(evidence)
		candidates = append(candidates, &storage.EvolutionCandidate{
			ID:           uuid.NewString(),
			Type:         TypeCompoundWorkflow,
			Title:        "workflow: " + pair,
			Description:  fmt.Sprintf("tool sequence recurs in %d sessions", len(ids)),
			Confidence:   math.Min(100, 30+10*float64(len(ids))),
			SessionCount: len(ids),
			Evidence:     evidence,
		})
	}
	return candidates
}

// detectSkillCombos looks at unordered tool combinations and flags pairs
// whose sessions beat the global average compliance by at least 10% relative.
func (e *Engine) detectSkillCombos(sessions []*storage.Session) []*storage.EvolutionCandidate {
	var globalSum float64
	var globalN int
	type comboStats struct {
		sum float64
		n   int
		ids []string
	}
	combos := make(map[string]*comboStats)

	for _, s := range sessions {
		if s.Outcome == nil {
			continue
		}
		globalSum += s.Outcome.ComplianceScore
		globalN++

		tools := uniqueSorted(s.ToolsCalled)
		for i := 0; i < len(tools); i++ {
			for j := i + 1; j < len(tools); j++ {
				key := tools[i] + " + " + tools[j]
				cs := combos[key]
				if cs == nil {
					cs = &comboStats{}
					combos[key] = cs
				}
				cs.sum += s.Outcome.ComplianceScore
				cs.n++
				cs.ids = append(cs.ids, s.ID)
			}
		}
	}
	if globalN == 0 {
		return nil
	}
	globalAvg := globalSum / float64(globalN)
	if globalAvg <= 0 {
		return nil
	}

	var candidates []*storage.EvolutionCandidate
	for key, cs := range combos {
		if cs.n < e.cfg.MinOccurrences {
			continue
		}
		avg := cs.sum / float64(cs.n)
		uplift := (avg - globalAvg) / globalAvg
		if uplift < 0.10 {
			continue
		}
		candidates = append(candidates, &storage.EvolutionCandidate{
			ID:           uuid.NewString(),
			Type:         TypeSkillCombo,
			Title:        "skill combo: " + key,
			Description:  fmt.Sprintf("combo averages %.1f compliance, %.0f%% above the global %.1f", avg, uplift*100, globalAvg),
			Confidence:   math.Min(100, 40+uplift*200),
			SessionCount: cs.n,
			Evidence:     cs.ids,
		})
	}
	return candidates
}

// detectContextEfficiency groups by (task type, model) and flags task types
// where the least token-efficient model burns at least twice the tokens per
// completed task of the most efficient one.
func (e *Engine) detectContextEfficiency(sessions []*storage.Session) []*storage.EvolutionCandidate {
	type stats struct {
		tokens float64
		tasks  float64
		ids    []string
	}
	byTask := make(map[string]map[string]*stats)
	for _, s := range sessions {
		if s.TaskType == "" || s.Model == "" || s.TokenUsage == nil || len(s.TasksCompleted) == 0 {
			continue
		}
		if byTask[s.TaskType] == nil {
			byTask[s.TaskType] = make(map[string]*stats)
		}
		st := byTask[s.TaskType][s.Model]
		if st == nil {
			st = &stats{}
			byTask[s.TaskType][s.Model] = st
		}
		st.tokens += float64(s.TokenUsage.OutputTokens)
		st.tasks += float64(len(s.TasksCompleted))
		st.ids = append(st.ids, s.ID)
	}

	var candidates []*storage.EvolutionCandidate
	for task, models := range byTask {
		if len(models) < 2 {
			continue
		}
		type ranked struct {
			model     string
			tokensPer float64
			st        *stats
		}
		var rankedModels []ranked
		for model, st := range models {
			if st.tasks == 0 {
				continue
			}
			rankedModels = append(rankedModels, ranked{model, st.tokens / st.tasks, st})
		}
		if len(rankedModels) < 2 {
			continue
		}
		sort.Slice(rankedModels, func(i, j int) bool { return rankedModels[i].tokensPer < rankedModels[j].tokensPer })

		best, worst := rankedModels[0], rankedModels[len(rankedModels)-1]
		if best.tokensPer <= 0 {
			continue
		}
		ratio := worst.tokensPer / best.tokensPer
		if ratio < 2 {
			continue
		}
		candidates = append(candidates, &storage.EvolutionCandidate{
			ID:    uuid.NewString(),
			Type:  TypeContextEfficiency,
			Title: fmt.Sprintf("use %s for %s token efficiency", best.model, task),
			Description: fmt.Sprintf(
				"%s spends %.0f output tokens per task on %s; %s spends %.0f (%.1fx)",
				worst.model, worst.tokensPer, task, best.model, best.tokensPer, ratio),
			Confidence:   math.Min(100, 40+10*ratio),
			SessionCount: len(best.st.ids) + len(worst.st.ids),
			Evidence:     append(append([]string{}, best.st.ids...), worst.st.ids...),
			ModelEvidence: map[string][]string{
				best.model:  best.st.ids,
				worst.model: worst.st.ids,
			},
		})
	}
	return candidates
}

// detectModelDrift compares each model's average compliance in its first
// versus last W sessions and flags relative shifts of 15% or more in either
// direction. Confidence scales with the shift magnitude.
func (e *Engine) detectModelDrift(sessions []*storage.Session) []*storage.EvolutionCandidate {
	byModel := make(map[string][]*storage.Session)
	for _, s := range sessions {
		if s.Model == "" || s.Outcome == nil {
			continue
		}
		byModel[s.Model] = append(byModel[s.Model], s)
	}

	w := e.cfg.DriftWindow
	var candidates []*storage.EvolutionCandidate
	for model, group := range byModel {
		if len(group) < 2*w {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].StartedAt.Before(group[j].StartedAt) })

		firstAvg := avgCompliance(group[:w])
		lastAvg := avgCompliance(group[len(group)-w:])
		if firstAvg <= 0 {
			continue
		}
		shift := (lastAvg - firstAvg) / firstAvg
		if math.Abs(shift) < 0.15 {
			continue
		}

		direction := "improving"
		if shift < 0 {
			direction = "degrading"
		}
		evidence := make([]string, 0, len(group))
		for _, s := range group {
			evidence = append(evidence, s.ID)
		}
		candidates = append(candidates, &storage.EvolutionCandidate{
			ID:    uuid.NewString(),
			Type:  TypeModelDrift,
			Title: fmt.Sprintf("drift: %s compliance %s", model, direction),
			Description: fmt.Sprintf(
				"first %d sessions average %.1f, last %d average %.1f (%.0f%% shift)",
				w, firstAvg, w, lastAvg, shift*100),
			Confidence:    math.Min(100, 40+math.Abs(shift)*200),
			SessionCount:  len(group),
			Evidence:      evidence,
			ModelEvidence: map[string][]string{model: evidence},
		})
	}
	return candidates
}

// detectPatternBans turns detection-frequency statistics into ban candidates:
// a pattern firing at least 5 times across at least 3 distinct sessions.
func (e *Engine) detectPatternBans(freqs []*storage.PatternFrequency) []*storage.EvolutionCandidate {
	var candidates []*storage.EvolutionCandidate
	for _, f := range freqs {
		if f.Occurrences < 5 || f.SessionCount < 3 {
			continue
		}
		c := &storage.EvolutionCandidate{
			ID:           uuid.NewString(),
			Type:         TypeModelPatternBan,
			Title:        banTitlePrefix + f.Pattern,
			Description:  fmt.Sprintf("detected %d times across %d sessions", f.Occurrences, f.SessionCount),
			Confidence:   math.Min(100, 50+5*float64(f.Occurrences)+5*float64(f.SessionCount)),
			SessionCount: f.SessionCount,
		}
		if f.ModelID != "" {
			c.ModelEvidence = map[string][]string{f.ModelID: {f.PatternID}}
		}
		candidates = append(candidates, c)
	}
	return candidates
}

func avgCompliance(sessions []*storage.Session) float64 {
	var sum float64
	for _, s := range sessions {
		sum += s.Outcome.ComplianceScore
	}
	return sum / float64(len(sessions))
}

// tokenOverlap is the Jaccard-style overlap ratio between the token sets of
// two strings: shared tokens over the smaller set.
func tokenOverlap(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			shared++
		}
	}
	smaller := len(ta)
	if len(tb) < smaller {
		smaller = len(tb)
	}
	return float64(shared) / float64(smaller)
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range strings.Fields(strings.ToLower(text)) {
		set[strings.Trim(t, `.,;:!?"'()[]`)] = struct{}{}
	}
	return set
}

func uniqueSorted(items []string) []string {
	set := make(map[string]struct{}, len(items))
	for _, i := range items {
		set[i] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for i := range set {
		out = append(out, i)
	}
	sort.Strings(out)
	return out
}

func appendIfMissing(list []string, item string) []string {
	for _, l := range list {
		if l == item {
			return list
		}
	}
	return append(list, item)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
