// Package matching filters and ranks candidates for a task.
package matching

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/CookPiu/Bot/internal/domain"
)

// DefaultTopN is the result size when Config.TopN is unset.
const DefaultTopN = 15

// Weights of the composite score. Skill, Performance and Urgency sum to 1;
// Load is a per-assignment penalty outside that budget.
type Weights struct {
	Skill       float64 `mapstructure:"skill"`
	Performance float64 `mapstructure:"performance"`
	Urgency     float64 `mapstructure:"urgency"`
	Load        float64 `mapstructure:"load"`
}

// DefaultWeights favour skill fit, then track record.
var DefaultWeights = Weights{Skill: 0.5, Performance: 0.3, Urgency: 0.2, Load: 0.05}

// Validate checks the positive weights sum to 1.
func (w Weights) Validate() error {
	if w.Skill < 0 || w.Performance < 0 || w.Urgency < 0 || w.Load < 0 {
		return fmt.Errorf("matching weights must be non-negative: %+v", w)
	}
	if sum := w.Skill + w.Performance + w.Urgency; math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("matching weights skill+performance+urgency must sum to 1, got %.4f", sum)
	}
	return nil
}

// Config tunes the engine.
type Config struct {
	Weights Weights
	TopN    int
}

// Load is a candidate's current commitment across non-terminal tasks.
type Load struct {
	Active         int
	CommittedHours float64
}

// Snapshot is the candidate pool and their loads at ranking time.
type Snapshot struct {
	Candidates []*domain.Candidate
	Loads      map[string]Load
}

// Match is one ranked candidate.
type Match struct {
	Candidate         *domain.Candidate `json:"candidate"`
	Score             float64           `json:"score"`
	SkillOverlap      float64           `json:"skill_overlap"`
	ActiveAssignments int               `json:"active_assignments"`
	// ExternalScore is set when an external ranker scored this candidate.
	ExternalScore *float64 `json:"external_score,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

// Engine is pure: it never performs I/O.
type Engine struct {
	cfg Config
}

// NewEngine returns an engine with defaults applied to zero fields.
func NewEngine(cfg Config) *Engine {
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights
	}
	if cfg.TopN <= 0 {
		cfg.TopN = DefaultTopN
	}
	return &Engine{cfg: cfg}
}

// Eligible reports whether c may take task given its current load.
func (e *Engine) Eligible(task *domain.Task, c *domain.Candidate, load Load) bool {
	if !c.Availability {
		return false
	}
	if c.HoursAvailable < task.EstimatedHours {
		return false
	}
	if c.HoursAvailable-load.CommittedHours < task.EstimatedHours {
		return false
	}
	return SkillOverlap(task.SkillTags, c.SkillTags) > 0
}

// Rank filters the snapshot and returns the top-N candidates, best first.
// An empty result is valid.
func (e *Engine) Rank(task *domain.Task, snap Snapshot) []Match {
	return e.Top(e.Score(task, snap))
}

// Score returns every eligible candidate with its composite score, unordered.
func (e *Engine) Score(task *domain.Task, snap Snapshot) []Match {
	w := e.cfg.Weights
	boost := UrgencyBoost(task.Urgency)
	out := make([]Match, 0, len(snap.Candidates))
	for _, c := range snap.Candidates {
		load := snap.Loads[c.UserID]
		if !e.Eligible(task, c, load) {
			continue
		}
		overlap := SkillOverlap(task.SkillTags, c.SkillTags)
		perf := clamp01(c.PerformanceScore / 100)
		score := w.Skill*overlap + w.Performance*perf + w.Urgency*boost - w.Load*float64(load.Active)
		out = append(out, Match{
			Candidate:         c,
			Score:             score,
			SkillOverlap:      overlap,
			ActiveAssignments: load.Active,
			Reason:            fmt.Sprintf("skill overlap %.0f%%, performance %.0f, %d active", overlap*100, c.PerformanceScore, load.Active),
		})
	}
	return out
}

// Top orders matches best first and truncates to top-N. Equal scores fall
// back to most recent activity, then user id.
func (e *Engine) Top(matches []Match) []Match {
	slices.SortStableFunc(matches, func(a, b Match) int {
		if math.Abs(a.Score-b.Score) > 1e-9 {
			return cmp.Compare(b.Score, a.Score)
		}
		if !a.Candidate.LastActive.Equal(b.Candidate.LastActive) {
			return b.Candidate.LastActive.Compare(a.Candidate.LastActive)
		}
		return cmp.Compare(a.Candidate.UserID, b.Candidate.UserID)
	})
	if len(matches) > e.cfg.TopN {
		matches = matches[:e.cfg.TopN]
	}
	return matches
}

// Weights returns the engine's effective weights.
func (e *Engine) Weights() Weights { return e.cfg.Weights }

// SkillOverlap is |task ∩ candidate| / |task| over normalized tags.
func SkillOverlap(taskTags, candidateTags []string) float64 {
	want := normalizeTags(taskTags)
	if len(want) == 0 {
		return 0
	}
	have := normalizeTags(candidateTags)
	n := 0
	for _, t := range want {
		if slices.Contains(have, t) {
			n++
		}
	}
	return float64(n) / float64(len(want))
}

// UrgencyBoost maps urgency to [0, 1].
func UrgencyBoost(u domain.Urgency) float64 {
	switch u {
	case domain.UrgencyUrgent:
		return 1
	case domain.UrgencyHigh:
		return 0.66
	case domain.UrgencyNormal:
		return 0.33
	}
	return 0
}

// LoadsFrom sums active assignments per assignee.
func LoadsFrom(tasks []*domain.Task) map[string]Load {
	loads := make(map[string]Load)
	for _, t := range tasks {
		if t.Assignee == "" || t.Status.IsTerminal() || t.Status == domain.StatusPending {
			continue
		}
		l := loads[t.Assignee]
		l.Active++
		l.CommittedHours += t.EstimatedHours
		loads[t.Assignee] = l
	}
	return loads
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
