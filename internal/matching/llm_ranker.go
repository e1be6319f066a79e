package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/CookPiu/Bot/internal/domain"
	"github.com/CookPiu/Bot/internal/llm"
)

const rankSystemPrompt = `You match people to tasks. Score every listed candidate from 0 to 100 for the task.

Consider, in order: how well their skill tags cover the required skills, their track record
(performance score and completed tasks), their current workload, and the task urgency.

Reply with JSON only:
{"matches": [{"user_id": "...", "match_score": 85, "match_reason": "..."}]}`

// LLMRanker asks a chat model to score eligible candidates.
type LLMRanker struct {
	client llm.Client
}

func NewLLMRanker(client llm.Client) *LLMRanker {
	return &LLMRanker{client: client}
}

type rankReply struct {
	Matches []rankEntry `json:"matches"`
}

type rankEntry struct {
	UserID string   `json:"user_id"`
	Score  *float64 `json:"match_score"`
	Reason string   `json:"match_reason"`
}

// Rank implements ExternalRanker.
func (r *LLMRanker) Rank(ctx context.Context, task *domain.Task, eligible []Match) (map[string]ExternalScore, error) {
	reply, err := r.client.Complete(ctx, rankSystemPrompt, buildRankPrompt(task, eligible))
	if err != nil {
		return nil, err
	}

	entries, err := parseRankReply(llm.ExtractJSON(reply))
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(eligible))
	for _, m := range eligible {
		known[m.Candidate.UserID] = true
	}
	out := make(map[string]ExternalScore, len(entries))
	for _, e := range entries {
		if e.Score == nil || !known[e.UserID] {
			continue
		}
		out[e.UserID] = ExternalScore{Score: *e.Score, Reason: e.Reason}
	}
	if len(out) == 0 {
		return nil, errors.New("rank reply matched no eligible candidate")
	}
	return out, nil
}

// parseRankReply accepts both {"matches": [...]} and a bare array.
func parseRankReply(doc string) ([]rankEntry, error) {
	if strings.HasPrefix(doc, "[") {
		var entries []rankEntry
		if err := json.Unmarshal([]byte(doc), &entries); err != nil {
			return nil, fmt.Errorf("parse rank reply: %w", err)
		}
		return entries, nil
	}
	var out rankReply
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return nil, fmt.Errorf("parse rank reply: %w", err)
	}
	return out.Matches, nil
}

func buildRankPrompt(task *domain.Task, eligible []Match) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Title)
	fmt.Fprintf(&b, "Description: %s\n", task.Description)
	fmt.Fprintf(&b, "Required skills: %s\n", strings.Join(task.SkillTags, ", "))
	fmt.Fprintf(&b, "Urgency: %s\n", task.Urgency)
	if !task.Deadline.IsZero() {
		fmt.Fprintf(&b, "Deadline: %s\n", task.Deadline.Format("2006-01-02 15:04"))
	}
	b.WriteString("\nCandidates:\n")
	for i, m := range eligible {
		c := m.Candidate
		fmt.Fprintf(&b, "%d. user_id=%s name=%s skills=[%s] performance=%.0f completed=%d active=%d hours=%.1f\n",
			i+1, c.UserID, c.Name, strings.Join(c.SkillTags, ", "),
			c.PerformanceScore, c.CompletedTasks, m.ActiveAssignments, c.HoursAvailable)
	}
	return b.String()
}
