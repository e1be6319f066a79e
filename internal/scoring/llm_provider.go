package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/CookPiu/Bot/internal/llm"
)

const reviewSystemPrompt = `You are a quality reviewer. Grade the submission objectively against the task description and acceptance criteria.

Scale:
- 90-100: fully meets the requirements, excellent quality
- 80-89: meets the requirements, good quality
- 70-79: partially meets the requirements, needs improvement
- 60-69: barely meets the requirements, many issues
- 0-59: does not meet the requirements, must be redone

Reply with JSON only: {"score": <number>, "failed_reasons": ["..."]}`

// LLMProvider grades submissions with a chat completion model.
type LLMProvider struct {
	client llm.Client
}

func NewLLMProvider(client llm.Client) *LLMProvider {
	return &LLMProvider{client: client}
}

func (p *LLMProvider) Name() string { return "llm:" + p.client.Name() }

type reviewReply struct {
	Score         *float64 `json:"score"`
	FailedReasons []string `json:"failed_reasons"`
}

func (p *LLMProvider) Score(ctx context.Context, sub Submission) (Raw, error) {
	reply, err := p.client.Complete(ctx, reviewSystemPrompt, buildReviewPrompt(sub))
	if err != nil {
		return Raw{}, err
	}

	var out reviewReply
	if err := json.Unmarshal([]byte(llm.ExtractJSON(reply)), &out); err != nil {
		return Raw{}, fmt.Errorf("parse review reply: %w", err)
	}
	if out.Score == nil || math.IsNaN(*out.Score) || math.IsInf(*out.Score, 0) {
		return Raw{}, errors.New("parse review reply: missing numeric score")
	}
	return Raw{Score: *out.Score, Rationale: out.FailedReasons}, nil
}

func buildReviewPrompt(sub Submission) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n", sub.Title)
	fmt.Fprintf(&b, "Description: %s\n\n", sub.Description)
	if sub.AcceptanceCriteria != "" {
		fmt.Fprintf(&b, "Acceptance criteria: %s\n\n", sub.AcceptanceCriteria)
	}
	fmt.Fprintf(&b, "Submission: %s\n", sub.SubmissionRef)
	if sub.CIConclusion != "" {
		fmt.Fprintf(&b, "CI conclusion: %s\n", sub.CIConclusion)
	}
	b.WriteString("\nGrade the submission and list what is missing or wrong.")
	return b.String()
}
