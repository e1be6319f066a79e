// Package scoring turns an evaluation signal into a pass/fail verdict.
package scoring

import (
	"context"
	"errors"
	"fmt"

	"github.com/CookPiu/Bot/internal/domain"
)

// Submission is what a provider needs to grade one review round.
type Submission struct {
	TaskID             string
	Title              string
	Description        string
	AcceptanceCriteria string
	SubmissionRef      string
	Kind               domain.Kind
	CIConclusion       domain.Conclusion
}

// Raw is a provider's unnormalized answer.
type Raw struct {
	Score     float64
	Rationale []string
}

// Provider grades a submission. Errors that implement Temporary() bool, or
// are timeouts or network failures, are retried by the Evaluator.
type Provider interface {
	Name() string
	Score(ctx context.Context, sub Submission) (Raw, error)
}

// ErrNoSignal is returned by providers that cannot grade without a CI verdict.
var ErrNoSignal = errors.New("no evaluation signal")

// RuleProvider grades purely from the CI conclusion.
type RuleProvider struct{}

func (RuleProvider) Name() string { return "rule" }

func (RuleProvider) Score(_ context.Context, sub Submission) (Raw, error) {
	switch sub.CIConclusion {
	case domain.ConclusionSuccess:
		return Raw{Score: 100, Rationale: []string{"ci passed"}}, nil
	case domain.ConclusionFailure, domain.ConclusionTimedOut:
		return Raw{Score: 0, Rationale: []string{fmt.Sprintf("ci %s", sub.CIConclusion)}}, nil
	}
	return Raw{}, ErrNoSignal
}
