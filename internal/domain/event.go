package domain

import "time"

// Source identifies where an evaluation event came from.
type Source string

const (
	SourceCI     Source = "ci"
	SourceScorer Source = "scorer"
	SourceManual Source = "manual"
)

// Conclusion is the external verdict vocabulary reported by CI systems.
type Conclusion string

const (
	ConclusionSuccess   Conclusion = "success"
	ConclusionFailure   Conclusion = "failure"
	ConclusionNeutral   Conclusion = "neutral"
	ConclusionCancelled Conclusion = "cancelled"
	ConclusionTimedOut  Conclusion = "timed_out"
)

// EvaluationEvent is an external signal that may drive a review transition.
// It lives only as long as the de-duplication window.
type EvaluationEvent struct {
	Source         Source            `json:"source"`
	CorrelationKey string            `json:"correlation_key"`
	Conclusion     Conclusion        `json:"conclusion,omitempty"`
	DeliveryID     string            `json:"delivery_id"`
	Score          *float64          `json:"score,omitempty"`
	Rationale      string            `json:"rationale,omitempty"`
	Details        map[string]string `json:"details,omitempty"`
	ReceivedAt     time.Time         `json:"received_at"`

	// HeadSHA is the commit a CI run built. RunStartedAt is when that run
	// started. Both are empty for scorer and manual events.
	HeadSHA      string    `json:"head_sha,omitempty"`
	RunStartedAt time.Time `json:"run_started_at,omitempty"`
}

// Verdict is the normalized evaluation outcome.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// Result is what the scoring evaluator hands to the state machine.
type Result struct {
	Verdict   Verdict  `json:"verdict"`
	Score     float64  `json:"score"`
	Rationale []string `json:"rationale,omitempty"`
	Provider  string   `json:"provider"`
}
