package domain

import (
	"slices"
	"strings"
	"time"
)

// Status represents the lifecycle states a task can be in.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusSubmitted  Status = "submitted"
	StatusReviewing  Status = "reviewing"
	StatusCompleted  Status = "completed"
	StatusRejected   Status = "rejected"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusAssigned, StatusInProgress, StatusSubmitted,
	StatusReviewing, StatusCompleted, StatusRejected, StatusCancelled,
}

// ActiveStatuses are the non-terminal statuses that hold an assignee.
var ActiveStatuses = []Status{
	StatusAssigned, StatusInProgress, StatusSubmitted, StatusReviewing,
}

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRejected || s == StatusCancelled
}

// IsValid reports whether s is one of the eight lifecycle states.
func (s Status) IsValid() bool {
	return slices.Contains(AllStatuses, s)
}

// Urgency is the task priority class used by the matching engine.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
	UrgencyUrgent Urgency = "urgent"
)

func (u Urgency) IsValid() bool {
	switch u {
	case UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyUrgent:
		return true
	}
	return false
}

// Kind separates code tasks, which complete on a green CI run, from general
// tasks that always go through the scoring provider.
type Kind string

const (
	KindCode    Kind = "code"
	KindGeneral Kind = "general"
)

var codeKeywords = []string{
	"code", "programming", "development", "api", "backend", "frontend",
	"go", "golang", "python", "javascript", "typescript", "java", "rust", "c++",
}

// InferKind guesses the task kind from its skill tags and description.
func InferKind(skillTags []string, description string) Kind {
	desc := strings.ToLower(description)
	for _, tag := range skillTags {
		if slices.Contains(codeKeywords, strings.ToLower(strings.TrimSpace(tag))) {
			return KindCode
		}
	}
	for _, kw := range codeKeywords {
		// Short keywords like "go" only count as whole words.
		if len(kw) <= 3 {
			if slices.Contains(strings.FieldsFunc(desc, isWordSep), kw) {
				return KindCode
			}
			continue
		}
		if strings.Contains(desc, kw) {
			return KindCode
		}
	}
	return KindGeneral
}

func isWordSep(r rune) bool {
	return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '+')
}

// Task is a unit of assignable work with a defined lifecycle.
type Task struct {
	ID                 string     `json:"task_id"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	AcceptanceCriteria string     `json:"acceptance_criteria,omitempty"`
	SkillTags          []string   `json:"skill_tags"`
	Status             Status     `json:"status"`
	Urgency            Urgency    `json:"urgency"`
	Kind               Kind       `json:"kind"`
	Assignee           string     `json:"assignee,omitempty"`
	CreatedBy          string     `json:"created_by"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	Deadline           time.Time  `json:"deadline"`
	AcceptedAt         *time.Time `json:"accepted_at,omitempty"`
	SubmittedAt        *time.Time `json:"submitted_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	ArchivedAt         *time.Time `json:"archived_at,omitempty"`
	SubmissionRef      string     `json:"submission_ref,omitempty"`
	FinalScore         *float64   `json:"final_score,omitempty"`
	PassThreshold      *float64   `json:"pass_threshold,omitempty"`
	RewardPoints       int        `json:"reward_points"`
	RetryCount         int        `json:"retry_count"`
	EstimatedHours     float64    `json:"estimated_hours"`
	CIConclusion       Conclusion `json:"ci_conclusion,omitempty"`
	FailureReasons     []string   `json:"failure_reasons,omitempty"`

	// ReviewedSHAs are the commits whose CI verdict already closed an
	// earlier review round; ReviewedAt is when the last such round closed.
	ReviewedSHAs []string   `json:"reviewed_shas,omitempty"`
	ReviewedAt   *time.Time `json:"reviewed_at,omitempty"`

	// Version is the optimistic concurrency token. Repositories bump it on
	// every successful save and reject saves carrying a stale value.
	Version int64 `json:"version"`
}

// Clone returns a deep copy so callers can mutate without aliasing the store.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.SkillTags = slices.Clone(t.SkillTags)
	c.FailureReasons = slices.Clone(t.FailureReasons)
	c.ReviewedSHAs = slices.Clone(t.ReviewedSHAs)
	c.ReviewedAt = cloneTime(t.ReviewedAt)
	c.AcceptedAt = cloneTime(t.AcceptedAt)
	c.SubmittedAt = cloneTime(t.SubmittedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.ArchivedAt = cloneTime(t.ArchivedAt)
	c.FinalScore = cloneFloat(t.FinalScore)
	c.PassThreshold = cloneFloat(t.PassThreshold)
	return &c
}

// Threshold returns the task-level pass threshold, or def when unset.
func (t *Task) Threshold(def float64) float64 {
	if t.PassThreshold != nil {
		return *t.PassThreshold
	}
	return def
}

// IsOverdue reports whether the deadline passed while the task is still open.
func (t *Task) IsOverdue(now time.Time) bool {
	return !t.Status.IsTerminal() && !t.Deadline.IsZero() && now.After(t.Deadline)
}

// JudgedEarlier reports whether ev is a CI result for a commit an earlier
// review round already judged. A run of that commit started after the round
// closed is a rerun and counts as new.
func (t *Task) JudgedEarlier(ev EvaluationEvent) bool {
	if ev.HeadSHA == "" || !slices.Contains(t.ReviewedSHAs, ev.HeadSHA) {
		return false
	}
	return ev.RunStartedAt.IsZero() || t.ReviewedAt == nil || !ev.RunStartedAt.After(*t.ReviewedAt)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
