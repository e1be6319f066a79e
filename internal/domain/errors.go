package domain

import "fmt"

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// CandidateNotFoundError is returned when a candidate user ID does not exist.
type CandidateNotFoundError struct {
	UserID string
}

func (e *CandidateNotFoundError) Error() string {
	return fmt.Sprintf("candidate not found: %s", e.UserID)
}

// InvalidTransitionError is returned when a trigger is not allowed from the
// task's current status. The task is left unmodified.
type InvalidTransitionError struct {
	TaskID  string
	From    Status
	Trigger string
	Reason  string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("task %s: %s not allowed from status %s", e.TaskID, e.Trigger, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// ConflictError signals a concurrent write detected by a version mismatch.
type ConflictError struct {
	Kind    string // "task" or "candidate"
	ID      string
	Version int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: version %d is stale", e.Kind, e.ID, e.Version)
}

// UnauthorizedError is returned when a webhook signature does not verify.
type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string {
	return "unauthorized: " + e.Reason
}

// ProviderUnavailableError means no verdict could be obtained. It is never a
// fail verdict: the task stays in review and the event may be redelivered.
type ProviderUnavailableError struct {
	Provider string
	Attempts int
	Err      error
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("scoring provider %q unavailable after %d attempt(s): %v", e.Provider, e.Attempts, e.Err)
}

func (e *ProviderUnavailableError) Unwrap() error { return e.Err }

// ValidationError is returned for malformed create or update requests.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RateLimitExceededError is returned when a caller exceeds its request budget.
type RateLimitExceededError struct {
	Key   string
	Limit int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q: limit is %d", e.Key, e.Limit)
}

// TaskAlreadyProcessedError is returned when an evaluation arrives for a task
// that already moved past review, or for a review round that already closed.
// Callers treat it as a duplicate.
type TaskAlreadyProcessedError struct {
	TaskID string
	Status Status
	Reason string
}

func (e *TaskAlreadyProcessedError) Error() string {
	msg := fmt.Sprintf("task %s already processed with status %s", e.TaskID, e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}
