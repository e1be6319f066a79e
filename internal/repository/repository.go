// Package repository defines the versioned record store the lifecycle engine
// runs against. Implementations live here (memory) and in internal/postgres.
package repository

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/CookPiu/Bot/internal/domain"
)

// TaskRepository abstracts all storage access for tasks.
//
// Save is a compare-and-swap on Version: it succeeds only when the stored
// version equals task.Version, bumps the version on success and returns
// *domain.ConflictError otherwise.
type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	Save(ctx context.Context, task *domain.Task) error
	List(ctx context.Context, filter TaskFilter) ([]*domain.Task, error)
}

// CandidateRepository abstracts storage access for candidates. Save follows
// the same version CAS contract as TaskRepository.Save.
type CandidateRepository interface {
	Create(ctx context.Context, c *domain.Candidate) error
	Get(ctx context.Context, userID string) (*domain.Candidate, error)
	Save(ctx context.Context, c *domain.Candidate) error
	List(ctx context.Context, filter CandidateFilter) ([]*domain.Candidate, error)
}

// TaskFilter narrows a task listing. Zero values match everything except
// archived tasks.
type TaskFilter struct {
	Statuses        []domain.Status
	Assignee        string
	IncludeArchived bool
	// DeadlineBefore, when set, keeps tasks with a deadline strictly before it.
	DeadlineBefore time.Time
	// CompletedBefore, when set, keeps tasks completed strictly before it.
	CompletedBefore time.Time
	Limit           int
}

// Match reports whether t satisfies the filter.
func (f TaskFilter) Match(t *domain.Task) bool {
	if !f.IncludeArchived && t.ArchivedAt != nil {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if f.Assignee != "" && t.Assignee != f.Assignee {
		return false
	}
	if !f.DeadlineBefore.IsZero() && (t.Deadline.IsZero() || !t.Deadline.Before(f.DeadlineBefore)) {
		return false
	}
	if !f.CompletedBefore.IsZero() && (t.CompletedAt == nil || !t.CompletedAt.Before(f.CompletedBefore)) {
		return false
	}
	return true
}

// CandidateFilter narrows a candidate listing.
type CandidateFilter struct {
	AvailableOnly bool
	// Skills keeps candidates sharing at least one tag (case-insensitive).
	Skills []string
}

// Match reports whether c satisfies the filter.
func (f CandidateFilter) Match(c *domain.Candidate) bool {
	if f.AvailableOnly && !c.Availability {
		return false
	}
	if len(f.Skills) == 0 {
		return true
	}
	for _, s := range c.SkillTags {
		if slices.ContainsFunc(f.Skills, func(want string) bool { return strings.EqualFold(strings.TrimSpace(want), strings.TrimSpace(s)) }) {
			return true
		}
	}
	return false
}
