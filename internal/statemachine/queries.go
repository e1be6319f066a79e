package statemachine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/CookPiu/Bot/internal/domain"
	"github.com/CookPiu/Bot/internal/repository"
)

// ReminderKind tells the assignee how close the deadline is.
type ReminderKind string

const (
	ReminderHalfway ReminderKind = "halfway"
	ReminderFinal   ReminderKind = "final"
)

// FinalReminderWindow is how long before the deadline the final reminder fires.
const FinalReminderWindow = 24 * time.Hour

// Reminder is a task whose assignee should be nudged.
type Reminder struct {
	Task *domain.Task
	Kind ReminderKind
}

// Overdue returns open tasks whose deadline passed before now.
func (e *Engine) Overdue(ctx context.Context, now time.Time) ([]*domain.Task, error) {
	tasks, err := e.tasks.List(ctx, repository.TaskFilter{
		Statuses:       openStatuses(),
		DeadlineBefore: now,
	})
	if err != nil {
		return nil, fmt.Errorf("list overdue tasks: %w", err)
	}
	// Stores may compare deadlines at coarser precision than now.
	return slices.DeleteFunc(tasks, func(t *domain.Task) bool { return !t.IsOverdue(now) }), nil
}

// DueForReminder returns assigned and in-progress tasks that crossed the
// halfway point of their deadline window or entered its last 24 hours.
// Callers are expected to remember which reminders were already sent.
func (e *Engine) DueForReminder(ctx context.Context, now time.Time) ([]Reminder, error) {
	tasks, err := e.tasks.List(ctx, repository.TaskFilter{
		Statuses: []domain.Status{domain.StatusAssigned, domain.StatusInProgress},
	})
	if err != nil {
		return nil, fmt.Errorf("list tasks for reminders: %w", err)
	}

	var out []Reminder
	for _, t := range tasks {
		if kind, ok := reminderKind(t, now); ok {
			out = append(out, Reminder{Task: t, Kind: kind})
		}
	}
	return out, nil
}

func reminderKind(t *domain.Task, now time.Time) (ReminderKind, bool) {
	if t.Assignee == "" || t.Deadline.IsZero() || !now.Before(t.Deadline) {
		return "", false
	}
	if t.Deadline.Sub(now) <= FinalReminderWindow {
		return ReminderFinal, true
	}
	start := t.CreatedAt
	if t.AcceptedAt != nil {
		start = *t.AcceptedAt
	}
	if !now.Before(start.Add(t.Deadline.Sub(start) / 2)) {
		return ReminderHalfway, true
	}
	return "", false
}

// Archive soft-deletes terminal tasks that ended more than retention ago and
// returns how many it archived. A task ends at completed_at when set, else at
// its last update.
func (e *Engine) Archive(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	tasks, err := e.tasks.List(ctx, repository.TaskFilter{
		Statuses: []domain.Status{domain.StatusCompleted, domain.StatusRejected, domain.StatusCancelled},
	})
	if err != nil {
		return 0, fmt.Errorf("list terminal tasks: %w", err)
	}

	cutoff := now.Add(-retention)
	archived := 0
	for _, t := range tasks {
		if !endedAt(t).Before(cutoff) {
			continue
		}
		_, _, changed, err := e.apply(ctx, t.ID, func(cur *domain.Task) (bool, error) {
			if !cur.Status.IsTerminal() || cur.ArchivedAt != nil {
				return false, nil
			}
			at := now
			cur.ArchivedAt = &at
			return true, nil
		})
		if err != nil {
			e.logger.Error("archive task failed",
				slog.String("task_id", t.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if changed {
			archived++
		}
	}
	return archived, nil
}

func endedAt(t *domain.Task) time.Time {
	if t.CompletedAt != nil {
		return *t.CompletedAt
	}
	return t.UpdatedAt
}

func openStatuses() []domain.Status {
	out := make([]domain.Status, 0, len(domain.AllStatuses))
	for _, s := range domain.AllStatuses {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}
