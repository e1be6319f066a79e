// Package notify carries transition events out of the lifecycle engine.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CookPiu/Bot/internal/domain"
)

// Transition describes one applied state change.
type Transition struct {
	TaskID     string        `json:"task_id"`
	Title      string        `json:"title"`
	From       domain.Status `json:"from,omitempty"`
	To         domain.Status `json:"to"`
	Trigger    string        `json:"trigger"`
	Assignee   string        `json:"assignee,omitempty"`
	Actor      string        `json:"actor,omitempty"`
	Score      *float64      `json:"score,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Deadline   time.Time     `json:"deadline,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// Notifier is invoked after every successful transition. Delivery to people
// is the notifier service's job; a Notifier only hands the event off.
type Notifier interface {
	Notify(ctx context.Context, t Transition) error
}

// Nop drops every transition.
type Nop struct{}

func (Nop) Notify(context.Context, Transition) error { return nil }

// Log writes each transition as a structured log line.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(_ context.Context, t Transition) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		slog.String("task_id", t.TaskID),
		slog.String("from", string(t.From)),
		slog.String("to", string(t.To)),
		slog.String("trigger", t.Trigger),
	}
	if t.Assignee != "" {
		attrs = append(attrs, slog.String("assignee", t.Assignee))
	}
	if t.Score != nil {
		attrs = append(attrs, slog.Float64("score", *t.Score))
	}
	logger.Info("task transition", attrs...)
	return nil
}

// Multi fans a transition out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, t Transition) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Triggers for events that report on a task without changing its status.
const (
	TriggerReminder  = "reminder"
	TriggerOverdue   = "overdue"
	TriggerCIStarted = "ci_started"
	TriggerInvite    = "invite"
)

// TriggerDailyReport carries a whole-board summary in Reason. It is the only
// trigger sent without a TaskID.
const TriggerDailyReport = "daily_report"

// Render formats a transition as a short plain-text message for chat and mail.
func Render(t Transition) string {
	var b strings.Builder
	switch {
	case t.Trigger == TriggerReminder:
		fmt.Fprintf(&b, "Reminder: task %s (%s) is due %s", t.TaskID, t.Title, t.Deadline.Format("2006-01-02 15:04 MST"))
	case t.Trigger == TriggerOverdue:
		fmt.Fprintf(&b, "Task %s (%s) is overdue since %s", t.TaskID, t.Title, t.Deadline.Format("2006-01-02 15:04 MST"))
	case t.Trigger == TriggerCIStarted:
		fmt.Fprintf(&b, "CI started for task %s (%s)", t.TaskID, t.Title)
	case t.Trigger == TriggerInvite:
		fmt.Fprintf(&b, "Invitation: task %s (%s) matches your skills, due %s", t.TaskID, t.Title, t.Deadline.Format("2006-01-02 15:04 MST"))
	case t.Trigger == TriggerDailyReport:
		b.WriteString(t.Title)
	default:
		renderStatus(&b, t)
	}
	if t.Score != nil {
		fmt.Fprintf(&b, ", score %.0f", *t.Score)
	}
	if t.Reason != "" {
		fmt.Fprintf(&b, "\n%s", t.Reason)
	}
	return b.String()
}

func renderStatus(b *strings.Builder, t Transition) {
	switch t.To {
	case domain.StatusPending:
		fmt.Fprintf(b, "New task %s: %s", t.TaskID, t.Title)
	case domain.StatusAssigned:
		fmt.Fprintf(b, "Task %s (%s) assigned to %s", t.TaskID, t.Title, t.Assignee)
	case domain.StatusInProgress:
		if t.From == domain.StatusReviewing {
			fmt.Fprintf(b, "Task %s (%s) needs rework", t.TaskID, t.Title)
		} else {
			fmt.Fprintf(b, "Task %s (%s) started by %s", t.TaskID, t.Title, t.Assignee)
		}
	case domain.StatusSubmitted:
		fmt.Fprintf(b, "Task %s (%s) submitted for review", t.TaskID, t.Title)
	case domain.StatusReviewing:
		fmt.Fprintf(b, "Task %s (%s) is under review", t.TaskID, t.Title)
	case domain.StatusCompleted:
		fmt.Fprintf(b, "Task %s (%s) completed", t.TaskID, t.Title)
	case domain.StatusRejected:
		fmt.Fprintf(b, "Task %s (%s) rejected", t.TaskID, t.Title)
	case domain.StatusCancelled:
		fmt.Fprintf(b, "Task %s (%s) cancelled", t.TaskID, t.Title)
	default:
		fmt.Fprintf(b, "Task %s (%s): %s", t.TaskID, t.Title, t.Trigger)
	}
}
