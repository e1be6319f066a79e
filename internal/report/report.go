// Package report summarizes the task board for the daily report and the
// stats endpoint.
package report

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/CookPiu/Bot/internal/domain"
	"github.com/CookPiu/Bot/internal/notify"
	"github.com/CookPiu/Bot/internal/repository"
)

// TopPerformers is how many candidates a report ranks.
const TopPerformers = 5

// Source is the read side of the lifecycle engine a report is built from.
type Source interface {
	List(ctx context.Context, filter repository.TaskFilter) ([]*domain.Task, error)
	Candidates(ctx context.Context, filter repository.CandidateFilter) ([]*domain.Candidate, error)
}

// Performer is one ranked candidate.
type Performer struct {
	UserID           string  `json:"user_id"`
	Name             string  `json:"name,omitempty"`
	PerformanceScore float64 `json:"performance_score"`
	CompletedTasks   int     `json:"completed_tasks"`
}

// Stats is a snapshot of the board. Archived tasks are not counted.
type Stats struct {
	Date        string    `json:"date"`
	GeneratedAt time.Time `json:"generated_at"`
	TotalTasks  int       `json:"total_tasks"`

	ByStatus  map[domain.Status]int  `json:"by_status"`
	ByUrgency map[domain.Urgency]int `json:"by_urgency"`

	// AverageScore is the mean final score of scored tasks, 0 when none are.
	AverageScore float64 `json:"average_score"`
	// CompletionRate is the completed share of all tasks, in percent.
	CompletionRate float64 `json:"completion_rate"`

	CreatedToday   int         `json:"created_today"`
	CompletedToday int         `json:"completed_today"`
	TopPerformers  []Performer `json:"top_performers"`
}

// Build loads the board from src and summarizes it as of now.
func Build(ctx context.Context, src Source, now time.Time) (Stats, error) {
	ctx, span := otel.Tracer("report").Start(ctx, "report.build")
	defer span.End()

	tasks, err := src.List(ctx, repository.TaskFilter{})
	if err != nil {
		return Stats{}, fmt.Errorf("list tasks: %w", err)
	}
	cands, err := src.Candidates(ctx, repository.CandidateFilter{})
	if err != nil {
		return Stats{}, fmt.Errorf("list candidates: %w", err)
	}
	span.SetAttributes(attribute.Int("report.tasks", len(tasks)), attribute.Int("report.candidates", len(cands)))
	return Summarize(tasks, cands, now), nil
}

// Summarize computes Stats from an already loaded board. Days are UTC.
func Summarize(tasks []*domain.Task, cands []*domain.Candidate, now time.Time) Stats {
	now = now.UTC()
	s := Stats{
		Date:        now.Format(time.DateOnly),
		GeneratedAt: now,
		ByStatus:    make(map[domain.Status]int, len(domain.AllStatuses)),
		ByUrgency: map[domain.Urgency]int{
			domain.UrgencyUrgent: 0, domain.UrgencyHigh: 0, domain.UrgencyNormal: 0, domain.UrgencyLow: 0,
		},
	}
	for _, st := range domain.AllStatuses {
		s.ByStatus[st] = 0
	}

	var (
		scoreSum float64
		scored   int
	)
	for _, t := range tasks {
		if t.ArchivedAt != nil {
			continue
		}
		s.TotalTasks++
		s.ByStatus[t.Status]++
		if t.Urgency != "" {
			s.ByUrgency[t.Urgency]++
		}
		if t.FinalScore != nil {
			scoreSum += *t.FinalScore
			scored++
		}
		if sameDay(t.CreatedAt, now) {
			s.CreatedToday++
		}
		if t.CompletedAt != nil && t.Status == domain.StatusCompleted && sameDay(*t.CompletedAt, now) {
			s.CompletedToday++
		}
	}
	if scored > 0 {
		s.AverageScore = round2(scoreSum / float64(scored))
	}
	if s.TotalTasks > 0 {
		s.CompletionRate = round2(float64(s.ByStatus[domain.StatusCompleted]) / float64(s.TotalTasks) * 100)
	}
	s.TopPerformers = rank(cands)
	return s
}

// rank orders candidates with at least one completed task by performance,
// then completed count, then user id.
func rank(cands []*domain.Candidate) []Performer {
	out := make([]Performer, 0, TopPerformers)
	for _, c := range cands {
		if c.CompletedTasks == 0 {
			continue
		}
		out = append(out, Performer{
			UserID:           c.UserID,
			Name:             c.Name,
			PerformanceScore: c.PerformanceScore,
			CompletedTasks:   c.CompletedTasks,
		})
	}
	slices.SortFunc(out, func(a, b Performer) int {
		if c := cmp.Compare(b.PerformanceScore, a.PerformanceScore); c != 0 {
			return c
		}
		if c := cmp.Compare(b.CompletedTasks, a.CompletedTasks); c != 0 {
			return c
		}
		return strings.Compare(a.UserID, b.UserID)
	})
	if len(out) > TopPerformers {
		out = out[:TopPerformers]
	}
	return out
}

// Text renders the report as a chat message body.
func (s Stats) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tasks: %d total, %d created today, %d completed today\n", s.TotalTasks, s.CreatedToday, s.CompletedToday)
	b.WriteString("Status:")
	for _, st := range domain.AllStatuses {
		fmt.Fprintf(&b, " %s=%d", st, s.ByStatus[st])
	}
	b.WriteString("\nUrgency:")
	for _, u := range []domain.Urgency{domain.UrgencyUrgent, domain.UrgencyHigh, domain.UrgencyNormal, domain.UrgencyLow} {
		fmt.Fprintf(&b, " %s=%d", u, s.ByUrgency[u])
	}
	fmt.Fprintf(&b, "\nAverage score %.2f, completion rate %.2f%%", s.AverageScore, s.CompletionRate)
	for i, p := range s.TopPerformers {
		name := p.Name
		if name == "" {
			name = p.UserID
		}
		fmt.Fprintf(&b, "\n%d. %s (%.1f, %d done)", i+1, name, p.PerformanceScore, p.CompletedTasks)
	}
	return b.String()
}

// Notice wraps the report for the notification bus.
func (s Stats) Notice() notify.Transition {
	return notify.Transition{
		Title:      "Daily report " + s.Date,
		Trigger:    notify.TriggerDailyReport,
		Actor:      "sweeper",
		Reason:     s.Text(),
		OccurredAt: s.GeneratedAt,
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
