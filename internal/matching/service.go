package matching

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/CookPiu/Bot/internal/domain"
	"github.com/CookPiu/Bot/internal/notify"
	"github.com/CookPiu/Bot/internal/repository"
	"github.com/CookPiu/Bot/pkg/telemetry"
)

// ExternalScore is a 0-100 judgement from an external ranker.
type ExternalScore struct {
	Score  float64
	Reason string
}

// ExternalRanker scores already-eligible candidates. It never filters: ids
// it returns that are not in the input are ignored.
type ExternalRanker interface {
	Rank(ctx context.Context, task *domain.Task, eligible []Match) (map[string]ExternalScore, error)
}

// Service loads a snapshot and ranks it, optionally consulting an external ranker.
type Service struct {
	tasks      repository.TaskRepository
	candidates repository.CandidateRepository
	engine     *Engine
	ranker     ExternalRanker
	timeout    time.Duration
	logger     *slog.Logger

	notifier notify.Notifier
	invites  int
}

// Option configures a Service.
type Option func(*Service)

func WithExternalRanker(r ExternalRanker) Option { return func(s *Service) { s.ranker = r } }
func WithRankTimeout(d time.Duration) Option     { return func(s *Service) { s.timeout = d } }
func WithLogger(l *slog.Logger) Option           { return func(s *Service) { s.logger = l } }

// WithInvites sends an invitation to the n best candidates of each new
// task. n <= 0 turns invitations off.
func WithInvites(n notify.Notifier, count int) Option {
	return func(s *Service) { s.notifier, s.invites = n, count }
}

func NewService(tasks repository.TaskRepository, candidates repository.CandidateRepository, engine *Engine, opts ...Option) *Service {
	s := &Service{
		tasks:      tasks,
		candidates: candidates,
		engine:     engine,
		timeout:    20 * time.Second,
		logger:     slog.Default(),
		notifier:   notify.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot reads the available candidate pool and their current loads.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	cands, err := s.candidates.List(ctx, repository.CandidateFilter{AvailableOnly: true})
	if err != nil {
		return Snapshot{}, fmt.Errorf("list candidates: %w", err)
	}
	active, err := s.tasks.List(ctx, repository.TaskFilter{Statuses: domain.ActiveStatuses})
	if err != nil {
		return Snapshot{}, fmt.Errorf("list active tasks: %w", err)
	}
	return Snapshot{Candidates: cands, Loads: LoadsFrom(active)}, nil
}

// Recommend returns the ranked candidates for a task.
func (s *Service) Recommend(ctx context.Context, taskID string) ([]Match, error) {
	ctx, span := otel.Tracer("matching").Start(ctx, "matching.recommend")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID))

	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	matches := s.engine.Score(task, snap)
	path := "composite"
	if s.ranker != nil && len(matches) > 0 {
		if s.applyExternal(ctx, task, matches) {
			path = "external"
		}
	}
	telemetry.RecommendationsTotal.WithLabelValues(path).Inc()
	span.SetAttributes(attribute.String("matching.path", path), attribute.Int("matching.eligible", len(matches)))

	return s.engine.Top(matches), nil
}

// Invite ranks the candidates of a freshly created task and notifies the top
// ones. It returns who was invited. A failed notice is logged and skipped.
func (s *Service) Invite(ctx context.Context, taskID string) ([]Match, error) {
	if s.invites <= 0 {
		return nil, nil
	}
	ctx, span := otel.Tracer("matching").Start(ctx, "matching.invite")
	defer span.End()

	matches, err := s.Recommend(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(matches) > s.invites {
		matches = matches[:s.invites]
	}
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	invited := make([]Match, 0, len(matches))
	for _, m := range matches {
		err := s.notifier.Notify(ctx, notify.Transition{
			TaskID:     task.ID,
			Title:      task.Title,
			To:         task.Status,
			Trigger:    notify.TriggerInvite,
			Assignee:   m.Candidate.UserID,
			Actor:      task.CreatedBy,
			Reason:     m.Reason,
			Deadline:   task.Deadline,
			OccurredAt: time.Now().UTC(),
		})
		if err != nil {
			s.logger.Warn("invitation not sent",
				slog.String("task_id", task.ID),
				slog.String("user_id", m.Candidate.UserID),
				slog.String("error", err.Error()),
			)
			continue
		}
		invited = append(invited, m)
	}
	span.SetAttributes(attribute.Int("matching.invited", len(invited)))
	return invited, nil
}

// applyExternal rescoring replaces the skill and performance terms with the
// external score. Any failure leaves the composite scores untouched.
func (s *Service) applyExternal(ctx context.Context, task *domain.Task, matches []Match) bool {
	rankCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	scores, err := s.ranker.Rank(rankCtx, task, matches)
	if err != nil {
		s.logger.Warn("external ranking failed, using composite score",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	if len(scores) == 0 {
		return false
	}

	w := s.engine.Weights()
	boost := UrgencyBoost(task.Urgency)
	applied := false
	for i := range matches {
		ext, ok := scores[matches[i].Candidate.UserID]
		if !ok {
			continue
		}
		v := clamp01(ext.Score/100) * 100
		matches[i].ExternalScore = &v
		matches[i].Score = (w.Skill+w.Performance)*(v/100) + w.Urgency*boost - w.Load*float64(matches[i].ActiveAssignments)
		if ext.Reason != "" {
			matches[i].Reason = ext.Reason
		}
		applied = true
	}
	return applied
}
