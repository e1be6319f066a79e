package statemachine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/CookPiu/Bot/internal/domain"
	"github.com/CookPiu/Bot/internal/matching"
	"github.com/CookPiu/Bot/internal/notify"
	"github.com/CookPiu/Bot/internal/repository"
	"github.com/CookPiu/Bot/pkg/telemetry"
)

// Performance averaging modes.
const (
	PerformanceSimple = "simple"
	PerformanceEMA    = "ema"
)

// Evaluator produces a verdict for a task under review.
type Evaluator interface {
	Evaluate(ctx context.Context, task *domain.Task, ev domain.EvaluationEvent) (domain.Result, error)
}

// Config tunes the engine.
type Config struct {
	// MaxRetries is the number of failed review rounds that send the task
	// back to rework. The next failure rejects it.
	MaxRetries int
	// ConflictRetries bounds reload-and-retry after a version conflict.
	ConflictRetries int
	PerformanceMode string
	EMAAlpha        float64
}

// Engine validates and applies task transitions.
type Engine struct {
	tasks      repository.TaskRepository
	candidates repository.CandidateRepository
	evaluator  Evaluator
	matcher    *matching.Engine
	locker     Locker
	notifier   notify.Notifier
	newID      func() string
	now        func() time.Time
	cfg        Config
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

func WithLocker(l Locker) Option               { return func(e *Engine) { e.locker = l } }
func WithNotifier(n notify.Notifier) Option    { return func(e *Engine) { e.notifier = n } }
func WithMatcher(m *matching.Engine) Option    { return func(e *Engine) { e.matcher = m } }
func WithLogger(l *slog.Logger) Option         { return func(e *Engine) { e.logger = l } }
func WithClock(now func() time.Time) Option    { return func(e *Engine) { e.now = now } }
func WithIDGenerator(gen func() string) Option { return func(e *Engine) { e.newID = gen } }

// New returns an Engine. Without options it uses an in-process lock, drops
// notifications and checks eligibility with the default matching weights.
func New(tasks repository.TaskRepository, candidates repository.CandidateRepository, evaluator Evaluator, cfg Config, opts ...Option) *Engine {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 5
	}
	if cfg.PerformanceMode == "" {
		cfg.PerformanceMode = PerformanceSimple
	}
	if cfg.EMAAlpha <= 0 || cfg.EMAAlpha > 1 {
		cfg.EMAAlpha = 0.3
	}
	e := &Engine{
		tasks:      tasks,
		candidates: candidates,
		evaluator:  evaluator,
		matcher:    matching.NewEngine(matching.Config{}),
		locker:     NewKeyedMutex(),
		notifier:   notify.Nop{},
		now:        func() time.Time { return time.Now().UTC() },
		cfg:        cfg,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.newID == nil {
		e.newID = NewIDGenerator(e.now)
	}
	return e
}

// CreateRequest is the input of Create.
type CreateRequest struct {
	Title              string
	Description        string
	AcceptanceCriteria string
	SkillTags          []string
	Urgency            domain.Urgency
	Kind               domain.Kind
	CreatedBy          string
	Deadline           time.Time
	RewardPoints       int
	EstimatedHours     float64
	PassThreshold      *float64
}

func (r CreateRequest) validate(now time.Time) error {
	switch {
	case strings.TrimSpace(r.Title) == "":
		return &domain.ValidationError{Field: "title", Reason: "required"}
	case len(cleanTags(r.SkillTags)) == 0:
		return &domain.ValidationError{Field: "skill_tags", Reason: "at least one tag required"}
	case r.EstimatedHours <= 0 || math.IsNaN(r.EstimatedHours):
		return &domain.ValidationError{Field: "estimated_hours", Reason: "must be positive"}
	case r.RewardPoints < 0:
		return &domain.ValidationError{Field: "reward_points", Reason: "must not be negative"}
	case r.Deadline.IsZero():
		return &domain.ValidationError{Field: "deadline", Reason: "required"}
	case !r.Deadline.After(now):
		return &domain.ValidationError{Field: "deadline", Reason: "must be in the future"}
	case r.Urgency != "" && !r.Urgency.IsValid():
		return &domain.ValidationError{Field: "urgency", Reason: fmt.Sprintf("unknown value %q", r.Urgency)}
	case r.Kind != "" && r.Kind != domain.KindCode && r.Kind != domain.KindGeneral:
		return &domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown value %q", r.Kind)}
	case r.PassThreshold != nil && (*r.PassThreshold < 0 || *r.PassThreshold > 100):
		return &domain.ValidationError{Field: "pass_threshold", Reason: "must be within 0-100"}
	}
	return nil
}

// Create stores a new pending task.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*domain.Task, error) {
	now := e.now()
	if err := req.validate(now); err != nil {
		return nil, err
	}
	tags := cleanTags(req.SkillTags)
	task := &domain.Task{
		Title:              strings.TrimSpace(req.Title),
		Description:        req.Description,
		AcceptanceCriteria: req.AcceptanceCriteria,
		SkillTags:          tags,
		Status:             domain.StatusPending,
		Urgency:            req.Urgency,
		Kind:               req.Kind,
		CreatedBy:          req.CreatedBy,
		CreatedAt:          now,
		UpdatedAt:          now,
		Deadline:           req.Deadline.UTC(),
		RewardPoints:       req.RewardPoints,
		EstimatedHours:     req.EstimatedHours,
		PassThreshold:      req.PassThreshold,
	}
	if task.Urgency == "" {
		task.Urgency = domain.UrgencyNormal
	}
	if task.Kind == "" {
		task.Kind = domain.InferKind(tags, req.Description)
	}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		task.ID = e.newID()
		err = e.tasks.Create(ctx, task)
		var conflict *domain.ConflictError
		if !errors.As(err, &conflict) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	telemetry.APITasksCreated.WithLabelValues(string(task.Kind)).Inc()
	e.emit(ctx, nil, task, TriggerCreate, req.CreatedBy, "")
	return task.Clone(), nil
}

// Get returns the current task.
func (e *Engine) Get(ctx context.Context, id string) (*domain.Task, error) {
	return e.tasks.Get(ctx, id)
}

// List returns tasks matching filter.
func (e *Engine) List(ctx context.Context, filter repository.TaskFilter) ([]*domain.Task, error) {
	return e.tasks.List(ctx, filter)
}

// Assign hands a pending task to an eligible candidate.
func (e *Engine) Assign(ctx context.Context, id, userID, actor string) (*domain.Task, error) {
	task, err := e.transition(ctx, id, TriggerAssign, actor, "", func(t *domain.Task, now time.Time) error {
		if !CanFire(t.Status, TriggerAssign) {
			return invalid(t, TriggerAssign, "")
		}
		c, err := e.candidates.Get(ctx, userID)
		if err != nil {
			return err
		}
		active, err := e.tasks.List(ctx, repository.TaskFilter{Assignee: userID, Statuses: domain.ActiveStatuses})
		if err != nil {
			return fmt.Errorf("load assignments of %s: %w", userID, err)
		}
		if !e.matcher.Eligible(t, c, matching.LoadsFrom(active)[userID]) {
			return invalid(t, TriggerAssign, fmt.Sprintf("candidate %s is not eligible", userID))
		}
		t.Status = domain.StatusAssigned
		t.Assignee = userID
		t.AcceptedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.touchCandidate(ctx, userID)
	return task, nil
}

// Start moves an assigned task into work.
func (e *Engine) Start(ctx context.Context, id, actor string) (*domain.Task, error) {
	task, err := e.transition(ctx, id, TriggerStart, actor, "", func(t *domain.Task, _ time.Time) error {
		if !CanFire(t.Status, TriggerStart) {
			return invalid(t, TriggerStart, "")
		}
		t.Status = domain.StatusInProgress
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.touchCandidate(ctx, task.Assignee)
	return task, nil
}

// Submit records a submission reference and queues the task for review.
func (e *Engine) Submit(ctx context.Context, id, ref, actor string) (*domain.Task, error) {
	ref = strings.TrimSpace(ref)
	task, err := e.transition(ctx, id, TriggerSubmit, actor, "", func(t *domain.Task, now time.Time) error {
		if !CanFire(t.Status, TriggerSubmit) {
			return invalid(t, TriggerSubmit, "")
		}
		if ref == "" {
			return invalid(t, TriggerSubmit, "submission ref is empty")
		}
		t.Status = domain.StatusSubmitted
		t.SubmissionRef = ref
		if t.SubmittedAt == nil {
			t.SubmittedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.touchCandidate(ctx, task.Assignee)
	return task, nil
}

// Cancel stops a non-terminal task.
func (e *Engine) Cancel(ctx context.Context, id, reason, actor string) (*domain.Task, error) {
	return e.transition(ctx, id, TriggerCancel, actor, reason, func(t *domain.Task, _ time.Time) error {
		if !CanFire(t.Status, TriggerCancel) {
			return invalid(t, TriggerCancel, "")
		}
		t.Status = domain.StatusCancelled
		return nil
	})
}

// Evaluate runs one review round for a submitted task.
//
// The task moves to reviewing under the task lock; the evaluator then runs
// without the lock; the verdict is applied under the lock only if the task
// is still reviewing the same round. A stale verdict, or a CI result for a
// commit an earlier round already judged, returns
// *domain.TaskAlreadyProcessedError. Provider unavailability leaves the
// task in reviewing and returns *domain.ProviderUnavailableError.
func (e *Engine) Evaluate(ctx context.Context, id string, ev domain.EvaluationEvent) (*domain.Task, domain.Result, error) {
	ctx, span := otel.Tracer("statemachine").Start(ctx, "statemachine.evaluate")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id), attribute.String("event.source", string(ev.Source)))
	actor := string(ev.Source)

	before, review, moved, err := e.apply(ctx, id, func(t *domain.Task) (bool, error) {
		// An old commit's result must not land on a newer round, even one
		// that is already reviewing.
		switch {
		case t.JudgedEarlier(ev):
			return false, &domain.TaskAlreadyProcessedError{
				TaskID: t.ID, Status: t.Status,
				Reason: fmt.Sprintf("commit %s was judged in an earlier round", ev.HeadSHA),
			}
		case t.Status == domain.StatusReviewing:
			return false, nil
		case t.Status.IsTerminal():
			return false, &domain.TaskAlreadyProcessedError{TaskID: t.ID, Status: t.Status}
		case !CanFire(t.Status, TriggerEvaluate):
			return false, invalid(t, TriggerEvaluate, "no submission awaiting review")
		}
		t.Status = domain.StatusReviewing
		if ev.Conclusion != "" {
			t.CIConclusion = ev.Conclusion
		}
		return true, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, domain.Result{}, err
	}
	if moved {
		e.emit(ctx, before, review, TriggerEvaluate, actor, "")
	}
	round := review.RetryCount

	res, err := e.evaluator.Evaluate(ctx, review, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "no verdict")
		e.logger.Warn("evaluation deferred, task stays in review",
			slog.String("task_id", id),
			slog.String("error", err.Error()),
		)
		return review, domain.Result{}, err
	}

	now := e.now()
	var trigger Trigger
	before, after, _, err := e.apply(ctx, id, func(t *domain.Task) (bool, error) {
		if t.Status != domain.StatusReviewing || t.RetryCount != round {
			return false, &domain.TaskAlreadyProcessedError{TaskID: t.ID, Status: t.Status}
		}
		if ev.Conclusion != "" {
			t.CIConclusion = ev.Conclusion
		}
		score := res.Score
		if res.Verdict == domain.VerdictPass {
			trigger = TriggerPass
			t.Status = domain.StatusCompleted
			t.FinalScore = &score
			t.CompletedAt = &now
			t.FailureReasons = nil
			return true, nil
		}
		trigger = TriggerFail
		t.FailureReasons = slices.Clone(res.Rationale)
		if t.RetryCount < e.cfg.MaxRetries {
			t.Status = domain.StatusInProgress
			t.RetryCount++
			t.SubmissionRef = ""
			if ev.HeadSHA != "" && !slices.Contains(t.ReviewedSHAs, ev.HeadSHA) {
				t.ReviewedSHAs = append(t.ReviewedSHAs, ev.HeadSHA)
			}
			t.ReviewedAt = &now
		} else {
			t.Status = domain.StatusRejected
			t.FinalScore = &score
		}
		return true, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, res, err
	}

	span.SetAttributes(attribute.String("task.status", string(after.Status)))
	if after.Status.IsTerminal() {
		e.creditCandidate(ctx, after)
	}
	e.emit(ctx, before, after, trigger, actor, strings.Join(res.Rationale, "; "))
	return after, res, nil
}

// transition runs a guarded mutation that always saves, then notifies.
func (e *Engine) transition(ctx context.Context, id string, trigger Trigger, actor, reason string, fn func(t *domain.Task, now time.Time) error) (*domain.Task, error) {
	ctx, span := otel.Tracer("statemachine").Start(ctx, "statemachine."+string(trigger))
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id))

	now := e.now()
	before, after, _, err := e.apply(ctx, id, func(t *domain.Task) (bool, error) {
		if err := fn(t, now); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	e.emit(ctx, before, after, trigger, actor, reason)
	return after, nil
}

// apply is lock, re-read, validate and mutate, CAS save, unlock. fn runs on
// a fresh copy for every attempt; returning false skips the save.
func (e *Engine) apply(ctx context.Context, id string, fn func(t *domain.Task) (bool, error)) (before, after *domain.Task, changed bool, err error) {
	unlock, err := e.locker.Lock(ctx, "task:"+id)
	if err != nil {
		return nil, nil, false, err
	}
	defer unlock()

	for attempt := 1; ; attempt++ {
		cur, err := e.tasks.Get(ctx, id)
		if err != nil {
			return nil, nil, false, err
		}
		next := cur.Clone()
		changed, err := fn(next)
		if err != nil {
			return cur, nil, false, err
		}
		if !changed {
			return cur, next, false, nil
		}

		err = e.tasks.Save(ctx, next)
		if err == nil {
			return cur, next, true, nil
		}
		var conflict *domain.ConflictError
		if !errors.As(err, &conflict) {
			return cur, nil, false, fmt.Errorf("save task %s: %w", id, err)
		}
		if attempt >= e.cfg.ConflictRetries {
			return cur, nil, false, err
		}
		telemetry.ConflictRetriesTotal.WithLabelValues("task").Inc()
		e.logger.Debug("task version conflict, reloading",
			slog.String("task_id", id),
			slog.Int("attempt", attempt),
		)
	}
}

func (e *Engine) emit(ctx context.Context, before, after *domain.Task, trigger Trigger, actor, reason string) {
	telemetry.TransitionsTotal.WithLabelValues(string(trigger), string(after.Status)).Inc()

	t := notify.Transition{
		TaskID:     after.ID,
		Title:      after.Title,
		To:         after.Status,
		Trigger:    string(trigger),
		Assignee:   after.Assignee,
		Actor:      actor,
		Score:      after.FinalScore,
		Reason:     reason,
		Deadline:   after.Deadline,
		OccurredAt: e.now(),
	}
	if before != nil {
		t.From = before.Status
	}
	e.logger.Info("task transition",
		slog.String("task_id", t.TaskID),
		slog.String("from", string(t.From)),
		slog.String("to", string(t.To)),
		slog.String("trigger", t.Trigger),
	)
	if err := e.notifier.Notify(ctx, t); err != nil {
		e.logger.Error("notify transition failed",
			slog.String("task_id", t.TaskID),
			slog.String("error", err.Error()),
		)
	}
}

// touchCandidate bumps last_active. Failures are logged only.
func (e *Engine) touchCandidate(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	now := e.now()
	e.updateCandidate(ctx, userID, func(c *domain.Candidate) { c.LastActive = now })
}

// creditCandidate folds a terminal review into the assignee's record.
func (e *Engine) creditCandidate(ctx context.Context, t *domain.Task) {
	if t.Assignee == "" || t.FinalScore == nil {
		return
	}
	score := *t.FinalScore
	completed := t.Status == domain.StatusCompleted
	e.updateCandidate(ctx, t.Assignee, func(c *domain.Candidate) {
		if completed {
			c.CompletedTasks++
			c.RewardPoints += t.RewardPoints
		}
		e.foldPerformance(c, score)
	})
}

func (e *Engine) foldPerformance(c *domain.Candidate, score float64) {
	switch {
	case e.cfg.PerformanceMode == PerformanceEMA && c.EvaluatedTasks > 0:
		c.PerformanceScore = e.cfg.EMAAlpha*score + (1-e.cfg.EMAAlpha)*c.PerformanceScore
	default:
		n := float64(c.EvaluatedTasks)
		c.PerformanceScore = (c.PerformanceScore*n + score) / (n + 1)
	}
	c.EvaluatedTasks++
}

func (e *Engine) updateCandidate(ctx context.Context, userID string, fn func(c *domain.Candidate)) {
	for attempt := 1; attempt <= e.cfg.ConflictRetries; attempt++ {
		c, err := e.candidates.Get(ctx, userID)
		if err != nil {
			e.logger.Error("load candidate failed", slog.String("user_id", userID), slog.String("error", err.Error()))
			return
		}
		fn(c)
		err = e.candidates.Save(ctx, c)
		if err == nil {
			return
		}
		var conflict *domain.ConflictError
		if !errors.As(err, &conflict) {
			e.logger.Error("save candidate failed", slog.String("user_id", userID), slog.String("error", err.Error()))
			return
		}
		telemetry.ConflictRetriesTotal.WithLabelValues("candidate").Inc()
	}
	e.logger.Error("candidate update gave up after conflicts", slog.String("user_id", userID))
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || slices.ContainsFunc(out, func(o string) bool { return strings.EqualFold(o, t) }) {
			continue
		}
		out = append(out, t)
	}
	return out
}
