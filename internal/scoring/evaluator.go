package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/CookPiu/Bot/internal/domain"
	"github.com/CookPiu/Bot/internal/llm"
	"github.com/CookPiu/Bot/pkg/retry"
	"github.com/CookPiu/Bot/pkg/telemetry"
)

// DefaultPassThreshold applies when a task carries no override.
const DefaultPassThreshold = 80.0

// Config controls provider calls.
type Config struct {
	// PassThreshold is the platform threshold. Nil means
	// DefaultPassThreshold; zero passes every score.
	PassThreshold *float64
	// Timeout bounds every single provider call.
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Evaluator decides a verdict for one review round.
type Evaluator struct {
	provider  Provider
	cfg       Config
	threshold float64
	logger    *slog.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

func WithLogger(l *slog.Logger) Option { return func(e *Evaluator) { e.logger = l } }

// NewEvaluator returns an Evaluator backed by provider. Zero durations and
// attempts fall back to defaults.
func NewEvaluator(provider Provider, cfg Config, opts ...Option) *Evaluator {
	threshold := DefaultPassThreshold
	if cfg.PassThreshold != nil && *cfg.PassThreshold >= 0 {
		threshold = *cfg.PassThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	e := &Evaluator{provider: provider, cfg: cfg, threshold: threshold, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate returns the verdict for task given the inbound signal.
//
// An explicit score on the signal wins. Otherwise a failed or timed out CI
// run fails the round, a green run passes a code task, and everything else
// goes to the provider. A missing verdict is reported as
// *domain.ProviderUnavailableError, never as a fail.
func (e *Evaluator) Evaluate(ctx context.Context, task *domain.Task, ev domain.EvaluationEvent) (domain.Result, error) {
	ctx, span := otel.Tracer("scoring").Start(ctx, "scoring.evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("event.source", string(ev.Source)),
		attribute.String("event.conclusion", string(ev.Conclusion)),
	)

	threshold := task.Threshold(e.threshold)

	if ev.Score != nil {
		var rationale []string
		if ev.Rationale != "" {
			rationale = []string{ev.Rationale}
		}
		return e.record(span, e.decide(*ev.Score, threshold, rationale, string(ev.Source))), nil
	}

	switch ev.Conclusion {
	case domain.ConclusionFailure, domain.ConclusionTimedOut:
		return e.record(span, domain.Result{
			Verdict:   domain.VerdictFail,
			Score:     0,
			Rationale: []string{fmt.Sprintf("ci run concluded %s", ev.Conclusion)},
			Provider:  string(domain.SourceCI),
		}), nil
	case domain.ConclusionCancelled:
		err := &domain.ProviderUnavailableError{Provider: string(domain.SourceCI), Err: errors.New("ci run cancelled")}
		span.RecordError(err)
		span.SetStatus(codes.Error, "no verdict")
		telemetry.EvaluationsTotal.WithLabelValues(string(domain.SourceCI), "unavailable").Inc()
		return domain.Result{}, err
	case domain.ConclusionSuccess:
		if task.Kind == domain.KindCode {
			return e.record(span, domain.Result{
				Verdict:   domain.VerdictPass,
				Score:     100,
				Rationale: []string{"ci run succeeded"},
				Provider:  string(domain.SourceCI),
			}), nil
		}
	}

	raw, err := e.callProvider(ctx, task, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider unavailable")
		telemetry.EvaluationsTotal.WithLabelValues(e.provider.Name(), "unavailable").Inc()
		return domain.Result{}, err
	}
	return e.record(span, e.decide(raw.Score, threshold, raw.Rationale, e.provider.Name())), nil
}

func (e *Evaluator) callProvider(ctx context.Context, task *domain.Task, ev domain.EvaluationEvent) (Raw, error) {
	sub := Submission{
		TaskID:             task.ID,
		Title:              task.Title,
		Description:        task.Description,
		AcceptanceCriteria: task.AcceptanceCriteria,
		SubmissionRef:      task.SubmissionRef,
		Kind:               task.Kind,
		CIConclusion:       ev.Conclusion,
	}
	name := e.provider.Name()
	log := e.logger.With(slog.String("task_id", task.ID), slog.String("provider", name))

	start := time.Now()
	var raw Raw
	attempts, err := retry.DoCount(ctx, retry.Config{
		MaxAttempts: e.cfg.MaxAttempts,
		BaseDelay:   e.cfg.BaseDelay,
		MaxDelay:    e.cfg.MaxDelay,
		Retryable: func(err error) bool {
			return ctx.Err() == nil && IsTransient(err)
		},
		OnRetry: func(attempt int, retryErr error) {
			telemetry.ProviderRetriesTotal.WithLabelValues(name).Inc()
			log.Warn("provider attempt failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", retryErr.Error()),
			)
		},
	}, func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
		var callErr error
		raw, callErr = e.provider.Score(callCtx, sub)
		return callErr
	})
	telemetry.EvaluationDurationSeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		log.Error("provider unavailable",
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		return Raw{}, &domain.ProviderUnavailableError{Provider: name, Attempts: attempts, Err: err}
	}
	return raw, nil
}

func (e *Evaluator) decide(score, threshold float64, rationale []string, provider string) domain.Result {
	score = Clamp(score)
	verdict := domain.VerdictFail
	if score >= threshold {
		verdict = domain.VerdictPass
	}
	return domain.Result{Verdict: verdict, Score: score, Rationale: rationale, Provider: provider}
}

func (e *Evaluator) record(span trace.Span, res domain.Result) domain.Result {
	span.SetAttributes(
		attribute.String("scoring.verdict", string(res.Verdict)),
		attribute.Float64("scoring.score", res.Score),
	)
	telemetry.EvaluationsTotal.WithLabelValues(res.Provider, string(res.Verdict)).Inc()
	return res
}

// Clamp bounds a score to [0, 100]. NaN maps to 0.
func Clamp(score float64) float64 {
	if math.IsNaN(score) {
		return 0
	}
	return math.Max(0, math.Min(100, score))
}

// IsTransient reports whether a provider error is worth another attempt.
func IsTransient(err error) bool {
	if llm.IsTransient(err) {
		return true
	}
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}
