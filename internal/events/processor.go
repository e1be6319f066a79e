package events

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/CookPiu/Bot/internal/domain"
	"github.com/CookPiu/Bot/internal/notify"
	"github.com/CookPiu/Bot/pkg/telemetry"
)

// Outcome is the internal result of processing one delivery.
type Outcome string

const (
	OutcomeApplied       Outcome = "applied"
	OutcomeNoCorrelation Outcome = "no_correlation"
	OutcomeUnknownTask   Outcome = "unknown_task"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeStale         Outcome = "stale"
	OutcomeDeferred      Outcome = "deferred"
	OutcomeIgnored       Outcome = "ignored"
	OutcomeNotified      Outcome = "notified"
)

// Ack is the fixed-shape acknowledgment of a delivery.
type Ack struct {
	Outcome    Outcome       `json:"outcome"`
	DeliveryID string        `json:"delivery"`
	TaskID     string        `json:"task_id,omitempty"`
	Status     domain.Status `json:"task_status,omitempty"`
}

// Engine is the part of the state machine the processor drives.
type Engine interface {
	Get(ctx context.Context, id string) (*domain.Task, error)
	Evaluate(ctx context.Context, id string, ev domain.EvaluationEvent) (*domain.Task, domain.Result, error)
}

// Delivery is one signed inbound webhook request.
type Delivery struct {
	Source     domain.Source
	EventType  string
	DeliveryID string
	Signature  string
	Body       []byte
}

// Processor authenticates, de-duplicates and applies evaluation events.
type Processor struct {
	engine   Engine
	dedup    Deduper
	notifier notify.Notifier
	secrets  map[domain.Source][]byte
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithSecret sets the shared HMAC secret for deliveries from source.
func WithSecret(source domain.Source, secret []byte) Option {
	return func(p *Processor) { p.secrets[source] = secret }
}

func WithLogger(l *slog.Logger) Option { return func(p *Processor) { p.logger = l } }

// WithNotifier sets where "CI started" notices go. The default drops them.
func WithNotifier(n notify.Notifier) Option { return func(p *Processor) { p.notifier = n } }

func WithClock(now func() time.Time) Option { return func(p *Processor) { p.now = now } }

func NewProcessor(engine Engine, dedup Deduper, opts ...Option) *Processor {
	p := &Processor{
		engine:   engine,
		dedup:    dedup,
		notifier: notify.Nop{},
		secrets:  make(map[domain.Source][]byte),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Receive verifies and decodes a delivery, then processes it. The only
// error it returns is *domain.UnauthorizedError; every authenticated
// delivery yields an Ack.
func (p *Processor) Receive(ctx context.Context, d Delivery) (Ack, error) {
	if err := Verify(p.secrets[d.Source], d.Body, d.Signature); err != nil {
		telemetry.WebhookUnauthorizedTotal.WithLabelValues(string(d.Source)).Inc()
		p.logger.Warn("webhook signature rejected",
			slog.String("source", string(d.Source)),
			slog.String("delivery_id", d.DeliveryID),
		)
		return Ack{DeliveryID: d.DeliveryID}, err
	}

	var (
		ev  domain.EvaluationEvent
		ok  = true
		err error
	)
	switch d.Source {
	case domain.SourceCI:
		var gh *ghEvent
		gh, err = decodeGitHub(d.EventType, d.Body)
		switch {
		case err != nil || gh == nil:
			ok = false
		case gh.started(d.EventType):
			if d.DeliveryID == "" {
				d.DeliveryID = bodyDigest(d.Body)
			}
			return p.announceStart(ctx, d.DeliveryID, gh), nil
		default:
			ev, ok = gh.evaluation()
		}
	case domain.SourceScorer:
		ev, err = ParseScorer(d.Body)
		if ev.DeliveryID != "" && d.DeliveryID == "" {
			d.DeliveryID = ev.DeliveryID
		}
	default:
		ok = false
	}
	if d.DeliveryID == "" {
		d.DeliveryID = bodyDigest(d.Body)
	}
	if err != nil || !ok {
		if err != nil {
			p.logger.Warn("webhook payload not usable",
				slog.String("source", string(d.Source)),
				slog.String("delivery_id", d.DeliveryID),
				slog.String("error", err.Error()),
			)
		}
		return p.finish(d.Source, Ack{Outcome: OutcomeIgnored, DeliveryID: d.DeliveryID}), nil
	}

	ev.DeliveryID = d.DeliveryID
	return p.Process(ctx, ev), nil
}

// Process applies an already authenticated event. A delivery id is claimed
// before the engine runs and released again when the outcome is deferred,
// so a redelivery can retry.
func (p *Processor) Process(ctx context.Context, ev domain.EvaluationEvent) Ack {
	ctx, span := otel.Tracer("events").Start(ctx, "events.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.source", string(ev.Source)),
		attribute.String("event.delivery_id", ev.DeliveryID),
		attribute.String("task.id", ev.CorrelationKey),
	)
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = p.now()
	}

	ack := Ack{DeliveryID: ev.DeliveryID, TaskID: ev.CorrelationKey}
	log := p.logger.With(
		slog.String("source", string(ev.Source)),
		slog.String("delivery_id", ev.DeliveryID),
		slog.String("task_id", ev.CorrelationKey),
	)

	if ev.CorrelationKey == "" {
		log.Debug("delivery has no task reference")
		ack.Outcome = OutcomeNoCorrelation
		return p.finish(ev.Source, ack)
	}

	claimed, err := p.dedup.Claim(ctx, ev.DeliveryID)
	if err != nil {
		span.RecordError(err)
		log.Error("dedup claim failed", slog.String("error", err.Error()))
		ack.Outcome = OutcomeDeferred
		return p.finish(ev.Source, ack)
	}
	if !claimed {
		log.Info("duplicate delivery dropped")
		ack.Outcome = OutcomeDuplicate
		return p.finish(ev.Source, ack)
	}

	if ev.Conclusion == domain.ConclusionCancelled && ev.Score == nil {
		log.Info("ci run cancelled, waiting for another run")
		p.release(ctx, log, ev.DeliveryID)
		ack.Outcome = OutcomeDeferred
		return p.finish(ev.Source, ack)
	}

	task, _, err := p.engine.Evaluate(ctx, ev.CorrelationKey, ev)
	if task != nil {
		ack.Status = task.Status
	}

	var (
		notFound    *domain.TaskNotFoundError
		processed   *domain.TaskAlreadyProcessedError
		invalid     *domain.InvalidTransitionError
		unavailable *domain.ProviderUnavailableError
	)
	switch {
	case err == nil:
		log.Info("evaluation applied", slog.String("status", string(task.Status)))
		ack.Outcome = OutcomeApplied
	case errors.As(err, &notFound):
		log.Info("delivery references unknown task")
		ack.Outcome = OutcomeUnknownTask
	case errors.As(err, &processed):
		log.Info("late delivery for processed task", slog.String("status", string(processed.Status)))
		ack.Outcome = OutcomeStale
		ack.Status = processed.Status
	case errors.As(err, &invalid):
		log.Info("task not awaiting review", slog.String("status", string(invalid.From)))
		ack.Outcome = OutcomeStale
		ack.Status = invalid.From
	case errors.As(err, &unavailable):
		log.Warn("scoring provider unavailable", slog.String("error", err.Error()))
		p.release(ctx, log, ev.DeliveryID)
		ack.Outcome = OutcomeDeferred
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "evaluate failed")
		log.Error("evaluate failed", slog.String("error", err.Error()))
		p.release(ctx, log, ev.DeliveryID)
		ack.Outcome = OutcomeDeferred
	}
	return p.finish(ev.Source, ack)
}

// announceStart tells the assignee that CI picked up their submission. The
// task itself is not touched.
func (p *Processor) announceStart(ctx context.Context, deliveryID string, gh *ghEvent) Ack {
	ack := Ack{DeliveryID: deliveryID, TaskID: gh.key}
	log := p.logger.With(
		slog.String("source", string(domain.SourceCI)),
		slog.String("delivery_id", deliveryID),
		slog.String("task_id", gh.key),
	)
	if gh.key == "" {
		ack.Outcome = OutcomeNoCorrelation
		return p.finish(domain.SourceCI, ack)
	}

	claimed, err := p.dedup.Claim(ctx, deliveryID)
	switch {
	case err != nil:
		log.Error("dedup claim failed", slog.String("error", err.Error()))
		ack.Outcome = OutcomeDeferred
		return p.finish(domain.SourceCI, ack)
	case !claimed:
		ack.Outcome = OutcomeDuplicate
		return p.finish(domain.SourceCI, ack)
	}

	task, err := p.engine.Get(ctx, gh.key)
	var notFound *domain.TaskNotFoundError
	switch {
	case errors.As(err, &notFound):
		ack.Outcome = OutcomeUnknownTask
		return p.finish(domain.SourceCI, ack)
	case err != nil:
		log.Error("load task failed", slog.String("error", err.Error()))
		p.release(ctx, log, deliveryID)
		ack.Outcome = OutcomeDeferred
		return p.finish(domain.SourceCI, ack)
	}
	ack.Status = task.Status
	if task.Status.IsTerminal() {
		ack.Outcome = OutcomeIgnored
		return p.finish(domain.SourceCI, ack)
	}

	reason := gh.details["workflow"]
	if url := gh.details["run_url"]; url != "" {
		reason = strings.TrimSpace(reason + " " + url)
	}
	err = p.notifier.Notify(ctx, notify.Transition{
		TaskID:     task.ID,
		Title:      task.Title,
		From:       task.Status,
		To:         task.Status,
		Trigger:    notify.TriggerCIStarted,
		Assignee:   task.Assignee,
		Actor:      string(domain.SourceCI),
		Reason:     reason,
		Deadline:   task.Deadline,
		OccurredAt: p.now(),
	})
	if err != nil {
		log.Error("ci started notice failed", slog.String("error", err.Error()))
		p.release(ctx, log, deliveryID)
		ack.Outcome = OutcomeDeferred
		return p.finish(domain.SourceCI, ack)
	}
	log.Info("ci started notice sent")
	ack.Outcome = OutcomeNotified
	return p.finish(domain.SourceCI, ack)
}

func (p *Processor) release(ctx context.Context, log *slog.Logger, id string) {
	if err := p.dedup.Release(ctx, id); err != nil {
		log.Error("dedup release failed", slog.String("error", err.Error()))
	}
}

func (p *Processor) finish(source domain.Source, ack Ack) Ack {
	telemetry.WebhookEventsTotal.WithLabelValues(string(source), string(ack.Outcome)).Inc()
	return ack
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}
