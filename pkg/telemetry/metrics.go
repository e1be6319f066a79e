package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Lifecycle ───────────────────────────────────────────────────────────────

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskbot",
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Task transitions applied, labelled by trigger and target status.",
	}, []string{"trigger", "to"})

	ConflictRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskbot",
		Subsystem: "lifecycle",
		Name:      "conflict_retries_total",
		Help:      "Optimistic concurrency conflicts that forced a reload and retry.",
	}, []string{"kind"})

	// ─── Scoring ─────────────────────────────────────────────────────────────────

	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskbot",
		Subsystem: "scoring",
		Name:      "evaluations_total",
		Help:      "Evaluations run, labelled by provider and verdict (or unavailable).",
	}, []string{"provider", "verdict"})

	ProviderRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskbot",
		Subsystem: "scoring",
		Name:      "provider_retries_total",
		Help:      "Transient provider failures that were retried.",
	}, []string{"provider"})

	EvaluationDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskbot",
		Subsystem: "scoring",
		Name:      "evaluation_duration_seconds",
		Help:      "Time spent obtaining a verdict, including retries.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"provider"})

	// ─── Events ──────────────────────────────────────────────────────────────────

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskbot",
		Subsystem: "events",
		Name:      "webhook_events_total",
		Help:      "Inbound evaluation events, labelled by source and outcome.",
	}, []string{"source", "outcome"})

	WebhookUnauthorizedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskbot",
		Subsystem: "events",
		Name:      "unauthorized_total",
		Help:      "Deliveries rejected because the signature did not verify.",
	}, []string{"source"})

	// ─── Matching ────────────────────────────────────────────────────────────────

	RecommendationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskbot",
		Subsystem: "matching",
		Name:      "recommendations_total",
		Help:      "Candidate recommendations, labelled by ranking path (external or composite).",
	}, []string{"path"})

	// ─── API ─────────────────────────────────────────────────────────────────────

	APITasksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskbot",
		Subsystem: "api",
		Name:      "tasks_created_total",
		Help:      "Total tasks created through the API.",
	}, []string{"kind"})

	APIRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskbot",
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Total requests rejected by the rate limiter.",
	})

	// ─── Notifier ────────────────────────────────────────────────────────────────

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskbot",
		Subsystem: "notifier",
		Name:      "notifications_total",
		Help:      "Notification deliveries, labelled by channel and status.",
	}, []string{"channel", "status"})

	// ─── Sweeper ─────────────────────────────────────────────────────────────────

	SweeperRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskbot",
		Subsystem: "sweeper",
		Name:      "runs_total",
		Help:      "Sweeper job runs, labelled by job and status.",
	}, []string{"job", "status"})

	SweeperTasksTouched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskbot",
		Subsystem: "sweeper",
		Name:      "tasks_touched_total",
		Help:      "Tasks reminded, flagged overdue or archived by the sweeper.",
	}, []string{"job"})
)
