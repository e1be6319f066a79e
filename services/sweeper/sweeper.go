// Package sweeper runs the periodic deadline reminders, overdue flags,
// archival and daily report on the elected leader.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/CookPiu/Bot/internal/domain"
	"github.com/CookPiu/Bot/internal/notify"
	"github.com/CookPiu/Bot/internal/report"
	"github.com/CookPiu/Bot/internal/statemachine"
	"github.com/CookPiu/Bot/pkg/telemetry"
)

// Job names, as used in metrics and on the command line.
const (
	JobReminders = "reminders"
	JobOverdue   = "overdue"
	JobArchive   = "archive"
	JobReport    = "report"
)

// Tasks is the read side of the lifecycle engine the sweeper drives.
type Tasks interface {
	report.Source
	DueForReminder(ctx context.Context, now time.Time) ([]statemachine.Reminder, error)
	Overdue(ctx context.Context, now time.Time) ([]*domain.Task, error)
	Archive(ctx context.Context, now time.Time, retention time.Duration) (int, error)
}

// Marker remembers which notices were already sent.
type Marker interface {
	Mark(ctx context.Context, parts ...string) (bool, error)
	Unmark(ctx context.Context, parts ...string) error
}

// Elector reports whether this instance currently leads.
type Elector interface {
	TryAcquire(ctx context.Context) (bool, error)
}

// Config holds the cron schedules and limits of the sweeper jobs.
type Config struct {
	RemindersSchedule string
	OverdueSchedule   string
	ArchiveSchedule   string
	ReportSchedule    string
	// Retention is how long terminal tasks stay visible before archival.
	Retention  time.Duration
	RunTimeout time.Duration
	// RenewEvery is how often a running job refreshes the leader lease.
	// It must stay well below the lease TTL.
	RenewEvery time.Duration
}

// DefaultConfig sweeps reminders every 15 minutes and overdue tasks hourly,
// reports at 18:00 and archives nightly after 30 days.
var DefaultConfig = Config{
	RemindersSchedule: "*/15 * * * *",
	OverdueSchedule:   "0 * * * *",
	ArchiveSchedule:   "30 3 * * *",
	ReportSchedule:    "0 18 * * *",
	Retention:         30 * 24 * time.Hour,
	RunTimeout:        5 * time.Minute,
	RenewEvery:        15 * time.Second,
}

// Sweeper schedules the jobs and gates each run on leadership.
type Sweeper struct {
	tasks    Tasks
	notifier notify.Notifier
	markers  Marker
	elector  Elector
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Sweeper.
type Option func(*Sweeper)

func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(s *Sweeper) { s.logger = l } }

// New returns a Sweeper. A nil elector runs every job locally.
func New(tasks Tasks, n notify.Notifier, markers Marker, elector Elector, cfg Config, opts ...Option) *Sweeper {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultConfig.RunTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig.Retention
	}
	if cfg.RenewEvery <= 0 {
		cfg.RenewEvery = DefaultConfig.RenewEvery
	}
	s := &Sweeper{
		tasks:    tasks,
		notifier: n,
		markers:  markers,
		elector:  elector,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run schedules every job with a schedule and blocks until ctx is cancelled,
// then waits for running jobs to finish.
func (s *Sweeper) Run(ctx context.Context) error {
	log := cronLogger{s.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
	for _, job := range []struct{ name, schedule string }{
		{JobReminders, s.cfg.RemindersSchedule},
		{JobOverdue, s.cfg.OverdueSchedule},
		{JobArchive, s.cfg.ArchiveSchedule},
		{JobReport, s.cfg.ReportSchedule},
	} {
		if job.schedule == "" {
			s.logger.Info("job disabled", slog.String("job", job.name))
			continue
		}
		name := job.name
		if _, err := c.AddFunc(job.schedule, func() { _, _ = s.RunJob(ctx, name) }); err != nil {
			return fmt.Errorf("schedule %s %q: %w", name, job.schedule, err)
		}
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// ErrNotLeader is returned by RunJob when another instance leads.
var ErrNotLeader = errors.New("not the leader")

// RunJob runs one job by name if this instance leads and reports how many
// tasks it touched.
func (s *Sweeper) RunJob(ctx context.Context, name string) (int, error) {
	log := s.logger.With(slog.String("job", name))
	fn, ok := s.job(name)
	if !ok {
		return 0, fmt.Errorf("unknown job %q", name)
	}

	if s.elector != nil {
		lead, err := s.elector.TryAcquire(ctx)
		if err != nil {
			telemetry.SweeperRunsTotal.WithLabelValues(name, "error").Inc()
			log.Error("leader election failed", slog.String("error", err.Error()))
			return 0, err
		}
		if !lead {
			telemetry.SweeperRunsTotal.WithLabelValues(name, "skipped").Inc()
			log.Debug("not the leader, skipping")
			return 0, ErrNotLeader
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()
	if s.elector != nil {
		go s.holdLease(runCtx, cancel, log)
	}
	start := time.Now()
	touched, err := fn(runCtx, s.now())
	telemetry.SweeperTasksTouched.WithLabelValues(name).Add(float64(touched))
	if err != nil {
		telemetry.SweeperRunsTotal.WithLabelValues(name, "error").Inc()
		log.Error("job failed", slog.Int("touched", touched), slog.String("error", err.Error()))
		return touched, err
	}
	telemetry.SweeperRunsTotal.WithLabelValues(name, "ok").Inc()
	log.Info("job finished", slog.Int("touched", touched), slog.Duration("took", time.Since(start)))
	return touched, nil
}

// holdLease refreshes the leader lease until ctx ends and cancels the run as
// soon as the lease is lost.
func (s *Sweeper) holdLease(ctx context.Context, cancel context.CancelFunc, log *slog.Logger) {
	ticker := time.NewTicker(s.cfg.RenewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		lead, err := s.elector.TryAcquire(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil || !lead {
			log.Warn("leader lease lost, stopping job", slog.Any("error", err))
			cancel()
			return
		}
	}
}

func (s *Sweeper) job(name string) (func(context.Context, time.Time) (int, error), bool) {
	switch name {
	case JobReminders:
		return s.Reminders, true
	case JobOverdue:
		return s.Overdue, true
	case JobArchive:
		return s.Archive, true
	case JobReport:
		return s.Report, true
	}
	return nil, false
}

// Reminders nudges assignees once per task and reminder kind.
func (s *Sweeper) Reminders(ctx context.Context, now time.Time) (int, error) {
	due, err := s.tasks.DueForReminder(ctx, now)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, r := range due {
		reason := "Halfway through the deadline window"
		if r.Kind == statemachine.ReminderFinal {
			reason = "Less than 24 hours left"
		}
		ok, err := s.notifyOnce(ctx, r.Task, notify.TriggerReminder, reason, now, "reminder", r.Task.ID, string(r.Kind))
		if err != nil {
			return sent, err
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

// Overdue flags each open task past its deadline at most once a day.
func (s *Sweeper) Overdue(ctx context.Context, now time.Time) (int, error) {
	late, err := s.tasks.Overdue(ctx, now)
	if err != nil {
		return 0, err
	}
	flagged := 0
	for _, t := range late {
		ok, err := s.notifyOnce(ctx, t, notify.TriggerOverdue, "", now, "overdue", t.ID, now.Format("2006-01-02"))
		if err != nil {
			return flagged, err
		}
		if ok {
			flagged++
		}
	}
	return flagged, nil
}

// Archive soft-deletes terminal tasks past the retention window.
func (s *Sweeper) Archive(ctx context.Context, now time.Time) (int, error) {
	return s.tasks.Archive(ctx, now, s.cfg.Retention)
}

// Report publishes the board summary at most once a day and reports the
// number of tasks it covered.
func (s *Sweeper) Report(ctx context.Context, now time.Time) (int, error) {
	stats, err := report.Build(ctx, s.tasks, now)
	if err != nil {
		return 0, err
	}
	marker := []string{"report", stats.Date}
	fresh, err := s.markers.Mark(ctx, marker...)
	if err != nil || !fresh {
		return 0, err
	}
	if err := s.notifier.Notify(ctx, stats.Notice()); err != nil {
		if uerr := s.markers.Unmark(ctx, marker...); uerr != nil {
			s.logger.Error("failed to clear marker", slog.String("marker", "report"), slog.String("error", uerr.Error()))
		}
		return 0, fmt.Errorf("publish report: %w", err)
	}
	return stats.TotalTasks, nil
}

// notifyOnce sends a notice unless the marker was already set. A failed
// notice clears the marker so the next run tries again. Marker errors abort
// the run; notifier errors are logged and skipped.
func (s *Sweeper) notifyOnce(ctx context.Context, t *domain.Task, trigger, reason string, now time.Time, marker ...string) (bool, error) {
	fresh, err := s.markers.Mark(ctx, marker...)
	if err != nil {
		return false, err
	}
	if !fresh {
		return false, nil
	}

	err = s.notifier.Notify(ctx, notify.Transition{
		TaskID:     t.ID,
		Title:      t.Title,
		From:       t.Status,
		To:         t.Status,
		Trigger:    trigger,
		Assignee:   t.Assignee,
		Reason:     reason,
		Deadline:   t.Deadline,
		OccurredAt: now,
	})
	if err == nil {
		return true, nil
	}
	s.logger.Warn("notice failed, will retry next run",
		slog.String("task_id", t.ID),
		slog.String("trigger", trigger),
		slog.String("error", err.Error()),
	)
	if err := s.markers.Unmark(ctx, marker...); err != nil {
		s.logger.Error("failed to clear marker", slog.String("task_id", t.ID), slog.String("error", err.Error()))
	}
	return false, nil
}

// cronLogger routes cron's logr-style output to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
