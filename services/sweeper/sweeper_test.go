package sweeper_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CookPiu/Bot/internal/domain"
	"github.com/CookPiu/Bot/internal/notify"
	"github.com/CookPiu/Bot/internal/repository"
	"github.com/CookPiu/Bot/internal/statemachine"
	"github.com/CookPiu/Bot/services/sweeper"
)

// ── mocks ──────────────────────────────────────────────────────────────────────

type fakeTasks struct {
	reminders []statemachine.Reminder
	overdue   []*domain.Task
	archived  int
	board     []*domain.Task
	cands     []*domain.Candidate
	err       error

	retention time.Duration
}

func (f *fakeTasks) DueForReminder(context.Context, time.Time) ([]statemachine.Reminder, error) {
	return f.reminders, f.err
}

func (f *fakeTasks) Overdue(context.Context, time.Time) ([]*domain.Task, error) {
	return f.overdue, f.err
}

func (f *fakeTasks) List(context.Context, repository.TaskFilter) ([]*domain.Task, error) {
	return f.board, f.err
}

func (f *fakeTasks) Candidates(context.Context, repository.CandidateFilter) ([]*domain.Candidate, error) {
	return f.cands, f.err
}

func (f *fakeTasks) Archive(_ context.Context, _ time.Time, retention time.Duration) (int, error) {
	f.retention = retention
	return f.archived, f.err
}

type memMarker struct {
	mu  sync.Mutex
	set map[string]bool
	err error
}

func newMemMarker() *memMarker { return &memMarker{set: map[string]bool{}} }

func (m *memMarker) Mark(_ context.Context, parts ...string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.Join(parts, ":")
	if m.set[key] {
		return false, nil
	}
	m.set[key] = true
	return true, nil
}

func (m *memMarker) Unmark(_ context.Context, parts ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.set, strings.Join(parts, ":"))
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	got  []notify.Transition
	fail bool
}

func (r *recordingNotifier) Notify(_ context.Context, t notify.Transition) error {
	if r.fail {
		return errors.New("bus down")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, t)
	return nil
}

type stubElector struct {
	lead bool
	err  error
}

func (s stubElector) TryAcquire(context.Context) (bool, error) { return s.lead, s.err }

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func task(id string) *domain.Task {
	return &domain.Task{ID: id, Title: "Task " + id, Status: domain.StatusInProgress, Assignee: "alice", Deadline: now.Add(12 * time.Hour)}
}

// ── tests ──────────────────────────────────────────────────────────────────────

func TestReminders_OncePerKind(t *testing.T) {
	tasks := &fakeTasks{reminders: []statemachine.Reminder{
		{Task: task("T1"), Kind: statemachine.ReminderFinal},
		{Task: task("T2"), Kind: statemachine.ReminderHalfway},
	}}
	n := &recordingNotifier{}
	s := sweeper.New(tasks, n, newMemMarker(), nil, sweeper.DefaultConfig)

	sent, err := s.Reminders(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	require.Len(t, n.got, 2)
	assert.Equal(t, notify.TriggerReminder, n.got[0].Trigger)
	assert.Equal(t, "alice", n.got[0].Assignee)
	assert.Equal(t, domain.StatusInProgress, n.got[0].To)
	assert.Equal(t, "Less than 24 hours left", n.got[0].Reason)
	assert.Equal(t, now, n.got[0].OccurredAt)

	again, err := s.Reminders(context.Background(), now.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, again)
	assert.Len(t, n.got, 2)
}

func TestReminders_FailedNoticeIsRetried(t *testing.T) {
	tasks := &fakeTasks{reminders: []statemachine.Reminder{{Task: task("T1"), Kind: statemachine.ReminderFinal}}}
	n := &recordingNotifier{fail: true}
	s := sweeper.New(tasks, n, newMemMarker(), nil, sweeper.DefaultConfig)

	sent, err := s.Reminders(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, sent)

	n.fail = false
	sent, err = s.Reminders(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
}

func TestReminders_MarkerErrorAborts(t *testing.T) {
	tasks := &fakeTasks{reminders: []statemachine.Reminder{{Task: task("T1"), Kind: statemachine.ReminderFinal}}}
	markers := newMemMarker()
	markers.err = errors.New("redis down")
	n := &recordingNotifier{}
	s := sweeper.New(tasks, n, markers, nil, sweeper.DefaultConfig)

	_, err := s.Reminders(context.Background(), now)
	assert.Error(t, err)
	assert.Empty(t, n.got)
}

func TestOverdue_OncePerDay(t *testing.T) {
	late := task("T3")
	late.Deadline = now.Add(-time.Hour)
	tasks := &fakeTasks{overdue: []*domain.Task{late}}
	n := &recordingNotifier{}
	s := sweeper.New(tasks, n, newMemMarker(), nil, sweeper.DefaultConfig)

	flagged, err := s.Overdue(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, flagged)

	flagged, err = s.Overdue(context.Background(), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, flagged, "same day")

	flagged, err = s.Overdue(context.Background(), now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, flagged, "next day")

	require.Len(t, n.got, 2)
	assert.Equal(t, notify.TriggerOverdue, n.got[1].Trigger)
	assert.Equal(t, late.Deadline, n.got[1].Deadline)
}

func TestArchive_UsesRetention(t *testing.T) {
	tasks := &fakeTasks{archived: 4}
	s := sweeper.New(tasks, &recordingNotifier{}, newMemMarker(), nil, sweeper.Config{Retention: 72 * time.Hour})

	n, err := s.Archive(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 72*time.Hour, tasks.retention)
}

func TestRunJob_RequiresLeadership(t *testing.T) {
	due := []statemachine.Reminder{{Task: task("T1"), Kind: statemachine.ReminderFinal}}
	clock := sweeper.WithClock(func() time.Time { return now })

	follower := &recordingNotifier{}
	_, err := sweeper.New(&fakeTasks{reminders: due}, follower, newMemMarker(), stubElector{lead: false}, sweeper.DefaultConfig, clock).
		RunJob(context.Background(), sweeper.JobReminders)
	assert.ErrorIs(t, err, sweeper.ErrNotLeader)
	assert.Empty(t, follower.got)

	broken := &recordingNotifier{}
	_, err = sweeper.New(&fakeTasks{reminders: due}, broken, newMemMarker(), stubElector{err: errors.New("redis down")}, sweeper.DefaultConfig, clock).
		RunJob(context.Background(), sweeper.JobReminders)
	assert.Error(t, err)
	assert.Empty(t, broken.got)

	leader := &recordingNotifier{}
	touched, err := sweeper.New(&fakeTasks{reminders: due}, leader, newMemMarker(), stubElector{lead: true}, sweeper.DefaultConfig, clock).
		RunJob(context.Background(), sweeper.JobReminders)
	require.NoError(t, err)
	assert.Equal(t, 1, touched)
	assert.Len(t, leader.got, 1)
}

func TestRunJob_UnknownJob(t *testing.T) {
	s := sweeper.New(&fakeTasks{}, &recordingNotifier{}, newMemMarker(), nil, sweeper.DefaultConfig)
	_, err := s.RunJob(context.Background(), "vacuum")
	assert.Error(t, err)
}

func TestRun_RejectsBadSchedule(t *testing.T) {
	cfg := sweeper.DefaultConfig
	cfg.OverdueSchedule = "every now and then"
	s := sweeper.New(&fakeTasks{}, &recordingNotifier{}, newMemMarker(), nil, cfg)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overdue")
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := sweeper.New(&fakeTasks{}, &recordingNotifier{}, newMemMarker(), nil, sweeper.DefaultConfig)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestReport_OncePerDay(t *testing.T) {
	score := 90.0
	done := task("T1")
	done.Status, done.FinalScore, done.CreatedAt = domain.StatusCompleted, &score, now.Add(-time.Hour)
	tasks := &fakeTasks{
		board: []*domain.Task{done, task("T2")},
		cands: []*domain.Candidate{{UserID: "alice", Name: "Alice", PerformanceScore: 90, CompletedTasks: 1}},
	}
	n := &recordingNotifier{}
	s := sweeper.New(tasks, n, newMemMarker(), nil, sweeper.DefaultConfig)

	covered, err := s.Report(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, covered)
	require.Len(t, n.got, 1)
	assert.Equal(t, notify.TriggerDailyReport, n.got[0].Trigger)
	assert.Equal(t, "Daily report 2026-03-02", n.got[0].Title)
	assert.Contains(t, n.got[0].Reason, "1. Alice")

	covered, err = s.Report(context.Background(), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, covered)
	assert.Len(t, n.got, 1)
}

func TestReport_FailedPublishIsRetried(t *testing.T) {
	n := &recordingNotifier{fail: true}
	s := sweeper.New(&fakeTasks{board: []*domain.Task{task("T1")}}, n, newMemMarker(), nil, sweeper.DefaultConfig)

	_, err := s.Report(context.Background(), now)
	require.Error(t, err)

	n.fail = false
	covered, err := s.Report(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, covered)
}

// flakyElector grants the lease once and then loses it.
type flakyElector struct {
	mu    sync.Mutex
	calls int
}

func (f *flakyElector) TryAcquire(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.calls == 1, nil
}

// blockingTasks holds the overdue query open until its context ends.
type blockingTasks struct{ fakeTasks }

func (b *blockingTasks) Overdue(ctx context.Context, _ time.Time) ([]*domain.Task, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunJob_StopsWhenLeaseLost(t *testing.T) {
	cfg := sweeper.DefaultConfig
	cfg.RenewEvery = 10 * time.Millisecond
	s := sweeper.New(&blockingTasks{}, &recordingNotifier{}, newMemMarker(), &flakyElector{}, cfg)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunJob(context.Background(), sweeper.JobOverdue)
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("job kept running after the lease was lost")
	}
}
