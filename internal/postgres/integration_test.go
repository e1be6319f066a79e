//go:build integration

package postgres

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/CookPiu/Bot/internal/domain"
	"github.com/CookPiu/Bot/internal/repository"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	ctr, err := tcPostgres.Run(ctx, "postgres:15-alpine",
		tcPostgres.WithDatabase("taskbot"),
		tcPostgres.WithUsername("taskbot"),
		tcPostgres.WithPassword("taskbot"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	applied, err := Migrate(ctx, pool, slog.Default())
	require.NoError(t, err)
	require.Len(t, applied, 3)

	again, err := Migrate(ctx, pool, slog.Default())
	require.NoError(t, err)
	require.Empty(t, again)
	return pool
}

func TestPostgresRepositories(t *testing.T) {
	pool := newTestPool(t)
	tasks := NewTaskRepository(pool)
	candidates := NewCandidateRepository(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("task CAS", func(t *testing.T) {
		threshold := 70.0
		task := &domain.Task{
			ID: "TASK1", Title: "Login", SkillTags: []string{"go"}, Status: domain.StatusPending,
			Urgency: domain.UrgencyHigh, Kind: domain.KindCode, CreatedAt: now,
			Deadline: now.Add(48 * time.Hour), EstimatedHours: 5, PassThreshold: &threshold,
		}
		require.NoError(t, tasks.Create(ctx, task))

		var conflict *domain.ConflictError
		assert.True(t, errors.As(tasks.Create(ctx, task.Clone()), &conflict), "duplicate id")

		got, err := tasks.Get(ctx, "TASK1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, domain.UrgencyHigh, got.Urgency)
		require.NotNil(t, got.PassThreshold)
		assert.Equal(t, 70.0, *got.PassThreshold)

		stale := got.Clone()
		got.Status = domain.StatusAssigned
		got.Assignee = "alice"
		accepted := now.Add(time.Minute)
		got.AcceptedAt = &accepted
		got.ReviewedSHAs = []string{"abc123"}
		got.ReviewedAt = &accepted
		require.NoError(t, tasks.Save(ctx, got))
		assert.Equal(t, int64(2), got.Version)

		reloaded, err := tasks.Get(ctx, "TASK1")
		require.NoError(t, err)
		assert.Equal(t, []string{"abc123"}, reloaded.ReviewedSHAs)
		require.NotNil(t, reloaded.ReviewedAt)
		assert.True(t, accepted.Equal(*reloaded.ReviewedAt))

		stale.Status = domain.StatusCancelled
		assert.True(t, errors.As(tasks.Save(ctx, stale), &conflict), "stale version")

		var nf *domain.TaskNotFoundError
		assert.True(t, errors.As(tasks.Save(ctx, &domain.Task{ID: "TASK404", Version: 1}), &nf))
		_, err = tasks.Get(ctx, "TASK404")
		assert.True(t, errors.As(err, &nf))
	})

	t.Run("task list filter", func(t *testing.T) {
		archived := now
		require.NoError(t, tasks.Create(ctx, &domain.Task{ID: "TASK2", Title: "Old", Status: domain.StatusCompleted,
			CreatedAt: now.Add(-time.Hour), Deadline: now, EstimatedHours: 1, ArchivedAt: &archived}))
		require.NoError(t, tasks.Create(ctx, &domain.Task{ID: "TASK3", Title: "Late", Status: domain.StatusInProgress,
			Assignee: "alice", CreatedAt: now.Add(-2 * time.Hour), Deadline: now.Add(-time.Minute), EstimatedHours: 2}))

		active, err := tasks.List(ctx, repository.TaskFilter{Assignee: "alice", Statuses: domain.ActiveStatuses})
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, "TASK1", active[0].ID, "newest first")

		overdue, err := tasks.List(ctx, repository.TaskFilter{DeadlineBefore: now})
		require.NoError(t, err)
		require.Len(t, overdue, 1)
		assert.Equal(t, "TASK3", overdue[0].ID)

		all, err := tasks.List(ctx, repository.TaskFilter{IncludeArchived: true, Limit: 10})
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("candidate CAS", func(t *testing.T) {
		c := &domain.Candidate{UserID: "alice", Name: "Alice", SkillTags: []string{"Go", "SQL"}, HoursAvailable: 10, Availability: true}
		require.NoError(t, candidates.Create(ctx, c))
		require.NoError(t, candidates.Create(ctx, &domain.Candidate{UserID: "bob", SkillTags: []string{"rust"}}))

		got, err := candidates.Get(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, got.LastActive.IsZero())

		got.LastActive = now
		got.RewardPoints = 30
		require.NoError(t, candidates.Save(ctx, got))

		var conflict *domain.ConflictError
		c.Name = "stale"
		assert.True(t, errors.As(candidates.Save(ctx, c), &conflict))

		avail, err := candidates.List(ctx, repository.CandidateFilter{AvailableOnly: true, Skills: []string{" go "}})
		require.NoError(t, err)
		require.Len(t, avail, 1)
		assert.Equal(t, "alice", avail[0].UserID)
		assert.Equal(t, 30, avail[0].RewardPoints)
		assert.True(t, now.Equal(avail[0].LastActive))
	})
}
