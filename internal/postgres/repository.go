// Package postgres implements the versioned task and candidate stores on
// PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CookPiu/Bot/internal/domain"
	"github.com/CookPiu/Bot/internal/repository"
)

const uniqueViolation = "23505"

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

type taskRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewTaskRepository wraps a pgxpool with the repository.TaskRepository interface.
func NewTaskRepository(pool *pgxpool.Pool) repository.TaskRepository {
	return &taskRepository{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

const taskColumns = `task_id, title, description, acceptance_criteria, skill_tags, status,
	urgency, kind, assignee, created_by, created_at, updated_at, deadline,
	accepted_at, submitted_at, completed_at, archived_at, submission_ref,
	final_score, pass_threshold, reward_points, retry_count, estimated_hours,
	ci_conclusion, failure_reasons, reviewed_shas, reviewed_at, version`

func (r *taskRepository) Create(ctx context.Context, task *domain.Task) error {
	task.Version = 1
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = r.now()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26,
		        $27, $28)
	`, taskArgs(task)...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return &domain.ConflictError{Kind: "task", ID: task.ID, Version: task.Version}
		}
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

func (r *taskRepository) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return task, err
}

// Save writes task if the stored version still equals task.Version.
func (r *taskRepository) Save(ctx context.Context, task *domain.Task) error {
	row := *task
	row.UpdatedAt = r.now()
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks SET
			title = $2, description = $3, acceptance_criteria = $4, skill_tags = $5,
			status = $6, urgency = $7, kind = $8, assignee = $9, created_by = $10,
			created_at = $11, updated_at = $12, deadline = $13, accepted_at = $14,
			submitted_at = $15, completed_at = $16, archived_at = $17,
			submission_ref = $18, final_score = $19, pass_threshold = $20,
			reward_points = $21, retry_count = $22, estimated_hours = $23,
			ci_conclusion = $24, failure_reasons = $25, reviewed_shas = $26,
			reviewed_at = $27, version = version + 1
		WHERE task_id = $1 AND version = $28
	`, taskArgs(&row)...)
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, task)
	}
	task.Version++
	task.UpdatedAt = row.UpdatedAt
	return nil
}

// missOrConflict explains a zero-row update.
func (r *taskRepository) missOrConflict(ctx context.Context, task *domain.Task) error {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE task_id = $1)`, task.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check task %s: %w", task.ID, err)
	}
	if !exists {
		return &domain.TaskNotFoundError{TaskID: task.ID}
	}
	return &domain.ConflictError{Kind: "task", ID: task.ID, Version: task.Version}
}

func (r *taskRepository) List(ctx context.Context, f repository.TaskFilter) ([]*domain.Task, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if !f.IncludeArchived {
		where = append(where, "archived_at IS NULL")
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if f.Assignee != "" {
		where = append(where, "assignee = "+arg(f.Assignee))
	}
	if !f.DeadlineBefore.IsZero() {
		where = append(where, "deadline < "+arg(f.DeadlineBefore))
	}
	if !f.CompletedBefore.IsZero() {
		where = append(where, "completed_at < "+arg(f.CompletedBefore))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, task_id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func taskArgs(t *domain.Task) []any {
	return []any{
		t.ID, t.Title, t.Description, t.AcceptanceCriteria, nonNil(t.SkillTags), string(t.Status),
		string(t.Urgency), string(t.Kind), t.Assignee, t.CreatedBy, t.CreatedAt, t.UpdatedAt, t.Deadline,
		t.AcceptedAt, t.SubmittedAt, t.CompletedAt, t.ArchivedAt, t.SubmissionRef,
		t.FinalScore, t.PassThreshold, t.RewardPoints, t.RetryCount, t.EstimatedHours,
		string(t.CIConclusion), nonNil(t.FailureReasons), nonNil(t.ReviewedSHAs), t.ReviewedAt, t.Version,
	}
}

// scanTask reads a task row from any pgx row type.
func scanTask(row pgx.Row) (*domain.Task, error) {
	var (
		task                            domain.Task
		status, urgency, kind, ciResult string
	)
	err := row.Scan(
		&task.ID, &task.Title, &task.Description, &task.AcceptanceCriteria, &task.SkillTags, &status,
		&urgency, &kind, &task.Assignee, &task.CreatedBy, &task.CreatedAt, &task.UpdatedAt, &task.Deadline,
		&task.AcceptedAt, &task.SubmittedAt, &task.CompletedAt, &task.ArchivedAt, &task.SubmissionRef,
		&task.FinalScore, &task.PassThreshold, &task.RewardPoints, &task.RetryCount, &task.EstimatedHours,
		&ciResult, &task.FailureReasons, &task.ReviewedSHAs, &task.ReviewedAt, &task.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Status = domain.Status(status)
	task.Urgency = domain.Urgency(urgency)
	task.Kind = domain.Kind(kind)
	task.CIConclusion = domain.Conclusion(ciResult)
	if len(task.FailureReasons) == 0 {
		task.FailureReasons = nil
	}
	if len(task.ReviewedSHAs) == 0 {
		task.ReviewedSHAs = nil
	}
	return &task, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
