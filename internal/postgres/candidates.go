package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CookPiu/Bot/internal/domain"
	"github.com/CookPiu/Bot/internal/repository"
)

type candidateRepository struct {
	pool *pgxpool.Pool
}

// NewCandidateRepository wraps a pgxpool with the repository.CandidateRepository interface.
func NewCandidateRepository(pool *pgxpool.Pool) repository.CandidateRepository {
	return &candidateRepository{pool: pool}
}

const candidateColumns = `user_id, name, skill_tags, performance_score, completed_tasks,
	evaluated_tasks, reward_points, hours_available, availability, last_active, version`

func (r *candidateRepository) Create(ctx context.Context, c *domain.Candidate) error {
	c.Version = 1
	_, err := r.pool.Exec(ctx, `
		INSERT INTO candidates (`+candidateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, candidateArgs(c)...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return &domain.ConflictError{Kind: "candidate", ID: c.UserID, Version: c.Version}
		}
		return fmt.Errorf("create candidate %s: %w", c.UserID, err)
	}
	return nil
}

func (r *candidateRepository) Get(ctx context.Context, userID string) (*domain.Candidate, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+candidateColumns+` FROM candidates WHERE user_id = $1`, userID)
	c, err := scanCandidate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.CandidateNotFoundError{UserID: userID}
	}
	return c, err
}

func (r *candidateRepository) Save(ctx context.Context, c *domain.Candidate) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE candidates SET
			name = $2, skill_tags = $3, performance_score = $4, completed_tasks = $5,
			evaluated_tasks = $6, reward_points = $7, hours_available = $8,
			availability = $9, last_active = $10, version = version + 1
		WHERE user_id = $1 AND version = $11
	`, candidateArgs(c)...)
	if err != nil {
		return fmt.Errorf("save candidate %s: %w", c.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM candidates WHERE user_id = $1)`, c.UserID).Scan(&exists); err != nil {
			return fmt.Errorf("check candidate %s: %w", c.UserID, err)
		}
		if !exists {
			return &domain.CandidateNotFoundError{UserID: c.UserID}
		}
		return &domain.ConflictError{Kind: "candidate", ID: c.UserID, Version: c.Version}
	}
	c.Version++
	return nil
}

func (r *candidateRepository) List(ctx context.Context, f repository.CandidateFilter) ([]*domain.Candidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM candidates`
	if f.AvailableOnly {
		query += ` WHERE availability`
	}
	query += ` ORDER BY user_id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var out []*domain.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		// Skill matching trims and folds case, so it runs here rather than in SQL.
		if f.Match(c) {
			out = append(out, c)
		}
	}
	return out, rows.Err()
}

func candidateArgs(c *domain.Candidate) []any {
	var lastActive *time.Time
	if !c.LastActive.IsZero() {
		t := c.LastActive
		lastActive = &t
	}
	return []any{
		c.UserID, c.Name, nonNil(c.SkillTags), c.PerformanceScore, c.CompletedTasks,
		c.EvaluatedTasks, c.RewardPoints, c.HoursAvailable, c.Availability, lastActive, c.Version,
	}
}

func scanCandidate(row pgx.Row) (*domain.Candidate, error) {
	var (
		c          domain.Candidate
		lastActive *time.Time
	)
	err := row.Scan(
		&c.UserID, &c.Name, &c.SkillTags, &c.PerformanceScore, &c.CompletedTasks,
		&c.EvaluatedTasks, &c.RewardPoints, &c.HoursAvailable, &c.Availability, &lastActive, &c.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan candidate: %w", err)
	}
	if lastActive != nil {
		c.LastActive = lastActive.UTC()
	}
	return &c, nil
}
