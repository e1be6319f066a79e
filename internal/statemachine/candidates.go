package statemachine

import (
	"context"
	"errors"
	"strings"

	"github.com/CookPiu/Bot/internal/domain"
	"github.com/CookPiu/Bot/internal/repository"
	"github.com/CookPiu/Bot/pkg/telemetry"
)

// CandidateProfile is the operator-editable part of a candidate. Track
// record fields are owned by the engine and never taken from a profile.
type CandidateProfile struct {
	UserID         string   `json:"user_id" yaml:"user_id"`
	Name           string   `json:"name" yaml:"name"`
	SkillTags      []string `json:"skill_tags" yaml:"skill_tags"`
	HoursAvailable float64  `json:"hours_available" yaml:"hours_available"`
	Availability   *bool    `json:"availability,omitempty" yaml:"availability,omitempty"`
}

func (p CandidateProfile) validate() error {
	if strings.TrimSpace(p.UserID) == "" {
		return &domain.ValidationError{Field: "user_id", Reason: "required"}
	}
	if p.HoursAvailable < 0 {
		return &domain.ValidationError{Field: "hours_available", Reason: "must not be negative"}
	}
	return nil
}

func (p CandidateProfile) applyTo(c *domain.Candidate) {
	c.Name = strings.TrimSpace(p.Name)
	c.SkillTags = cleanTags(p.SkillTags)
	c.HoursAvailable = p.HoursAvailable
	if p.Availability != nil {
		c.Availability = *p.Availability
	}
}

// Candidate returns one candidate record.
func (e *Engine) Candidate(ctx context.Context, userID string) (*domain.Candidate, error) {
	return e.candidates.Get(ctx, userID)
}

// Candidates lists candidates matching filter.
func (e *Engine) Candidates(ctx context.Context, filter repository.CandidateFilter) ([]*domain.Candidate, error) {
	return e.candidates.List(ctx, filter)
}

// UpsertCandidate creates the candidate or updates its profile, keeping
// performance, counters and reward points. A new candidate is available
// unless the profile says otherwise. created reports which path ran.
func (e *Engine) UpsertCandidate(ctx context.Context, p CandidateProfile) (c *domain.Candidate, created bool, err error) {
	if err := p.validate(); err != nil {
		return nil, false, err
	}
	p.UserID = strings.TrimSpace(p.UserID)

	for attempt := 1; attempt <= e.cfg.ConflictRetries; attempt++ {
		c, err = e.candidates.Get(ctx, p.UserID)
		var notFound *domain.CandidateNotFoundError
		switch {
		case errors.As(err, &notFound):
			c = &domain.Candidate{UserID: p.UserID, Availability: true}
			p.applyTo(c)
			err = e.candidates.Create(ctx, c)
			created = true
		case err != nil:
			return nil, false, err
		default:
			p.applyTo(c)
			err = e.candidates.Save(ctx, c)
			created = false
		}
		if err == nil {
			return c.Clone(), created, nil
		}
		var conflict *domain.ConflictError
		if !errors.As(err, &conflict) {
			return nil, false, err
		}
		telemetry.ConflictRetriesTotal.WithLabelValues("candidate").Inc()
	}
	return nil, false, err
}
