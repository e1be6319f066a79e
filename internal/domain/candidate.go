package domain

import (
	"slices"
	"time"
)

// Candidate is a worker eligible for assignment to tasks.
type Candidate struct {
	UserID           string    `json:"user_id" yaml:"user_id"`
	Name             string    `json:"name" yaml:"name"`
	SkillTags        []string  `json:"skill_tags" yaml:"skill_tags"`
	PerformanceScore float64   `json:"performance_score" yaml:"performance_score"`
	CompletedTasks   int       `json:"completed_tasks" yaml:"completed_tasks"`
	EvaluatedTasks   int       `json:"evaluated_tasks" yaml:"evaluated_tasks"`
	RewardPoints     int       `json:"reward_points" yaml:"reward_points"`
	HoursAvailable   float64   `json:"hours_available" yaml:"hours_available"`
	Availability     bool      `json:"availability" yaml:"availability"`
	LastActive       time.Time `json:"last_active" yaml:"last_active"`
	Version          int64     `json:"version" yaml:"-"`
}

func (c *Candidate) Clone() *Candidate {
	if c == nil {
		return nil
	}
	cp := *c
	cp.SkillTags = slices.Clone(c.SkillTags)
	return &cp
}
