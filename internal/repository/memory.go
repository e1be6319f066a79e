package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/CookPiu/Bot/internal/domain"
)

// MemoryStore is an in-process TaskRepository and CandidateRepository. Every
// read and write deep-copies so callers never alias stored records.
type MemoryStore struct {
	mu         sync.RWMutex
	tasks      map[string]*domain.Task
	candidates map[string]*domain.Candidate
	now        func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:      make(map[string]*domain.Task),
		candidates: make(map[string]*domain.Candidate),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// UseClock replaces the clock that stamps UpdatedAt.
func (m *MemoryStore) UseClock(now func() time.Time) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

// Tasks returns the task view of the store.
func (m *MemoryStore) Tasks() TaskRepository { return memTasks{m} }

// Candidates returns the candidate view of the store.
func (m *MemoryStore) Candidates() CandidateRepository { return memCandidates{m} }

type memTasks struct{ m *MemoryStore }

func (r memTasks) Create(_ context.Context, task *domain.Task) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.tasks[task.ID]; ok {
		return &domain.ConflictError{Kind: "task", ID: task.ID, Version: task.Version}
	}
	task.Version = 1
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = r.m.now()
	}
	r.m.tasks[task.ID] = task.Clone()
	return nil
}

func (r memTasks) Get(_ context.Context, id string) (*domain.Task, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	t, ok := r.m.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return t.Clone(), nil
}

func (r memTasks) Save(_ context.Context, task *domain.Task) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	cur, ok := r.m.tasks[task.ID]
	if !ok {
		return &domain.TaskNotFoundError{TaskID: task.ID}
	}
	if cur.Version != task.Version {
		return &domain.ConflictError{Kind: "task", ID: task.ID, Version: task.Version}
	}
	task.Version++
	task.UpdatedAt = r.m.now()
	r.m.tasks[task.ID] = task.Clone()
	return nil
}

func (r memTasks) List(_ context.Context, filter TaskFilter) ([]*domain.Task, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	out := make([]*domain.Task, 0, len(r.m.tasks))
	for _, t := range r.m.tasks {
		if filter.Match(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

type memCandidates struct{ m *MemoryStore }

func (r memCandidates) Create(_ context.Context, c *domain.Candidate) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.candidates[c.UserID]; ok {
		return &domain.ConflictError{Kind: "candidate", ID: c.UserID, Version: c.Version}
	}
	c.Version = 1
	r.m.candidates[c.UserID] = c.Clone()
	return nil
}

func (r memCandidates) Get(_ context.Context, userID string) (*domain.Candidate, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	c, ok := r.m.candidates[userID]
	if !ok {
		return nil, &domain.CandidateNotFoundError{UserID: userID}
	}
	return c.Clone(), nil
}

func (r memCandidates) Save(_ context.Context, c *domain.Candidate) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	cur, ok := r.m.candidates[c.UserID]
	if !ok {
		return &domain.CandidateNotFoundError{UserID: c.UserID}
	}
	if cur.Version != c.Version {
		return &domain.ConflictError{Kind: "candidate", ID: c.UserID, Version: c.Version}
	}
	c.Version++
	r.m.candidates[c.UserID] = c.Clone()
	return nil
}

func (r memCandidates) List(_ context.Context, filter CandidateFilter) ([]*domain.Candidate, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	out := make([]*domain.Candidate, 0, len(r.m.candidates))
	for _, c := range r.m.candidates {
		if filter.Match(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
