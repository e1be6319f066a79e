package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/CookPiu/Bot/internal/domain"
	"github.com/CookPiu/Bot/internal/matching"
	"github.com/CookPiu/Bot/internal/report"
	"github.com/CookPiu/Bot/internal/repository"
	"github.com/CookPiu/Bot/internal/statemachine"
)

// Lifecycle is the part of the state machine engine the REST API drives.
type Lifecycle interface {
	Create(ctx context.Context, req statemachine.CreateRequest) (*domain.Task, error)
	Get(ctx context.Context, id string) (*domain.Task, error)
	List(ctx context.Context, filter repository.TaskFilter) ([]*domain.Task, error)
	Assign(ctx context.Context, id, userID, actor string) (*domain.Task, error)
	Start(ctx context.Context, id, actor string) (*domain.Task, error)
	Submit(ctx context.Context, id, ref, actor string) (*domain.Task, error)
	Cancel(ctx context.Context, id, reason, actor string) (*domain.Task, error)
	Evaluate(ctx context.Context, id string, ev domain.EvaluationEvent) (*domain.Task, domain.Result, error)
	Candidate(ctx context.Context, userID string) (*domain.Candidate, error)
	Candidates(ctx context.Context, filter repository.CandidateFilter) ([]*domain.Candidate, error)
	UpsertCandidate(ctx context.Context, p statemachine.CandidateProfile) (*domain.Candidate, bool, error)
}

// Recommender ranks candidates for a task and invites the best of them.
type Recommender interface {
	Recommend(ctx context.Context, taskID string) ([]matching.Match, error)
	Invite(ctx context.Context, taskID string) ([]matching.Match, error)
}

// ReadyCheck is one dependency probed by /readyz.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HeaderActor identifies the operator when a request body carries no actor.
const HeaderActor = "X-Actor"

// REST handles the task and candidate endpoints.
type REST struct {
	tasks  Lifecycle
	match  Recommender
	checks []ReadyCheck
	now    func() time.Time
	logger *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(tasks Lifecycle, match Recommender, logger *slog.Logger, checks ...ReadyCheck) *REST {
	return &REST{
		tasks:  tasks,
		match:  match,
		checks: checks,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// CreateTaskRequest is the JSON body for POST /api/v1/tasks.
type CreateTaskRequest struct {
	Title              string         `json:"title"`
	Description        string         `json:"description"`
	AcceptanceCriteria string         `json:"acceptance_criteria"`
	SkillTags          []string       `json:"skill_tags"`
	Urgency            domain.Urgency `json:"urgency"`
	Kind               domain.Kind    `json:"kind"`
	CreatedBy          string         `json:"created_by"`
	Deadline           time.Time      `json:"deadline"`
	RewardPoints       int            `json:"reward_points"`
	EstimatedHours     float64        `json:"estimated_hours"`
	PassThreshold      *float64       `json:"pass_threshold,omitempty"`
}

// ActionRequest is the JSON body of the transition endpoints. Each endpoint
// reads only the fields it needs.
type ActionRequest struct {
	Actor         string `json:"actor"`
	UserID        string `json:"user_id"`
	SubmissionRef string `json:"submission_ref"`
	Reason        string `json:"reason"`
}

// ReviewRequest is the JSON body for a manual review verdict.
type ReviewRequest struct {
	Actor     string   `json:"actor"`
	Score     *float64 `json:"score"`
	Rationale string   `json:"rationale"`
}

// ReviewResponse pairs the reviewed task with the verdict applied to it.
type ReviewResponse struct {
	Task   *domain.Task  `json:"task"`
	Result domain.Result `json:"result"`
}

// CreateTask handles POST /api/v1/tasks.
func (h *REST) CreateTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "api.create_task")
	defer span.End()

	var req CreateTaskRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = r.Header.Get(HeaderActor)
	}

	task, err := h.tasks.Create(ctx, statemachine.CreateRequest{
		Title:              req.Title,
		Description:        req.Description,
		AcceptanceCriteria: req.AcceptanceCriteria,
		SkillTags:          req.SkillTags,
		Urgency:            req.Urgency,
		Kind:               req.Kind,
		CreatedBy:          req.CreatedBy,
		Deadline:           req.Deadline,
		RewardPoints:       req.RewardPoints,
		EstimatedHours:     req.EstimatedHours,
		PassThreshold:      req.PassThreshold,
	})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	span.SetAttributes(attribute.String("task.id", task.ID))
	if task.Assignee == "" {
		invited, err := h.match.Invite(ctx, task.ID)
		if err != nil {
			h.logger.Warn("invitations failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		}
		span.SetAttributes(attribute.Int("task.invited", len(invited)))
	}
	w.Header().Set("Location", "/api/v1/tasks/"+task.ID)
	writeJSON(w, http.StatusCreated, task)
}

// ListTasks handles GET /api/v1/tasks.
func (h *REST) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.TaskFilter{Assignee: q.Get("assignee")}
	for _, s := range splitList(q.Get("status")) {
		status := domain.Status(s)
		if !status.IsValid() {
			writeDomainError(w, h.logger, &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown value %q", s)})
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	if v := q.Get("include_archived"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeDomainError(w, h.logger, &domain.ValidationError{Field: "include_archived", Reason: "must be a boolean"})
			return
		}
		filter.IncludeArchived = b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeDomainError(w, h.logger, &domain.ValidationError{Field: "limit", Reason: "must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}

	tasks, err := h.tasks.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// RecommendCandidates handles GET /api/v1/tasks/{id}/candidates.
func (h *REST) RecommendCandidates(w http.ResponseWriter, r *http.Request) {
	matches, err := h.match.Recommend(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	if matches == nil {
		matches = []matching.Match{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": matches})
}

// Assign handles POST /api/v1/tasks/{id}/assign.
func (h *REST) Assign(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, func(ctx context.Context, id string, req ActionRequest) (*domain.Task, error) {
		if strings.TrimSpace(req.UserID) == "" {
			return nil, &domain.ValidationError{Field: "user_id", Reason: "required"}
		}
		return h.tasks.Assign(ctx, id, strings.TrimSpace(req.UserID), req.Actor)
	})
}

// Start handles POST /api/v1/tasks/{id}/start.
func (h *REST) Start(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, func(ctx context.Context, id string, req ActionRequest) (*domain.Task, error) {
		return h.tasks.Start(ctx, id, req.Actor)
	})
}

// Submit handles POST /api/v1/tasks/{id}/submit.
func (h *REST) Submit(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, func(ctx context.Context, id string, req ActionRequest) (*domain.Task, error) {
		return h.tasks.Submit(ctx, id, req.SubmissionRef, req.Actor)
	})
}

// Cancel handles POST /api/v1/tasks/{id}/cancel.
func (h *REST) Cancel(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, func(ctx context.Context, id string, req ActionRequest) (*domain.Task, error) {
		return h.tasks.Cancel(ctx, id, req.Reason, req.Actor)
	})
}

// Review handles POST /api/v1/tasks/{id}/review, a verdict entered by a person.
func (h *REST) Review(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "api.review")
	defer span.End()

	var req ReviewRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	if req.Score == nil {
		writeDomainError(w, h.logger, &domain.ValidationError{Field: "score", Reason: "required"})
		return
	}
	actor := actorOf(r, req.Actor)
	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("task.id", id))

	ev := domain.EvaluationEvent{
		Source:         domain.SourceManual,
		CorrelationKey: id,
		DeliveryID:     uuid.NewString(),
		Score:          req.Score,
		Rationale:      req.Rationale,
		ReceivedAt:     h.now(),
	}
	if actor != "" {
		ev.Details = map[string]string{"actor": actor}
	}
	task, result, err := h.tasks.Evaluate(ctx, id, ev)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ReviewResponse{Task: task, Result: result})
}

// ListCandidates handles GET /api/v1/candidates.
func (h *REST) ListCandidates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.CandidateFilter{Skills: splitList(q.Get("skills"))}
	if v := q.Get("available"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeDomainError(w, h.logger, &domain.ValidationError{Field: "available", Reason: "must be a boolean"})
			return
		}
		filter.AvailableOnly = b
	}
	cands, err := h.tasks.Candidates(r.Context(), filter)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	if cands == nil {
		cands = []*domain.Candidate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": cands})
}

// Stats handles GET /api/v1/stats.
func (h *REST) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := report.Build(r.Context(), h.tasks, h.now())
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetCandidate handles GET /api/v1/candidates/{id}.
func (h *REST) GetCandidate(w http.ResponseWriter, r *http.Request) {
	c, err := h.tasks.Candidate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// PutCandidate handles PUT /api/v1/candidates/{id}. The path id wins over
// any user_id in the body.
func (h *REST) PutCandidate(w http.ResponseWriter, r *http.Request) {
	var p statemachine.CandidateProfile
	if err := decode(r, &p); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	p.UserID = chi.URLParam(r, "id")
	c, created, err := h.tasks.UpsertCandidate(r.Context(), p)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, c)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz by probing every dependency.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			h.logger.Warn("readiness check failed", slog.String("check", c.Name), slog.String("error", err.Error()))
			writeError(w, http.StatusServiceUnavailable, "not_ready", c.Name+" not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// act decodes an ActionRequest, resolves the actor and runs fn.
func (h *REST) act(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string, req ActionRequest) (*domain.Task, error)) {
	var req ActionRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	req.Actor = actorOf(r, req.Actor)
	task, err := fn(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return err
	}
	return &domain.ValidationError{Field: "body", Reason: err.Error()}
}

func actorOf(r *http.Request, actor string) string {
	if actor = strings.TrimSpace(actor); actor != "" {
		return actor
	}
	return strings.TrimSpace(r.Header.Get(HeaderActor))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
