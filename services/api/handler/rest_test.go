package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CookPiu/Bot/internal/domain"
	"github.com/CookPiu/Bot/internal/events"
	"github.com/CookPiu/Bot/internal/matching"
	"github.com/CookPiu/Bot/internal/notify"
	"github.com/CookPiu/Bot/internal/repository"
	"github.com/CookPiu/Bot/internal/scoring"
	"github.com/CookPiu/Bot/internal/statemachine"
	"github.com/CookPiu/Bot/services/api/handler"
)

// ── mocks ──────────────────────────────────────────────────────────────────────

type outbox struct{ sent []notify.Transition }

func (o *outbox) Notify(_ context.Context, t notify.Transition) error {
	o.sent = append(o.sent, t)
	return nil
}

// ── helpers ────────────────────────────────────────────────────────────────────

var ciSecret = []byte("ci-secret")

type harness struct {
	srv    *httptest.Server
	store  *repository.MemoryStore
	outbox *outbox
	ready  error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: repository.NewMemoryStore(), outbox: &outbox{}}
	logger := slog.Default()

	evaluator := scoring.NewEvaluator(scoring.RuleProvider{}, scoring.Config{MaxAttempts: 1, BaseDelay: time.Millisecond})
	engine := statemachine.New(h.store.Tasks(), h.store.Candidates(), evaluator, statemachine.Config{MaxRetries: 2})
	match := matching.NewService(h.store.Tasks(), h.store.Candidates(), matching.NewEngine(matching.Config{}),
		matching.WithInvites(h.outbox, 3))
	proc := events.NewProcessor(engine, events.NewMemoryDeduper(time.Hour),
		events.WithSecret(domain.SourceCI, ciSecret),
		events.WithNotifier(h.outbox),
	)

	rest := handler.NewREST(engine, match, logger, handler.ReadyCheck{
		Name:  "store",
		Check: func(context.Context) error { return h.ready },
	})
	router := handler.NewRouter(rest, handler.NewWebhook(proc, logger), handler.RouterConfig{MaxBodyBytes: 4 << 10, WebhookMaxBodyBytes: 16 << 10}, logger)
	h.srv = httptest.NewServer(router)
	t.Cleanup(h.srv.Close)

	require.NoError(t, h.store.Candidates().Create(context.Background(), &domain.Candidate{
		UserID: "alice", Name: "Alice", SkillTags: []string{"go"}, HoursAvailable: 20, Availability: true, PerformanceScore: 80,
	}))
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(handler.HeaderActor, "lead")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func (h *harness) createTask(t *testing.T) domain.Task {
	t.Helper()
	resp, body := h.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"title":           "Login API",
		"description":     "Build the login endpoint",
		"skill_tags":      []string{"Go"},
		"deadline":        time.Now().Add(72 * time.Hour).UTC().Format(time.RFC3339),
		"estimated_hours": 4,
		"reward_points":   30,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var task domain.Task
	require.NoError(t, json.Unmarshal(body, &task))
	return task
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var e struct {
		Error struct{ Code, Message string } `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &e), string(body))
	return e.Error.Code
}

// ── tests ──────────────────────────────────────────────────────────────────────

func TestCreateTask(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)
	assert.True(t, strings.HasPrefix(task.ID, "TASK"))
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.Equal(t, domain.KindCode, task.Kind)
	assert.Equal(t, "lead", task.CreatedBy)

	resp, body := h.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got domain.Task
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, task.ID, got.ID)
}

func TestCreateTask_InvitesMatchingCandidates(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)

	require.Len(t, h.outbox.sent, 1)
	invite := h.outbox.sent[0]
	assert.Equal(t, notify.TriggerInvite, invite.Trigger)
	assert.Equal(t, task.ID, invite.TaskID)
	assert.Equal(t, "alice", invite.Assignee)
}

func TestCreateTask_ValidationIs400(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"title": "no tags"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_failed", errorCode(t, body))

	resp, body = h.do(t, http.MethodPost, "/api/v1/tasks", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_failed", errorCode(t, body))
}

func TestCreateTask_OversizedBodyIs413(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"title": strings.Repeat("x", 8<<10)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "body_too_large", errorCode(t, body))
}

func TestLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)
	base := "/api/v1/tasks/" + task.ID

	resp, body := h.do(t, http.MethodGet, base+"/candidates", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec struct {
		Candidates []matching.Match `json:"candidates"`
	}
	require.NoError(t, json.Unmarshal(body, &rec))
	require.Len(t, rec.Candidates, 1)
	assert.Equal(t, "alice", rec.Candidates[0].Candidate.UserID)

	steps := []struct {
		path string
		body map[string]any
		want domain.Status
	}{
		{"/assign", map[string]any{"user_id": "alice"}, domain.StatusAssigned},
		{"/start", nil, domain.StatusInProgress},
		{"/submit", map[string]any{"submission_ref": "https://github.com/org/repo/pull/1"}, domain.StatusSubmitted},
	}
	for _, s := range steps {
		resp, body := h.do(t, http.MethodPost, base+s.path, s.body)
		require.Equal(t, http.StatusOK, resp.StatusCode, "%s: %s", s.path, body)
		var got domain.Task
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, s.want, got.Status, s.path)
	}

	resp, body = h.do(t, http.MethodPost, base+"/review", map[string]any{"score": 95, "rationale": "clean"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var review handler.ReviewResponse
	require.NoError(t, json.Unmarshal(body, &review))
	assert.Equal(t, domain.StatusCompleted, review.Task.Status)
	assert.Equal(t, domain.VerdictPass, review.Result.Verdict)

	resp, body = h.do(t, http.MethodGet, "/api/v1/candidates/alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var alice domain.Candidate
	require.NoError(t, json.Unmarshal(body, &alice))
	assert.Equal(t, 1, alice.CompletedTasks)
	assert.Equal(t, 30, alice.RewardPoints)
}

func TestIllegalTransitionIs409(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)

	resp, body := h.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/submit", map[string]any{"submission_ref": "x"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_transition", errorCode(t, body))
}

func TestReview_RequiresScore(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)
	resp, body := h.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/review", map[string]any{"rationale": "meh"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_failed", errorCode(t, body))
}

func TestUnknownTaskIs404(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{"/api/v1/tasks/TASK404", "/api/v1/tasks/TASK404/candidates", "/api/v1/candidates/nobody"} {
		resp, body := h.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		assert.Equal(t, "not_found", errorCode(t, body))
	}
}

func TestListTasks_Filters(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)
	h.createTask(t)
	h.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/cancel", map[string]any{"reason": "dup"})

	resp, body := h.do(t, http.MethodGet, "/api/v1/tasks?status=cancelled", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Tasks []domain.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, task.ID, list.Tasks[0].ID)

	for _, q := range []string{"status=done", "limit=-1", "include_archived=maybe"} {
		resp, _ := h.do(t, http.MethodGet, "/api/v1/tasks?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestPutCandidate(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodPut, "/api/v1/candidates/bob", map[string]any{
		"user_id": "ignored", "name": "Bob", "skill_tags": []string{"python"}, "hours_available": 8,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, _ = h.do(t, http.MethodPut, "/api/v1/candidates/bob", map[string]any{"name": "Bob B", "availability": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = h.do(t, http.MethodGet, "/api/v1/candidates?available=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Candidates []domain.Candidate `json:"candidates"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Candidates, 1)
	assert.Equal(t, "alice", list.Candidates[0].UserID)
}

func TestReadyz(t *testing.T) {
	h := newHarness(t)
	resp, _ := h.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	h.ready = errors.New("postgres down")
	resp, body := h.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "not_ready", errorCode(t, body))
}

func (h *harness) deliver(t *testing.T, eventType, id string, payload []byte) (*http.Response, map[string]string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/webhook/github", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set(events.HeaderEvent, eventType)
	req.Header.Set(events.HeaderDelivery, id)
	req.Header.Set(events.HeaderSignature, events.Sign(ciSecret, payload))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var ack map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	return resp, ack
}

func TestWebhook_LargerLimitThanAPI(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)
	padding := strings.Repeat("x", 8<<10)
	payload := []byte(fmt.Sprintf(`{"action":"in_progress","workflow_run":{"head_branch":"feature/%s","display_title":%q}}`, task.ID, padding))

	resp, ack := h.deliver(t, "workflow_run", "gh-big", payload)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "over the API cap but under the webhook cap")
	assert.Equal(t, string(events.OutcomeIgnored), ack["outcome"])
}

func TestWebhook_StaleResultIsAcked(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)
	payload := []byte(fmt.Sprintf(`{"action":"completed","workflow_run":{"conclusion":"failure","head_sha":"abc","head_commit":{"message":"fix: %s"}}}`, task.ID))

	resp, ack := h.deliver(t, "workflow_run", "gh-early", payload)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(events.OutcomeStale), ack["outcome"])

	stored, err := h.store.Tasks().Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Zero(t, stored.RetryCount)
}

func TestWebhook_OversizedBodyIsAckedAndIgnored(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)
	payload := []byte(fmt.Sprintf(`{"action":"completed","workflow_run":{"conclusion":"success","head_branch":"feature/%s","display_title":%q}}`,
		task.ID, strings.Repeat("x", 32<<10)))

	resp, ack := h.deliver(t, "workflow_run", "gh-huge", payload)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(events.OutcomeIgnored), ack["outcome"])
	assert.Equal(t, "gh-huge", ack["delivery"])

	stored, err := h.store.Tasks().Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
}

func TestWebhook_WorkflowRequestedNotifiesAssignee(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)
	base := "/api/v1/tasks/" + task.ID
	h.do(t, http.MethodPost, base+"/assign", map[string]any{"user_id": "alice"})
	h.do(t, http.MethodPost, base+"/start", nil)
	h.do(t, http.MethodPost, base+"/submit", map[string]any{"submission_ref": "https://github.com/org/repo/pull/1"})
	h.outbox.sent = nil

	payload := []byte(fmt.Sprintf(`{"action":"requested","workflow_run":{"name":"ci","head_branch":"feature/%s"}}`, task.ID))
	resp, ack := h.deliver(t, "workflow_run", "gh-start", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(events.OutcomeNotified), ack["outcome"])
	require.Len(t, h.outbox.sent, 1)
	assert.Equal(t, notify.TriggerCIStarted, h.outbox.sent[0].Trigger)
	assert.Equal(t, "alice", h.outbox.sent[0].Assignee)
}

func TestWebhook_GitHubDrivesReview(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)
	base := "/api/v1/tasks/" + task.ID
	h.do(t, http.MethodPost, base+"/assign", map[string]any{"user_id": "alice"})
	h.do(t, http.MethodPost, base+"/start", nil)
	h.do(t, http.MethodPost, base+"/submit", map[string]any{"submission_ref": "https://github.com/org/repo/pull/1"})

	payload := []byte(fmt.Sprintf(`{"action":"completed","workflow_run":{"conclusion":"success","head_branch":"feature/%s"}}`, task.ID))
	send := func(sig string) (*http.Response, []byte) {
		req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/webhook/github", bytes.NewReader(payload))
		require.NoError(t, err)
		req.Header.Set(events.HeaderEvent, "workflow_run")
		req.Header.Set(events.HeaderDelivery, "gh-1")
		req.Header.Set(events.HeaderSignature, sig)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var out bytes.Buffer
		_, _ = out.ReadFrom(resp.Body)
		return resp, out.Bytes()
	}

	resp, body := send(events.Sign([]byte("wrong"), payload))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, body))

	resp, body = send(events.Sign(ciSecret, payload))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ack map[string]string
	require.NoError(t, json.Unmarshal(body, &ack))
	assert.Equal(t, "ok", ack["status"])
	assert.Equal(t, string(events.OutcomeApplied), ack["outcome"])
	assert.Equal(t, "gh-1", ack["delivery"])

	resp, body = send(events.Sign(ciSecret, payload))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &ack))
	assert.Equal(t, string(events.OutcomeDuplicate), ack["outcome"])

	stored, err := h.store.Tasks().Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	first := h.createTask(t)
	h.createTask(t)
	resp, _ := h.do(t, http.MethodPost, "/api/v1/tasks/"+first.ID+"/cancel", map[string]any{"reason": "duplicate"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := h.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var stats struct {
		TotalTasks     int            `json:"total_tasks"`
		ByStatus       map[string]int `json:"by_status"`
		CreatedToday   int            `json:"created_today"`
		CompletionRate float64        `json:"completion_rate"`
	}
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 2, stats.TotalTasks)
	assert.Equal(t, 1, stats.ByStatus["pending"])
	assert.Equal(t, 1, stats.ByStatus["cancelled"])
	assert.Equal(t, 2, stats.CreatedToday)
	assert.Zero(t, stats.CompletionRate)
}
