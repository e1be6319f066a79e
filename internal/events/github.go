package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/CookPiu/Bot/internal/domain"
)

type ghCommit struct {
	Message string `json:"message"`
}

type ghPullRequest struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Head   struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

type ghWorkflowRun struct {
	Name         string          `json:"name"`
	Status       string          `json:"status"`
	Conclusion   string          `json:"conclusion"`
	HeadSHA      string          `json:"head_sha"`
	HeadBranch   string          `json:"head_branch"`
	HTMLURL      string          `json:"html_url"`
	DisplayTitle string          `json:"display_title"`
	HeadCommit   *ghCommit       `json:"head_commit"`
	PullRequests []ghPullRequest `json:"pull_requests"`
	RunStartedAt time.Time       `json:"run_started_at"`
}

type ghCheckSuite struct {
	Conclusion   string          `json:"conclusion"`
	HeadSHA      string          `json:"head_sha"`
	HeadBranch   string          `json:"head_branch"`
	HeadCommit   *ghCommit       `json:"head_commit"`
	PullRequests []ghPullRequest `json:"pull_requests"`
	CreatedAt    time.Time       `json:"created_at"`
}

type ghCheckRun struct {
	Name       string        `json:"name"`
	Conclusion string        `json:"conclusion"`
	HeadSHA    string        `json:"head_sha"`
	HTMLURL    string        `json:"html_url"`
	StartedAt  time.Time     `json:"started_at"`
	CheckSuite *ghCheckSuite `json:"check_suite"`
	Output     struct {
		Title string `json:"title"`
	} `json:"output"`
}

type ghPayload struct {
	Action       string         `json:"action"`
	TaskID       string         `json:"task_id"`
	WorkflowRun  *ghWorkflowRun `json:"workflow_run"`
	CheckRun     *ghCheckRun    `json:"check_run"`
	CheckSuite   *ghCheckSuite  `json:"check_suite"`
	PullRequest  *ghPullRequest `json:"pull_request"`
	TaskMetadata *struct {
		TaskID string `json:"task_id"`
		PRURL  string `json:"pr_url"`
		Branch string `json:"branch"`
	} `json:"task_metadata"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// ghEvent is the part of a GitHub delivery the processor acts on.
type ghEvent struct {
	action     string
	conclusion string
	key        string
	headSHA    string
	startedAt  time.Time
	details    map[string]string
}

// decodeGitHub reads a workflow_run, check_run or check_suite delivery. It
// returns nil for any other event type or a payload missing its object.
func decodeGitHub(eventType string, body []byte) (*ghEvent, error) {
	var p ghPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}

	e := &ghEvent{action: p.Action, details: map[string]string{}}
	var texts []string
	switch eventType {
	case "workflow_run":
		run := p.WorkflowRun
		if run == nil {
			return nil, nil
		}
		e.conclusion, e.headSHA, e.startedAt = run.Conclusion, run.HeadSHA, run.RunStartedAt
		texts = append(texts, commitMessage(run.HeadCommit), run.DisplayTitle)
		texts = append(texts, prTexts(run.PullRequests)...)
		texts = append(texts, run.HeadBranch)
		e.details["workflow"] = run.Name
		e.details["run_url"] = run.HTMLURL
	case "check_run":
		run := p.CheckRun
		if run == nil {
			return nil, nil
		}
		e.conclusion, e.headSHA, e.startedAt = run.Conclusion, run.HeadSHA, run.StartedAt
		if suite := run.CheckSuite; suite != nil {
			texts = append(texts, commitMessage(suite.HeadCommit))
			texts = append(texts, prTexts(suite.PullRequests)...)
			texts = append(texts, suite.HeadBranch)
			if e.headSHA == "" {
				e.headSHA = suite.HeadSHA
			}
		}
		texts = append(texts, run.Output.Title)
		e.details["check"] = run.Name
		e.details["run_url"] = run.HTMLURL
	case "check_suite":
		suite := p.CheckSuite
		if suite == nil {
			return nil, nil
		}
		e.conclusion, e.headSHA, e.startedAt = suite.Conclusion, suite.HeadSHA, suite.CreatedAt
		texts = append(texts, commitMessage(suite.HeadCommit))
		texts = append(texts, prTexts(suite.PullRequests)...)
		texts = append(texts, suite.HeadBranch)
	default:
		return nil, nil
	}

	e.key = explicitTaskID(p)
	if e.key == "" {
		e.key = ExtractTaskID(texts...)
	}
	e.details["head_sha"] = e.headSHA
	e.details["repository"] = p.Repository.FullName
	for k, v := range e.details {
		if v == "" {
			delete(e.details, k)
		}
	}
	return e, nil
}

// ParseGitHub decodes a workflow_run, check_run or check_suite delivery.
// ok is false when the delivery carries no verdict: another event type, an
// action other than completed, or a missing conclusion.
func ParseGitHub(eventType string, body []byte) (ev domain.EvaluationEvent, ok bool, err error) {
	e, err := decodeGitHub(eventType, body)
	if err != nil || e == nil {
		return ev, false, err
	}
	ev, ok = e.evaluation()
	return ev, ok, nil
}

func (e *ghEvent) evaluation() (domain.EvaluationEvent, bool) {
	if e.action != "completed" || e.conclusion == "" {
		return domain.EvaluationEvent{}, false
	}
	return domain.EvaluationEvent{
		Source:         domain.SourceCI,
		CorrelationKey: e.key,
		Conclusion:     NormalizeConclusion(e.conclusion),
		Details:        e.details,
		HeadSHA:        e.headSHA,
		RunStartedAt:   e.startedAt.UTC(),
	}, true
}

// started reports whether the delivery announces a newly requested
// workflow run.
func (e *ghEvent) started(eventType string) bool {
	return eventType == "workflow_run" && e.action == "requested"
}

func explicitTaskID(p ghPayload) string {
	if p.TaskMetadata != nil && IsTaskID(strings.TrimSpace(p.TaskMetadata.TaskID)) {
		return strings.TrimSpace(p.TaskMetadata.TaskID)
	}
	if IsTaskID(strings.TrimSpace(p.TaskID)) {
		return strings.TrimSpace(p.TaskID)
	}
	return ""
}

func commitMessage(c *ghCommit) string {
	if c == nil {
		return ""
	}
	return c.Message
}

func prTexts(prs []ghPullRequest) []string {
	out := make([]string, 0, 2*len(prs))
	for _, pr := range prs {
		out = append(out, pr.Title, pr.Head.Ref)
	}
	return out
}

// NormalizeConclusion folds GitHub's conclusion vocabulary into the five
// values the evaluator understands.
func NormalizeConclusion(c string) domain.Conclusion {
	switch strings.ToLower(strings.TrimSpace(c)) {
	case "success":
		return domain.ConclusionSuccess
	case "failure", "action_required", "startup_failure":
		return domain.ConclusionFailure
	case "timed_out":
		return domain.ConclusionTimedOut
	case "cancelled", "skipped", "stale":
		return domain.ConclusionCancelled
	default:
		return domain.ConclusionNeutral
	}
}

// ScorerCallback is the body of POST /webhook/scorer.
type ScorerCallback struct {
	TaskID     string   `json:"task_id"`
	Score      *float64 `json:"score"`
	Rationale  string   `json:"rationale"`
	DeliveryID string   `json:"delivery_id"`
}

// ParseScorer decodes a scorer callback. A missing score is an error.
func ParseScorer(body []byte) (domain.EvaluationEvent, error) {
	var cb ScorerCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return domain.EvaluationEvent{}, fmt.Errorf("decode scorer payload: %w", err)
	}
	if cb.Score == nil {
		return domain.EvaluationEvent{}, &domain.ValidationError{Field: "score", Reason: "required"}
	}
	key := strings.TrimSpace(cb.TaskID)
	if !IsTaskID(key) {
		key = ExtractTaskID(key)
	}
	return domain.EvaluationEvent{
		Source:         domain.SourceScorer,
		CorrelationKey: key,
		DeliveryID:     cb.DeliveryID,
		Score:          cb.Score,
		Rationale:      cb.Rationale,
		Details:        map[string]string{"score": strconv.FormatFloat(*cb.Score, 'f', -1, 64)},
	}, nil
}
