package domain_test

import (
	"testing"
	"time"

	"github.com/CookPiu/Bot/internal/domain"
)

func TestStatusConstants(t *testing.T) {
	tests := []struct {
		status domain.Status
		want   string
	}{
		{domain.StatusPending, "pending"},
		{domain.StatusAssigned, "assigned"},
		{domain.StatusInProgress, "in_progress"},
		{domain.StatusSubmitted, "submitted"},
		{domain.StatusReviewing, "reviewing"},
		{domain.StatusCompleted, "completed"},
		{domain.StatusRejected, "rejected"},
		{domain.StatusCancelled, "cancelled"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if string(tt.status) != tt.want {
				t.Errorf("Status value = %q, want %q", tt.status, tt.want)
			}
			if !tt.status.IsValid() {
				t.Errorf("IsValid(%q) = false, want true", tt.status)
			}
		})
	}
	if domain.Status("archived").IsValid() {
		t.Error("unknown status should not be valid")
	}
}

func TestIsTerminal_TerminalStates(t *testing.T) {
	for _, s := range []domain.Status{domain.StatusCompleted, domain.StatusRejected, domain.StatusCancelled} {
		t.Run(string(s), func(t *testing.T) {
			if !s.IsTerminal() {
				t.Errorf("IsTerminal(%q) = false, want true", s)
			}
		})
	}
}

func TestIsTerminal_NonTerminalStates(t *testing.T) {
	for _, s := range []domain.Status{
		domain.StatusPending, domain.StatusAssigned, domain.StatusInProgress,
		domain.StatusSubmitted, domain.StatusReviewing,
	} {
		t.Run(string(s), func(t *testing.T) {
			if s.IsTerminal() {
				t.Errorf("IsTerminal(%q) = true, want false", s)
			}
		})
	}
}

func TestInferKind(t *testing.T) {
	tests := []struct {
		name string
		tags []string
		desc string
		want domain.Kind
	}{
		{"tag match", []string{"Go"}, "", domain.KindCode},
		{"description keyword", []string{"writing"}, "Build the REST api for billing", domain.KindCode},
		{"short keyword as word only", []string{"design"}, "good logo for the team", domain.KindGeneral},
		{"short keyword whole word", []string{"design"}, "port the tool to go", domain.KindCode},
		{"general", []string{"copywriting"}, "Write the launch post", domain.KindGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := domain.InferKind(tt.tags, tt.desc); got != tt.want {
				t.Errorf("InferKind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTask_CloneIsDeep(t *testing.T) {
	now := time.Now()
	score := 90.0
	orig := &domain.Task{ID: "TASK1", SkillTags: []string{"go"}, AcceptedAt: &now, FinalScore: &score}

	c := orig.Clone()
	c.SkillTags[0] = "rust"
	*c.FinalScore = 10
	*c.AcceptedAt = now.Add(time.Hour)

	if orig.SkillTags[0] != "go" || *orig.FinalScore != 90 || !orig.AcceptedAt.Equal(now) {
		t.Fatal("Clone must not alias the original")
	}
}

func TestTask_Threshold(t *testing.T) {
	task := &domain.Task{}
	if got := task.Threshold(80); got != 80 {
		t.Errorf("Threshold() = %v, want default 80", got)
	}
	override := 60.0
	task.PassThreshold = &override
	if got := task.Threshold(80); got != 60 {
		t.Errorf("Threshold() = %v, want override 60", got)
	}
}

func TestTask_IsOverdue(t *testing.T) {
	now := time.Now()
	task := &domain.Task{Status: domain.StatusInProgress, Deadline: now.Add(-time.Minute)}
	if !task.IsOverdue(now) {
		t.Error("open task past its deadline should be overdue")
	}
	task.Status = domain.StatusCompleted
	if task.IsOverdue(now) {
		t.Error("terminal task is never overdue")
	}
}
