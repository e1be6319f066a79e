package channels

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/CookPiu/Bot/internal/notify"
)

// EmailConfig holds SMTP connection details and recipients.
type EmailConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
	// To receives every notice.
	To []string
	// Directory maps user ids to addresses so assignees hear about their own tasks.
	Directory map[string]string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email sends transition notices over SMTP.
type Email struct {
	cfg  EmailConfig
	send sendFunc
}

// NewEmail creates an Email channel from config.
func NewEmail(cfg EmailConfig) *Email {
	return &Email{cfg: cfg, send: smtp.SendMail}
}

func (e *Email) Name() string { return "email" }

// Recipients returns the deduplicated address list for t.
func (e *Email) Recipients(t notify.Transition) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		if addr == "" || seen[strings.ToLower(addr)] {
			return
		}
		seen[strings.ToLower(addr)] = true
		out = append(out, addr)
	}
	if t.Assignee != "" {
		add(e.cfg.Directory[t.Assignee])
	}
	for _, addr := range e.cfg.To {
		add(addr)
	}
	return out
}

func (e *Email) Deliver(ctx context.Context, t notify.Transition) error {
	ctx, span := otel.Tracer("notifier").Start(ctx, "channel.email")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", t.TaskID))

	to := e.Recipients(t)
	if len(to) == 0 {
		return nil
	}
	if e.cfg.Host == "" {
		err := errors.New("email channel has no SMTP host")
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing host")
		return err
	}
	span.SetAttributes(attribute.Int("email.recipients", len(to)))

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	msg := buildMIME(e.cfg.From, to, subject(t), notify.Render(t))

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}

	// smtp.SendMail takes no context; run it aside so ctx cancellation still returns.
	done := make(chan error, 1)
	go func() {
		done <- e.send(addr, auth, e.cfg.From, to, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "smtp send failed")
			return fmt.Errorf("smtp send for %s: %w", t.TaskID, err)
		}
		return nil
	case <-ctx.Done():
		err := fmt.Errorf("email send timed out: %w", ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeout")
		return err
	}
}

func subject(t notify.Transition) string {
	switch t.Trigger {
	case notify.TriggerReminder:
		return fmt.Sprintf("[taskbot] Reminder: %s", t.TaskID)
	case notify.TriggerOverdue:
		return fmt.Sprintf("[taskbot] Overdue: %s", t.TaskID)
	case notify.TriggerCIStarted:
		return fmt.Sprintf("[taskbot] CI started: %s", t.TaskID)
	case notify.TriggerInvite:
		return fmt.Sprintf("[taskbot] Invitation: %s", t.TaskID)
	case notify.TriggerDailyReport:
		return "[taskbot] " + t.Title
	}
	return fmt.Sprintf("[taskbot] %s is %s", t.TaskID, strings.ReplaceAll(string(t.To), "_", " "))
}

func buildMIME(from string, to []string, subject, body string) []byte {
	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		from, strings.Join(to, ", "), subject, body,
	)
	return []byte(msg)
}
