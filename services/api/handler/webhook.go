package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/CookPiu/Bot/internal/domain"
	"github.com/CookPiu/Bot/internal/events"
)

// Receiver authenticates and applies one inbound delivery.
type Receiver interface {
	Receive(ctx context.Context, d events.Delivery) (events.Ack, error)
}

// Webhook serves the CI and scorer callback ingress.
type Webhook struct {
	events Receiver
	logger *slog.Logger
}

// NewWebhook creates a Webhook handler.
func NewWebhook(r Receiver, logger *slog.Logger) *Webhook {
	return &Webhook{events: r, logger: logger}
}

// webhookResponse is the body of every authenticated delivery. Senders only
// need the 200; outcome and delivery are there for operators.
type webhookResponse struct {
	Status     string         `json:"status"`
	Outcome    events.Outcome `json:"outcome"`
	DeliveryID string         `json:"delivery"`
	TaskID     string         `json:"task_id,omitempty"`
}

// GitHub handles POST /webhook/github.
func (h *Webhook) GitHub(w http.ResponseWriter, r *http.Request) {
	h.receive(w, r, domain.SourceCI)
}

// Scorer handles POST /webhook/scorer.
func (h *Webhook) Scorer(w http.ResponseWriter, r *http.Request) {
	h.receive(w, r, domain.SourceScorer)
}

func (h *Webhook) receive(w http.ResponseWriter, r *http.Request, source domain.Source) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "api.webhook")
	defer span.End()

	body, err := io.ReadAll(r.Body)
	var tooBig *http.MaxBytesError
	switch {
	case errors.As(err, &tooBig):
		h.logger.Warn("webhook body over limit, ignored",
			slog.String("source", string(source)),
			slog.String("delivery_id", r.Header.Get(events.HeaderDelivery)),
			slog.Int64("limit", tooBig.Limit),
		)
		span.SetAttributes(attribute.String("webhook.outcome", string(events.OutcomeIgnored)))
		writeJSON(w, http.StatusOK, webhookResponse{
			Status:     "ok",
			Outcome:    events.OutcomeIgnored,
			DeliveryID: r.Header.Get(events.HeaderDelivery),
		})
		return
	case err != nil:
		writeDomainError(w, h.logger, err)
		return
	}
	d := events.Delivery{
		Source:     source,
		EventType:  r.Header.Get(events.HeaderEvent),
		DeliveryID: r.Header.Get(events.HeaderDelivery),
		Signature:  r.Header.Get(events.HeaderSignature),
		Body:       body,
	}
	span.SetAttributes(
		attribute.String("webhook.source", string(source)),
		attribute.String("webhook.event", d.EventType),
		attribute.String("webhook.delivery", d.DeliveryID),
	)

	ack, err := h.events.Receive(ctx, d)
	if err != nil {
		var unauthorized *domain.UnauthorizedError
		if errors.As(err, &unauthorized) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "signature verification failed")
			return
		}
		writeDomainError(w, h.logger, err)
		return
	}
	span.SetAttributes(attribute.String("webhook.outcome", string(ack.Outcome)))
	writeJSON(w, http.StatusOK, webhookResponse{
		Status:     "ok",
		Outcome:    ack.Outcome,
		DeliveryID: ack.DeliveryID,
		TaskID:     ack.TaskID,
	})
}
