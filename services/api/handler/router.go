package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/CookPiu/Bot/services/api/middleware"
)

// RouterConfig carries the HTTP-level knobs of the API.
type RouterConfig struct {
	// Limiter throttles /api/v1 per client IP. Nil disables rate limiting.
	Limiter      middleware.Limiter
	CORSOrigins  []string
	MaxBodyBytes int64

	// WebhookMaxBodyBytes caps /webhook bodies. Larger deliveries are
	// acknowledged and ignored.
	WebhookMaxBodyBytes int64
}

// NewRouter mounts health probes, the REST API and the webhook ingress.
// Webhooks are not rate limited so CI redeliveries are never refused.
func NewRouter(rest *REST, hooks *Webhook, cfg RouterConfig, logger *slog.Logger) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.WebhookMaxBodyBytes <= 0 {
		cfg.WebhookMaxBodyBytes = 25 << 20
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))

	r.Get("/healthz", rest.Healthz)
	r.Get("/readyz", rest.Readyz)

	r.Route("/webhook", func(r chi.Router) {
		r.Use(middleware.MaxBodySize(cfg.WebhookMaxBodyBytes))
		r.Post("/github", hooks.GitHub)
		r.Post("/scorer", hooks.Scorer)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.MaxBodySize(cfg.MaxBodyBytes))
		if cfg.Limiter != nil {
			r.Use(middleware.RateLimit(cfg.Limiter, logger))
		}
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", rest.CreateTask)
			r.Get("/", rest.ListTasks)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", rest.GetTask)
				r.Get("/candidates", rest.RecommendCandidates)
				r.Post("/assign", rest.Assign)
				r.Post("/start", rest.Start)
				r.Post("/submit", rest.Submit)
				r.Post("/cancel", rest.Cancel)
				r.Post("/review", rest.Review)
			})
		})
		r.Get("/stats", rest.Stats)
		r.Route("/candidates", func(r chi.Router) {
			r.Get("/", rest.ListCandidates)
			r.Get("/{id}", rest.GetCandidate)
			r.Put("/{id}", rest.PutCandidate)
		})
	})

	if len(cfg.CORSOrigins) == 0 {
		return r
	}
	return cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", HeaderActor},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler(r)
}
