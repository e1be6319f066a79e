package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/CookPiu/Bot/internal/domain"
	"github.com/CookPiu/Bot/pkg/telemetry"
)

// Limiter decides whether a caller key may make another request.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

// RateLimit rejects callers over their budget with 429. Callers are keyed by
// client IP; run chi's RealIP first when behind a proxy. A limiter error lets
// the request through.
func RateLimit(l Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			allowed, err := l.Allow(r.Context(), key)
			if err != nil {
				logger.Error("rate limiter error", slog.String("key", key), slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				telemetry.APIRateLimitedTotal.Inc()
				limitErr := &domain.RateLimitExceededError{Key: key, Limit: l.Limit()}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{"code": "rate_limited", "message": limitErr.Error()},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
