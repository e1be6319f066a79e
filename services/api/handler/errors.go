package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/CookPiu/Bot/internal/domain"
)

// Retry-After hints, in seconds.
const (
	retryAfterConflict    = 1
	retryAfterUnavailable = 30
)

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

// writeDomainError maps a typed domain error onto a status and error code.
// Anything unrecognized is logged and reported as 500 without detail.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		validation   *domain.ValidationError
		taskMissing  *domain.TaskNotFoundError
		candMissing  *domain.CandidateNotFoundError
		invalid      *domain.InvalidTransitionError
		processed    *domain.TaskAlreadyProcessedError
		unavailable  *domain.ProviderUnavailableError
		conflict     *domain.ConflictError
		limited      *domain.RateLimitExceededError
		unauthorized *domain.UnauthorizedError
		tooBig       *http.MaxBytesError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.As(err, &tooBig):
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
	case errors.As(err, &taskMissing), errors.As(err, &candMissing):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &invalid):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.As(err, &processed):
		writeError(w, http.StatusConflict, "already_processed", err.Error())
	case errors.As(err, &unavailable):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterUnavailable))
		writeError(w, http.StatusServiceUnavailable, "provider_unavailable", err.Error())
	case errors.As(err, &conflict):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterConflict))
		writeError(w, http.StatusServiceUnavailable, "conflict", err.Error())
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	case errors.As(err, &unauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	default:
		logger.Error("request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
