package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/markmilk20020610-art/monster-saas/internal/archive"
	"github.com/markmilk20020610-art/monster-saas/internal/billing"
	"github.com/markmilk20020610-art/monster-saas/internal/entitlement"
	"github.com/markmilk20020610-art/monster-saas/internal/generation"
	"github.com/markmilk20020610-art/monster-saas/internal/logging"
	"github.com/markmilk20020610-art/monster-saas/internal/orchestrator"
)

type errorBody struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a typed error to a status code. Internal details stay in
// the log; callers only see a short message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logging.FromContext(r.Context())

	var cooldown *orchestrator.CooldownError
	switch {
	case errors.As(err, &cooldown):
		retry := retryAfterSeconds(cooldown.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Error:      "too many requests; slow down",
			RetryAfter: retry,
		})

	case errors.Is(err, orchestrator.ErrInvalidPrompt),
		errors.Is(err, archive.ErrInvalidEntry),
		errors.Is(err, entitlement.ErrInvalidTier),
		errors.Is(err, entitlement.ErrInvalidIdentity):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})

	case errors.Is(err, archive.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})

	case errors.Is(err, generation.ErrBackendsExhausted):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "generation temporarily unavailable; try again shortly"})

	case errors.Is(err, billing.ErrQueueFull):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "billing temporarily unavailable"})

	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
		logger.Debug().Err(err).Msg("Request cancelled by client")

	default:
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}
