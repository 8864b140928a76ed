package billing

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/markmilk20020610-art/monster-saas/internal/logging"
	"github.com/markmilk20020610-art/monster-saas/internal/metrics"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandler verifies Stripe webhook signatures and queues checkout
// completions for reconciliation. It never changes entitlements itself.
type WebhookHandler struct {
	secret string
	queue  Queue
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// checkoutSessionEvent is the part of a checkout.session event we read.
// Everything in it is unverified.
type checkoutSessionEvent struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler.
func NewWebhookHandler(secret string, queue Queue) *WebhookHandler {
	return &WebhookHandler{secret: secret, queue: queue}
}

// ServeHTTP verifies the Stripe signature and queues the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	status = h.handleEvent(r, &event)
	if status != http.StatusOK {
		writeJSON(w, status, webhookErrorResponse{Error: http.StatusText(status)})
		return
	}
	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

func (h *WebhookHandler) handleEvent(r *http.Request, event *stripe.Event) int {
	logger := logging.FromContext(r.Context()).With().
		Str("event_id", event.ID).
		Str("type", string(event.Type)).
		Logger()

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var session checkoutSessionEvent
		if event.Data == nil || json.Unmarshal(event.Data.Raw, &session) != nil {
			logger.Warn().Msg("Stripe webhook carried an unreadable checkout session")
			return http.StatusBadRequest
		}
		if session.ID == "" || strings.TrimSpace(session.ClientReferenceID) == "" {
			logger.Warn().Str("session_id", session.ID).Msg("Checkout session has no client reference; ignoring")
			return http.StatusOK
		}

		err := h.queue.Enqueue(r.Context(), Notification{
			Reference:   session.ID,
			Identity:    session.ClientReferenceID,
			ClaimedTier: session.Metadata["tier"],
			EventID:     event.ID,
			Source:      SourceWebhook,
		})
		if err != nil {
			logger.Error().Err(err).Str("session_id", session.ID).Msg("Failed to queue payment reconciliation")
			if errors.Is(err, ErrQueueFull) {
				return http.StatusServiceUnavailable
			}
			return http.StatusInternalServerError
		}
		logger.Info().Str("session_id", session.ID).Msg("Queued payment reconciliation")
		return http.StatusOK

	default:
		logger.Info().Msg("Stripe webhook ignored (unhandled type)")
		return http.StatusOK
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
