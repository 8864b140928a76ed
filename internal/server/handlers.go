package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/markmilk20020610-art/monster-saas/internal/archive"
	"github.com/markmilk20020610-art/monster-saas/internal/billing"
	"github.com/markmilk20020610-art/monster-saas/internal/entitlement"
	"github.com/markmilk20020610-art/monster-saas/internal/generation"
	"github.com/markmilk20020610-art/monster-saas/internal/identity"
	"github.com/markmilk20020610-art/monster-saas/internal/logging"
	"github.com/markmilk20020610-art/monster-saas/internal/orchestrator"
	"github.com/markmilk20020610-art/monster-saas/pkg/entitlements"
)

const (
	maxJSONBody  = 16 << 10
	maxSaveBody  = 300 << 10
	readyTimeout = 2 * time.Second
)

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return err
	}
	return nil
}

func callerIdentity(r *http.Request) string {
	id, _ := identity.FromContext(r.Context())
	return id
}

func handleHealthz(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
	}
}

func handleReadyz(store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			logging.FromContext(r.Context()).Warn().Err(err).Msg("Readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func handleGenerate(svc *orchestrator.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var spec generation.PromptSpec
		if decodeJSON(w, r, maxJSONBody, &spec) != nil {
			return
		}
		res, err := svc.Generate(r.Context(), callerIdentity(r), spec)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type entitlementResponse struct {
	Tier        entitlements.Tier   `json:"tier"`
	DisplayName string              `json:"display_name"`
	Policy      entitlements.Policy `json:"policy"`
}

func handleEntitlement(svc *orchestrator.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		policy := svc.CurrentPolicy(r.Context(), callerIdentity(r))
		writeJSON(w, http.StatusOK, entitlementResponse{
			Tier:        policy.Tier,
			DisplayName: policy.Tier.DisplayName(),
			Policy:      policy,
		})
	}
}

type saveRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func handleArchiveSave(svc *archive.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req saveRequest
		if decodeJSON(w, r, maxSaveBody, &req) != nil {
			return
		}
		entry, err := svc.Save(r.Context(), callerIdentity(r), req.Title, req.Content)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, entry)
	}
}

func handleArchiveList(svc *archive.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
				return
			}
			limit = n
		}
		entries, err := svc.List(r.Context(), callerIdentity(r), limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"entries": entries,
			"count":   len(entries),
		})
	}
}

func handleArchivePDF(svc *archive.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, err := svc.Get(r.Context(), callerIdentity(r), r.PathValue("id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		doc, err := archive.ExportPDF(entry)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "vanguard-"+entry.ID+".pdf"))
		w.Header().Set("Content-Length", strconv.Itoa(len(doc)))
		_, _ = w.Write(doc)
	}
}

type checkoutRequest struct {
	Tier string `json:"tier"`
}

func handleCheckout(checkout CheckoutCreator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checkout == nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "billing not configured"})
			return
		}
		var req checkoutRequest
		if decodeJSON(w, r, maxJSONBody, &req) != nil {
			return
		}
		tier, ok := entitlements.ParseTier(req.Tier)
		if !ok || tier == entitlements.TierBase {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "tier must be a paid tier"})
			return
		}
		url, err := checkout.Create(r.Context(), callerIdentity(r), tier)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	}
}

// handleBillingReturn queues verification of the session the user was sent
// back with. The tier only changes once the provider confirms payment.
func handleBillingReturn(queue billing.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
		if sessionID == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing session_id"})
			return
		}
		if queue == nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "billing not configured"})
			return
		}
		err := queue.Enqueue(r.Context(), billing.Notification{
			Reference: sessionID,
			Identity:  callerIdentity(r),
			Source:    billing.SourceReturn,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		http.Redirect(w, r, "/?billing=pending", http.StatusSeeOther)
	}
}

func handleAdminGetEntitlement(tiers *entitlement.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := tiers.Record(r.Context(), r.PathValue("identity"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

type setTierRequest struct {
	Tier string `json:"tier"`
}

func handleAdminSetEntitlement(tiers *entitlement.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req setTierRequest
		if decodeJSON(w, r, maxJSONBody, &req) != nil {
			return
		}
		tier, ok := entitlements.ParseTier(req.Tier)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: %q", entitlement.ErrInvalidTier, req.Tier))
			return
		}
		id := r.PathValue("identity")
		if err := tiers.SetTier(r.Context(), id, tier, entitlement.SourceAdmin); err != nil {
			writeError(w, r, err)
			return
		}
		rec, err := tiers.Record(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleAdminBackends(d *generation.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cands := d.Candidates()
		out := make([]generation.Descriptor, 0, len(cands))
		for _, c := range cands {
			out = append(out, c.Descriptor)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"backends":      out,
			"count":         len(out),
			"budget_millis": d.Budget().Milliseconds(),
		})
	}
}
