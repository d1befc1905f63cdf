/*
handlers.go - HTTP API handlers for the referral engine

PURPOSE:
  Exposes the referral engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Click ingress:
    GET    /r/{code}                        Record click, redirect to store

  Referrers:
    POST   /api/referrers/{id}/code         Issue a referral code
    GET    /api/referrers/{id}/stats        Cached dashboard aggregate
    GET    /api/referrers/{id}/commissions  Accrual/reversal history
    POST   /api/referrers/{id}/rebuild      Refold stats from the logs

  Events (called by the account and order services):
    POST   /api/events/registration         Account created
    POST   /api/events/order-status         Order status changed

  Operator actions:
    POST   /api/orders/{id}/attribute       Retroactive guest attribution

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Unknown code or record
  - 409: Conflict (already attributed, duplicate)
  - 503: Storage unavailable (retryable)
  - 500: Everything else

SECURITY NOTE:
  No authentication middleware. The event endpoints are meant to sit behind
  an internal network boundary; the click ingress is public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - ../referral/engine.go: The facade these handlers delegate to
*/
package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/referral-engine/referral"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *referral.Engine

	// RedirectBase is where click ingress sends the visitor afterwards.
	RedirectBase string

	log *zap.Logger
}

// NewHandler creates a new handler around the engine.
func NewHandler(engine *referral.Engine, redirectBase string, log *zap.Logger) *Handler {
	if redirectBase == "" {
		redirectBase = "/"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Engine: engine, RedirectBase: redirectBase, log: log}
}

// =============================================================================
// CLICK INGRESS
// =============================================================================

// ClickRedirect records the inbound click and redirects to the storefront.
// The visitor is redirected no matter what: an unknown or stale code must
// never break the landing experience.
func (h *Handler) ClickRedirect(w http.ResponseWriter, r *http.Request) {
	code := referral.Code(chi.URLParam(r, "code"))

	_, err := h.Engine.Tracker.RecordClick(r.Context(), code,
		clientIP(r), r.UserAgent(), time.Now())
	if err != nil {
		// Logged, not surfaced. The redirect still happens.
		h.log.Error("click recording failed",
			zap.String("code", string(code)), zap.Error(err))
	}

	http.Redirect(w, r, h.RedirectBase, http.StatusFound)
}

// =============================================================================
// REFERRER HANDLERS
// =============================================================================

// IssueCode issues a fresh referral code for a referrer.
func (h *Handler) IssueCode(w http.ResponseWriter, r *http.Request) {
	referrerID := referral.ReferrerID(chi.URLParam(r, "id"))

	code, err := h.Engine.Registry.IssueCode(r.Context(), referrerID)
	if err != nil {
		writeDomainError(w, "Failed to issue code", err)
		return
	}

	writeJSON(w, http.StatusCreated, CodeDTO{
		ReferrerID: string(referrerID),
		Code:       string(code),
		Link:       "/r/" + string(code),
	})
}

// GetStats returns the cached dashboard aggregate for a referrer.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	referrerID := referral.ReferrerID(chi.URLParam(r, "id"))

	stats, err := h.Engine.Projection.GetStats(r.Context(), referrerID)
	if err != nil {
		writeDomainError(w, "Failed to get stats", err)
		return
	}

	writeJSON(w, http.StatusOK, toStatsDTO(stats))
}

// GetCommissions returns a referrer's full accrual/reversal history.
func (h *Handler) GetCommissions(w http.ResponseWriter, r *http.Request) {
	referrerID := referral.ReferrerID(chi.URLParam(r, "id"))

	entries, err := h.Engine.Projection.CommissionHistory(r.Context(), referrerID)
	if err != nil {
		writeDomainError(w, "Failed to get commission history", err)
		return
	}

	dtos := make([]CommissionEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, CommissionEntryDTO{
			ID:         string(e.ID),
			OrderID:    string(e.OrderID),
			Type:       string(e.Type),
			DeltaMinor: e.DeltaMinor,
			CreatedAt:  e.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"entries": dtos})
}

// RebuildStats refolds the aggregate from the logs and overwrites the cache.
func (h *Handler) RebuildStats(w http.ResponseWriter, r *http.Request) {
	referrerID := referral.ReferrerID(chi.URLParam(r, "id"))

	stats, err := h.Engine.Projection.Rebuild(r.Context(), referrerID)
	if err != nil {
		writeDomainError(w, "Failed to rebuild stats", err)
		return
	}

	writeJSON(w, http.StatusOK, toStatsDTO(stats))
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// RegistrationEvent attributes a newly created account.
func (h *Handler) RegistrationEvent(w http.ResponseWriter, r *http.Request) {
	var req RegistrationEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required", nil)
		return
	}

	at, err := parseEventTime(req.At)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid at timestamp (use RFC3339)", err)
		return
	}

	attr, err := h.Engine.Resolver.AttributeRegistration(r.Context(),
		referral.AccountID(req.AccountID), req.VisitorIP, req.UserAgent, at)
	if err != nil {
		writeDomainError(w, "Failed to attribute registration", err)
		return
	}

	writeJSON(w, http.StatusOK, toAttributionDTO(attr))
}

// OrderStatusEvent feeds an order status change into the ledger.
func (h *Handler) OrderStatusEvent(w http.ResponseWriter, r *http.Request) {
	var req OrderStatusEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "order_id is required", nil)
		return
	}
	if req.NewStatus == "" {
		writeError(w, http.StatusBadRequest, "new_status is required", nil)
		return
	}

	at, err := parseEventTime(req.At)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid at timestamp (use RFC3339)", err)
		return
	}

	evt := referral.OrderEvent{
		OrderID:    referral.OrderID(req.OrderID),
		AccountID:  referral.AccountID(req.AccountID),
		TotalMinor: req.TotalMinor,
		OldStatus:  referral.OrderStatus(req.OldStatus),
		NewStatus:  referral.OrderStatus(req.NewStatus),
		At:         at,
	}

	if err := h.Engine.HandleOrderStatusChanged(r.Context(), evt); err != nil {
		writeDomainError(w, "Failed to process order status change", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

// =============================================================================
// OPERATOR ACTIONS
// =============================================================================

// AttributeOrderRetroactive binds a guest-checkout order to a referrer by
// checkout fingerprint. Explicit operator action, never called automatically.
func (h *Handler) AttributeOrderRetroactive(w http.ResponseWriter, r *http.Request) {
	orderID := referral.OrderID(chi.URLParam(r, "id"))

	var req RetroactiveAttributionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required", nil)
		return
	}

	at, err := parseEventTime(req.At)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid at timestamp (use RFC3339)", err)
		return
	}

	attr, err := h.Engine.AttributeOrderRetroactive(r.Context(), orderID,
		referral.AccountID(req.AccountID), req.VisitorIP, req.UserAgent, at)
	if err != nil {
		writeDomainError(w, "Failed to attribute order", err)
		return
	}

	writeJSON(w, http.StatusOK, toAttributionDTO(attr))
}

// =============================================================================
// HELPERS
// =============================================================================

func toStatsDTO(stats referral.ReferrerStats) StatsDTO {
	return StatsDTO{
		ReferrerID:     string(stats.ReferrerID),
		Clicks:         stats.Clicks,
		Registrations:  stats.Registrations,
		Orders:         stats.Orders,
		AvailableMinor: stats.AvailableMinor,
		LifetimeMinor:  stats.LifetimeMinor,
	}
}

func toAttributionDTO(attr referral.Attribution) AttributionDTO {
	return AttributionDTO{
		Outcome:    string(attr.Outcome),
		ReferrerID: string(attr.ReferrerID),
		ClickID:    string(attr.ClickID),
	}
}

// parseEventTime parses an optional RFC3339 event timestamp, defaulting to
// now. Event feeds carry their own timestamps; manual calls may omit them.
func parseEventTime(s string) (time.Time, error) {
	if s == "" {
		return time.Now(), nil
	}
	return time.Parse(time.RFC3339, s)
}

// clientIP extracts the visitor address, preferring X-Forwarded-For when the
// service runs behind a proxy.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps domain error classes onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case referral.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case referral.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case referral.IsRetryable(err):
		writeError(w, http.StatusServiceUnavailable, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
