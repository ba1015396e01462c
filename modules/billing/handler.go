package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dorondv/project-management-tool-sub002/pkg/logger"
	svc "github.com/dorondv/project-management-tool-sub002/svc/billing"
)

// maxWebhookBody caps inbound callback bodies. Provider events are small;
// anything larger is hostile or broken.
const maxWebhookBody = 1 << 20

// Handler carries the dependencies the billing routes need.
type Handler struct {
	service *svc.Service
	gateway svc.Gateway
	events  svc.WebhookEventStore
	worker  *svc.Worker
	sweeper *svc.Sweeper
	log     *slog.Logger
}

// NewHandler wires the billing HTTP handler. The worker and sweeper are
// optional; without them the admin reprocess and sweep triggers return 503.
func NewHandler(service *svc.Service, gateway svc.Gateway, events svc.WebhookEventStore, worker *svc.Worker, sweeper *svc.Sweeper, log *slog.Logger) *Handler {
	if service == nil || gateway == nil || events == nil {
		panic("billing module: service, gateway and event store are required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		service: service,
		gateway: gateway,
		events:  events,
		worker:  worker,
		sweeper: sweeper,
		log:     log,
	}
}

// webhookBody is the envelope every provider callback shares.
type webhookBody struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Resource   json.RawMessage `json:"resource"`
}

// handleWebhook ingests a provider callback. The contract with the provider
// is acknowledge-fast: the event row is persisted and 200 returned before any
// business logic runs. Signature failures are logged but not rejected, so a
// provider-side signing misconfiguration degrades to an audit trail rather
// than dropped billing events; the idempotent processor makes replayed or
// forged events harmless to stored state.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if !h.gateway.VerifyWebhookSignature(r.Header, body) {
		h.log.WarnContext(r.Context(), "webhook signature verification failed",
			slog.String("remote_addr", r.RemoteAddr))
	}

	var envelope webhookBody
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}
	if envelope.EventID == "" || envelope.EventType == "" {
		writeError(w, http.StatusBadRequest, "event_id and event_type are required")
		return
	}

	occurredAt := envelope.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	event := &svc.WebhookEvent{
		ID:              uuid.New(),
		ProviderEventID: envelope.EventID,
		Type:            svc.ParseEventType(envelope.EventType),
		OccurredAt:      occurredAt,
		Payload:         envelope.Resource,
		CreatedAt:       time.Now().UTC(),
	}

	if err := h.events.Insert(r.Context(), event); err != nil {
		if errors.Is(err, svc.ErrConflict) {
			// Redelivery of an already-recorded event; acknowledge again.
			w.WriteHeader(http.StatusOK)
			return
		}
		h.log.ErrorContext(r.Context(), "failed to persist webhook event",
			logger.EventID(envelope.EventID), logger.Error(err))
		writeError(w, http.StatusInternalServerError, "event not recorded")
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sub, err := h.service.GetSubscription(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleGetAccess(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	access, err := h.service.GetAccess(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, access)
}

func (h *Handler) handleGetUserStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	status, err := h.service.GetUserStatus(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (h *Handler) handleListHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sub, err := h.service.GetSubscription(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	entries, err := h.service.ListHistory(r.Context(), sub.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		PlanID   string `json:"plan_id"`
		RemoteID string `json:"remote_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlanID == "" {
		writeError(w, http.StatusBadRequest, "plan_id is required")
		return
	}

	sub, err := h.service.Subscribe(r.Context(), userID, req.PlanID, req.RemoteID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	sub, err := h.service.Cancel(r.Context(), userID, req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		PlanID   string `json:"plan_id"`
		RemoteID string `json:"remote_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlanID == "" {
		writeError(w, http.StatusBadRequest, "plan_id is required")
		return
	}

	sub, err := h.service.Upgrade(r.Context(), userID, req.PlanID, req.RemoteID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleRedeemCoupon(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	sub, err := h.service.RedeemCoupon(r.Context(), userID, req.Code)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "sweeper not available")
		return
	}

	count, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		h.log.ErrorContext(r.Context(), "manual trial sweep failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": count})
}

func (h *Handler) handleReprocess(w http.ResponseWriter, r *http.Request) {
	if h.worker == nil {
		writeError(w, http.StatusServiceUnavailable, "worker not available")
		return
	}

	if err := h.worker.DrainOnce(r.Context()); err != nil {
		h.log.ErrorContext(r.Context(), "manual event reprocess failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "reprocess failed")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RemoteTxnID string `json:"remote_txn_id"`
		Amount      *int64 `json:"amount"`
		Reason      string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RemoteTxnID == "" {
		writeError(w, http.StatusBadRequest, "remote_txn_id is required")
		return
	}

	entry, err := h.service.Refund(r.Context(), req.RemoteTxnID, req.Amount, req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleGrantFreeAccess(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	var req struct {
		AdminID string     `json:"admin_id"`
		Until   *time.Time `json:"until"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}
	adminID, err := uuid.Parse(req.AdminID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "admin_id is required")
		return
	}

	sub, err := h.service.GrantFreeAccess(r.Context(), adminID, userID, req.Until)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleRevokeFreeAccess(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	var req struct {
		AdminID string `json:"admin_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}
	adminID, err := uuid.Parse(req.AdminID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "admin_id is required")
		return
	}

	sub, err := h.service.RevokeFreeAccess(r.Context(), adminID, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleSuspend(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	sub, err := h.service.Suspend(r.Context(), userID, req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleReactivate(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	sub, err := h.service.Reactivate(r.Context(), userID, req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

type ctxKey struct{}

// withUserID resolves the acting user once per request and stores it in the
// request context for the handlers.
func withUserID(extract UserIDExtractor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := extract(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
		})
	}
}

func userIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(ctxKey{}).(uuid.UUID)
	return userID, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, svc.ErrNotFound),
		errors.Is(err, svc.ErrCouponNotFound),
		errors.Is(err, svc.ErrPlanNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, svc.ErrSubscriptionExists),
		errors.Is(err, svc.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, svc.ErrInvalidTransition),
		errors.Is(err, svc.ErrRefundWindowExpired),
		errors.Is(err, svc.ErrCouponInactive),
		errors.Is(err, svc.ErrCouponExpired),
		errors.Is(err, svc.ErrCouponExhausted):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, svc.ErrProviderUnavailable):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
