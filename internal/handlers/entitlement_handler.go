package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"strideBack/internal/entitlement/listener"
	"strideBack/internal/models"
)

type EntitlementEngine interface {
	State() models.EntitlementState
	Refresh(ctx context.Context) error
}

type PurchaseHistory interface {
	Refresh(ctx context.Context) ([]models.Transaction, error)
	Snapshot() (models.PurchaseHistorySnapshot, bool)
	Clear()
}

type RefundRequester interface {
	RequestRefund(ctx context.Context, transactionID string) (models.RefundResult, error)
}

type DeliveryLog interface {
	ListRecent(ctx context.Context, limit int) ([]models.DeliveryRecord, error)
}

type ListenerStatus interface {
	State() listener.State
}

// EntitlementHandler serves the entitlement, purchase history and refund endpoints.
type EntitlementHandler struct {
	Engine     EntitlementEngine
	History    PurchaseHistory
	Refunds    RefundRequester
	Deliveries DeliveryLog
	Listener   ListenerStatus
}

func NewEntitlementHandler(engine EntitlementEngine, history PurchaseHistory, refunds RefundRequester, deliveries DeliveryLog, l ListenerStatus) *EntitlementHandler {
	return &EntitlementHandler{Engine: engine, History: history, Refunds: refunds, Deliveries: deliveries, Listener: l}
}

// GetEntitlement returns the last resolved state. Before the first
// resolution the status is "unknown".
func (h *EntitlementHandler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.State())
}

// RefreshEntitlement retries held transactions and re-evaluates at the current time.
func (h *EntitlementHandler) RefreshEntitlement(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Refresh(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": err.Error(),
			"state": h.Engine.State(),
		})
		return
	}
	writeJSON(w, http.StatusOK, h.Engine.State())
}

// GetHistory returns the cached purchase history, fetching it when absent.
func (h *EntitlementHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if snap, ok := h.History.Snapshot(); ok {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	h.RefreshHistory(w, r)
}

func (h *EntitlementHandler) RefreshHistory(w http.ResponseWriter, r *http.Request) {
	if _, err := h.History.Refresh(r.Context()); err != nil {
		http.Error(w, "history refresh: "+err.Error(), http.StatusBadGateway)
		return
	}
	snap, _ := h.History.Snapshot()
	writeJSON(w, http.StatusOK, snap)
}

func (h *EntitlementHandler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	h.History.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// RequestRefund always answers with a RefundResult; the status code tells
// whether the request may be retried.
func (h *EntitlementHandler) RequestRefund(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get(":transaction_id"))
	if id == "" {
		http.Error(w, "transaction_id is required", http.StatusBadRequest)
		return
	}
	result, err := h.Refunds.RequestRefund(r.Context(), id)
	writeJSON(w, refundStatusCode(err), result)
}

func refundStatusCode(err error) int {
	if err == nil {
		return http.StatusAccepted
	}
	switch models.RefundErrorKind(err) {
	case models.RefundDeclined:
		return http.StatusUnprocessableEntity
	case models.RefundUnsupported:
		return http.StatusNotImplemented
	default:
		return http.StatusServiceUnavailable
	}
}

// ListDeliveries returns recent audited deliveries for operators.
func (h *EntitlementHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	if h.Deliveries == nil {
		http.Error(w, "delivery log is not configured", http.StatusNotImplemented)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := h.Deliveries.ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, "list deliveries: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []models.DeliveryRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *EntitlementHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":      "ok",
		"entitlement": h.Engine.State().Status,
	}
	if h.Listener != nil {
		resp["listener"] = h.Listener.State()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
