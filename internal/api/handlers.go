package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/LeventeLantos/scheduled-messaging/internal/inbound"
	"github.com/LeventeLantos/scheduled-messaging/internal/ledger"
	"github.com/LeventeLantos/scheduled-messaging/internal/model"
	"github.com/LeventeLantos/scheduled-messaging/internal/repo"
	"github.com/LeventeLantos/scheduled-messaging/internal/scheduler"
	"github.com/LeventeLantos/scheduled-messaging/internal/service"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
	maxBodyBytes = 1 << 20
)

// Messages is the part of the scheduling engine exposed over HTTP.
type Messages interface {
	Schedule(ctx context.Context, req service.ScheduleRequest) (*model.ScheduledMessage, error)
	Get(ctx context.Context, tenantID, id string) (*model.ScheduledMessage, error)
	Reschedule(ctx context.Context, tenantID, id string, fireAt time.Time) (*model.ScheduledMessage, error)
	Cancel(ctx context.Context, tenantID, id string) error
	ListPending(ctx context.Context, tenantID string, window model.Window) iter.Seq2[model.ScheduledMessage, error]
	OnInboundMessage(ctx context.Context, ev model.InboundEvent) (int, error)
}

type Handler struct {
	sched   *scheduler.Scheduler
	msgs    Messages
	repo    repo.MessageRepository
	ledger  ledger.Ledger
	metrics http.Handler
	log     *zap.Logger
}

func NewHandler(s *scheduler.Scheduler, m Messages, r repo.MessageRepository, l ledger.Ledger) *Handler {
	return &Handler{
		sched:   s,
		msgs:    m,
		repo:    r,
		ledger:  l,
		metrics: promhttp.Handler(),
		log:     zap.NewNop(),
	}
}

func (h *Handler) WithMetrics(metrics http.Handler) *Handler {
	if metrics != nil {
		h.metrics = metrics
	}
	return h
}

func (h *Handler) WithLogger(log *zap.Logger) *Handler {
	if log != nil {
		h.log = log.Named("api")
	}
	return h
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Status())
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start()
	writeJSON(w, http.StatusOK, h.sched.Status())
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	writeJSON(w, http.StatusOK, h.sched.Status())
}

func (h *Handler) ScheduleMessage(w http.ResponseWriter, r *http.Request) {
	var req service.ScheduleRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.TenantID = r.PathValue("tenant")

	msg, err := h.msgs.Schedule(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.msgs.Get(r.Context(), r.PathValue("tenant"), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

type rescheduleRequest struct {
	FireAt time.Time `json:"fireAt"`
}

func (h *Handler) RescheduleMessage(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if !h.decode(w, r, &req) {
		return
	}

	msg, err := h.msgs.Reschedule(r.Context(), r.PathValue("tenant"), r.PathValue("id"), req.FireAt)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) CancelMessage(w http.ResponseWriter, r *http.Request) {
	tenant, id := r.PathValue("tenant"), r.PathValue("id")
	if err := h.msgs.Cancel(r.Context(), tenant, id); err != nil {
		h.writeError(w, err)
		return
	}

	msg, err := h.msgs.Get(r.Context(), tenant, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// ListPending accepts optional RFC 3339 from/to bounds; from is inclusive and
// to is exclusive.
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var window model.Window
	var err error
	if window.From, err = parseTime(q.Get("from")); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid from: "+err.Error()))
		return
	}
	if window.To, err = parseTime(q.Get("to")); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid to: "+err.Error()))
		return
	}
	limit := clampLimit(parseInt(q.Get("limit"), defaultLimit))

	items := make([]model.ScheduledMessage, 0, limit)
	for msg, err := range h.msgs.ListPending(r.Context(), r.PathValue("tenant"), window) {
		if err != nil {
			h.writeError(w, err)
			return
		}
		items = append(items, msg)
		if len(items) == limit {
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) ListSentMessages(w http.ResponseWriter, r *http.Request) {
	limit := clampLimit(parseInt(r.URL.Query().Get("limit"), defaultLimit))
	offset := max(parseInt(r.URL.Query().Get("offset"), 0), 0)

	items, err := h.repo.ListByStatus(r.Context(), r.PathValue("tenant"), model.Sent, limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) InboundMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	ev, err := inbound.Decode(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	n, err := h.msgs.OnInboundMessage(r.Context(), ev)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": n})
}

func (h *Handler) Credits(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	balance, err := h.ledger.Balance(r.Context(), tenant)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenantId": tenant, "balance": balance})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body: "+err.Error()))
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody(err.Error()))
}

func statusFor(err error) int {
	switch {
	case service.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(msg string) map[string]any {
	return map[string]any{"error": msg}
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	return min(limit, maxLimit)
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
