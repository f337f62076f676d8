package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/ukydev/fleet-maintenance/internal/db"
	"github.com/ukydev/fleet-maintenance/internal/middleware"
	"github.com/ukydev/fleet-maintenance/internal/models"
	"github.com/ukydev/fleet-maintenance/internal/schedule"
)

// ScheduleService is the part of schedule.Service the API exposes.
type ScheduleService interface {
	CreateSchedule(ctx context.Context, s models.MaintenanceSchedule) (*models.MaintenanceSchedule, error)
	GetSchedule(ctx context.Context, id string) (*models.ScheduleView, error)
	ListSchedules(ctx context.Context, filter db.ScheduleFilter) ([]models.ScheduleView, error)
	ListDueSoonOrOverdue(ctx context.Context, filter schedule.Filter) ([]models.ScheduleView, error)
	SetLock(ctx context.Context, id string, date time.Time, persistent bool, setBy string) (*models.ScheduleView, error)
	ClearLock(ctx context.Context, id string) (*models.ScheduleView, error)
	SetActive(ctx context.Context, id string, active bool) (*models.ScheduleView, error)
	Complete(ctx context.Context, completion models.CompletionEvent) (*schedule.CompletionResult, error)
	History(ctx context.Context, scheduleID string) ([]models.CompletionEvent, error)
}

// ScheduleHandler serves schedule queries for dashboards and dispatcher actions.
type ScheduleHandler struct {
	service ScheduleService
	now     func() time.Time
}

// NewScheduleHandler creates a ScheduleHandler backed by service.
func NewScheduleHandler(service ScheduleService) *ScheduleHandler {
	return &ScheduleHandler{service: service, now: time.Now}
}

// Create handles POST /api/schedules.
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.MaintenanceSchedule
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Lock != nil {
		req.Lock.SetBy = username(r)
	}

	created, err := h.service.CreateSchedule(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created.View())
}

// Get handles GET /api/schedules/{id}.
func (h *ScheduleHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetSchedule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// List handles GET /api/schedules?asset_id=&status=&include_inactive=.
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	statuses, ok := parseStatuses(w, q.Get("status"))
	if !ok {
		return
	}
	filter := db.ScheduleFilter{
		AssetID:    q.Get("asset_id"),
		Statuses:   statuses,
		ActiveOnly: q.Get("include_inactive") != "true",
	}

	views, err := h.service.ListSchedules(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if views == nil {
		views = []models.ScheduleView{}
	}
	writeJSON(w, http.StatusOK, views)
}

// Attention handles GET /api/schedules/attention?asset_id=&status=&within_days=,
// the due-soon and overdue list ordered by predicted date.
func (h *ScheduleHandler) Attention(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	statuses, ok := parseStatuses(w, q.Get("status"))
	if !ok {
		return
	}
	filter := schedule.Filter{AssetID: q.Get("asset_id"), Statuses: statuses}
	if v := q.Get("within_days"); v != "" {
		days, err := strconv.ParseFloat(v, 64)
		if err != nil || days < 0 {
			http.Error(w, "within_days must be a non-negative number", http.StatusBadRequest)
			return
		}
		before := h.now().UTC().Add(time.Duration(days * 24 * float64(time.Hour)))
		filter.Before = &before
	}

	views, err := h.service.ListDueSoonOrOverdue(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if views == nil {
		views = []models.ScheduleView{}
	}
	writeJSON(w, http.StatusOK, views)
}

type lockRequest struct {
	Date       time.Time `json:"date"`
	Persistent bool      `json:"persistent"`
}

// SetLock handles PUT /api/schedules/{id}/lock.
func (h *ScheduleHandler) SetLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Date.IsZero() {
		http.Error(w, "date is required", http.StatusBadRequest)
		return
	}

	view, err := h.service.SetLock(r.Context(), mux.Vars(r)["id"], req.Date, req.Persistent, username(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ClearLock handles DELETE /api/schedules/{id}/lock.
func (h *ScheduleHandler) ClearLock(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.ClearLock(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// SetActive handles PUT /api/schedules/{id}/active.
func (h *ScheduleHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Active == nil {
		http.Error(w, "active is required", http.StatusBadRequest)
		return
	}

	view, err := h.service.SetActive(r.Context(), mux.Vars(r)["id"], *req.Active)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Complete handles POST /api/schedules/{id}/completions, for completions
// recorded online. Offline clients send them in a sync batch instead.
func (h *ScheduleHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var event models.CompletionEvent
	if !decodeJSON(w, r, &event) {
		return
	}
	event.ScheduleID = mux.Vars(r)["id"]
	event.ClientID = clientID(r)
	event.ReceivedAt = h.now().UTC()

	result, err := h.service.Complete(r.Context(), event)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

// History handles GET /api/schedules/{id}/completions.
func (h *ScheduleHandler) History(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []models.CompletionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func parseStatuses(w http.ResponseWriter, raw string) ([]models.Status, bool) {
	if raw == "" {
		return nil, true
	}
	var statuses []models.Status
	for _, part := range strings.Split(raw, ",") {
		st := models.Status(strings.TrimSpace(part))
		if !models.IsValidStatus(st) {
			http.Error(w, "unknown status "+string(st), http.StatusBadRequest)
			return nil, false
		}
		statuses = append(statuses, st)
	}
	return statuses, true
}

func username(r *http.Request) string {
	if claims, ok := middleware.GetUserFromContext(r.Context()); ok {
		return claims.Username
	}
	return ""
}
