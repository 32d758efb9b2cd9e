package handler

import (
	"net/http"
	"time"

	"github.com/openctemio/orchestrator/internal/app"
	"github.com/openctemio/orchestrator/internal/infra/http/middleware"
	"github.com/openctemio/orchestrator/pkg/apierror"
	"github.com/openctemio/orchestrator/pkg/domain/schedule"
	"github.com/openctemio/orchestrator/pkg/logger"
	"github.com/openctemio/orchestrator/pkg/validator"
)

// ScheduleHandler handles schedule endpoints.
type ScheduleHandler struct {
	service   *app.ScheduleService
	validator *validator.Validator
	logger    *logger.Logger
}

// NewScheduleHandler creates a new ScheduleHandler.
func NewScheduleHandler(svc *app.ScheduleService, v *validator.Validator, log *logger.Logger) *ScheduleHandler {
	return &ScheduleHandler{
		service:   svc,
		validator: v,
		logger:    log.With("handler", "schedule"),
	}
}

// ScheduleResponse represents a schedule in responses.
type ScheduleResponse struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	CronExpression string         `json:"cron_expression"`
	ScenarioID     string         `json:"scenario_id"`
	Target         string         `json:"target"`
	Config         map[string]any `json:"config"`
	IsActive       bool           `json:"is_active"`
	CompareDrift   bool           `json:"compare_drift"`
	BaselineRunID  string         `json:"baseline_run_id,omitempty"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	RunCount       int            `json:"run_count"`
	Owner          string         `json:"owner,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func toScheduleResponse(sc *schedule.Schedule) ScheduleResponse {
	resp := ScheduleResponse{
		ID:             sc.ID.String(),
		Name:           sc.Name,
		CronExpression: sc.CronExpression,
		ScenarioID:     sc.ScenarioID,
		Target:         sc.Target,
		Config:         sc.Config,
		IsActive:       sc.IsActive,
		CompareDrift:   sc.CompareDrift,
		LastRunAt:      sc.LastRunAt,
		NextRunAt:      sc.NextRunAt,
		RunCount:       sc.RunCount,
		Owner:          sc.Owner,
		CreatedAt:      sc.CreatedAt,
		UpdatedAt:      sc.UpdatedAt,
	}
	if resp.Config == nil {
		resp.Config = map[string]any{}
	}
	if sc.BaselineRunID != nil {
		resp.BaselineRunID = sc.BaselineRunID.String()
	}
	return resp
}

// Create handles POST /api/v1/schedules
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input app.CreateScheduleInput
	if !decodeAndValidate(w, r, h.validator, &input) {
		return
	}
	input.Owner = middleware.GetOwner(r.Context())

	sc, err := h.service.CreateSchedule(r.Context(), input)
	if err != nil {
		writeServiceError(w, r, h.logger, "Schedule", err)
		return
	}
	writeJSON(w, http.StatusCreated, toScheduleResponse(sc))
}

// Get handles GET /api/v1/schedules/{id}
func (h *ScheduleHandler) Get(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toScheduleResponse(sc))
}

// List handles GET /api/v1/schedules?active=true
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.service.ListSchedules(r.Context(), middleware.GetOwner(r.Context()), queryBool(r, "active"))
	if err != nil {
		writeServiceError(w, r, h.logger, "Schedule", err)
		return
	}
	items := make([]ScheduleResponse, 0, len(schedules))
	for _, sc := range schedules {
		items = append(items, toScheduleResponse(sc))
	}
	writeJSON(w, http.StatusOK, newList(items))
}

// Update handles PUT /api/v1/schedules/{id}
func (h *ScheduleHandler) Update(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.load(w, r); !ok {
		return
	}
	var input app.UpdateScheduleInput
	if !decodeAndValidate(w, r, h.validator, &input) {
		return
	}

	sc, err := h.service.UpdateSchedule(r.Context(), pathID(r), input)
	if err != nil {
		writeServiceError(w, r, h.logger, "Schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleResponse(sc))
}

// Delete handles DELETE /api/v1/schedules/{id}
func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.load(w, r); !ok {
		return
	}
	if err := h.service.DeleteSchedule(r.Context(), pathID(r)); err != nil {
		writeServiceError(w, r, h.logger, "Schedule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ScheduleHandler) load(w http.ResponseWriter, r *http.Request) (*schedule.Schedule, bool) {
	sc, err := h.service.GetSchedule(r.Context(), pathID(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "Schedule", err)
		return nil, false
	}
	if !visibleTo(r, sc.Owner) {
		apierror.NotFound("Schedule").WriteJSON(w)
		return nil, false
	}
	return sc, true
}
