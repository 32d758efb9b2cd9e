package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/openctemio/orchestrator/internal/app"
	"github.com/openctemio/orchestrator/internal/infra/http/middleware"
	"github.com/openctemio/orchestrator/pkg/apierror"
	"github.com/openctemio/orchestrator/pkg/domain/evidence"
	"github.com/openctemio/orchestrator/pkg/domain/finding"
	"github.com/openctemio/orchestrator/pkg/domain/run"
	"github.com/openctemio/orchestrator/pkg/logger"
	"github.com/openctemio/orchestrator/pkg/validator"
)

// RunHandler handles run endpoints.
type RunHandler struct {
	service   *app.RunService
	validator *validator.Validator
	logger    *logger.Logger
}

// NewRunHandler creates a new RunHandler.
func NewRunHandler(svc *app.RunService, v *validator.Validator, log *logger.Logger) *RunHandler {
	return &RunHandler{
		service:   svc,
		validator: v,
		logger:    log.With("handler", "run"),
	}
}

// RunResponse represents a run in responses.
type RunResponse struct {
	ID           string         `json:"id"`
	ScenarioID   string         `json:"scenario_id"`
	Target       string         `json:"target"`
	Status       string         `json:"status"`
	Progress     float64        `json:"progress"`
	Config       map[string]any `json:"config"`
	Results      map[string]any `json:"results,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Owner        string         `json:"owner,omitempty"`
	ScheduleID   string         `json:"schedule_id,omitempty"`
	ClaimedBy    string         `json:"claimed_by,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

func toRunResponse(r *run.Run) RunResponse {
	resp := RunResponse{
		ID:           r.ID().String(),
		ScenarioID:   r.ScenarioID(),
		Target:       r.Target(),
		Status:       string(r.Status()),
		Progress:     r.Progress(),
		Config:       r.Config(),
		Results:      r.Results(),
		ErrorMessage: r.ErrorMessage(),
		Owner:        r.Owner(),
		ClaimedBy:    r.ClaimedBy(),
		CreatedAt:    r.CreatedAt(),
		StartedAt:    r.StartedAt(),
		CompletedAt:  r.CompletedAt(),
	}
	if resp.Config == nil {
		resp.Config = map[string]any{}
	}
	if id := r.ScheduleID(); id != nil {
		resp.ScheduleID = id.String()
	}
	return resp
}

// FindingResponse represents a finding in responses.
type FindingResponse struct {
	ID            string          `json:"id"`
	RunID         string          `json:"run_id"`
	Tool          string          `json:"tool"`
	Severity      string          `json:"severity"`
	Title         string          `json:"title"`
	Description   string          `json:"description,omitempty"`
	Technique     string          `json:"technique,omitempty"`
	Evidence      json.RawMessage `json:"evidence"`
	Remediation   string          `json:"remediation,omitempty"`
	EvidenceHash  string          `json:"evidence_hash"`
	PreviousHash  string          `json:"previous_hash"`
	Fingerprint   string          `json:"fingerprint"`
	IsNew         bool            `json:"is_new"`
	FalsePositive bool            `json:"false_positive"`
	CreatedAt     time.Time       `json:"created_at"`
}

func toFindingResponse(f *finding.Finding) FindingResponse {
	return FindingResponse{
		ID:            f.ID.String(),
		RunID:         f.RunID.String(),
		Tool:          f.ToolName,
		Severity:      f.Severity,
		Title:         f.Title,
		Description:   f.Description,
		Technique:     f.Technique,
		Evidence:      f.Evidence,
		Remediation:   f.Remediation,
		EvidenceHash:  f.EvidenceHash,
		PreviousHash:  f.PreviousHash,
		Fingerprint:   f.Fingerprint,
		IsNew:         f.IsNew,
		FalsePositive: f.FalsePositive,
		CreatedAt:     f.CreatedAt,
	}
}

// ChainResponse is the result of an evidence chain verification.
type ChainResponse struct {
	RunID string `json:"run_id"`
	evidence.ChainResult
}

// Create handles POST /api/v1/runs
func (h *RunHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input app.CreateRunInput
	if !decodeAndValidate(w, r, h.validator, &input) {
		return
	}
	input.Owner = middleware.GetOwner(r.Context())

	created, err := h.service.CreateRun(r.Context(), input)
	if err != nil {
		writeServiceError(w, r, h.logger, "Run", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRunResponse(created))
}

// Get handles GET /api/v1/runs/{id}
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	found, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(found))
}

// List handles GET /api/v1/runs?status=&scenario_id=&limit=
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	input := app.ListRunsInput{
		Status:     r.URL.Query().Get("status"),
		ScenarioID: r.URL.Query().Get("scenario_id"),
		Owner:      middleware.GetOwner(r.Context()),
		Limit:      queryInt(r, "limit", 100),
	}
	if err := h.validator.Validate(input); err != nil {
		writeValidationError(w, err)
		return
	}

	runs, err := h.service.ListRuns(r.Context(), input)
	if err != nil {
		writeServiceError(w, r, h.logger, "Run", err)
		return
	}
	items := make([]RunResponse, 0, len(runs))
	for _, rn := range runs {
		items = append(items, toRunResponse(rn))
	}
	writeJSON(w, http.StatusOK, newList(items))
}

// Cancel handles POST /api/v1/runs/{id}/cancel
func (h *RunHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.load(w, r); !ok {
		return
	}
	cancelled, err := h.service.CancelRun(r.Context(), pathID(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "Run", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(cancelled))
}

// Findings handles GET /api/v1/runs/{id}/findings
func (h *RunHandler) Findings(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.load(w, r); !ok {
		return
	}
	findings, err := h.service.ListFindings(r.Context(), pathID(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "Run", err)
		return
	}
	items := make([]FindingResponse, 0, len(findings))
	for _, f := range findings {
		items = append(items, toFindingResponse(f))
	}
	writeJSON(w, http.StatusOK, newList(items))
}

// VerifyChain handles GET /api/v1/runs/{id}/verify-chain. A broken chain is
// a 200 with valid=false.
func (h *RunHandler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	found, ok := h.load(w, r)
	if !ok {
		return
	}
	result, err := h.service.VerifyChain(r.Context(), pathID(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "Run", err)
		return
	}
	writeJSON(w, http.StatusOK, ChainResponse{RunID: found.ID().String(), ChainResult: result})
}

// load fetches the run named in the path, writing 404 when it is missing or
// belongs to another owner.
func (h *RunHandler) load(w http.ResponseWriter, r *http.Request) (*run.Run, bool) {
	found, err := h.service.GetRun(r.Context(), pathID(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "Run", err)
		return nil, false
	}
	if !visibleTo(r, found.Owner()) {
		apierror.NotFound("Run").WriteJSON(w)
		return nil, false
	}
	return found, true
}
