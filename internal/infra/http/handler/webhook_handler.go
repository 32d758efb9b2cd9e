package handler

import (
	"net/http"
	"time"

	"github.com/openctemio/orchestrator/internal/app"
	"github.com/openctemio/orchestrator/internal/infra/http/middleware"
	"github.com/openctemio/orchestrator/pkg/apierror"
	"github.com/openctemio/orchestrator/pkg/domain/webhook"
	"github.com/openctemio/orchestrator/pkg/logger"
	"github.com/openctemio/orchestrator/pkg/validator"
)

// WebhookHandler handles webhook endpoint management.
type WebhookHandler struct {
	service   *app.WebhookService
	notifier  *app.NotificationService
	validator *validator.Validator
	logger    *logger.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(svc *app.WebhookService, notifier *app.NotificationService, v *validator.Validator, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		service:   svc,
		notifier:  notifier,
		validator: v,
		logger:    log.With("handler", "webhook"),
	}
}

// WebhookResponse represents an endpoint in responses. The secret is
// returned only by Create.
type WebhookResponse struct {
	ID              string     `json:"id"`
	Owner           string     `json:"owner,omitempty"`
	Name            string     `json:"name,omitempty"`
	URL             string     `json:"url"`
	Events          []string   `json:"events"`
	IsActive        bool       `json:"is_active"`
	FailureCount    int        `json:"failure_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	Secret          string     `json:"secret,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func toWebhookResponse(e *webhook.Endpoint) WebhookResponse {
	return WebhookResponse{
		ID:              e.ID().String(),
		Owner:           e.Owner(),
		Name:            e.Name(),
		URL:             e.URL(),
		Events:          e.Events(),
		IsActive:        e.IsActive(),
		FailureCount:    e.FailureCount(),
		LastTriggeredAt: e.LastTriggeredAt(),
		CreatedAt:       e.CreatedAt(),
		UpdatedAt:       e.UpdatedAt(),
	}
}

// Create handles POST /api/v1/webhooks
func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input app.CreateWebhookInput
	if !decodeAndValidate(w, r, h.validator, &input) {
		return
	}
	input.Owner = middleware.GetOwner(r.Context())

	e, err := h.service.CreateWebhook(r.Context(), input)
	if err != nil {
		writeServiceError(w, r, h.logger, "Webhook", err)
		return
	}
	resp := toWebhookResponse(e)
	resp.Secret = e.Secret()
	writeJSON(w, http.StatusCreated, resp)
}

// Get handles GET /api/v1/webhooks/{id}
func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	e, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toWebhookResponse(e))
}

// List handles GET /api/v1/webhooks
func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	endpoints, err := h.service.ListWebhooks(r.Context(), middleware.GetOwner(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, "Webhook", err)
		return
	}
	items := make([]WebhookResponse, 0, len(endpoints))
	for _, e := range endpoints {
		items = append(items, toWebhookResponse(e))
	}
	writeJSON(w, http.StatusOK, newList(items))
}

// Update handles PUT /api/v1/webhooks/{id}
func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.load(w, r); !ok {
		return
	}
	var input app.UpdateWebhookInput
	if !decodeAndValidate(w, r, h.validator, &input) {
		return
	}
	e, err := h.service.UpdateWebhook(r.Context(), pathID(r), input)
	if err != nil {
		writeServiceError(w, r, h.logger, "Webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, toWebhookResponse(e))
}

// Delete handles DELETE /api/v1/webhooks/{id}
func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.load(w, r); !ok {
		return
	}
	if err := h.service.DeleteWebhook(r.Context(), pathID(r)); err != nil {
		writeServiceError(w, r, h.logger, "Webhook", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Enable handles POST /api/v1/webhooks/{id}/enable and resets the failure count.
func (h *WebhookHandler) Enable(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.load(w, r); !ok {
		return
	}
	e, err := h.service.EnableWebhook(r.Context(), pathID(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "Webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, toWebhookResponse(e))
}

// Disable handles POST /api/v1/webhooks/{id}/disable
func (h *WebhookHandler) Disable(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.load(w, r); !ok {
		return
	}
	e, err := h.service.DisableWebhook(r.Context(), pathID(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "Webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, toWebhookResponse(e))
}

// Test handles POST /api/v1/webhooks/{id}/test. The ping result is reported
// in the body; an unreachable endpoint is still a 200.
func (h *WebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.load(w, r); !ok {
		return
	}
	res, err := h.notifier.TestPing(r.Context(), pathID(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "Webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *WebhookHandler) load(w http.ResponseWriter, r *http.Request) (*webhook.Endpoint, bool) {
	e, err := h.service.GetWebhook(r.Context(), pathID(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "Webhook", err)
		return nil, false
	}
	if !visibleTo(r, e.Owner()) {
		apierror.NotFound("Webhook").WriteJSON(w)
		return nil, false
	}
	return e, true
}
