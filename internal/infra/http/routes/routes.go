// Package routes registers the HTTP routes of the orchestrator API.
package routes

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	infrahttp "github.com/openctemio/orchestrator/internal/infra/http"
	"github.com/openctemio/orchestrator/internal/infra/http/handler"
	"github.com/openctemio/orchestrator/internal/infra/http/middleware"
)

// Router is an alias to the http package's Router interface.
type Router = infrahttp.Router

// Handlers holds all HTTP handlers for route registration.
type Handlers struct {
	Health    *handler.HealthHandler
	Run       *handler.RunHandler
	Progress  *handler.ProgressHandler
	Schedule  *handler.ScheduleHandler
	Webhook   *handler.WebhookHandler
	WebSocket http.HandlerFunc // nil disables /api/v1/ws
}

// Register mounts every route on r.
func Register(r Router, h Handlers) {
	r.GET("/health", h.Health.Health)
	r.GET("/ready", h.Health.Ready)
	r.Mount("/metrics", promhttp.Handler())

	r.Group("/api/v1", func(api Router) {
		registerRunRoutes(api, h)
		registerScheduleRoutes(api, h.Schedule)
		registerWebhookRoutes(api, h.Webhook)
		if h.WebSocket != nil {
			api.GET("/ws", h.WebSocket)
		}
	}, middleware.Owner())
}

func registerRunRoutes(r Router, h Handlers) {
	r.POST("/runs", h.Run.Create)
	r.GET("/runs", h.Run.List)
	r.GET("/runs/{id}", h.Run.Get)
	r.POST("/runs/{id}/cancel", h.Run.Cancel)
	r.GET("/runs/{id}/findings", h.Run.Findings)
	r.GET("/runs/{id}/verify-chain", h.Run.VerifyChain)
	r.GET("/runs/{id}/progress", h.Progress.Stream)
}

func registerScheduleRoutes(r Router, h *handler.ScheduleHandler) {
	r.POST("/schedules", h.Create)
	r.GET("/schedules", h.List)
	r.GET("/schedules/{id}", h.Get)
	r.PUT("/schedules/{id}", h.Update)
	r.DELETE("/schedules/{id}", h.Delete)
}

func registerWebhookRoutes(r Router, h *handler.WebhookHandler) {
	r.POST("/webhooks", h.Create)
	r.GET("/webhooks", h.List)
	r.GET("/webhooks/{id}", h.Get)
	r.PUT("/webhooks/{id}", h.Update)
	r.DELETE("/webhooks/{id}", h.Delete)
	r.POST("/webhooks/{id}/enable", h.Enable)
	r.POST("/webhooks/{id}/disable", h.Disable)
	r.POST("/webhooks/{id}/test", h.Test)
}
