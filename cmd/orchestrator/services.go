package main

import (
	"fmt"

	"github.com/openctemio/orchestrator/internal/app"
	"github.com/openctemio/orchestrator/internal/config"
	"github.com/openctemio/orchestrator/internal/infra/executor"
	"github.com/openctemio/orchestrator/internal/infra/http/handler"
	"github.com/openctemio/orchestrator/internal/infra/http/routes"
	"github.com/openctemio/orchestrator/internal/infra/jobs"
	"github.com/openctemio/orchestrator/internal/infra/notification"
	"github.com/openctemio/orchestrator/internal/infra/redis"
	"github.com/openctemio/orchestrator/internal/infra/websocket"
	"github.com/openctemio/orchestrator/pkg/domain/scenario"
	"github.com/openctemio/orchestrator/pkg/logger"
	"github.com/openctemio/orchestrator/pkg/ttlset"
	"github.com/openctemio/orchestrator/pkg/validator"
)

// Services is the wired engine.
type Services struct {
	Runs          *app.RunService
	Schedules     *app.ScheduleService
	Webhooks      *app.WebhookService
	Notifications *app.NotificationService
	Progress      *app.ProgressStream
	Dispatcher    *app.Dispatcher
	ScheduleRun   *app.ScheduleRunner
	Reclaimer     *app.RunReclaimer
	Hub           *websocket.Hub

	// RunNotifier is set when Redis carries queued-run wakeups.
	RunNotifier *redis.RunNotifier
	// MemoryDedupe is set when webhook dedupe keys live in process memory
	// and need a sweeper.
	MemoryDedupe *ttlset.Memory
}

// ServiceDeps is what NewServices wires together.
type ServiceDeps struct {
	Config *config.Config
	Log    *logger.Logger
	Repos  *Repositories
	Redis  *redis.Client // optional
	Jobs   *jobs.Client  // optional; set when asynq delivers webhook events
}

// NewServices builds every engine component from deps.
func NewServices(deps *ServiceDeps) (*Services, error) {
	cfg, log, repos := deps.Config, deps.Log, deps.Repos

	registry, err := scenario.Load(cfg.ScenarioFile)
	if err != nil {
		return nil, fmt.Errorf("load scenarios: %w", err)
	}
	if registry.Len() == 0 {
		log.Warn("no scenario registry configured; any scenario id is accepted")
	} else {
		log.Info("scenarios loaded", "count", registry.Len(), "file", cfg.ScenarioFile)
	}

	testExecutor, err := newExecutor(cfg, log)
	if err != nil {
		return nil, err
	}

	s := &Services{Hub: websocket.NewHub(repos.Runs, log)}

	var seen ttlset.Set
	if deps.Redis != nil {
		seen = redis.NewDedupeSet(deps.Redis, log)
	} else {
		s.MemoryDedupe = ttlset.NewMemory()
		seen = s.MemoryDedupe
	}

	var queue app.EventQueue
	if deps.Jobs != nil {
		queue = deps.Jobs
	}
	sender := notification.NewWebhookSender(cfg.Webhook.Timeout, cfg.App.Name+"/"+Version)
	s.Notifications = app.NewNotificationService(repos.Webhooks, sender, queue, seen, app.NotificationConfig{
		MaxAttempts:      cfg.Webhook.MaxAttempts,
		BackoffBase:      cfg.Webhook.BackoffBase,
		FailureThreshold: cfg.Webhook.FailureThreshold,
		DedupeWindow:     cfg.Webhook.DedupeWindow,
	}, log)

	ledger := app.NewEvidenceLedger(repos.Findings, log)
	dedup := app.NewDeduplicator(repos.Findings, app.PriorOrder(cfg.Dedup.PriorOrder), log)
	s.Dispatcher = app.NewDispatcher(repos.Runs, testExecutor, ledger, dedup, s.Notifications, s.Hub, app.DispatcherConfig{
		PollInterval:     cfg.Dispatcher.PollInterval,
		Concurrency:      cfg.Dispatcher.WorkerConcurrency,
		WorkerID:         cfg.Dispatcher.WorkerID,
		ExecutionTimeout: cfg.Dispatcher.ExecutionTimeout,
	}, log)

	var wakeups app.QueueNotifier = s.Dispatcher
	if deps.Redis != nil {
		s.RunNotifier = redis.NewRunNotifier(deps.Redis, log)
		wakeups = s.RunNotifier
	}

	s.Runs = app.NewRunService(repos.Runs, repos.Findings, ledger, registry, wakeups, log)
	s.Schedules = app.NewScheduleService(repos.Schedules, registry, log)
	s.Webhooks = app.NewWebhookService(repos.Webhooks, cfg.Webhook.AllowPrivate, log)
	s.Progress = app.NewProgressStream(repos.Runs, cfg.Progress.PollInterval, log)
	s.ScheduleRun = app.NewScheduleRunner(repos.Schedules, repos.Runs, wakeups, s.Notifications, app.ScheduleRunnerConfig{
		PollInterval: cfg.Scheduler.PollInterval,
		BatchSize:    cfg.Scheduler.BatchSize,
	}, log)
	if cfg.Reclaim.Enabled {
		s.Reclaimer = app.NewRunReclaimer(repos.Runs, s.Notifications, cfg.Reclaim.MaxRunning, cfg.Reclaim.BatchSize, log)
	}
	return s, nil
}

func newExecutor(cfg *config.Config, log *logger.Logger) (app.TestExecutor, error) {
	if cfg.Executor.URL == "" {
		log.Warn("EXECUTOR_URL not set; runs complete with an empty static result")
		return executor.NewStatic(app.ExecutionResult{}, 0), nil
	}
	exec, err := executor.NewHTTPExecutor(executor.HTTPConfig{
		URL:     cfg.Executor.URL,
		Timeout: cfg.Executor.Timeout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("create executor: %w", err)
	}
	log.Info("remote executor configured", "url", cfg.Executor.URL)
	return exec, nil
}

// HandlerDeps is what NewHandlers wires together. Every service may be nil
// when the handlers are only built to list routes.
type HandlerDeps struct {
	Config   *config.Config
	Log      *logger.Logger
	Services *Services
	Checks   map[string]handler.Pinger
}

// NewHandlers builds the HTTP handlers for routes.Register.
func NewHandlers(deps *HandlerDeps) routes.Handlers {
	log := deps.Log
	svc := deps.Services
	v := validator.New()

	checks := make([]handler.HealthHandlerOption, 0, len(deps.Checks))
	for name, p := range deps.Checks {
		checks = append(checks, handler.WithCheck(name, p))
	}

	h := routes.Handlers{
		Health:   handler.NewHealthHandler(checks...),
		Run:      handler.NewRunHandler(svc.Runs, v, log),
		Progress: handler.NewProgressHandler(svc.Progress, log),
		Schedule: handler.NewScheduleHandler(svc.Schedules, v, log),
		Webhook:  handler.NewWebhookHandler(svc.Webhooks, svc.Notifications, v, log),
	}
	if svc.Hub != nil {
		var origins []string
		if deps.Config != nil {
			origins = deps.Config.Server.AllowedOrigins
		}
		h.WebSocket = websocket.NewHandler(svc.Hub, origins, log).ServeWS
	}
	return h
}
