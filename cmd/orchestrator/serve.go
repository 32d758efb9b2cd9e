package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openctemio/orchestrator/internal/config"
	"github.com/openctemio/orchestrator/internal/infra/controller"
	infrahttp "github.com/openctemio/orchestrator/internal/infra/http"
	"github.com/openctemio/orchestrator/internal/infra/http/handler"
	"github.com/openctemio/orchestrator/internal/infra/http/routes"
	"github.com/openctemio/orchestrator/internal/infra/jobs"
	"github.com/openctemio/orchestrator/internal/infra/redis"
	"github.com/openctemio/orchestrator/pkg/logger"
)

func newServeCmd() *cobra.Command {
	var embeddedWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, dispatcher, scheduler and maintenance controllers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), embeddedWorker)
		},
	}
	cmd.Flags().BoolVar(&embeddedWorker, "embedded-worker", true,
		"Deliver asynq webhook tasks in this process (only when ASYNQ_ENABLED)")
	return cmd
}

func serve(ctx context.Context, embeddedWorker bool) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	log.Info("starting orchestrator", "app", cfg.App.Name, "env", cfg.App.Env, "version", Version, "store", cfg.Store.Driver)

	// ==========================================================================
	// Infrastructure
	// ==========================================================================
	repos, err := openRepositories(cfg, log)
	if err != nil {
		return err
	}
	defer closeWithLog(repos, "store", log)

	var redisClient *redis.Client
	if cfg.RedisEnabled() {
		redisClient, err = redis.New(&cfg.Redis, log)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer closeWithLog(redisClient, "redis", log)
		log.Info("redis connected", "addr", cfg.Redis.Addr())
	}

	var jobClient *jobs.Client
	if cfg.Asynq.Enabled {
		jobClient = jobs.NewClient(jobClientConfig(cfg), log)
		defer closeWithLog(jobClient, "job client", log)
	}

	// ==========================================================================
	// Services
	// ==========================================================================
	services, err := NewServices(&ServiceDeps{
		Config: cfg,
		Log:    log,
		Repos:  repos,
		Redis:  redisClient,
		Jobs:   jobClient,
	})
	if err != nil {
		return err
	}

	// Background goroutines below stop when bgCtx is cancelled.
	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	group, bgCtx := errgroup.WithContext(bgCtx)

	group.Go(func() error {
		services.Hub.Run(bgCtx)
		return nil
	})

	if services.RunNotifier != nil && cfg.Dispatcher.Enabled {
		if err := services.RunNotifier.StartListener(bgCtx, services.Dispatcher.Wake); err != nil {
			return fmt.Errorf("start run notifier: %w", err)
		}
	}

	if cfg.Dispatcher.Enabled {
		services.Dispatcher.Start()
	}
	if cfg.Scheduler.Enabled {
		services.ScheduleRun.Start()
	}

	controllers := controller.NewManager(controller.PrometheusMetrics{}, log)
	if services.Reclaimer != nil {
		controllers.Register(controller.NewRunReclaimController(services.Reclaimer, cfg.Reclaim.Interval))
	}
	if services.MemoryDedupe != nil {
		controllers.Register(controller.NewDedupeSweepController(services.MemoryDedupe, 0))
	}
	if err := controllers.Start(bgCtx); err != nil {
		return fmt.Errorf("start controllers: %w", err)
	}

	if jobClient != nil && embeddedWorker {
		worker := jobs.NewWorker(jobWorkerConfig(cfg), services.Notifications, log)
		group.Go(func() error { return worker.Run(bgCtx) })
	}

	// ==========================================================================
	// HTTP Server
	// ==========================================================================
	checks := map[string]handler.Pinger{"store": repos}
	if redisClient != nil {
		checks["redis"] = redisClient
	}
	server := infrahttp.NewServer(cfg, log)
	routes.Register(server.Router(), NewHandlers(&HandlerDeps{
		Config:   cfg,
		Log:      log,
		Services: services,
		Checks:   checks,
	}))

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()
	log.Info("orchestrator started", "http_addr", cfg.Server.Addr())

	// ==========================================================================
	// Graceful Shutdown
	// ==========================================================================
	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down...")
	case runErr = <-serverErr:
		log.Error("server error", "error", runErr)
	case <-bgCtx.Done():
		runErr = group.Wait()
		log.Error("background component failed", "error", runErr)
	}

	shutdown(cfg, log, server, services, controllers)
	cancel()
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && runErr == nil {
		runErr = err
	}

	log.Info("orchestrator stopped")
	return runErr
}

// shutdown stops intake first, then drains work: HTTP, scheduler,
// dispatcher (in-flight runs end as failed), controllers, and finally
// pending webhook deliveries.
func shutdown(cfg *config.Config, log *logger.Logger, server *infrahttp.Server, services *Services, controllers *controller.Manager) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown error", "error", err)
	}
	if cfg.Scheduler.Enabled {
		services.ScheduleRun.Stop()
	}
	if cfg.Dispatcher.Enabled {
		services.Dispatcher.Stop()
	}
	if err := controllers.Stop(); err != nil {
		log.Error("controller shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		services.Notifications.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("webhook deliveries still pending at shutdown", "timeout", cfg.Server.ShutdownTimeout)
	}
}

func jobClientConfig(cfg *config.Config) jobs.ClientConfig {
	return jobs.ClientConfig{
		RedisAddr:     cfg.Redis.Addr(),
		RedisPassword: cfg.Redis.Password,
		RedisDB:       cfg.Redis.DB,
		Queue:         cfg.Asynq.Queue,
	}
}

func jobWorkerConfig(cfg *config.Config) jobs.WorkerConfig {
	return jobs.WorkerConfig{
		RedisAddr:     cfg.Redis.Addr(),
		RedisPassword: cfg.Redis.Password,
		RedisDB:       cfg.Redis.DB,
		Concurrency:   cfg.Asynq.Concurrency,
		Queue:         cfg.Asynq.Queue,
	}
}
