package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openctemio/orchestrator/internal/app"
	"github.com/openctemio/orchestrator/internal/infra/jobs"
	"github.com/openctemio/orchestrator/internal/infra/notification"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Deliver webhook events queued on asynq",
		Long: `worker consumes webhook events that "serve" enqueued on asynq and delivers
them to the subscribed endpoints. It requires ASYNQ_ENABLED and REDIS_HOST.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if !cfg.Asynq.Enabled {
				return errors.New("worker requires ASYNQ_ENABLED=true")
			}

			repos, err := openRepositories(cfg, log)
			if err != nil {
				return err
			}
			defer closeWithLog(repos, "store", log)

			sender := notification.NewWebhookSender(cfg.Webhook.Timeout, cfg.App.Name+"/"+Version)
			// Events arrive already deduplicated and queued, so delivery
			// here needs neither a queue nor a dedupe set.
			notifier := app.NewNotificationService(repos.Webhooks, sender, nil, nil, app.NotificationConfig{
				MaxAttempts:      cfg.Webhook.MaxAttempts,
				BackoffBase:      cfg.Webhook.BackoffBase,
				FailureThreshold: cfg.Webhook.FailureThreshold,
			}, log)

			log.Info("starting webhook worker", "queue", cfg.Asynq.Queue, "concurrency", cfg.Asynq.Concurrency)
			return jobs.NewWorker(jobWorkerConfig(cfg), notifier, log).Run(cmd.Context())
		},
	}
}
