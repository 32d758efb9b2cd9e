package main

import (
	"context"
	"fmt"

	"github.com/openctemio/orchestrator/internal/config"
	"github.com/openctemio/orchestrator/internal/infra/memory"
	"github.com/openctemio/orchestrator/internal/infra/postgres"
	"github.com/openctemio/orchestrator/pkg/domain/finding"
	"github.com/openctemio/orchestrator/pkg/domain/run"
	"github.com/openctemio/orchestrator/pkg/domain/schedule"
	"github.com/openctemio/orchestrator/pkg/domain/webhook"
	"github.com/openctemio/orchestrator/pkg/logger"
)

// Repositories holds the store selected by STORE_DRIVER.
type Repositories struct {
	Runs      run.Repository
	Findings  finding.Repository
	Schedules schedule.Repository
	Webhooks  webhook.Repository

	// db is nil for the memory store.
	db *postgres.DB
}

// openRepositories connects to the configured store.
func openRepositories(cfg *config.Config, log *logger.Logger) (*Repositories, error) {
	if cfg.Store.Driver == config.StoreDriverMemory {
		log.Warn("using in-memory store; state is lost on restart")
		store := memory.NewStore()
		return &Repositories{
			Runs:      store.Runs,
			Findings:  store.Findings,
			Schedules: store.Schedules,
			Webhooks:  store.Webhooks,
		}, nil
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	log.Info("database connected", "host", cfg.Database.Host, "name", cfg.Database.Name)
	return &Repositories{
		Runs:      postgres.NewRunRepository(db),
		Findings:  postgres.NewFindingRepository(db),
		Schedules: postgres.NewScheduleRepository(db),
		Webhooks:  postgres.NewWebhookRepository(db),
		db:        db,
	}, nil
}

func openDatabase(cfg *config.Config) (*postgres.DB, error) {
	if cfg.Store.Driver != config.StoreDriverPostgres {
		return nil, fmt.Errorf("this command requires STORE_DRIVER=postgres")
	}
	db, err := postgres.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

// Ping checks the store; the memory store is always reachable.
func (r *Repositories) Ping(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	return r.db.Ping(ctx)
}

// Close releases the database pool, if any.
func (r *Repositories) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}
