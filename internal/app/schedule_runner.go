package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openctemio/orchestrator/internal/metrics"
	"github.com/openctemio/orchestrator/pkg/domain/run"
	"github.com/openctemio/orchestrator/pkg/domain/schedule"
	"github.com/openctemio/orchestrator/pkg/domain/webhook"
	"github.com/openctemio/orchestrator/pkg/logger"
)

// ScheduleRunnerConfig holds configuration for the schedule runner.
type ScheduleRunnerConfig struct {
	// PollInterval is how often to check for due schedules (default: 5s)
	PollInterval time.Duration
	// BatchSize is the max number of schedules claimed per cycle (default: 50)
	BatchSize int
}

// ScheduleRunner turns due schedules into queued runs. Concurrent runners
// never trigger the same activation twice.
type ScheduleRunner struct {
	schedules schedule.Repository
	runs      run.Repository
	queue     QueueNotifier
	events    EventNotifier
	logger    *logger.Logger
	now       func() time.Time

	interval  time.Duration
	batchSize int
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewScheduleRunner creates a new ScheduleRunner. queue and events may be nil.
func NewScheduleRunner(
	schedules schedule.Repository,
	runs run.Repository,
	queue QueueNotifier,
	events EventNotifier,
	cfg ScheduleRunnerConfig,
	log *logger.Logger,
) *ScheduleRunner {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	return &ScheduleRunner{
		schedules: schedules,
		runs:      runs,
		queue:     queue,
		events:    events,
		logger:    log.With("component", "schedule_runner"),
		now:       time.Now,
		interval:  interval,
		batchSize: batchSize,
		stopCh:    make(chan struct{}),
	}
}

// Start starts the schedule runner.
func (s *ScheduleRunner) Start() {
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("schedule runner started", "interval", s.interval, "batch_size", s.batchSize)
}

// Stop stops the schedule runner gracefully.
func (s *ScheduleRunner) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("schedule runner stopped")
}

func (s *ScheduleRunner) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick()
	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		}
	}
}

func (s *ScheduleRunner) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.RunOnce(ctx, s.now()); err != nil {
		metrics.DispatcherErrors.WithLabelValues("scheduler").Inc()
		s.logger.Error("schedule cycle failed", "error", err)
	}
}

type triggered struct {
	schedule *schedule.Schedule
	run      *run.Run
}

// RunOnce triggers every schedule due at now and returns how many fired.
// Each claimed schedule gets one queued run; last_run_at, next_run_at and
// run_count advance in the same claim.
func (s *ScheduleRunner) RunOnce(ctx context.Context, now time.Time) (int, error) {
	var fired []triggered

	_, err := s.schedules.ClaimDue(ctx, now, s.batchSize, func(ctx context.Context, sc *schedule.Schedule) error {
		r, err := s.trigger(ctx, sc, now)
		if err != nil {
			// The claim is released and the schedule stays due for the next cycle.
			metrics.DispatcherErrors.WithLabelValues("schedule_trigger").Inc()
			s.logger.Error("schedule trigger failed",
				"schedule_id", sc.ID.String(),
				"schedule_name", sc.Name,
				"error", err,
			)
			return err
		}
		fired = append(fired, triggered{schedule: sc, run: r})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("claim due schedules: %w", err)
	}

	// Side effects only after the claim committed.
	for _, t := range fired {
		metrics.SchedulesTriggered.Inc()
		s.logger.Info("schedule triggered",
			"schedule_id", t.schedule.ID.String(),
			"schedule_name", t.schedule.Name,
			"run_id", t.run.ID().String(),
			"next_run_at", t.schedule.NextRunAt,
		)
		if s.queue != nil {
			if err := s.queue.NotifyQueued(ctx, t.run.ID()); err != nil {
				s.logger.Warn("failed to publish run queued", "run_id", t.run.ID().String(), "error", err)
			}
		}
		if s.events != nil {
			s.events.Dispatch(ctx, webhook.EventScheduleTriggered, map[string]any{
				"schedule_id":   t.schedule.ID.String(),
				"schedule_name": t.schedule.Name,
				"run_id":        t.run.ID().String(),
				"run_count":     t.schedule.RunCount,
				"next_run_at":   t.schedule.NextRunAt.Format(time.RFC3339),
			})
		}
	}
	return len(fired), nil
}

func (s *ScheduleRunner) trigger(ctx context.Context, sc *schedule.Schedule, now time.Time) (*run.Run, error) {
	r, err := run.NewRun(sc.ScenarioID, sc.Target, sc.RunConfig(), sc.Owner)
	if err != nil {
		return nil, err
	}
	r.SetScheduleID(sc.ID)
	r.SetCreatedAt(now)
	if err := s.runs.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if err := sc.Trigger(now); err != nil {
		return nil, err
	}
	return r, nil
}
