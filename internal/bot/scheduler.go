package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/edgard/relaybot/internal/bot/tasks"
	"github.com/edgard/relaybot/internal/logger"
)

// Ticker is a unit of periodic work: a channel poller or a snapshot
// producer.
type Ticker interface {
	Name() string
	Tick(ctx context.Context) error
}

// Periodic schedules a Ticker at a fixed interval.
type Periodic struct {
	Ticker
	Every time.Duration
}

// Scheduler manages scheduled jobs using the gocron library. Every job runs
// in singleton mode, so a job is never concurrent with itself.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
	mu        sync.Mutex
	running   bool
}

// NewScheduler creates a new scheduler instance using gocron.
func NewScheduler(log *slog.Logger, opts ...gocron.SchedulerOption) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "scheduler")

	s, err := gocron.NewScheduler(append([]gocron.SchedulerOption{gocron.WithLogger(logger.NewGocronLogger(log))}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		scheduler: s,
		logger:    log,
	}, nil
}

// AddPeriodic schedules p every p.Every, starting immediately. ctx is handed
// to each tick; cancelling it makes running ticks return promptly.
func (s *Scheduler) AddPeriodic(ctx context.Context, p Periodic) error {
	if p.Every <= 0 {
		return fmt.Errorf("job %s: interval must be positive", p.Name())
	}

	_, err := s.scheduler.NewJob(
		gocron.DurationJob(p.Every),
		gocron.NewTask(func() {
			if ctx.Err() != nil {
				return
			}
			_ = p.Tick(ctx)
		}),
		gocron.WithName(p.Name()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", p.Name(), err)
	}

	s.logger.Info("Scheduled periodic job", "job_name", p.Name(), "every", p.Every)
	return nil
}

// AddTask schedules a maintenance task on its cron expression (seconds
// field included).
func (s *Scheduler) AddTask(ctx context.Context, name string, task tasks.Task) error {
	_, err := s.scheduler.NewJob(
		gocron.CronJob(task.Schedule, true),
		gocron.NewTask(
			func(name string) {
				if ctx.Err() != nil {
					return
				}
				s.logger.Debug("Running scheduled task", "task_name", name)
				startTime := time.Now()
				if taskErr := task.Run(ctx); taskErr != nil {
					s.logger.Error("Scheduled task failed", "task_name", name, "error", taskErr)
				}
				s.logger.Debug("Finished scheduled task", "task_name", name, "duration", time.Since(startTime))
			},
			name,
		),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule task %s (%q): %w", name, task.Schedule, err)
	}

	s.logger.Info("Scheduled task", "task_name", name, "schedule", task.Schedule)
	return nil
}

// Start starts the scheduler's internal ticking.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	s.scheduler.Start()
	s.running = true
	s.logger.Info("Scheduler started", "jobs", len(s.scheduler.Jobs()))
	return nil
}

// Stop gracefully stops the scheduler, waiting for running jobs to complete.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.logger.Debug("Stopping scheduler (waiting for running jobs)...")
	err := s.scheduler.Shutdown()
	if err != nil {
		s.logger.Error("Error during scheduler shutdown", "error", err)
	} else {
		s.logger.Info("Scheduler stopped")
	}

	s.running = false
	return err
}
