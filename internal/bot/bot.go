// Package bot wires the pollers, the dispatcher and the maintenance tasks
// together and owns their lifecycle.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/edgard/relaybot/internal/bot/tasks"
	"github.com/edgard/relaybot/internal/cursor"
	"github.com/edgard/relaybot/internal/dispatch"
)

// DefaultShutdownTimeout bounds how long the dispatcher may drain on shutdown.
const DefaultShutdownTimeout = 5 * time.Second

// Bot represents the relay and manages its components' lifecycle.
type Bot struct {
	logger          *slog.Logger
	cursors         cursor.Store
	dispatcher      *dispatch.Dispatcher
	jobs            []Periodic
	tasks           map[string]tasks.Task
	scheduler       *Scheduler
	shutdownTimeout time.Duration
}

// Deps holds the components a Bot orchestrates.
type Deps struct {
	Logger          *slog.Logger
	Cursors         cursor.Store
	Dispatcher      *dispatch.Dispatcher
	Jobs            []Periodic
	Tasks           map[string]tasks.Task
	Scheduler       *Scheduler
	ShutdownTimeout time.Duration
}

// NewBot creates a new instance of the bot with all required dependencies.
func NewBot(deps Deps) *Bot {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.ShutdownTimeout <= 0 {
		deps.ShutdownTimeout = DefaultShutdownTimeout
	}
	return &Bot{
		logger:          deps.Logger.With("component", "bot_orchestrator"),
		cursors:         deps.Cursors,
		dispatcher:      deps.Dispatcher,
		jobs:            deps.Jobs,
		tasks:           deps.Tasks,
		scheduler:       deps.Scheduler,
		shutdownTimeout: deps.ShutdownTimeout,
	}
}

// Run starts the dispatcher and the scheduler and blocks until ctx is
// cancelled or a component fails. Shutdown order: stop polling, close the
// queue, let the dispatcher drain within the shutdown timeout, then flush
// and close the cursor store. It returns nil on a clean shutdown and an
// error wrapping dispatch.ErrDestinationAuth if the destination rejected
// our credentials.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("Starting bot orchestrator...", "jobs", len(b.jobs), "tasks", len(b.tasks))

	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()

	for _, job := range b.jobs {
		if err := b.scheduler.AddPeriodic(pollCtx, job); err != nil {
			return b.abortStartup(err)
		}
	}
	for name, task := range b.tasks {
		if err := b.scheduler.AddTask(pollCtx, name, task); err != nil {
			return b.abortStartup(err)
		}
	}

	g, gCtx := errgroup.WithContext(ctx)

	// The dispatcher outlives the poll context so queued notices drain.
	dispatchCtx, cancelDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDispatch()
	dispatchDone := make(chan struct{})

	g.Go(func() error {
		defer close(dispatchDone)
		err := b.dispatcher.Run(dispatchCtx)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			if gCtx.Err() == nil {
				return fmt.Errorf("dispatcher stopped unexpectedly")
			}
			return nil
		default:
			b.logger.Error("Dispatcher stopped", "error", err)
			return err
		}
	})

	if err := b.scheduler.Start(); err != nil {
		b.logger.Error("Failed to start scheduler", "error", err)
		cancelPoll()
		b.dispatcher.Close()
		_ = g.Wait()
		return b.abortStartup(err)
	}

	g.Go(func() error {
		<-gCtx.Done()
		b.logger.Info("Shutdown signal received, stopping pollers...")
		cancelPoll()

		if err := b.scheduler.Stop(); err != nil {
			b.logger.Error("Error stopping scheduler", "error", err)
		}

		b.dispatcher.Close()
		timer := time.NewTimer(b.shutdownTimeout)
		defer timer.Stop()
		select {
		case <-dispatchDone:
		case <-timer.C:
			b.logger.Warn("Dispatcher did not drain in time, aborting pending notices",
				"timeout", b.shutdownTimeout, "pending", b.dispatcher.Len())
			cancelDispatch()
			<-dispatchDone
		}
		return nil
	})

	b.logger.Info("Bot orchestrator running. Waiting for shutdown signal or error...")
	err := g.Wait()

	if closeErr := b.cursors.Close(); closeErr != nil {
		b.logger.Error("Failed to persist cursors on shutdown", "error", closeErr)
		if err == nil {
			err = fmt.Errorf("failed to close cursor store: %w", closeErr)
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("Bot orchestrator stopped due to error", "error", err)
		return err
	}

	b.logger.Info("Bot orchestrator stopped gracefully.")
	return nil
}

// abortStartup releases the cursor store when Run fails before starting.
func (b *Bot) abortStartup(err error) error {
	if closeErr := b.cursors.Close(); closeErr != nil {
		b.logger.Error("Failed to close cursor store", "error", closeErr)
	}
	return fmt.Errorf("failed to start bot: %w", err)
}
