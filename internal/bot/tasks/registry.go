package tasks

import (
	"context"

	"github.com/edgard/relaybot/internal/config"
)

// ScheduledTaskFunc defines the standard signature for all scheduled tasks.
// The context provided by the scheduler should be respected for cancellation.
type ScheduledTaskFunc func(ctx context.Context) error

// Task pairs a task with its cron schedule.
type Task struct {
	Schedule string
	Run      ScheduledTaskFunc
}

// RegisterAllTasks returns the maintenance tasks keyed by name. Tasks with an
// empty schedule in cfg are left out.
func RegisterAllTasks(deps TaskDeps, cfg config.SchedulerConfig) map[string]Task {
	all := map[string]Task{
		"cursor_flush":  {Schedule: cfg.CursorFlush, Run: newCursorFlushTask(deps)},
		"poller_health": {Schedule: cfg.PollerHealth, Run: newPollerHealthTask(deps)},
	}

	tasks := make(map[string]Task, len(all))
	for name, task := range all {
		if task.Schedule == "" {
			deps.Logger.Info("Skipping unscheduled task", "task_name", name)
			continue
		}
		tasks[name] = task
	}

	deps.Logger.Info("Initialized scheduled tasks", "count", len(tasks))
	return tasks
}
