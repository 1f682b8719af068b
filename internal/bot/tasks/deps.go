// Package tasks implements the maintenance jobs run by the relaybot
// scheduler alongside the pollers.
package tasks

import (
	"log/slog"

	"github.com/edgard/relaybot/internal/cursor"
	"github.com/edgard/relaybot/internal/poller"
)

// StatusReporter exposes a poller's state.
type StatusReporter interface {
	Status() poller.Status
}

// TaskDeps contains all dependencies required by scheduled tasks.
type TaskDeps struct {
	Logger  *slog.Logger
	Cursors cursor.Store
	Pollers []StatusReporter
}
