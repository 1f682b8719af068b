package tasks

import (
	"context"
	"fmt"
	"time"
)

// newCursorFlushTask re-persists the cursor store so a write that failed
// after a commit is eventually saved.
func newCursorFlushTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "cursor_flush")

	return func(ctx context.Context) error {
		startTime := time.Now()

		err := deps.Cursors.Flush(ctx)
		duration := time.Since(startTime)

		if err != nil {
			log.ErrorContext(ctx, "Cursor flush failed", "error", err, "duration", duration)
			return fmt.Errorf("cursor flush failed: %w", err)
		}

		log.DebugContext(ctx, "Cursors flushed", "count", len(deps.Cursors.Snapshot()), "duration", duration)
		return nil
	}
}
