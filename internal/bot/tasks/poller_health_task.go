package tasks

import (
	"context"
	"time"
)

// newPollerHealthTask logs pollers that are disabled or paused, together with
// the cursor each one has reached.
func newPollerHealthTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "poller_health")

	return func(ctx context.Context) error {
		cursors := deps.Cursors.Snapshot()
		now := time.Now()

		unhealthy := 0
		for _, p := range deps.Pollers {
			st := p.Status()
			switch {
			case st.Disabled:
				unhealthy++
				log.WarnContext(ctx, "Poller disabled", "channel_id", st.ChannelID, "label", st.Label,
					"cursor", cursors[st.ChannelID])
			case now.Before(st.PausedUntil):
				unhealthy++
				log.WarnContext(ctx, "Poller paused", "channel_id", st.ChannelID, "label", st.Label,
					"resume_at", st.PausedUntil, "cursor", cursors[st.ChannelID])
			case st.Failures > 0:
				log.InfoContext(ctx, "Poller retrying", "channel_id", st.ChannelID, "label", st.Label,
					"failures", st.Failures)
			}
		}

		log.InfoContext(ctx, "Poller health", "pollers", len(deps.Pollers), "unhealthy", unhealthy)
		return nil
	}
}
