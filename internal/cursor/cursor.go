// Package cursor tracks, per source channel, the id of the last message that
// was forwarded. Commits are monotonic: an id that does not sort after the
// stored one is ignored.
package cursor

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// Store is a durable channel id → last forwarded message id mapping.
type Store interface {
	// Get returns the stored message id for channelID.
	Get(channelID string) (string, bool)
	// Commit advances the cursor. It reports false without error when
	// messageID does not sort after the stored value. The in-memory value
	// advances even when persisting fails.
	Commit(ctx context.Context, channelID, messageID string) (bool, error)
	// Flush persists the current state.
	Flush(ctx context.Context) error
	// Snapshot returns a copy of all cursors.
	Snapshot() map[string]string
	Close() error
}

// Compare orders two message ids. Snowflake ids are compared numerically,
// anything else lexicographically. It returns -1, 0 or +1.
func Compare(a, b string) int {
	ia, errA := snowflake.ParseString(a)
	ib, errB := snowflake.ParseString(b)
	if errA == nil && errB == nil {
		switch {
		case ia < ib:
			return -1
		case ia > ib:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

// Advances reports whether next may replace current.
func Advances(current string, hasCurrent bool, next string) bool {
	if next == "" {
		return false
	}
	if !hasCurrent {
		return true
	}
	return Compare(next, current) > 0
}
