package config

import "time"

// Default values for configuration
const (
	DefaultPollIntervalSec = 10
	DefaultCursorBackend   = "file"
	DefaultCursorPath      = "./last_messages"
	DefaultLogLevel        = "info"

	DefaultRoleTTL         = 0 // refresh on miss only
	DefaultRoleTimeout     = 10 * time.Second
	DefaultQueueSize       = 64
	DefaultMaxAttempts     = 10
	DefaultDispatchTimeout = 15 * time.Second
	DefaultPollTimeout     = 10 * time.Second
	DefaultPanicGrace      = time.Minute
	DefaultShutdownTimeout = 5 * time.Second
	DefaultCursorFlush     = "0 */5 * * * *"
	DefaultPollerHealth    = "0 */15 * * * *"
	DefaultSnapshotPeriod  = time.Minute
)

var defaults = map[string]any{
	"poll_interval_sec":       DefaultPollIntervalSec,
	"cursor.backend":          DefaultCursorBackend,
	"cursor.path":             DefaultCursorPath,
	"roles.ttl":               DefaultRoleTTL,
	"roles.timeout":           DefaultRoleTimeout,
	"dispatch.queue_size":     DefaultQueueSize,
	"dispatch.max_attempts":   DefaultMaxAttempts,
	"dispatch.timeout":        DefaultDispatchTimeout,
	"poller.timeout":          DefaultPollTimeout,
	"poller.panic_grace":      DefaultPanicGrace,
	"scheduler.cursor_flush":  DefaultCursorFlush,
	"scheduler.poller_health": DefaultPollerHealth,
	"shutdown_timeout":        DefaultShutdownTimeout,
	"log.level":               DefaultLogLevel,
	"log.json":                false,
}

// envBindings maps config keys to the environment variables that set them.
var envBindings = map[string]string{
	"source.token":      "SOURCE_TOKEN",
	"source.guild_id":   "SOURCE_GUILD_ID",
	"source.bot_label":  "SOURCE_BOT_LABEL",
	"dest.token":        "DEST_TOKEN",
	"dest.chat_id":      "DEST_CHAT_ID",
	"dest.api_url":      "DEST_API_URL",
	"poll_interval_sec": "POLL_INTERVAL_SEC",
	"cursor.path":       "CURSOR_PATH",
	"cursor.backend":    "CURSOR_BACKEND",
	"log.level":         "LOG_LEVEL",
	"log.json":          "LOG_JSON",
}

// channelsEnv holds the channel list; parsed by hand since it is structured.
const channelsEnv = "SOURCE_CHANNELS"
