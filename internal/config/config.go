// Package config manages application configuration from environment variables,
// an optional YAML file, and default values.
package config

import (
	"time"
)

// Config defines the application configuration. Values can be set through
// config.yaml or the environment variables listed in envBindings.
type Config struct {
	Source          SourceConfig     `mapstructure:"source"`
	Dest            DestConfig       `mapstructure:"dest"`
	PollIntervalSec int              `mapstructure:"poll_interval_sec" validate:"min=1,max=86400"`
	Cursor          CursorConfig     `mapstructure:"cursor"`
	Roles           RolesConfig      `mapstructure:"roles"`
	Dispatch        DispatchConfig   `mapstructure:"dispatch"`
	Poller          PollerConfig     `mapstructure:"poller"`
	Scheduler       SchedulerConfig  `mapstructure:"scheduler"`
	Log             LogConfig        `mapstructure:"log"`
	ShutdownTimeout time.Duration    `mapstructure:"shutdown_timeout" validate:"min=0"`
	Snapshots       []SnapshotConfig `mapstructure:"snapshots" validate:"omitempty,unique=Name,dive"`
}

// SourceConfig describes the source chat platform.
type SourceConfig struct {
	Token    string          `mapstructure:"token"     validate:"required"`
	GuildID  string          `mapstructure:"guild_id"  validate:"required"`
	BotLabel string          `mapstructure:"bot_label"`
	Channels []SourceChannel `mapstructure:"channels"  validate:"required,min=1,unique=ID,dive"`
}

// SourceChannel is one watched channel. Only messages authored by
// ExpectedAuthorID are forwarded.
type SourceChannel struct {
	ID               string `mapstructure:"id"                 json:"id"                 validate:"required"`
	Label            string `mapstructure:"label"              json:"label"              validate:"required"`
	ExpectedAuthorID string `mapstructure:"expected_author_id" json:"expected_author_id" validate:"required"`
}

// DestConfig describes the destination Telegram chat.
type DestConfig struct {
	Token  string `mapstructure:"token"   validate:"required"`
	ChatID string `mapstructure:"chat_id" validate:"required"`
	APIURL string `mapstructure:"api_url" validate:"omitempty,url"`
}

// CursorConfig selects the cursor persistence backend.
type CursorConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=file sqlite"`
	Path    string `mapstructure:"path"    validate:"required"`
}

// RolesConfig tunes the role directory cache.
type RolesConfig struct {
	TTL     time.Duration `mapstructure:"ttl"     validate:"min=0"`
	Timeout time.Duration `mapstructure:"timeout" validate:"min=1s"`
}

// DispatchConfig tunes the delivery dispatcher.
type DispatchConfig struct {
	QueueSize   int           `mapstructure:"queue_size"   validate:"min=1,max=10000"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"min=1,max=100"`
	Timeout     time.Duration `mapstructure:"timeout"      validate:"min=1s"`
}

// PollerConfig tunes the source pollers.
type PollerConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"     validate:"min=1s"`
	PanicGrace time.Duration `mapstructure:"panic_grace" validate:"min=0"`
}

// SchedulerConfig holds cron expressions for maintenance jobs.
type SchedulerConfig struct {
	CursorFlush  string `mapstructure:"cursor_flush"`
	PollerHealth string `mapstructure:"poller_health"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// SnapshotConfig is an optional JSON snapshot producer.
type SnapshotConfig struct {
	Name     string        `mapstructure:"name"     validate:"required"`
	Label    string        `mapstructure:"label"`
	URL      string        `mapstructure:"url"      validate:"required,url"`
	Interval time.Duration `mapstructure:"interval" validate:"min=1s"`
}

// PollInterval returns the poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}
