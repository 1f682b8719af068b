package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	apperrors "github.com/edgard/relaybot/internal/errors"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SOURCE_TOKEN", "src-token")
	t.Setenv("SOURCE_GUILD_ID", "guild-1")
	t.Setenv("SOURCE_CHANNELS", "c1:seeds:BOT,c2:gear:BOT")
	t.Setenv("DEST_TOKEN", "123:abc")
	t.Setenv("DEST_CHAT_ID", "-100200")
}

func TestLoadFromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("POLL_INTERVAL_SEC", "30")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := []SourceChannel{
		{ID: "c1", Label: "seeds", ExpectedAuthorID: "BOT"},
		{ID: "c2", Label: "gear", ExpectedAuthorID: "BOT"},
	}
	if diff := cmp.Diff(want, cfg.Source.Channels); diff != "" {
		t.Errorf("channels mismatch (-want +got):\n%s", diff)
	}
	if cfg.PollInterval() != 30*time.Second {
		t.Errorf("PollInterval() = %v, want 30s", cfg.PollInterval())
	}
	if cfg.Cursor.Path != DefaultCursorPath || cfg.Cursor.Backend != "file" {
		t.Errorf("cursor defaults = %+v", cfg.Cursor)
	}
	if cfg.Dispatch.QueueSize != 64 || cfg.Dispatch.MaxAttempts != 10 {
		t.Errorf("dispatch defaults = %+v", cfg.Dispatch)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 5s", cfg.ShutdownTimeout)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
source:
  token: file-token
  guild_id: g
  bot_label: DAWN BOT
  channels:
    - id: "111"
      label: seeds
      expected_author_id: "999"
dest:
  token: "1:x"
  chat_id: "42"
cursor:
  backend: sqlite
  path: cursors.db
roles:
  ttl: 1h
snapshots:
  - name: weather
    url: https://example.com/weather.json
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SOURCE_TOKEN", "env-wins")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Source.Token != "env-wins" {
		t.Errorf("Source.Token = %q, want env override", cfg.Source.Token)
	}
	if cfg.Source.BotLabel != "DAWN BOT" {
		t.Errorf("BotLabel = %q", cfg.Source.BotLabel)
	}
	if cfg.Cursor.Backend != "sqlite" || cfg.Roles.TTL != time.Hour {
		t.Errorf("cursor/roles = %+v %+v", cfg.Cursor, cfg.Roles)
	}
	if len(cfg.Snapshots) != 1 || cfg.Snapshots[0].Interval != DefaultSnapshotPeriod || cfg.Snapshots[0].Label != "weather" {
		t.Errorf("snapshots = %+v", cfg.Snapshots)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing dest token", env: map[string]string{"DEST_TOKEN": ""}},
		{name: "malformed channels", env: map[string]string{"SOURCE_CHANNELS": "c1:seeds"}},
		{name: "duplicate channels", env: map[string]string{"SOURCE_CHANNELS": "c1:a:BOT,c1:b:BOT"}},
		{name: "bad backend", env: map[string]string{"CURSOR_BACKEND": "redis"}},
		{name: "zero interval", env: map[string]string{"POLL_INTERVAL_SEC": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load("")
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("Load() error = %v, want ErrConfiguration", err)
			}
			if !apperrors.Is(err, apperrors.KindConfig) {
				t.Errorf("error kind = %v, want CONFIG", apperrors.KindOf(err))
			}
		})
	}
}

func TestParseChannelsJSON(t *testing.T) {
	t.Parallel()

	got, err := ParseChannels(`[{"id":"1","label":"seeds","expected_author_id":"B"}]`)
	if err != nil {
		t.Fatal(err)
	}
	want := []SourceChannel{{ID: "1", Label: "seeds", ExpectedAuthorID: "B"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseChannels() mismatch (-want +got):\n%s", diff)
	}

	if _, err := ParseChannels(`[{"id":`); err == nil {
		t.Error("ParseChannels() accepted truncated JSON")
	}
}
