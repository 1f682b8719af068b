package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "github.com/edgard/relaybot/internal/errors"
)

// ErrConfiguration marks every error returned by Load.
var ErrConfiguration = errors.New("configuration error")

// Load loads and validates configuration from:
// 1. Default values
// 2. The YAML file at path, if it exists
// 3. A .env file in the working directory, if it exists
// 4. Environment variables (see envBindings)
func Load(path string) (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, configError("failed to bind environment", err)
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, configError("failed to read config file", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, configError("failed to stat config file", err)
		}
	}

	if raw := strings.TrimSpace(os.Getenv(channelsEnv)); raw != "" {
		channels, err := ParseChannels(raw)
		if err != nil {
			return nil, configError("malformed "+channelsEnv, err)
		}
		v.Set("source.channels", channelsToMaps(channels))
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, configError("failed to parse config", err)
	}

	for i := range cfg.Snapshots {
		if cfg.Snapshots[i].Interval == 0 {
			cfg.Snapshots[i].Interval = DefaultSnapshotPeriod
		}
		if cfg.Snapshots[i].Label == "" {
			cfg.Snapshots[i].Label = cfg.Snapshots[i].Name
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return configError("validation failed", err)
	}
	return nil
}

// ParseChannels parses the SOURCE_CHANNELS value. Two forms are accepted:
// a JSON array of {id, label, expected_author_id} objects, or a comma
// separated list of id:label:expected_author_id triples.
func ParseChannels(raw string) ([]SourceChannel, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "[") {
		var channels []SourceChannel
		if err := json.Unmarshal([]byte(raw), &channels); err != nil {
			return nil, fmt.Errorf("decoding channel list: %w", err)
		}
		return channels, nil
	}

	var channels []SourceChannel
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("channel %q: want id:label:expected_author_id", item)
		}
		channels = append(channels, SourceChannel{
			ID:               strings.TrimSpace(parts[0]),
			Label:            strings.TrimSpace(parts[1]),
			ExpectedAuthorID: strings.TrimSpace(parts[2]),
		})
	}
	return channels, nil
}

func channelsToMaps(channels []SourceChannel) []map[string]any {
	out := make([]map[string]any, 0, len(channels))
	for _, ch := range channels {
		out = append(out, map[string]any{
			"id":                 ch.ID,
			"label":              ch.Label,
			"expected_author_id": ch.ExpectedAuthorID,
		})
	}
	return out
}

func configError(message string, cause error) error {
	return fmt.Errorf("%w: %w", ErrConfiguration, apperrors.NewConfigError(message, cause))
}
