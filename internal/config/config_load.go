package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with the orchestrator's baked-in defaults.
func Default() *Config {
	return &Config{
		Core: CoreConfig{
			StoreDir:      "~/.groupwatch/store",
			GroupsDir:     "~/.groupwatch/groups",
			DataDir:       "~/.groupwatch/data",
			AssistantName: "assistant",
			Timezone:      "UTC",

			MaxConcurrent: 5,

			IdleTimeoutSec:   30 * 60,
			HardTimeoutGrace: 30,
			MaxOutputBytes:   10 * 1024 * 1024,

			RetryBaseSec:     5,
			RetryMaxAttempts: 5,

			SchedulerTickSec:   60,
			IPCTickSec:         1,
			IPCMaxFilesPerTick: 50,

			RetentionMessageDays: 90,
			RetentionTaskLogDays: 30,
			RetentionSweepHours:  24,

			ErrorsRetentionDays: 7,
			ErrorsWarnThreshold: 50,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error: defaults plus env overrides are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values, including channel bot tokens: a token set
// in GROUPWATCH_TELEGRAM_TOKEN/GROUPWATCH_DISCORD_TOKEN replaces any
// token read from the config file.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("GROUPWATCH_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("GROUPWATCH_DISCORD_TOKEN", &c.Channels.Discord.Token)

	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	envStr("GROUPWATCH_STORE_DIR", &c.Core.StoreDir)
	envStr("GROUPWATCH_GROUPS_DIR", &c.Core.GroupsDir)
	envStr("GROUPWATCH_DATA_DIR", &c.Core.DataDir)
	envStr("GROUPWATCH_ASSISTANT_NAME", &c.Core.AssistantName)
	envStr("GROUPWATCH_TIMEZONE", &c.Core.Timezone)

	if v := os.Getenv("GROUPWATCH_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Core.MaxConcurrent = n
		}
	}

	envStr("GROUPWATCH_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("GROUPWATCH_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("GROUPWATCH_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
}

// Save writes the config to a JSON file (secrets excluded — tokens live
// only in env and are never round-tripped through config.json).
func Save(path string, cfg *Config) error {
	snap := cfg.Snapshot()
	snap.Channels.Telegram.Token = ""
	snap.Channels.Discord.Token = ""

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
