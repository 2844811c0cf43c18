// Package config loads and holds the orchestrator's configuration: data
// directories, concurrency/timeout/retry knobs, retention windows, and
// per-channel adapter settings.
package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123, ...] in JSON, matching
// how allowlists are sometimes authored by hand (numeric chat/user IDs
// typed without quotes).
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the orchestrator core.
type Config struct {
	Core      CoreConfig      `json:"core"`
	Channels  ChannelsConfig  `json:"channels"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	mu sync.RWMutex
}

// CoreConfig holds the orchestrator's own operating parameters: storage
// locations, subprocess limits/timeouts, retry backoff, and the poll ticks
// for the scheduler and IPC watcher.
type CoreConfig struct {
	// StoreDir holds messages.db (the persistent store).
	StoreDir string `json:"store_dir"`
	// GroupsDir holds one workspace subdirectory per RegisteredGroup
	// (AGENTS.md/SOUL.md/TOOLS.md/USER.md/memory/, logs/).
	GroupsDir string `json:"groups_dir"`
	// DataDir holds the ipc/{folder}/{input,messages,tasks}/ tree and ipc/errors/.
	DataDir string `json:"data_dir"`

	// AssistantName is matched against `^@{name}\b` (case-insensitive) to
	// decide whether a batch satisfies requires_trigger.
	AssistantName string `json:"assistant_name"`
	// Timezone is the IANA zone used to compute cron next_run values.
	Timezone string `json:"timezone,omitempty"`

	MaxConcurrent int `json:"max_concurrent"` // global cap on live agent subprocesses

	IdleTimeoutSec  int `json:"idle_timeout_sec"`  // soft idle timeout, reset on streamed output
	HardTimeoutGrace int `json:"hard_timeout_grace_sec"` // added to idle timeout for the hard cap
	MaxOutputBytes  int `json:"max_output_bytes"` // stdout/parse-buffer cap (default 10MiB)

	RetryBaseSec   int `json:"retry_base_sec"`   // exponential backoff base (default 5s)
	RetryMaxAttempts int `json:"retry_max_attempts"` // default 5

	SchedulerTickSec int `json:"scheduler_tick_sec"` // default 60s
	IPCTickSec       int `json:"ipc_tick_sec"`       // default 1s
	IPCMaxFilesPerTick int `json:"ipc_max_files_per_tick"` // not read; the IPC watcher caps each directory at a fixed 200 files per tick

	RetentionMessageDays int `json:"retention_message_days"`  // default 90
	RetentionTaskLogDays int `json:"retention_task_log_days"` // default 30
	RetentionSweepHours  int `json:"retention_sweep_hours"`   // default 24

	ErrorsRetentionDays int `json:"errors_retention_days"` // default 7, quarantine cleanup
	ErrorsWarnThreshold int `json:"errors_warn_threshold"` // default 50
}

// TelemetryConfig configures the OpenTelemetry exporter that
// tracing.Setup installs. No span is started on processGroupMessages,
// agent runs, or scheduler ticks. Ambient; carried even though the
// functional spec has no observability feature of its own.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Core = src.Core
	c.Channels = src.Channels
	c.Telemetry = src.Telemetry
}

// Snapshot returns a copy of the config safe to read without holding the lock.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{Core: c.Core, Channels: c.Channels, Telemetry: c.Telemetry}
}
