package config

// Config is the on-disk configuration (JSON, or YAML coerced to JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Registry  RegistryConfig  `json:"registry"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the polling loop.
//
// Defaults (when fields are omitted/zero):
//   - scheduling_interval: "1s"
//   - max_concurrent_tasks: 5
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
//   - admission_rate_per_sec: 0 (disabled)
//   - timezone: local
//
// Enabled and EnableAutoScheduling are pointers so an omitted key defaults
// to true while an explicit false keeps the loop off.
type SchedulerConfig struct {
	Enabled              *bool   `json:"enabled,omitempty"`
	EnableAutoScheduling *bool   `json:"enable_auto_scheduling,omitempty"`
	SchedulingInterval   string  `json:"scheduling_interval,omitempty"`
	MaxConcurrentTasks   int     `json:"max_concurrent_tasks,omitempty"`
	DefaultTimeout       string  `json:"default_timeout,omitempty"`
	HistorySize          int     `json:"history_size,omitempty"`
	AdmissionRatePerSec  float64 `json:"admission_rate_per_sec,omitempty"`
	Timezone             string  `json:"timezone,omitempty"`
}

// RegistryConfig selects the task store.
//
// Example:
//
//	"registry": { "type": "DURABLE", "driver": "sqlite", "url": "./data/tasks.db" }
type RegistryConfig struct {
	Type        string `json:"type"`
	Driver      string `json:"driver,omitempty"`
	URL         string `json:"url,omitempty"` // may embed credentials (do not log)
	Collection  string `json:"collection,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}
