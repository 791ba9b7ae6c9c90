package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"agentsched/internal/registry"
	"agentsched/internal/scheduler"
	logx "agentsched/pkg/logx"
)

// LogConfig maps the logging section onto logx.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

// SchedulerOptions maps the scheduler section; omitted values are left zero
// and filled by the scheduler's own defaults.
func (c *Config) SchedulerOptions() (scheduler.Config, error) {
	sc := c.Scheduler
	interval, err := ParseDurationField("scheduler.scheduling_interval", sc.SchedulingInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	timeout, err := ParseDurationField("scheduler.default_timeout", sc.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:        boolOr(sc.Enabled, true),
		AutoScheduling: boolOr(sc.EnableAutoScheduling, true),
		Interval:       interval,
		MaxConcurrent:  sc.MaxConcurrentTasks,
		DefaultTimeout: timeout,
		HistorySize:    sc.HistorySize,
		AdmissionRate:  sc.AdmissionRatePerSec,
		Timezone:       strings.TrimSpace(sc.Timezone),
	}, nil
}

// RegistryOptions maps the registry section; type and driver are normalized.
func (c *Config) RegistryOptions() (registry.Config, error) {
	rc := c.Registry
	busy, err := ParseDurationField("registry.busy_timeout", rc.BusyTimeout)
	if err != nil {
		return registry.Config{}, err
	}
	return registry.Config{
		Type:        strings.ToUpper(strings.TrimSpace(rc.Type)),
		Driver:      strings.ToLower(strings.TrimSpace(rc.Driver)),
		URL:         strings.TrimSpace(rc.URL),
		Collection:  strings.TrimSpace(rc.Collection),
		BusyTimeout: busy,
	}, nil
}

// Validate checks value ranges and that every duration parses. It does not
// touch the network or disk.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.SchedulerOptions(); err != nil {
		errs = append(errs, err)
	}
	if c.Scheduler.MaxConcurrentTasks < 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_concurrent_tasks must be >= 0"))
	}
	if c.Scheduler.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("scheduler.history_size must be >= 0"))
	}
	if c.Scheduler.AdmissionRatePerSec < 0 {
		errs = append(errs, fmt.Errorf("scheduler.admission_rate_per_sec must be >= 0"))
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	rc, err := c.RegistryOptions()
	if err != nil {
		errs = append(errs, err)
	}
	switch rc.Type {
	case "", registry.TypeMemory:
	case registry.TypeDurable:
		switch rc.Driver {
		case "", registry.DriverSQLite, "sqlite3", registry.DriverFile, registry.DriverRedis, registry.DriverPostgres, "postgresql", "pgx":
		default:
			errs = append(errs, fmt.Errorf("registry.driver: unknown driver %q", rc.Driver))
		}
		if rc.URL == "" {
			errs = append(errs, fmt.Errorf("registry.url required for a DURABLE registry"))
		}
	default:
		errs = append(errs, fmt.Errorf("registry.type must be MEMORY or DURABLE, got %q", c.Registry.Type))
	}
	return errors.Join(errs...)
}
