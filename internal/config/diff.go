package config

import (
	"sort"
	"strings"

	logx "agentsched/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// fields for logging. The registry URL is never logged since DSNs carry
// credentials.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 3)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	o, ns := oldCfg.Scheduler, newCfg.Scheduler
	if boolOr(o.Enabled, true) != boolOr(ns.Enabled, true) ||
		boolOr(o.EnableAutoScheduling, true) != boolOr(ns.EnableAutoScheduling, true) ||
		strings.TrimSpace(o.SchedulingInterval) != strings.TrimSpace(ns.SchedulingInterval) ||
		o.MaxConcurrentTasks != ns.MaxConcurrentTasks ||
		strings.TrimSpace(o.DefaultTimeout) != strings.TrimSpace(ns.DefaultTimeout) ||
		o.HistorySize != ns.HistorySize ||
		o.AdmissionRatePerSec != ns.AdmissionRatePerSec ||
		strings.TrimSpace(o.Timezone) != strings.TrimSpace(ns.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", boolOr(ns.Enabled, true)),
			logx.Bool("scheduler.auto", boolOr(ns.EnableAutoScheduling, true)),
			logx.String("scheduler.interval", strings.TrimSpace(ns.SchedulingInterval)),
			logx.Int("scheduler.max_concurrent_tasks", ns.MaxConcurrentTasks),
			logx.String("scheduler.default_timeout", strings.TrimSpace(ns.DefaultTimeout)),
			logx.Float64("scheduler.admission_rate_per_sec", ns.AdmissionRatePerSec),
			logx.String("scheduler.timezone", strings.TrimSpace(ns.Timezone)),
		)
	}

	or, nr := oldCfg.Registry, newCfg.Registry
	if or != nr {
		changed = append(changed, "registry")
		attrs = append(attrs,
			logx.String("registry.type", strings.TrimSpace(nr.Type)),
			logx.String("registry.driver", strings.TrimSpace(nr.Driver)),
			logx.Bool("registry.url_set", strings.TrimSpace(nr.URL) != ""),
			logx.String("registry.collection", strings.TrimSpace(nr.Collection)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// boolOr returns *p, or def when the key was omitted.
func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
