package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agentsched/internal/registry"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

const sampleYAML = `
logging:
  level: DEBUG
  console: true
scheduler:
  enabled: true
  scheduling_interval: 250ms
  max_concurrent_tasks: 3
  default_timeout: 30s
  timezone: UTC
registry:
  type: durable
  driver: SQLite
  url: ./data/tasks.db
  busy_timeout: 2s
`

func TestParseYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()
	yml := filepath.Join(dir, "config.yaml")
	writeFile(t, yml, sampleYAML)
	js := filepath.Join(dir, "config.json")
	writeFile(t, js, `{"logging":{"level":"DEBUG","console":true,"file":{"enabled":false,"path":""}},
"scheduler":{"enabled":true,"scheduling_interval":"250ms","max_concurrent_tasks":3,"default_timeout":"30s","timezone":"UTC"},
"registry":{"type":"durable","driver":"SQLite","url":"./data/tasks.db","busy_timeout":"2s"}}`)

	for _, path := range []string{yml, js} {
		cfg, err := NewConfigManager(path).Parse()
		if err != nil {
			t.Fatalf("Parse(%s) err = %v", filepath.Base(path), err)
		}
		sc, err := cfg.SchedulerOptions()
		if err != nil {
			t.Fatalf("SchedulerOptions() err = %v", err)
		}
		if !sc.Enabled || !sc.AutoScheduling || sc.Interval != 250*time.Millisecond || sc.MaxConcurrent != 3 || sc.DefaultTimeout != 30*time.Second || sc.Timezone != "UTC" {
			t.Fatalf("%s: scheduler options = %+v", filepath.Base(path), sc)
		}
		rc, err := cfg.RegistryOptions()
		if err != nil {
			t.Fatalf("RegistryOptions() err = %v", err)
		}
		want := registry.Config{Type: registry.TypeDurable, Driver: registry.DriverSQLite, URL: "./data/tasks.db", BusyTimeout: 2 * time.Second}
		if rc != want {
			t.Fatalf("%s: registry options = %+v, want %+v", filepath.Base(path), rc, want)
		}
		if lc := cfg.LogConfig(); lc.Level != "DEBUG" || !lc.Console {
			t.Fatalf("%s: log config = %+v", filepath.Base(path), lc)
		}
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{name: "unknown key", file: "c.json", body: `{"scheduler":{"workers":2}}`, want: "unknown field"},
		{name: "trailing data", file: "c.json", body: `{} {}`, want: "trailing data"},
		{name: "bad duration", file: "c.json", body: `{"scheduler":{"scheduling_interval":"soon"}}`, want: "scheduler.scheduling_interval"},
		{name: "negative duration", file: "c.yaml", body: "scheduler:\n  default_timeout: -1s\n", want: "scheduler.default_timeout"},
		{name: "bad registry type", file: "c.json", body: `{"registry":{"type":"CLOUD"}}`, want: "registry.type"},
		{name: "bad driver", file: "c.json", body: `{"registry":{"type":"DURABLE","driver":"mongo"}}`, want: "registry.driver"},
		{name: "redis without url", file: "c.json", body: `{"registry":{"type":"DURABLE","driver":"redis"}}`, want: "registry.url"},
		{name: "bad timezone", file: "c.json", body: `{"scheduler":{"timezone":"Mars/Olympus"}}`, want: "scheduler.timezone"},
		{name: "negative concurrency", file: "c.json", body: `{"scheduler":{"max_concurrent_tasks":-1}}`, want: "max_concurrent_tasks"},
		{name: "bad yaml", file: "c.yml", body: "scheduler: [\n", want: "yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			writeFile(t, path, tt.body)
			_, err := NewConfigManager(path).Parse()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Parse() err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSchedulerSwitchDefaults(t *testing.T) {
	off := false
	tests := []struct {
		name        string
		enabled     *bool
		auto        *bool
		wantEnabled bool
		wantAuto    bool
	}{
		{name: "omitted", wantEnabled: true, wantAuto: true},
		{name: "disabled", enabled: &off, wantEnabled: false, wantAuto: true},
		{name: "auto off", auto: &off, wantEnabled: true, wantAuto: false},
	}
	for _, tt := range tests {
		cfg := Config{Scheduler: SchedulerConfig{Enabled: tt.enabled, EnableAutoScheduling: tt.auto}}
		sc, err := cfg.SchedulerOptions()
		if err != nil {
			t.Fatalf("%s: err = %v", tt.name, err)
		}
		if sc.Enabled != tt.wantEnabled || sc.AutoScheduling != tt.wantAuto {
			t.Fatalf("%s: Enabled/AutoScheduling = %v/%v, want %v/%v", tt.name, sc.Enabled, sc.AutoScheduling, tt.wantEnabled, tt.wantAuto)
		}
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "scheduler:\n  max_concurrent_tasks: 2\n")
	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse() err = %v", err)
	}
	if sc, _ := cfg.SchedulerOptions(); !sc.Enabled {
		t.Fatal("config without scheduler.enabled parsed as disabled")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	base := Config{
		Logging:   LoggingConfig{Level: "INFO"},
		Scheduler: SchedulerConfig{SchedulingInterval: "1s"},
		Registry:  RegistryConfig{Type: "DURABLE", Driver: "postgres", URL: "postgres://u:secret@db/x"},
	}

	next := base
	next.Scheduler.SchedulingInterval = "2s"
	next.Registry.URL = "postgres://u:other@db/x"
	changed, attrs := SummarizeConfigChange(&base, &next)
	if strings.Join(changed, ",") != "registry,scheduler" {
		t.Fatalf("changed = %v, want [registry scheduler]", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("attrs empty")
	}

	same := base
	if changed, _ := SummarizeConfigChange(&base, &same); len(changed) != 0 {
		t.Fatalf("changed = %v for identical configs", changed)
	}
	if changed, _ := SummarizeConfigChange(nil, &base); len(changed) != 3 {
		t.Fatalf("changed = %v from nil, want all sections", changed)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"scheduler":{"enabled":true,"max_concurrent_tasks":2}}`)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load() err = %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register the directory.
	time.Sleep(200 * time.Millisecond)

	// Invalid content is never published.
	writeFile(t, path, `{"scheduler":{"max_concurrent_tasks":-3}}`)
	time.Sleep(600 * time.Millisecond)
	select {
	case cfg := <-sub:
		t.Fatalf("published invalid config %+v", cfg.Scheduler)
	default:
	}

	writeFile(t, path, `{"scheduler":{"enabled":true,"max_concurrent_tasks":4}}`)
	select {
	case cfg := <-sub:
		if cfg.Scheduler.MaxConcurrentTasks != 4 {
			t.Fatalf("published max_concurrent_tasks = %d, want 4", cfg.Scheduler.MaxConcurrentTasks)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config publish")
	}
	if got := m.Get().Scheduler.MaxConcurrentTasks; got != 4 {
		t.Fatalf("Get() max_concurrent_tasks = %d, want 4", got)
	}
}
