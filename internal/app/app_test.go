package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"agentsched/internal/manager"
	"agentsched/internal/task"
	logx "agentsched/pkg/logx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestAppRunsBuiltinHandlers(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: ERROR
  console: true
scheduler:
  enabled: true
  scheduling_interval: 20ms
  max_concurrent_tasks: 2
registry:
  type: MEMORY
`)
	ctx := context.Background()
	a, err := NewApp(ctx, path)
	if err != nil {
		t.Fatalf("NewApp() err = %v", err)
	}
	a.Handlers(BuiltinHandlers(logx.Nop()))
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() err = %v", err)
	}
	stopped := false
	t.Cleanup(func() {
		if !stopped {
			_ = a.Stop(context.Background(), StopAppStop)
		}
	})

	mgr := a.Manager()
	if !mgr.IsSchedulerRunning() {
		t.Fatal("scheduler not running after Start")
	}
	var ids []string
	for _, in := range []manager.CreateTaskInput{
		{NewTask: task.NewTask{Name: "hello", ScheduleType: task.SchedulePriority, HandlerName: HandlerLog, Metadata: map[string]any{"message": "hi"}}},
		{NewTask: task.NewTask{Name: "nap", ScheduleType: task.SchedulePriority, HandlerName: HandlerSleep, Metadata: map[string]any{"duration": "10ms"}}},
	} {
		tk, err := mgr.CreateTask(ctx, in)
		if err != nil {
			t.Fatalf("CreateTask(%s) err = %v", in.Name, err)
		}
		ids = append(ids, tk.ID)
	}

	deadline := time.Now().Add(3 * time.Second)
	for _, id := range ids {
		for {
			tk, _, err := mgr.GetTask(ctx, id)
			if err != nil {
				t.Fatalf("GetTask() err = %v", err)
			}
			if tk.Status == task.StatusCompleted {
				break
			}
			if tk.Status == task.StatusFailed || time.Now().After(deadline) {
				t.Fatalf("task %s status = %s (error %q), want COMPLETED", tk.Name, tk.Status, tk.Error)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop() err = %v", err)
	}
	stopped = true
	select {
	case <-a.Done():
	default:
		t.Fatal("Done() not closed after Stop")
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	path := writeConfig(t, "registry:\n  type: DURABLE\n  driver: cassandra\n")
	if _, err := NewApp(context.Background(), path); err == nil {
		t.Fatal("NewApp() err = nil, want invalid driver error")
	}
}

func TestSleepDuration(t *testing.T) {
	tests := []struct {
		in      any
		want    time.Duration
		wantErr bool
	}{
		{in: nil, want: time.Second},
		{in: "250ms", want: 250 * time.Millisecond},
		{in: 1.5, want: 1500 * time.Millisecond},
		{in: 2, want: 2 * time.Second},
		{in: "-1s", wantErr: true},
		{in: "soon", wantErr: true},
		{in: true, wantErr: true},
	}
	for _, tt := range tests {
		got, err := sleepDuration(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("sleepDuration(%v) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if !tt.wantErr && got != tt.want {
			t.Fatalf("sleepDuration(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
