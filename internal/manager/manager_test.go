package manager

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"agentsched/internal/registry"
	"agentsched/internal/scheduler"
	"agentsched/internal/task"
	logx "agentsched/pkg/logx"
)

func testConfig() scheduler.Config {
	return scheduler.Config{
		Enabled:        true,
		AutoScheduling: true,
		Interval:       20 * time.Millisecond,
		MaxConcurrent:  3,
	}
}

func newTestManager(t *testing.T, cfg scheduler.Config, b registry.Backend) *Manager {
	t.Helper()
	if b == nil {
		b = registry.NewMemory()
	}
	m := New(cfg, registry.New(b, logx.Nop()), logx.Nop(), nil)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() err = %v, want nil", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %v waiting for %s", timeout, what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func mustGet(t *testing.T, m *Manager, id string) task.Task {
	t.Helper()
	tk, ok, err := m.GetTask(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("GetTask(%s) = ok %v err %v, want found", id, ok, err)
	}
	return tk
}

func TestCreateExplicitTaskIsPending(t *testing.T) {
	m := newTestManager(t, scheduler.Config{Enabled: true}, nil)
	at := time.Now().Add(time.Hour).Truncate(time.Millisecond)

	for _, name := range []string{"first", "second", "third"} {
		tk, err := m.CreateTask(context.Background(), CreateTaskInput{
			NewTask: task.NewTask{Name: name, ScheduleType: task.ScheduleExplicit, ScheduledTime: at},
		})
		if err != nil {
			t.Fatalf("CreateTask(%s) err = %v, want nil", name, err)
		}
		got := mustGet(t, m, tk.ID)
		if got.Status != task.StatusPending {
			t.Fatalf("status = %s, want PENDING", got.Status)
		}
		if !got.ScheduledTime.Equal(at) {
			t.Fatalf("ScheduledTime = %v, want %v", got.ScheduledTime, at)
		}
	}
}

func TestCreateTaskValidation(t *testing.T) {
	m := newTestManager(t, scheduler.Config{Enabled: true}, nil)
	at := time.Now().Add(time.Hour)

	tests := []struct {
		name string
		in   CreateTaskInput
	}{
		{name: "missing name", in: CreateTaskInput{NewTask: task.NewTask{ScheduleType: task.SchedulePriority}}},
		{name: "missing schedule type", in: CreateTaskInput{NewTask: task.NewTask{Name: "x"}}},
		{name: "priority out of range", in: CreateTaskInput{NewTask: task.NewTask{Name: "x", Priority: 11, ScheduleType: task.SchedulePriority}}},
		{name: "explicit without time", in: CreateTaskInput{NewTask: task.NewTask{Name: "x", ScheduleType: task.ScheduleExplicit}}},
		{name: "bad schedule", in: CreateTaskInput{NewTask: task.NewTask{Name: "x"}, Schedule: "every tuesday"}},
		{name: "schedule and time", in: CreateTaskInput{NewTask: task.NewTask{Name: "x", ScheduledTime: at}, Schedule: "10m"}},
		{name: "schedule on priority task", in: CreateTaskInput{NewTask: task.NewTask{Name: "x", ScheduleType: task.SchedulePriority}, Schedule: "10m"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.CreateTask(context.Background(), tt.in)
			if !errors.Is(err, task.ErrValidation) {
				t.Fatalf("CreateTask() err = %v, want ErrValidation", err)
			}
		})
	}

	all, err := m.FindTasks(context.Background(), task.Filter{})
	if err != nil {
		t.Fatalf("FindTasks() err = %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("FindTasks() = %d tasks after rejected creates, want 0", len(all))
	}
	if snap := m.Snapshot(); snap.BoundHandlers != 0 {
		t.Fatalf("BoundHandlers = %d, want 0", snap.BoundHandlers)
	}
}

func TestCreateTaskFromSchedule(t *testing.T) {
	m := newTestManager(t, scheduler.Config{Enabled: true, Timezone: "UTC"}, nil)

	before := time.Now()
	tk, err := m.CreateTask(context.Background(), CreateTaskInput{
		NewTask:  task.NewTask{Name: "digest", Metadata: map[string]any{"k": "v"}},
		Schedule: "10m",
	})
	if err != nil {
		t.Fatalf("CreateTask() err = %v, want nil", err)
	}
	if tk.ScheduleType != task.ScheduleExplicit {
		t.Fatalf("ScheduleType = %s, want EXPLICIT", tk.ScheduleType)
	}
	if d := tk.ScheduledTime.Sub(before); d < 10*time.Minute || d > 10*time.Minute+time.Second {
		t.Fatalf("ScheduledTime offset = %v, want ~10m", d)
	}
	if tk.Metadata[MetaSchedule] != "10m" || tk.Metadata["k"] != "v" {
		t.Fatalf("Metadata = %v, want schedule and caller keys", tk.Metadata)
	}

	cronTask, err := m.CreateTask(context.Background(), CreateTaskInput{
		NewTask:  task.NewTask{Name: "hourly"},
		Schedule: "@hourly",
	})
	if err != nil {
		t.Fatalf("CreateTask(@hourly) err = %v, want nil", err)
	}
	if got := cronTask.ScheduledTime.UTC(); got.Minute() != 0 || got.Second() != 0 || !got.After(before) {
		t.Fatalf("ScheduledTime = %v, want next top of the hour", got)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	m := newTestManager(t, scheduler.Config{Enabled: true}, nil)
	events, unsub := m.Subscribe(8, scheduler.EventDeleted)
	defer unsub()

	if err := m.DeleteTask(context.Background(), "does-not-exist"); err != nil {
		t.Fatalf("DeleteTask(unknown) err = %v, want nil", err)
	}
	tk, err := m.CreateTask(context.Background(), CreateTaskInput{
		NewTask: task.NewTask{Name: "x", ScheduleType: task.ScheduleExplicit, ScheduledTime: time.Now().Add(time.Hour)},
	})
	if err != nil {
		t.Fatalf("CreateTask() err = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := m.DeleteTask(context.Background(), tk.ID); err != nil {
			t.Fatalf("DeleteTask #%d err = %v, want nil", i+1, err)
		}
	}
	if _, ok, _ := m.GetTask(context.Background(), tk.ID); ok {
		t.Fatal("task still present after delete")
	}
	if got := len(events); got != 1 {
		t.Fatalf("deleted events = %d, want 1", got)
	}
}

func TestResetClearsAll(t *testing.T) {
	m := newTestManager(t, testConfig(), nil)
	for i := 0; i < 4; i++ {
		if _, err := m.CreateTask(context.Background(), CreateTaskInput{
			NewTask: task.NewTask{Name: "x", ScheduleType: task.ScheduleExplicit, ScheduledTime: time.Now().Add(time.Hour)},
		}); err != nil {
			t.Fatalf("CreateTask() err = %v", err)
		}
	}
	if err := m.StartScheduler(context.Background()); err != nil {
		t.Fatalf("StartScheduler() err = %v", err)
	}
	if err := m.Reset(context.Background()); err != nil {
		t.Fatalf("Reset() err = %v, want nil", err)
	}
	if m.IsSchedulerRunning() {
		t.Fatal("scheduler still running after Reset")
	}
	all, err := m.FindTasks(context.Background(), task.Filter{})
	if err != nil {
		t.Fatalf("FindTasks() err = %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("FindTasks() = %d tasks, want 0", len(all))
	}
}

func TestFindTasksForAgent(t *testing.T) {
	m := newTestManager(t, scheduler.Config{Enabled: true}, nil)
	later := time.Now().Add(time.Hour)
	owners := []string{"agent-a", "agent-b", "agent-a", ""}
	for i, owner := range owners {
		meta := map[string]any{}
		if owner != "" {
			meta[task.MetaAgentID] = owner
		}
		if _, err := m.CreateTask(context.Background(), CreateTaskInput{
			NewTask: task.NewTask{Name: "t", Priority: i, ScheduleType: task.ScheduleExplicit, ScheduledTime: later, Metadata: meta},
		}); err != nil {
			t.Fatalf("CreateTask() err = %v", err)
		}
	}

	tests := []struct {
		agent string
		f     task.Filter
		want  int
	}{
		{agent: "agent-a", want: 2},
		{agent: "agent-b", want: 1},
		{agent: "agent-c", want: 0},
		{agent: "agent-a", f: task.Filter{Limit: 1}, want: 1},
		{agent: "agent-a", f: task.Filter{Statuses: []task.Status{task.StatusCompleted}}, want: 0},
	}
	for _, tt := range tests {
		got, err := m.FindTasksForAgent(context.Background(), tt.agent, tt.f)
		if err != nil {
			t.Fatalf("FindTasksForAgent(%s) err = %v", tt.agent, err)
		}
		if len(got) != tt.want {
			t.Fatalf("FindTasksForAgent(%s, %+v) = %d tasks, want %d", tt.agent, tt.f, len(got), tt.want)
		}
		for _, tk := range got {
			if tk.AgentID() != tt.agent {
				t.Fatalf("task %s owned by %q, want %q", tk.ID, tk.AgentID(), tt.agent)
			}
		}
	}

	if _, err := m.FindTasksForAgent(context.Background(), " ", task.Filter{}); !errors.Is(err, task.ErrValidation) {
		t.Fatalf("FindTasksForAgent(blank) err = %v, want ErrValidation", err)
	}
}

func TestPriorityTaskRunsThroughManager(t *testing.T) {
	m := newTestManager(t, testConfig(), nil)
	if err := m.StartScheduler(context.Background()); err != nil {
		t.Fatalf("StartScheduler() err = %v", err)
	}
	if !m.IsSchedulerRunning() {
		t.Fatal("IsSchedulerRunning() = false after start")
	}

	var calls atomic.Int32
	tk, err := m.CreateTask(context.Background(), CreateTaskInput{
		NewTask: task.NewTask{Name: "urgent", Priority: 10, ScheduleType: task.SchedulePriority},
		Handler: func(ctx context.Context, t task.Task) (any, error) {
			calls.Add(1)
			return "done", nil
		},
	})
	if err != nil {
		t.Fatalf("CreateTask() err = %v", err)
	}
	waitFor(t, 2*time.Second, "task completion", func() bool {
		return mustGet(t, m, tk.ID).Status == task.StatusCompleted
	})
	if calls.Load() != 1 {
		t.Fatalf("handler calls = %d, want 1", calls.Load())
	}
	if got := string(mustGet(t, m, tk.ID).Result); got != `"done"` {
		t.Fatalf("Result = %s, want \"done\"", got)
	}

	m.StopScheduler(context.Background())
	if m.IsSchedulerRunning() {
		t.Fatal("IsSchedulerRunning() = true after stop")
	}
}

func TestNamedHandlerWithManualTick(t *testing.T) {
	m := newTestManager(t, scheduler.Config{Enabled: true, AutoScheduling: false}, nil)
	var calls atomic.Int32
	m.RegisterHandler("echo", func(ctx context.Context, t task.Task) (any, error) {
		calls.Add(1)
		return t.Metadata, nil
	})

	tk, err := m.CreateTask(context.Background(), CreateTaskInput{
		NewTask: task.NewTask{Name: "echo", ScheduleType: task.SchedulePriority, HandlerName: "echo"},
	})
	if err != nil {
		t.Fatalf("CreateTask() err = %v", err)
	}
	if err := m.StartScheduler(context.Background()); err != nil {
		t.Fatalf("StartScheduler() err = %v", err)
	}
	if m.IsSchedulerRunning() {
		t.Fatal("loop running with auto scheduling off")
	}

	n, err := m.Tick(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Tick() = %d, %v; want 1, nil", n, err)
	}
	waitFor(t, 2*time.Second, "task completion", func() bool {
		return mustGet(t, m, tk.ID).Status == task.StatusCompleted
	})
	if calls.Load() != 1 {
		t.Fatalf("handler calls = %d, want 1", calls.Load())
	}
}

func TestUpdateTask(t *testing.T) {
	m := newTestManager(t, scheduler.Config{Enabled: true}, nil)
	tk, err := m.CreateTask(context.Background(), CreateTaskInput{
		NewTask: task.NewTask{Name: "x", ScheduleType: task.ScheduleExplicit, ScheduledTime: time.Now().Add(time.Hour)},
	})
	if err != nil {
		t.Fatalf("CreateTask() err = %v", err)
	}

	next := time.Now().Add(2 * time.Hour).Truncate(time.Millisecond)
	prio := 7
	got, err := m.UpdateTask(context.Background(), tk.ID, task.Patch{ScheduledTime: &next, Priority: &prio})
	if err != nil {
		t.Fatalf("UpdateTask() err = %v, want nil", err)
	}
	if !got.ScheduledTime.Equal(next) || got.Priority != 7 {
		t.Fatalf("updated = %+v, want new time and priority", got)
	}
	if _, err := m.UpdateTask(context.Background(), "missing", task.Patch{Priority: &prio}); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("UpdateTask(missing) err = %v, want ErrNotFound", err)
	}
}

func TestInitializeRecoversInterruptedTasks(t *testing.T) {
	b := registry.NewMemory()
	now := time.Now()
	stale := task.Task{
		ID:            "stale",
		Name:          "left running",
		ScheduleType:  task.SchedulePriority,
		ScheduledTime: now,
		Status:        task.StatusRunning,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := b.Insert(context.Background(), stale); err != nil {
		t.Fatalf("seed Insert() err = %v", err)
	}

	m := newTestManager(t, scheduler.Config{Enabled: true}, b)
	got := mustGet(t, m, "stale")
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if got.Error != task.ErrInterrupted.Error() {
		t.Fatalf("Error = %q, want %q", got.Error, task.ErrInterrupted.Error())
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize() err = %v, want nil", err)
	}
}

func TestStartRequiresInitialize(t *testing.T) {
	m := New(testConfig(), registry.New(registry.NewMemory(), logx.Nop()), logx.Nop(), nil)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	if err := m.StartScheduler(context.Background()); !errors.Is(err, scheduler.ErrNotInitialized) {
		t.Fatalf("StartScheduler() err = %v, want ErrNotInitialized", err)
	}
	if m.IsSchedulerRunning() {
		t.Fatal("IsSchedulerRunning() = true before Initialize")
	}
}
