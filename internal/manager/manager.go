// Package manager is the single entry point agents use to schedule work. It
// combines the task registry and the scheduler core behind one lifecycle.
package manager

import (
	"context"
	"strings"
	"sync"
	"time"

	"agentsched/internal/eventbus"
	"agentsched/internal/registry"
	"agentsched/internal/scheduler"
	"agentsched/internal/task"
	logx "agentsched/pkg/logx"
)

// MetaSchedule is the metadata key holding the schedule expression a task
// was created from.
const MetaSchedule = "schedule"

// CreateTaskInput is the creation request.
//
// Schedule, when set, is resolved to ScheduledTime (cron, interval or RFC3339
// timestamp) and implies EXPLICIT scheduling. Handler, when set, is bound to
// the new task only; otherwise HandlerName or the default handler is used.
type CreateTaskInput struct {
	task.NewTask
	Schedule string
	Handler  scheduler.Handler
}

type Manager struct {
	reg *registry.Registry
	svc *scheduler.Service
	bus eventbus.Bus
	log logx.Logger

	mu        sync.Mutex
	recovered bool
}

// New builds a manager over reg. A nil bus gets a private one so Subscribe
// always works.
func New(cfg scheduler.Config, reg *registry.Registry, log logx.Logger, bus eventbus.Bus) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	return &Manager{
		reg: reg,
		svc: scheduler.New(cfg, reg, log.With(logx.String("comp", "scheduler")), bus),
		bus: bus,
		log: log,
	}
}

// Scheduler exposes the core for callers that drive Tick themselves.
func (m *Manager) Scheduler() *scheduler.Service { return m.svc }

// Initialize prepares the registry connection and, once per process, fails
// tasks a previous process left RUNNING. It is idempotent.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.svc.Initialize(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recovered {
		return nil
	}
	if _, err := m.reg.RecoverInterrupted(ctx); err != nil {
		return err
	}
	m.recovered = true
	return nil
}

func (m *Manager) StartScheduler(ctx context.Context) error { return m.svc.Start(ctx) }

func (m *Manager) StopScheduler(ctx context.Context) { m.svc.Stop(ctx) }

func (m *Manager) IsSchedulerRunning() bool { return m.svc.Running() }

// Tick runs one scheduling pass synchronously and returns how many tasks
// were admitted.
func (m *Manager) Tick(ctx context.Context) (int, error) { return m.svc.Tick(ctx) }

// Reset stops the loop and clears every task.
func (m *Manager) Reset(ctx context.Context) error { return m.svc.Reset(ctx) }

// Close stops the loop, cancels running handlers and closes the registry.
func (m *Manager) Close(ctx context.Context) error {
	err := m.svc.Close(ctx)
	if cerr := m.reg.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Apply hot-swaps the scheduler configuration.
func (m *Manager) Apply(ctx context.Context, cfg scheduler.Config) { m.svc.Apply(ctx, cfg) }

func (m *Manager) Snapshot() scheduler.Snapshot { return m.svc.Snapshot() }

// RegisterHandler makes h available to tasks created with HandlerName name,
// including tasks loaded from a durable registry. A nil h unregisters.
func (m *Manager) RegisterHandler(name string, h scheduler.Handler) {
	m.svc.RegisterHandler(name, h)
}

func (m *Manager) SetDefaultHandler(h scheduler.Handler) { m.svc.SetDefaultHandler(h) }

// Subscribe streams task lifecycle events (task.created, task.started, ...).
func (m *Manager) Subscribe(buffer int, prefixes ...string) (<-chan eventbus.Event, func()) {
	return m.bus.Subscribe(buffer, prefixes...)
}

// CreateTask stores a new PENDING task and wakes the loop.
func (m *Manager) CreateTask(ctx context.Context, in CreateTaskInput) (task.Task, error) {
	nt := in.NewTask
	if raw := strings.TrimSpace(in.Schedule); raw != "" {
		if nt.ScheduleType == "" {
			nt.ScheduleType = task.ScheduleExplicit
		}
		if nt.ScheduleType != task.ScheduleExplicit {
			return task.Task{}, &task.ValidationError{Field: "schedule", Reason: "only EXPLICIT tasks take a schedule"}
		}
		if !nt.ScheduledTime.IsZero() {
			return task.Task{}, &task.ValidationError{Field: "schedule", Reason: "set either schedule or scheduled_time"}
		}
		at, err := m.svc.ResolveSchedule(raw)
		if err != nil {
			return task.Task{}, &task.ValidationError{Field: "schedule", Reason: err.Error()}
		}
		nt.ScheduledTime = at
		meta := make(map[string]any, len(nt.Metadata)+1)
		for k, v := range nt.Metadata {
			meta[k] = v
		}
		meta[MetaSchedule] = raw
		nt.Metadata = meta
	}

	t, err := m.reg.Build(nt)
	if err != nil {
		return task.Task{}, err
	}
	// Bind before Insert so a concurrent tick never sees the task without
	// its handler.
	if in.Handler != nil {
		m.svc.Bind(t.ID, in.Handler)
	}
	if err := m.reg.Insert(ctx, t); err != nil {
		m.svc.Unbind(t.ID)
		return task.Task{}, err
	}

	m.publish(scheduler.EventCreated, t)
	m.log.Info("task created",
		logx.String("id", t.ID),
		logx.String("name", t.Name),
		logx.String("schedule", string(t.ScheduleType)),
		logx.Int("priority", t.Priority),
		logx.Time("scheduled_time", t.ScheduledTime),
	)
	m.svc.Wake()
	return t, nil
}

// GetTask returns ok=false when id is unknown.
func (m *Manager) GetTask(ctx context.Context, id string) (task.Task, bool, error) {
	return m.reg.Get(ctx, id)
}

func (m *Manager) FindTasks(ctx context.Context, f task.Filter) ([]task.Task, error) {
	return m.reg.Find(ctx, f)
}

// FindTasksForAgent returns the tasks owned by agentID (metadata agent_id),
// narrowed further by f.
func (m *Manager) FindTasksForAgent(ctx context.Context, agentID string, f task.Filter) ([]task.Task, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, &task.ValidationError{Field: "agent_id", Reason: "required"}
	}
	f.AgentID = agentID
	return m.reg.Find(ctx, f)
}

// UpdateTask merges p into the task. A rescheduled task is picked up on the
// next tick.
func (m *Manager) UpdateTask(ctx context.Context, id string, p task.Patch) (task.Task, error) {
	t, err := m.reg.Update(ctx, id, p)
	if err != nil {
		return task.Task{}, err
	}
	m.svc.Wake()
	return t, nil
}

// DeleteTask removes a task. Unknown ids are not an error. A handler already
// running is not interrupted; its outcome is dropped.
func (m *Manager) DeleteTask(ctx context.Context, id string) error {
	t, ok, err := m.reg.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.reg.Delete(ctx, id); err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if t.Status == task.StatusPending {
		m.svc.Unbind(t.ID)
	}
	m.publish(scheduler.EventDeleted, t)
	m.log.Debug("task deleted", logx.String("id", t.ID), logx.String("status", string(t.Status)))
	return nil
}

// ScrollTasks pages through every task for diagnostics.
func (m *Manager) ScrollTasks(ctx context.Context, cursor string, limit int) ([]task.Task, string, error) {
	return m.reg.Scroll(ctx, cursor, limit)
}

func (m *Manager) publish(typ string, t task.Task) {
	m.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: scheduler.TaskEvent{
		ID:       t.ID,
		Name:     t.Name,
		Status:   t.Status,
		Priority: t.Priority,
		AgentID:  t.AgentID(),
	}})
}
