package scheduler

import (
	"context"
	"errors"
	"time"

	"agentsched/internal/task"
)

// Defaults applied by New/Apply when a field is unset.
const (
	DefaultInterval      = time.Second
	DefaultMaxConcurrent = 5
	DefaultHistorySize   = 200
)

// Event types published on the bus.
const (
	EventCreated   = "task.created"
	EventStarted   = "task.started"
	EventCompleted = "task.completed"
	EventFailed    = "task.failed"
	EventDeleted   = "task.deleted"
)

// MetaErrorStack is the metadata key holding a panicking handler's stack.
const MetaErrorStack = "error_stack"

var (
	ErrNotInitialized = errors.New("scheduler not initialized")
	ErrClosed         = errors.New("scheduler closed")
)

// Handler executes a task. The returned value is stored as the task result
// (JSON encoded); a non-nil error fails the task.
type Handler func(ctx context.Context, t task.Task) (any, error)

// Config controls the polling loop.
type Config struct {
	Enabled bool
	// AutoScheduling runs the polling loop. When false, Start does not spawn
	// the loop and callers drive scheduling with Tick.
	AutoScheduling bool
	Interval       time.Duration
	MaxConcurrent  int

	// DefaultTimeout bounds each handler run. 0 disables it.
	DefaultTimeout time.Duration

	HistorySize int

	// AdmissionRate caps admissions per second across ticks. 0 disables it.
	AdmissionRate float64

	// Timezone (IANA) used to resolve cron schedules. Empty means local.
	Timezone string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.DefaultTimeout < 0 {
		c.DefaultTimeout = 0
	}
	if c.AdmissionRate < 0 {
		c.AdmissionRate = 0
	}
	return c
}

// HistoryItem records one finished execution.
type HistoryItem struct {
	ID       string
	Name     string
	Status   task.Status
	Started  time.Time
	Duration time.Duration
	Error    string
}

// TaskEvent is the payload of every task.* bus event.
type TaskEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Status   task.Status   `json:"status"`
	Priority int           `json:"priority"`
	AgentID  string        `json:"agent_id,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time diagnostic view.
type Snapshot struct {
	Enabled        bool
	AutoScheduling bool
	Initialized    bool
	Running        bool

	Interval       time.Duration
	MaxConcurrent  int
	InFlight       int
	DefaultTimeout time.Duration
	AdmissionRate  float64
	Timezone       string

	Ticks     uint64
	Admitted  uint64
	Completed uint64
	Failed    uint64

	ConsecutiveTickErrors int
	LastTickAt            time.Time
	LastTickError         string
	LoopRestarts          uint64
	LoopPanics            uint64

	NamedHandlers int
	BoundHandlers int

	History []HistoryItem
}
