// Package task defines the schedulable unit of work: the Task record, its
// status state machine, creation/patch/filter inputs and the error taxonomy
// shared by the registry and the scheduler.
package task

import (
	"encoding/json"
	"strings"
	"time"
)

// Priority bounds. Higher is more urgent.
const (
	MinPriority = 0
	MaxPriority = 10
)

// MetaAgentID is the metadata key holding the owning agent's id.
const MetaAgentID = "agent_id"

// ScheduleType decides when a PENDING task becomes due.
type ScheduleType string

const (
	// ScheduleExplicit tasks are due once ScheduledTime is reached.
	ScheduleExplicit ScheduleType = "EXPLICIT"
	// SchedulePriority tasks are due immediately and ordered by Priority.
	SchedulePriority ScheduleType = "PRIORITY"
)

func (st ScheduleType) Valid() bool {
	return st == ScheduleExplicit || st == SchedulePriority
}

// ParseScheduleType accepts the canonical names case-insensitively.
func ParseScheduleType(s string) (ScheduleType, bool) {
	st := ScheduleType(strings.ToUpper(strings.TrimSpace(s)))
	return st, st.Valid()
}

// Task is the persisted record. The handler is not part of it: handlers live
// in-process and are resolved by ID or HandlerName when the task runs.
type Task struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Description   string       `json:"description,omitempty"`
	Priority      int          `json:"priority"`
	ScheduleType  ScheduleType `json:"schedule_type"`
	ScheduledTime time.Time    `json:"scheduled_time"`
	Status        Status       `json:"status"`
	HandlerName   string       `json:"handler_name,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastExecutedAt time.Time `json:"last_executed_at,omitempty"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`

	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// IsDue reports whether a PENDING task may be admitted at now.
func (t Task) IsDue(now time.Time) bool {
	if t.Status != StatusPending {
		return false
	}
	switch t.ScheduleType {
	case SchedulePriority:
		return true
	case ScheduleExplicit:
		return !t.ScheduledTime.IsZero() && !now.Before(t.ScheduledTime)
	default:
		return false
	}
}

// AgentID returns the owning agent stored in metadata ("" if absent).
func (t Task) AgentID() string {
	if t.Metadata == nil {
		return ""
	}
	switch v := t.Metadata[MetaAgentID].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return strings.Trim(string(b), `"`)
	}
}

// Clone returns a copy that shares no mutable state with t.
func (t Task) Clone() Task {
	cp := t
	if t.Result != nil {
		cp.Result = append(json.RawMessage(nil), t.Result...)
	}
	cp.Metadata = cloneMeta(t.Metadata)
	return cp
}

func cloneMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Less orders due tasks for admission: higher priority first, then FIFO by
// creation time, then id for a stable order.
func Less(a, b Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
