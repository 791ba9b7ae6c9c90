package task

import (
	"strings"
	"time"
)

// NewTask is the creation input.
type NewTask struct {
	Name         string
	Description  string
	Priority     int
	ScheduleType ScheduleType
	// ScheduledTime is required for EXPLICIT and ignored for PRIORITY tasks.
	ScheduledTime time.Time
	HandlerName   string
	Metadata      map[string]any
}

// Validate checks the creation input.
func (n NewTask) Validate() error {
	if strings.TrimSpace(n.Name) == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if n.ScheduleType == "" {
		return &ValidationError{Field: "schedule_type", Reason: "required"}
	}
	if !n.ScheduleType.Valid() {
		return &ValidationError{Field: "schedule_type", Reason: "must be EXPLICIT or PRIORITY, got " + string(n.ScheduleType)}
	}
	if n.Priority < MinPriority || n.Priority > MaxPriority {
		return &ValidationError{Field: "priority", Reason: "must be within 0..10"}
	}
	if n.ScheduleType == ScheduleExplicit && n.ScheduledTime.IsZero() {
		return &ValidationError{Field: "scheduled_time", Reason: "required for EXPLICIT scheduling"}
	}
	return nil
}

// Build validates n and materializes a PENDING task.
func (n NewTask) Build(id string, now time.Time) (Task, error) {
	if err := n.Validate(); err != nil {
		return Task{}, err
	}
	if strings.TrimSpace(id) == "" {
		return Task{}, &ValidationError{Field: "id", Reason: "required"}
	}
	at := n.ScheduledTime
	if n.ScheduleType == SchedulePriority {
		at = now
	}
	return Task{
		ID:            id,
		Name:          strings.TrimSpace(n.Name),
		Description:   n.Description,
		Priority:      n.Priority,
		ScheduleType:  n.ScheduleType,
		ScheduledTime: at,
		Status:        StatusPending,
		HandlerName:   strings.TrimSpace(n.HandlerName),
		CreatedAt:     now,
		UpdatedAt:     now,
		Metadata:      cloneMeta(n.Metadata),
	}, nil
}

// Patch is an out-of-band field update. Nil fields are left untouched.
// Metadata is merged key by key; a nil value removes the key.
// Status is deliberately absent: only the scheduler moves tasks between states.
type Patch struct {
	Name          *string
	Description   *string
	Priority      *int
	ScheduledTime *time.Time
	HandlerName   *string
	Metadata      map[string]any
}

// Apply merges p into t and bumps UpdatedAt.
func (p Patch) Apply(t *Task, now time.Time) error {
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" {
			return &ValidationError{Field: "name", Reason: "required"}
		}
		t.Name = name
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Priority != nil {
		if *p.Priority < MinPriority || *p.Priority > MaxPriority {
			return &ValidationError{Field: "priority", Reason: "must be within 0..10"}
		}
		t.Priority = *p.Priority
	}
	if p.ScheduledTime != nil {
		if t.ScheduleType != ScheduleExplicit {
			return &ValidationError{Field: "scheduled_time", Reason: "only EXPLICIT tasks can be rescheduled"}
		}
		if t.Status != StatusPending {
			return &ValidationError{Field: "scheduled_time", Reason: "task is " + string(t.Status)}
		}
		if p.ScheduledTime.IsZero() {
			return &ValidationError{Field: "scheduled_time", Reason: "required for EXPLICIT scheduling"}
		}
		t.ScheduledTime = *p.ScheduledTime
	}
	if p.HandlerName != nil {
		t.HandlerName = strings.TrimSpace(*p.HandlerName)
	}
	if len(p.Metadata) > 0 {
		if t.Metadata == nil {
			t.Metadata = make(map[string]any, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			if v == nil {
				delete(t.Metadata, k)
				continue
			}
			t.Metadata[k] = v
		}
	}
	t.Touch(now)
	return nil
}

// Touch bumps UpdatedAt while keeping UpdatedAt >= CreatedAt.
func (t *Task) Touch(now time.Time) {
	if now.Before(t.CreatedAt) {
		now = t.CreatedAt
	}
	if now.Before(t.UpdatedAt) {
		now = t.UpdatedAt
	}
	t.UpdatedAt = now
}

// Filter selects tasks. Zero-valued fields do not constrain.
type Filter struct {
	Statuses     []Status
	IDs          []string
	Query        string
	AgentID      string
	ScheduleType ScheduleType
	// Limit caps the result size; <= 0 means unlimited.
	Limit int
}

// Match reports whether t satisfies every set constraint (Limit excluded).
func (f Filter) Match(t Task) bool {
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, t.Status) {
		return false
	}
	if len(f.IDs) > 0 && !containsString(f.IDs, t.ID) {
		return false
	}
	if f.ScheduleType != "" && t.ScheduleType != f.ScheduleType {
		return false
	}
	if f.AgentID != "" && t.AgentID() != f.AgentID {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		if !strings.Contains(strings.ToLower(t.Name), q) && !strings.Contains(strings.ToLower(t.Description), q) {
			return false
		}
	}
	return true
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
