package registry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"agentsched/internal/task"
)

// memoryBackend keeps tasks in a map keyed by id. Records are cloned on the
// way in and out so callers never share mutable state with the store.
type memoryBackend struct {
	mu    sync.RWMutex
	tasks map[string]task.Task
}

// NewMemory returns an empty in-memory backend.
func NewMemory() Backend {
	return newMemory()
}

func newMemory() *memoryBackend {
	return &memoryBackend{tasks: make(map[string]task.Task)}
}

func (m *memoryBackend) Name() string { return "memory" }

func (m *memoryBackend) Insert(ctx context.Context, t task.Task) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return fmt.Errorf("task %q already exists", t.ID)
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *memoryBackend) Get(ctx context.Context, id string) (task.Task, bool, error) {
	_ = ctx
	m.mu.RLock()
	t, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return task.Task{}, false, nil
	}
	return t.Clone(), true, nil
}

func (m *memoryBackend) List(ctx context.Context, f task.Filter) ([]task.Task, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Fast path for id lookups.
	if len(f.IDs) > 0 {
		out := make([]task.Task, 0, len(f.IDs))
		seen := make(map[string]struct{}, len(f.IDs))
		for _, id := range f.IDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if t, ok := m.tasks[id]; ok && f.Match(t) {
				out = append(out, t.Clone())
			}
		}
		return out, nil
	}

	out := make([]task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if f.Match(t) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (m *memoryBackend) Replace(ctx context.Context, t task.Task, expect task.Status) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[t.ID]
	if !ok {
		return &task.NotFoundError{ID: t.ID}
	}
	if expect != "" && cur.Status != expect {
		return task.ErrConflict
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

// put stores t unconditionally; used to roll back a failed durable write.
func (m *memoryBackend) put(t task.Task) {
	m.mu.Lock()
	m.tasks[t.ID] = t.Clone()
	m.mu.Unlock()
}

func (m *memoryBackend) Delete(ctx context.Context, id string) error {
	_ = ctx
	m.mu.Lock()
	delete(m.tasks, id)
	m.mu.Unlock()
	return nil
}

func (m *memoryBackend) Clear(ctx context.Context) error {
	_ = ctx
	m.mu.Lock()
	m.tasks = make(map[string]task.Task)
	m.mu.Unlock()
	return nil
}

// Scroll uses a numeric offset cursor over records ordered by creation.
func (m *memoryBackend) Scroll(ctx context.Context, cursor string, limit int) ([]task.Task, string, error) {
	_ = ctx
	off, err := parseOffsetCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	m.mu.RLock()
	all := make([]task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		all = append(all, t)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	if off >= len(all) {
		return nil, "", nil
	}
	end := off + limit
	if end > len(all) {
		end = len(all)
	}
	page := make([]task.Task, 0, end-off)
	for _, t := range all[off:end] {
		page = append(page, t.Clone())
	}
	next := ""
	if end < len(all) {
		next = strconv.Itoa(end)
	}
	return page, next, nil
}

func (m *memoryBackend) Ping(ctx context.Context) error { return nil }

func (m *memoryBackend) Close() error { return nil }

func parseOffsetCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	off, err := strconv.Atoi(cursor)
	if err != nil || off < 0 {
		return 0, fmt.Errorf("invalid scroll cursor %q", cursor)
	}
	return off, nil
}
