// Package registry stores Task records behind a pluggable backend.
//
// Registry owns the contract (validation, id generation, timestamps, the
// status state machine, ordering and limits); a Backend only persists
// records. Backends:
//   - memory: process-local map
//   - file: JSON snapshot + append-only journal
//   - sqlite: modernc.org/sqlite, one table per collection
//   - redis: one key per task plus an id index set per collection
//   - postgres: pgx pool, one table per collection
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentsched/internal/task"
	logx "agentsched/pkg/logx"
)

// casAttempts bounds read-modify-write retries for out-of-band updates.
const casAttempts = 3

type Registry struct {
	b   Backend
	log logx.Logger

	now   func() time.Time
	newID func() string
}

func New(b Backend, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		b:     b,
		log:   log,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Backend returns the backend name (diagnostics).
func (r *Registry) Backend() string { return r.b.Name() }

// Create validates in and stores a new PENDING task.
func (r *Registry) Create(ctx context.Context, in task.NewTask) (task.Task, error) {
	t, err := r.Build(in)
	if err != nil {
		return task.Task{}, err
	}
	if err := r.Insert(ctx, t); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

// Build validates in and returns the PENDING task Create would store, with
// its id assigned. Callers that must attach state to the id before the task
// becomes visible use Build followed by Insert.
func (r *Registry) Build(in task.NewTask) (task.Task, error) {
	return in.Build(r.newID(), r.now())
}

// Insert stores a task produced by Build.
func (r *Registry) Insert(ctx context.Context, t task.Task) error {
	if t.ID == "" || t.Status != task.StatusPending {
		return &task.ValidationError{Field: "id", Reason: "task must come from Build"}
	}
	if err := r.b.Insert(ctx, t); err != nil {
		return task.Unavailable(r.b.Name(), "insert", err)
	}
	r.log.Debug("task created", logx.String("id", t.ID), logx.String("name", t.Name), logx.String("schedule", string(t.ScheduleType)), logx.Int("priority", t.Priority))
	return nil
}

// Get returns (task, true, nil), or ok=false when the id is unknown.
func (r *Registry) Get(ctx context.Context, id string) (task.Task, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return task.Task{}, false, nil
	}
	t, ok, err := r.b.Get(ctx, id)
	if err != nil {
		return task.Task{}, false, task.Unavailable(r.b.Name(), "get", err)
	}
	return t, ok, nil
}

// Find returns tasks matching f ordered by creation time (oldest first).
func (r *Registry) Find(ctx context.Context, f task.Filter) ([]task.Task, error) {
	list, err := r.b.List(ctx, f)
	if err != nil {
		return nil, task.Unavailable(r.b.Name(), "list", err)
	}
	out := list[:0]
	for _, t := range list {
		if f.Match(t) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Update merges p into the stored task. Unknown ids yield a NotFoundError.
func (r *Registry) Update(ctx context.Context, id string, p task.Patch) (task.Task, error) {
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		cur, ok, err := r.Get(ctx, id)
		if err != nil {
			return task.Task{}, err
		}
		if !ok {
			return task.Task{}, &task.NotFoundError{ID: id}
		}
		next := cur.Clone()
		if err := p.Apply(&next, r.now()); err != nil {
			return task.Task{}, err
		}
		err = r.b.Replace(ctx, next, cur.Status)
		if err == nil {
			return next, nil
		}
		if errors.Is(err, task.ErrNotFound) {
			return task.Task{}, &task.NotFoundError{ID: id}
		}
		if !errors.Is(err, task.ErrConflict) {
			return task.Task{}, task.Unavailable(r.b.Name(), "replace", err)
		}
		// Status moved underneath us (scheduler tick); re-read and retry.
		lastErr = err
	}
	return task.Task{}, lastErr
}

// Transition moves a task to status `to`, applying mutate to the record in
// the same write. The write is a compare-and-set on the previous status, so
// a concurrent transition yields task.ErrConflict.
func (r *Registry) Transition(ctx context.Context, id string, to task.Status, mutate func(t *task.Task)) (task.Task, error) {
	cur, ok, err := r.Get(ctx, id)
	if err != nil {
		return task.Task{}, err
	}
	if !ok {
		return task.Task{}, &task.NotFoundError{ID: id}
	}
	if !task.CanTransition(cur.Status, to) {
		return task.Task{}, fmt.Errorf("%w: %s -> %s (task %s)", task.ErrInvalidTransition, cur.Status, to, id)
	}
	next := cur.Clone()
	if mutate != nil {
		mutate(&next)
	}
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.Status = to
	next.Touch(r.now())
	if err := r.b.Replace(ctx, next, cur.Status); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return task.Task{}, &task.NotFoundError{ID: id}
		}
		return task.Task{}, task.Unavailable(r.b.Name(), "replace", err)
	}
	return next, nil
}

// Delete removes a task. Unknown ids are not an error.
func (r *Registry) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	return task.Unavailable(r.b.Name(), "delete", r.b.Delete(ctx, id))
}

// Reset clears every task in the collection.
func (r *Registry) Reset(ctx context.Context) error {
	if err := r.b.Clear(ctx); err != nil {
		return task.Unavailable(r.b.Name(), "clear", err)
	}
	r.log.Debug("registry reset")
	return nil
}

// Scroll pages through all tasks for diagnostics.
func (r *Registry) Scroll(ctx context.Context, cursor string, limit int) ([]task.Task, string, error) {
	if limit <= 0 {
		limit = 100
	}
	page, next, err := r.b.Scroll(ctx, cursor, limit)
	if err != nil {
		return nil, "", task.Unavailable(r.b.Name(), "scroll", err)
	}
	return page, next, nil
}

func (r *Registry) Ping(ctx context.Context) error {
	return task.Unavailable(r.b.Name(), "ping", r.b.Ping(ctx))
}

func (r *Registry) Close() error { return r.b.Close() }

// RecoverInterrupted fails every task left RUNNING by a previous process.
// Handlers are in-process only, so such tasks can never complete.
func (r *Registry) RecoverInterrupted(ctx context.Context) (int, error) {
	running, err := r.Find(ctx, task.Filter{Statuses: []task.Status{task.StatusRunning}})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range running {
		_, err := r.Transition(ctx, t.ID, task.StatusFailed, func(tk *task.Task) {
			tk.Error = task.ErrInterrupted.Error()
			tk.FinishedAt = r.now()
		})
		if err != nil {
			if errors.Is(err, task.ErrNotFound) || errors.Is(err, task.ErrConflict) || errors.Is(err, task.ErrInvalidTransition) {
				continue
			}
			return n, err
		}
		n++
	}
	if n > 0 {
		r.log.Warn("interrupted tasks marked failed", logx.Int("count", n))
	}
	return n, nil
}
