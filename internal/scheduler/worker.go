package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"agentsched/internal/task"
	logx "agentsched/pkg/logx"
)

const (
	// writeBackTimeout bounds the terminal transition after a handler returns.
	writeBackTimeout = 10 * time.Second
	writeBackRetries = 3
)

// launch runs h for a task that was just moved to RUNNING. The slot is held
// until the terminal status is written.
func (s *Service) launch(t task.Task, h Handler, timeout time.Duration) {
	s.inFlight.Add(1)
	s.wg.Add(1)
	s.admitted.Add(1)

	s.log.Debug("task.started", logx.String("id", t.ID), logx.String("task", t.Name), logx.Int("priority", t.Priority))
	s.publish(EventStarted, t, 0)

	go func() {
		defer s.wg.Done()
		defer s.inFlight.Add(-1)
		s.execOne(t, h, timeout)
	}()
}

func (s *Service) execOne(t task.Task, h Handler, timeout time.Duration) {
	start := time.Now()

	runCtx := s.baseCtx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
	}

	var (
		res any
		err error
	)
	// A panicking handler fails its task instead of killing the process.
	func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				err = &task.HandlerExecutionError{TaskID: t.ID, Err: fmt.Errorf("%v", r), Panic: true, Stack: stack}
				s.log.Error("task.panic", logx.String("id", t.ID), logx.String("task", t.Name), logx.Any("panic", r), logx.Stack(stack))
			}
		}()
		res, err = h(runCtx, t.Clone())
	}()
	if cancel != nil {
		cancel()
	}

	var raw json.RawMessage
	if err == nil && res != nil {
		b, merr := json.Marshal(res)
		if merr != nil {
			err = fmt.Errorf("encode result: %w", merr)
		} else {
			raw = b
		}
	}

	var herr *task.HandlerExecutionError
	if err != nil && !errors.As(err, &herr) {
		herr = &task.HandlerExecutionError{TaskID: t.ID, Err: err}
	}

	dur := time.Since(start)
	s.finish(t, raw, herr, start, dur)
}

// finish writes the terminal transition and reports it.
func (s *Service) finish(t task.Task, result json.RawMessage, herr *task.HandlerExecutionError, start time.Time, dur time.Duration) {
	defer s.Unbind(t.ID)

	to := task.StatusCompleted
	if herr != nil {
		to = task.StatusFailed
	}
	finishedAt := s.now()
	mutate := func(tk *task.Task) {
		tk.FinishedAt = finishedAt
		if herr == nil {
			tk.Result = result
			tk.Error = ""
			return
		}
		tk.Error = herr.Error()
		if herr.Panic && herr.Stack != "" {
			if tk.Metadata == nil {
				tk.Metadata = map[string]any{}
			}
			tk.Metadata[MetaErrorStack] = herr.Stack
		}
	}

	var (
		done task.Task
		err  error
	)
	for attempt := 1; attempt <= writeBackRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), writeBackTimeout)
		done, err = s.reg.Transition(ctx, t.ID, to, mutate)
		cancel()
		if err == nil || isLostRace(err) {
			break
		}
		if attempt < writeBackRetries {
			time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
		}
	}
	if err != nil {
		if isLostRace(err) {
			s.log.Debug("finished task no longer tracked", logx.String("id", t.ID), logx.String("task", t.Name), logx.Err(err))
		} else {
			s.log.Error("cannot record task outcome", logx.String("id", t.ID), logx.String("task", t.Name), logx.String("status", string(to)), logx.Err(err))
		}
		return
	}

	item := HistoryItem{ID: t.ID, Name: t.Name, Status: to, Started: start, Duration: dur}
	if herr != nil {
		item.Error = done.Error
		s.failed.Add(1)
		s.log.Warn("task.failed", logx.String("id", t.ID), logx.String("task", t.Name), logx.Err(herr), logx.Duration("dur", dur))
		s.publish(EventFailed, done, dur)
	} else {
		s.completed.Add(1)
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("id", t.ID), logx.String("task", t.Name), logx.Duration("dur", dur))
		} else {
			s.log.Debug("task.completed", logx.String("id", t.ID), logx.String("task", t.Name), logx.Duration("dur", dur))
		}
		s.publish(EventCompleted, done, dur)
	}
	s.record(item)
}
