package scheduler

import (
	"context"
	"errors"
	"sort"
	"time"

	"agentsched/internal/task"
	logx "agentsched/pkg/logx"
)

// tickTimeout bounds the registry work of one scheduling pass.
const tickTimeout = 30 * time.Second

func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}, wakeCh <-chan struct{}) {
	// First pass right away so PRIORITY tasks do not wait a full interval.
	s.runTick(ctx)

	tmr := time.NewTimer(s.config().Interval)
	defer tmr.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-wakeCh:
			if !tmr.Stop() {
				select {
				case <-tmr.C:
				default:
				}
			}
		case <-tmr.C:
		}

		s.runTick(ctx)
		tmr.Reset(s.config().Interval)
	}
}

// runTick runs one pass and records its outcome. Errors never end the loop.
func (s *Service) runTick(ctx context.Context) {
	tctx, cancel := context.WithTimeout(ctx, tickTimeout)
	defer cancel()

	n, err := s.Tick(tctx)
	now := s.now()

	s.smu.Lock()
	s.lastTickAt = now
	if err != nil {
		if ctx.Err() != nil {
			s.smu.Unlock()
			return
		}
		s.tickErrs++
		s.lastTickError = err.Error()
		streak := s.tickErrs
		s.smu.Unlock()
		s.tickWarn.Do(func() {
			s.log.Warn("scheduling pass failed", logx.Err(err), logx.Int("consecutive", streak))
		})
		return
	}
	if s.tickErrs > 0 {
		s.log.Info("scheduling recovered", logx.Int("after_failures", s.tickErrs))
	}
	s.tickErrs = 0
	s.lastTickError = ""
	s.smu.Unlock()

	if n > 0 {
		s.log.Debug("tasks admitted", logx.Int("count", n), logx.Int("in_flight", int(s.inFlight.Load())))
	}
}

// Tick runs one scheduling pass synchronously: it admits due PENDING tasks
// in priority-then-FIFO order up to the free concurrency slots and returns
// how many handlers were started. Handlers run asynchronously.
func (s *Service) Tick(ctx context.Context) (int, error) {
	s.mu.Lock()
	cfg := s.cfg
	initialized := s.initialized
	closed := s.closed
	lim := s.limiter
	s.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	if !initialized {
		return 0, ErrNotInitialized
	}

	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	s.ticks.Add(1)

	free := cfg.MaxConcurrent - int(s.inFlight.Load())
	if free <= 0 {
		return 0, nil
	}

	pending, err := s.reg.Find(ctx, task.Filter{Statuses: []task.Status{task.StatusPending}})
	if err != nil {
		return 0, err
	}
	now := s.now()
	due := pending[:0]
	for _, t := range pending {
		if t.IsDue(now) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return 0, nil
	}
	sort.SliceStable(due, func(i, j int) bool { return task.Less(due[i], due[j]) })

	started := 0
	for _, t := range due {
		if started >= free {
			break
		}
		h := s.resolve(t)
		if h == nil {
			s.failUnrunnable(ctx, t)
			continue
		}
		if lim != nil && !lim.Allow() {
			break
		}
		running, err := s.reg.Transition(ctx, t.ID, task.StatusRunning, func(tk *task.Task) {
			tk.LastExecutedAt = now
		})
		if err != nil {
			if isLostRace(err) {
				// Deleted or moved since Find; skip it.
				continue
			}
			return started, err
		}
		s.launch(running, h, cfg.DefaultTimeout)
		started++
	}
	return started, nil
}

func isLostRace(err error) bool {
	return errors.Is(err, task.ErrNotFound) || errors.Is(err, task.ErrConflict) || errors.Is(err, task.ErrInvalidTransition)
}

// failUnrunnable moves a due task with no resolvable handler to FAILED so it
// does not sit PENDING forever.
func (s *Service) failUnrunnable(ctx context.Context, t task.Task) {
	now := s.now()
	failed, err := s.reg.Transition(ctx, t.ID, task.StatusFailed, func(tk *task.Task) {
		tk.Error = task.ErrNoHandler.Error()
		tk.FinishedAt = now
	})
	if err != nil {
		if !isLostRace(err) {
			s.log.Warn("cannot fail task without handler", logx.String("id", t.ID), logx.Err(err))
		}
		return
	}
	s.failed.Add(1)
	s.log.Warn("task has no handler", logx.String("id", t.ID), logx.String("name", t.Name), logx.String("handler", t.HandlerName))
	s.record(HistoryItem{ID: t.ID, Name: t.Name, Status: task.StatusFailed, Started: now, Error: failed.Error})
	s.publish(EventFailed, failed, 0)
}
