package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"agentsched/internal/eventbus"
	"agentsched/internal/registry"
	rtsup "agentsched/internal/runtime/supervisor"
	"agentsched/internal/task"
	logx "agentsched/pkg/logx"
)

const loopName = "scheduler.loop"

// Service is the scheduler core: a polling loop that admits due PENDING
// tasks up to the concurrency cap and runs their handlers.
//
// It is the only writer of status transitions. Handlers run in their own
// goroutines; Stop halts admissions without cancelling them.
type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location
	log logx.Logger
	bus eventbus.Bus
	reg *registry.Registry
	now func() time.Time

	initialized bool
	closed      bool

	limiter  *rate.Limiter
	tickWarn *rate.Sometimes

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
	wakeCh   chan struct{}

	// loopRestart configures the loop's GoRestart; the counters carry
	// restarts and panics of retired loop supervisors.
	loopRestart  []rtsup.RestartOption
	loopRestarts uint64
	loopPanics   uint64

	// Handlers outlive Stop; baseCtx is only cancelled by Close.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	inFlight   atomic.Int32

	// tickMu serializes scheduling passes (loop and manual Tick).
	tickMu sync.Mutex

	hmu      sync.RWMutex
	bound    map[string]Handler // by task id
	named    map[string]Handler // by HandlerName
	fallback Handler

	ticks     atomic.Uint64
	admitted  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64

	smu           sync.Mutex
	tickErrs      int
	lastTickAt    time.Time
	lastTickError string

	histMu  sync.Mutex
	history []HistoryItem
}

func New(cfg Config, reg *registry.Registry, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:        cfg,
		log:        log,
		bus:        bus,
		reg:        reg,
		now:        time.Now,
		tickWarn:   &rate.Sometimes{Interval: 30 * time.Second},
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		bound:      map[string]Handler{},
		named:      map[string]Handler{},
	}
	s.loopRestart = []rtsup.RestartOption{
		rtsup.WithPublishFirstError(true),
		rtsup.WithMaxRestarts(20),
	}
	s.loc = loadLocation(cfg.Timezone, log)
	s.limiter = newLimiter(cfg.AdmissionRate, cfg.MaxConcurrent)
	return s
}

func newLimiter(perSec float64, burst int) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Location is the timezone used to resolve cron schedules.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Initialize checks the registry connection. It is idempotent and must run
// before Start.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.reg.Ping(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	s.log.Debug("scheduler initialized", logx.String("registry", s.reg.Backend()))
	return nil
}

// Start begins the polling loop. It is a no-op when already running, when
// the scheduler is disabled, or when auto scheduling is off.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		s.log.Debug("scheduler disabled; start ignored")
		return nil
	}
	if !cfg.AutoScheduling {
		s.mu.Unlock()
		s.log.Debug("auto scheduling off; start ignored")
		return nil
	}

	if s.stopCh != nil && s.stopDone == nil && !s.sup.Alive(loopName) {
		// The loop gave up after its restart budget; retire it.
		s.retireLocked()
	}
	if s.stopCh != nil {
		// If stopping, wait for it to finish before restarting.
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return nil
		}
	}

	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.wakeCh = make(chan struct{}, 1)
	stopCh := s.stopCh
	wakeCh := s.wakeCh

	// The loop must not die with the caller's request context.
	s.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler.supervisor"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart(loopName, func(c context.Context) error {
		s.loop(c, stopCh, wakeCh)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("loop exited unexpectedly")
	}, s.loopRestart...)

	s.log.Info("scheduler started",
		logx.Duration("interval", cfg.Interval),
		logx.Int("max_concurrent", cfg.MaxConcurrent),
		logx.String("registry", s.reg.Backend()),
	)
	return nil
}

// retireLocked drops a loop supervisor whose loop is no longer hosted,
// keeping its restart counters for Snapshot. s.mu must be held.
func (s *Service) retireLocked() {
	old := s.sup
	if old != nil {
		old.Cancel()
		s.foldLoopStats(old)
	}
	close(s.stopCh)
	s.stopCh = nil
	s.wakeCh = nil
	s.sup = nil
	s.log.Warn("scheduler loop had exited; starting a new one")
}

// foldLoopStats adds the loop counters of a finished supervisor. s.mu must
// be held.
func (s *Service) foldLoopStats(sup *rtsup.Supervisor) {
	r, p := loopStats(sup)
	s.loopRestarts += r
	s.loopPanics += p
}

func loopStats(sup *rtsup.Supervisor) (restarts, panics uint64) {
	for _, g := range sup.Snapshot().Goroutines {
		if g.Name == loopName {
			return g.Restarts, g.Panics
		}
	}
	return 0, 0
}

// Stop halts the polling loop. In-flight handlers keep running; use Drain to
// wait for them.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		if sup != nil {
			s.foldLoopStats(sup)
		}
		s.stopCh = nil
		s.stopDone = nil
		s.wakeCh = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped", logx.Int("in_flight", int(s.inFlight.Load())))
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

// Running reports whether the polling loop is alive. A loop that exhausted
// its restarts reports false.
func (s *Service) Running() bool {
	s.mu.Lock()
	sup := s.sup
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()
	return running && sup != nil && sup.Alive(loopName)
}

// Wake requests an immediate scheduling pass (no-op when the loop is off).
func (s *Service) Wake() {
	s.mu.Lock()
	ch := s.wakeCh
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Drain waits until no handler is in flight or ctx is done.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset stops the loop, forgets bound handlers and clears the registry.
// Handlers still running finish against a missing record and are dropped.
func (s *Service) Reset(ctx context.Context) error {
	s.Stop(ctx)

	s.hmu.Lock()
	s.bound = map[string]Handler{}
	s.hmu.Unlock()

	s.histMu.Lock()
	s.history = nil
	s.histMu.Unlock()

	s.smu.Lock()
	s.tickErrs = 0
	s.lastTickError = ""
	s.smu.Unlock()

	if err := s.reg.Reset(ctx); err != nil {
		return err
	}
	s.log.Info("scheduler reset")
	return nil
}

// Close stops the loop, cancels running handlers and waits for them.
func (s *Service) Close(ctx context.Context) error {
	s.Stop(ctx)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.baseCancel()
	return s.Drain(ctx)
}

// Apply swaps the configuration. The loop picks up interval and capacity
// changes on its next tick; toggling Enabled/AutoScheduling starts or stops
// it.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if prev.Timezone != cfg.Timezone {
		s.loc = loadLocation(cfg.Timezone, s.log)
	}
	if prev.AdmissionRate != cfg.AdmissionRate || prev.MaxConcurrent != cfg.MaxConcurrent {
		s.limiter = newLimiter(cfg.AdmissionRate, cfg.MaxConcurrent)
	}
	wasRunning := s.stopCh != nil && s.stopDone == nil && s.sup.Alive(loopName)
	s.mu.Unlock()

	want := cfg.Enabled && cfg.AutoScheduling
	switch {
	case wasRunning && !want:
		s.Stop(ctx)
	case !wasRunning && want:
		if err := s.Start(ctx); err != nil && !errors.Is(err, ErrNotInitialized) {
			s.log.Warn("scheduler restart after apply failed", logx.Err(err))
		}
	case wasRunning:
		s.Wake()
	}
}

// RegisterHandler binds h to every task whose HandlerName is name.
func (s *Service) RegisterHandler(name string, h Handler) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	s.hmu.Lock()
	if h == nil {
		delete(s.named, name)
	} else {
		s.named[name] = h
	}
	s.hmu.Unlock()
}

// SetDefaultHandler sets the handler used when nothing else resolves.
func (s *Service) SetDefaultHandler(h Handler) {
	s.hmu.Lock()
	s.fallback = h
	s.hmu.Unlock()
}

// Bind attaches h to a single task id. It is dropped once the task finishes.
func (s *Service) Bind(id string, h Handler) {
	if id == "" || h == nil {
		return
	}
	s.hmu.Lock()
	s.bound[id] = h
	s.hmu.Unlock()
}

// Unbind forgets the per-task handler of id.
func (s *Service) Unbind(id string) {
	s.hmu.Lock()
	delete(s.bound, id)
	s.hmu.Unlock()
}

func (s *Service) resolve(t task.Task) Handler {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	if h := s.bound[t.ID]; h != nil {
		return h
	}
	if t.HandlerName != "" {
		if h := s.named[t.HandlerName]; h != nil {
			return h
		}
	}
	return s.fallback
}

func (s *Service) publish(typ string, t task.Task, dur time.Duration) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: TaskEvent{
		ID:       t.ID,
		Name:     t.Name,
		Status:   t.Status,
		Priority: t.Priority,
		AgentID:  t.AgentID(),
		Duration: dur,
		Error:    t.Error,
	}})
}

// Snapshot returns diagnostics and the bounded execution history.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	initialized := s.initialized
	tz := cfg.Timezone
	if tz == "" && s.loc != nil {
		tz = s.loc.String()
	}
	restarts, panics := s.loopRestarts, s.loopPanics
	if s.sup != nil {
		r, p := loopStats(s.sup)
		restarts += r
		panics += p
	}
	s.mu.Unlock()

	s.hmu.RLock()
	named, bound := len(s.named), len(s.bound)
	s.hmu.RUnlock()

	s.smu.Lock()
	tickErrs, lastAt, lastErr := s.tickErrs, s.lastTickAt, s.lastTickError
	s.smu.Unlock()

	s.histMu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.histMu.Unlock()

	return Snapshot{
		Enabled:               cfg.Enabled,
		AutoScheduling:        cfg.AutoScheduling,
		Initialized:           initialized,
		Running:               s.Running(),
		Interval:              cfg.Interval,
		MaxConcurrent:         cfg.MaxConcurrent,
		InFlight:              int(s.inFlight.Load()),
		DefaultTimeout:        cfg.DefaultTimeout,
		AdmissionRate:         cfg.AdmissionRate,
		Timezone:              tz,
		Ticks:                 s.ticks.Load(),
		Admitted:              s.admitted.Load(),
		Completed:             s.completed.Load(),
		Failed:                s.failed.Load(),
		ConsecutiveTickErrors: tickErrs,
		LastTickAt:            lastAt,
		LastTickError:         lastErr,
		LoopRestarts:          restarts,
		LoopPanics:            panics,
		NamedHandlers:         named,
		BoundHandlers:         bound,
		History:               h,
	}
}

func (s *Service) record(item HistoryItem) {
	size := s.config().HistorySize
	s.histMu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.histMu.Unlock()
}
