package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agentsched/internal/config"
	"agentsched/internal/eventbus"
	"agentsched/internal/manager"
	"agentsched/internal/registry"
	"agentsched/internal/runtime/supervisor"
	"agentsched/internal/scheduler"
	logx "agentsched/pkg/logx"
)

// App wires config, logging, the task registry and the scheduler manager
// into one process lifecycle.
type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	mgr  *manager.Manager
}

func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.LogConfig())
	log = log.With(logx.String("comp", "app"))

	schedCfg, err := cfg.SchedulerOptions()
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	regCfg, err := cfg.RegistryOptions()
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	b, err := registry.Open(ctx, regCfg, log.With(logx.String("comp", "registry")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open registry: %w", err)
	}
	reg := registry.New(b, log.With(logx.String("comp", "registry")))
	log.Info("registry opened", logx.String("backend", reg.Backend()))

	bus := eventbus.New()
	mgr := manager.New(schedCfg, reg, log.With(logx.String("comp", "manager")), bus)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		mgr:     mgr,
	}, nil
}

// Logger returns the root logger (no component field).
func (a *App) Logger() logx.Logger { return a.logs.Logger() }

// Manager is the task API for embedding callers and built-in handlers.
func (a *App) Manager() *manager.Manager { return a.mgr }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.mgr.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize scheduler: %w", err)
	}
	if err := a.mgr.StartScheduler(a.sup.Context()); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// applyConfig pushes a reloaded config into the live services. Registry
// changes need a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(next.LogConfig())
		case "scheduler":
			sc, err := next.SchedulerOptions()
			if err != nil {
				a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
				continue
			}
			a.mgr.Apply(ctx, sc)
		case "registry":
			a.log.Warn("registry config changed; restart required for changes to take effect")
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts the app down within ctx. Running handlers get a short grace
// period before they are cancelled.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.mgr.StopScheduler(c); return nil })
	step("handlers", 5*time.Second, func(c context.Context) error { return a.mgr.Scheduler().Drain(c) })
	step("manager", 2*time.Second, func(c context.Context) error { return a.mgr.Close(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	snap := a.mgr.Snapshot()
	a.log.Info("stopped",
		logx.Uint64("admitted", snap.Admitted),
		logx.Uint64("completed", snap.Completed),
		logx.Uint64("failed", snap.Failed),
	)
	return a.logs.Close()
}

// Handlers registers named handlers on the manager.
func (a *App) Handlers(hs map[string]scheduler.Handler) {
	for name, h := range hs {
		a.mgr.RegisterHandler(name, h)
	}
}
