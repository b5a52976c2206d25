package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"spider/internal/config"
	"spider/internal/engine"
	"spider/internal/eventbus"
	"spider/internal/runtime/supervisor"
	logx "spider/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	engine *engine.Service
	seeds  *seeder
}

// New loads cfgPath and builds the scheduler with its pipes and plans.
// Nothing is admitted until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO").With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	bus := eventbus.New()
	eng, err := engine.New(context.Background(), engCfg, root, bus)
	if err != nil {
		return nil, err
	}
	if err := registerPipes(eng, cfg, root.With(logx.String("comp", "pipes"))); err != nil {
		_ = eng.End()
		return nil, err
	}
	if err := registerPlans(eng, cfg, root.With(logx.String("comp", "plans"))); err != nil {
		_ = eng.End()
		return nil, err
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		engine:  eng,
		seeds:   newSeeder(eng, cfg.Seeds, root.With(logx.String("comp", "seeds"))),
	}, nil
}

func (a *App) Engine() *engine.Service { return a.engine }

// Done is closed once the scheduler has ended.
func (a *App) Done() <-chan struct{} { return a.engine.Done() }

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if err := a.seeds.start(); err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	sdNotify(a.log, daemon.SdNotifyReady)
	snap := a.engine.Snapshot()
	a.log.Info("app started", logx.String("config", a.cfgPath), logx.Strings("plans", snap.Plans), logx.Strings("pipes", snap.Pipes), logx.Int("queued", snap.Queued))
	return nil
}

// Run starts the app and blocks until the scheduler ends on its own, ctx
// is cancelled or a supervised goroutine fails. It then stops with grace
// as the upper bound for draining in-flight tasks.
func (a *App) Run(ctx context.Context, grace time.Duration) error {
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		_ = a.Stop(stopCtx, StopFatalError)
		return err
	}

	var reason StopReason
	select {
	case <-a.engine.Done():
		reason = StopDrained
	case <-ctx.Done():
		reason = StopSignal
	case <-a.sup.Context().Done():
		reason = StopSignal
		if ctx.Err() == nil {
			reason = StopFatalError
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	stopErr := a.Stop(stopCtx, reason)
	if reason == StopFatalError {
		if err := a.sup.Err(); err != nil {
			return err
		}
	}
	return stopErr
}

// Stop ends the scheduler, waits for in-flight tasks bounded by ctx, then
// unwinds the background loops.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	a.seeds.stop(ctx)

	if err := a.engine.End(); err != nil && !errors.Is(err, engine.ErrSchedulerEnded) {
		a.log.Warn("end scheduler", logx.Err(err))
	}
	waitErr := a.engine.Wait(ctx)
	if waitErr != nil {
		a.log.Warn("scheduler did not finish before deadline", logx.Err(waitErr))
	}

	if a.sup != nil {
		a.sup.Cancel()
		if err := a.sup.Wait(ctx); err != nil {
			a.log.Warn("supervisor wait", logx.Err(err))
		}
	}

	snap := a.engine.Snapshot()
	a.log.Info("stopped",
		logx.String("status", snap.Status.String()),
		logx.Uint64("admitted", snap.Admitted),
		logx.Uint64("completed", snap.Completed),
		logx.Uint64("retried", snap.Retried),
		logx.Uint64("failed", snap.Escalated),
		logx.Uint64("task_goroutines", snap.Goroutines.Started),
		logx.Int64("task_goroutines_active", snap.Goroutines.Active),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return waitErr
}

func (a *App) logEvent(e eventbus.Event) {
	switch e.Type {
	case engine.EventSchedulerEnded:
		a.log.Info("scheduler ended", logx.Time("time", e.Time))
	case engine.EventQueueEmpty:
		a.log.Info("queue drained", logx.Time("time", e.Time))
	default:
		// Keep per-task events at debug; a crawl emits several per url.
		a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
	}
}

// reloadLoop applies the live sections of each reloaded config and warns
// about the rest.
func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
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

			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}

			var restart []string
			for _, s := range sections {
				if !config.LiveSections[s] {
					restart = append(restart, s)
				}
			}
			for _, s := range sections {
				if s == "logging" {
					a.logs.Apply(mapLogConfig(newCfg))
					break
				}
			}
			if len(restart) > 0 {
				a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
			}

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}
