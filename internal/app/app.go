package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskrelay/internal/config"
	"taskrelay/internal/consumer"
	"taskrelay/internal/eventbus"
	"taskrelay/internal/facility"
	"taskrelay/internal/inbox"
	relay "taskrelay/internal/relay/telegram"
	"taskrelay/internal/runtime/supervisor"
	"taskrelay/internal/storage"
	"taskrelay/internal/task/engine"
	"taskrelay/internal/task/manager"
	"taskrelay/internal/task/scheduler"
	logx "taskrelay/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine  *engine.Service
	sched   *scheduler.Service
	host    *facility.Host
	hostRef *consumer.HostRef
	mgr     *manager.Manager
	loader  *Loader
	inbox   *inbox.Inbox
	relay   *relay.Relay

	restoreOnStart bool
}

type Option func(*App)

// WithRestoreOnStart makes Start trigger a cold start for every app with a
// persisted snapshot.
func WithRestoreOnStart(enabled bool) Option {
	return func(a *App) { a.restoreOnStart = enabled }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	inCfg, err := mapInboxConfig(cfg)
	if err != nil {
		return nil, err
	}
	coldTimeout, err := coldStartTimeout(cfg)
	if err != nil {
		return nil, err
	}

	// The relay logs through a console logger: it is also the remote log
	// sink and must not feed its own errors back into itself.
	var (
		rl     *relay.Relay
		sender logx.Sender
	)
	if rc := mapRelayConfig(cfg); rc.Enabled {
		bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "relay"))
		rl, err = relay.New(rc, bootLog)
		if err != nil {
			return nil, fmt.Errorf("relay.telegram: %w", err)
		}
		sender = rl
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), sender)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	store, err := OpenStore(cfg, log)
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	} else {
		log.Warn("storage disabled; tasks will not survive a restart")
	}

	engineSvc := engine.New(engCfg, log, bus)
	schedSvc := scheduler.New(mapSchedulerConfig(cfg), engineSvc, log)

	mgr := manager.New(store, bus, nil, log)
	host := facility.New(mapFacilityConfig(cfg), schedSvc, dispatcher{eng: engineSvc, mgr: mgr}, log)
	hostRef := consumer.NewHostRef(host)
	loader := NewLoader(mgr, consumer.NewFactory(hostRef), coldTimeout, log)
	mgr.SetColdStarter(loader)

	var in *inbox.Inbox
	if inCfg.Enabled {
		in = inbox.New(inCfg, envelopeHandler{mgr: mgr, host: host}, engineSvc, log)
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		engine:  engineSvc,
		sched:   schedSvc,
		host:    host,
		hostRef: hostRef,
		mgr:     mgr,
		loader:  loader,
		inbox:   in,
		relay:   rl,

		restoreOnStart: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

func (a *App) Manager() *manager.Manager  { return a.mgr }
func (a *App) Bus() eventbus.Bus          { return a.bus }
func (a *App) Host() *facility.Host       { return a.host }
func (a *App) HostRef() *consumer.HostRef { return a.hostRef }
func (a *App) Loader() *Loader            { return a.loader }
func (a *App) Engine() *engine.Service    { return a.engine }

// Inbox is nil when the inbox is disabled.
func (a *App) Inbox() *inbox.Inbox { return a.inbox }

// Deliverer is the in-process delivery path facilities use.
func (a *App) Deliverer() facility.Deliverer { return dispatcher{eng: a.engine, mgr: a.mgr} }

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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.loader.attach(a.sup)
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	// Engine first: the scheduler, the facilities and the inbox all feed it.
	a.engine.Start(a.sup.Context())
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}

	if a.relay != nil {
		a.sup.Go("relay.telegram", func(c context.Context) error {
			return a.relay.Run(c, a.bus)
		})
	}
	if a.inbox != nil {
		a.sup.Go("inbox", a.inbox.Run)
	}

	events, unsub := a.bus.Subscribe(128)
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
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
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
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

	if a.restoreOnStart {
		n, err := a.loader.RestoreAll(a.sup.Context())
		if err != nil {
			a.log.Warn("restore on start failed", logx.Err(err))
		} else if n > 0 {
			a.log.Info("restoring persisted apps", logx.Int("apps", n))
		}
	}

	a.log.Info("app started",
		logx.Bool("inbox", a.inbox != nil),
		logx.Bool("relay", a.relay != nil),
		logx.Bool("fetch", a.sched.Enabled()),
	)
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(next))
	a.host.Apply(mapFacilityConfig(next))

	if d, err := coldStartTimeout(next); err != nil {
		a.log.Warn("invalid app.cold_start_timeout; keeping previous", logx.Err(err))
	} else {
		a.loader.setTimeout(d)
	}

	if ec, err := mapEngineConfig(next); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, ec)
	}

	prevSched := a.sched.Enabled()
	a.sched.Apply(mapSchedulerConfig(next))
	if prevSched != a.sched.Enabled() {
		a.log.Info("fetch scheduler toggled via config", logx.Bool("enabled", a.sched.Enabled()))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Registered tasks are not unregistered here: their snapshot must stay
	// intact for the next cold start. Releasing the host detaches consumers.
	a.step(ctx, "host", 0, func(context.Context) error { a.hostRef.Release(); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "engine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. fn must honor its context.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if limit > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, max(time.Until(dl), 0))
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
