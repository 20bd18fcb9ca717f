// Package app wires every service of funnelbot and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"

	"funnelbot/internal/api"
	"funnelbot/internal/audience"
	"funnelbot/internal/bot"
	"funnelbot/internal/broadcast"
	"funnelbot/internal/campaign"
	"funnelbot/internal/config"
	"funnelbot/internal/delivery"
	"funnelbot/internal/eventbus"
	"funnelbot/internal/runtime/supervisor"
	"funnelbot/internal/storage"
	"funnelbot/internal/task/engine"
	"funnelbot/internal/task/scheduler"
	kit "funnelbot/internal/transport"
	telegram "funnelbot/internal/transport/telegram/adapter"
	"funnelbot/internal/transport/telegram/router"
	"funnelbot/pkg/logx"
	"funnelbot/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	clock clockwork.Clock
	store storage.Store

	adapter kit.Adapter
	router  *router.Router

	engine  *engine.Service
	sched   *scheduler.Service
	bc      *broadcast.Executor
	holder  *campaign.Holder
	anchors *campaign.AnchorSource
	builder *campaign.Builder
	bot     *bot.Bot
	api     *api.Server // nil when api.enabled is false

	updates chan kit.Update
}

type options struct {
	adapter kit.Adapter
	store   storage.Store
	clock   clockwork.Clock
}

type Option func(*options)

// WithAdapter replaces the Telegram adapter.
func WithAdapter(a kit.Adapter) Option { return func(o *options) { o.adapter = a } }

// WithStore replaces the configured storage.
func WithStore(s storage.Store) Option { return func(o *options) { o.store = s } }

func WithClock(c clockwork.Clock) Option { return func(o *options) { o.clock = c } }

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The Telegram sink is enabled once the adapter can deliver.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, root := logx.New(bootCfg)
	log := root.With(logx.String("comp", "app"))

	ad := o.adapter
	if ad == nil {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ta, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout},
			root.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		ad = ta
	}
	logSvc.SetSender(func(ctx context.Context, chatID int64, text string) error {
		_, err := ad.SendText(ctx, chatID, text, nil)
		return err
	})
	logSvc.Apply(logCfg)

	settings, err := campaign.SettingsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if settings.BotUsername == "" {
		if u, ok := ad.(interface{ Username() string }); ok {
			settings.BotUsername = u.Username()
		}
	}

	store := o.store
	if store == nil {
		sc, err := mapStorageConfig(cfg)
		if err != nil {
			return nil, err
		}
		if store, err = storage.Open(sc, root); err != nil {
			return nil, err
		}
		log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	bus := eventbus.New()

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	bcCfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}

	engineSvc := engine.New(engCfg, root.With(logx.String("comp", "taskengine")), bus, engine.WithClock(o.clock))
	schedSvc := scheduler.New(schedCfg, engineSvc, root.With(logx.String("comp", "scheduler")), bus, scheduler.WithClock(o.clock))

	holder := campaign.NewHolder(settings)
	anchors := campaign.NewAnchorSource(store, holder)
	unit := delivery.New(ad, "")
	sel := audience.NewSelector(store)
	bc := broadcast.New(bcCfg, unit, store, root.With(logx.String("comp", "broadcast")), bus, broadcast.WithClock(o.clock))

	actions := campaign.NewActions(campaign.ActionsDeps{
		Holder: holder, Anchors: anchors, Selector: sel, Broadcaster: bc,
		Unit: unit, Store: store, Logger: root.With(logx.String("comp", "actions")), Clock: o.clock,
	})
	actions.Bind(schedSvc)
	builder := campaign.NewBuilder(schedSvc, holder, anchors, root.With(logx.String("comp", "campaign")), bus,
		campaign.WithBuilderClock(o.clock))

	b := bot.New(bot.Deps{
		Store: store, Holder: holder, Anchors: anchors, Planner: builder, Jobs: schedSvc,
		Selector: sel, Broadcaster: bc, Unit: unit, Vars: actions, Bus: bus,
		Logger: root, Clock: o.clock,
	})

	rt := router.New(root.With(logx.String("comp", "router")), ad,
		func(id int64, username string) bool { return holder.Load().IsAdmin(id, username) })
	rt.SetRegistry(b.Registry())

	var apiSrv *api.Server
	if cfg.API.Enabled {
		ac, err := mapAPIConfig(cfg)
		if err != nil {
			return nil, err
		}
		apiSrv = api.New(ac, api.Deps{
			Store: store, Holder: holder, Anchors: anchors, Unit: unit, Bus: bus,
			Logger: root, Clock: o.clock,
		})
	}

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		clock:   o.clock,
		store:   store,
		adapter: ad,
		router:  rt,
		engine:  engineSvc,
		sched:   schedSvc,
		bc:      bc,
		holder:  holder,
		anchors: anchors,
		builder: builder,
		bot:     b,
		api:     apiSrv,
		updates: make(chan kit.Update, 256),
	}, nil
}

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

// API returns the mini-app server, or nil when it is disabled.
func (a *App) API() *api.Server { return a.api }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := campaign.SettingsFromConfig(cfg)
		return err
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.engine.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())
	a.rebuild(a.sup.Context(), "startup")

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("router.menu", func(c context.Context) {
		if err := a.router.UpdateMenu(c); err != nil {
			a.log.Warn("command menu not updated", logx.Err(err))
		}
	})

	if a.api != nil {
		if err := a.api.Start(a.sup.Context()); err != nil {
			return err
		}
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
				// Debug only: job events fire for every recipient batch.
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

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second), supervisor.WithStopOnCleanExit(true))

	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) { systemd.Watchdog(c, iv) })
	}
	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started")
	return nil
}

// rebuild registers the production schedule for the current anchor. A
// missing or invalid anchor leaves the schedule as it was; an admin can
// still set one with /set_event.
func (a *App) rebuild(ctx context.Context, why string) {
	plan, err := a.builder.Rebuild(ctx)
	if err != nil {
		var cfgErr *campaign.ScheduleConfigError
		if errors.As(err, &cfgErr) {
			a.log.Warn("campaign schedule not built", logx.String("why", why), logx.Err(err))
			return
		}
		a.log.Error("campaign schedule failed", logx.String("why", why), logx.Err(err))
		return
	}
	a.log.Info("campaign scheduled",
		logx.String("why", why),
		logx.Time("anchor", plan.Anchor),
		logx.Int("registered", len(plan.Registered)),
		logx.Int("skipped", len(plan.Skipped)),
	)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			if max > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			if took := time.Since(start); took >= 500*time.Millisecond {
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
		}
	}

	step("api", 3*time.Second, func(c context.Context) error {
		if a.api != nil {
			return a.api.Stop(c)
		}
		return nil
	})
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("scheduler", 2*time.Second, func(c context.Context) error { return a.sched.Stop(c) })
	step("taskengine", 5*time.Second, func(c context.Context) error { return a.engine.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
