// Package app wires the rating bot together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ratingbot/internal/commands"
	"ratingbot/internal/config"
	"ratingbot/internal/eventbus"
	"ratingbot/internal/notifier"
	"ratingbot/internal/ops"
	"ratingbot/internal/poller"
	"ratingbot/internal/runtime/supervisor"
	"ratingbot/internal/source"
	"ratingbot/internal/statecache"
	"ratingbot/internal/storage"
	"ratingbot/internal/subscription"
	"ratingbot/internal/transport"
	"ratingbot/internal/transport/telegram"
	"ratingbot/pkg/logx"
	"ratingbot/pkg/systemd"
)

const dispatchWorkers = 4

type App struct {
	cfgm *config.Manager

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter transport.Adapter
	source  *source.Client
	cache   *statecache.Cache
	subs    *subscription.Registry
	notif   *notifier.Service
	poller  *poller.Service
	cmdm    *commands.Manager
	ops     *ops.Server

	sup     *supervisor.Supervisor
	started time.Time
	updates chan transport.Update
}

type Option func(*options)

type options struct {
	adapter    transport.Adapter
	httpClient *http.Client
}

// WithAdapter replaces the Telegram adapter, mainly for tests.
func WithAdapter(a transport.Adapter) Option { return func(o *options) { o.adapter = a } }

// WithHTTPClient sets the client used for the rating source.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// New loads the config at cfgPath and builds every component. Persisted
// subscriptions and cached ratings are loaded before it returns.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, root := logx.New(logConfig(cfg), nil)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	ad := o.adapter
	if ad == nil {
		tg, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: cfg.Telegram.PollTimeoutDuration(),
		}, root)
		if err != nil {
			_ = logs.Close()
			return nil, fmt.Errorf("telegram: %w", err)
		}
		ad = tg
	}
	logs.SetSender(ad)

	store, err := storage.Open(ctx, storageConfig(cfg), root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}

	cache := statecache.New(store, cfg.Cache.TTLDuration(),
		statecache.WithLogger(root.With(logx.String("comp", "statecache"))))
	if n, err := cache.Load(ctx); err != nil {
		// Every subject is then a first observation.
		log.Warn("state cache load failed; starting empty", logx.Err(err))
	} else {
		log.Info("state cache loaded", logx.Int("entries", n))
	}

	subs := subscription.New(store, cfg.Subscriptions.MaxPerChat, root.With(logx.String("comp", "subscriptions")))
	n, err := subs.Load(ctx)
	if err != nil {
		return fail(fmt.Errorf("load subscriptions: %w", err))
	}
	log.Info("subscriptions loaded", logx.Int("count", n))

	bus := eventbus.New()

	srcOpt := sourceOptions(cfg)
	srcOpt.HTTPClient = o.httpClient
	src := source.New(srcOpt, root)

	notif := notifier.New(notifierConfig(cfg), ad, root.With(logx.String("comp", "notifier")),
		notifier.WithClassifier(telegram.Classify),
		notifier.WithBus(bus),
	)

	pcfg, err := pollerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	pl, err := poller.New(pcfg, poller.Deps{
		Fetcher:  src,
		Cache:    cache,
		Registry: subs,
		Notifier: notif,
		Bus:      bus,
		Log:      root,
	})
	if err != nil {
		return fail(err)
	}

	cmdm := commands.New(commands.Deps{
		Sender:        ad,
		Registry:      subs,
		Cache:         cache,
		Listings:      src,
		Poller:        pl,
		DefaultPostal: cfg.Source.DefaultPostalCode,
		Log:           root,
	})

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		store:   store,
		adapter: ad,
		source:  src,
		cache:   cache,
		subs:    subs,
		notif:   notif,
		poller:  pl,
		cmdm:    cmdm,
		updates: make(chan transport.Update, 256),
	}
	if cfg.Ops.Enabled {
		a.ops = ops.New(ops.Config{Addr: cfg.Ops.Addr, Token: cfg.Ops.Token}, ops.Deps{
			Ping:   store.Ping,
			Status: func() any { return a.Status() },
		}, root)
	}
	return a, nil
}

// Done is closed when the app supervisor is cancelled by Stop or a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal loop error.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.started = time.Now()
	runCtx := a.sup.Context()

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	if mu, ok := a.adapter.(transport.CommandMenuUpdater); ok {
		a.sup.Go0("commands.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 15*time.Second)
			defer cancel()
			if err := mu.UpdateMenuCommands(mctx, a.cmdm.Menu()); err != nil {
				a.log.Warn("menu update failed", logx.Err(err))
			}
		})
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates, dispatchWorkers)
	})

	if err := a.poller.Start(runCtx); err != nil {
		return err
	}

	a.sup.Go0("cache.sweep", func(c context.Context) {
		every := a.cfgm.Get().Cache.SweepIntervalDuration()
		if every <= 0 {
			return
		}
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if n := a.cache.Sweep(c); n > 0 {
					a.log.Info("expired cache entries dropped", logx.Int("count", n))
				}
			}
		}
	})

	if a.ops != nil {
		a.sup.GoRestart("ops.http", a.ops.Run,
			supervisor.WithBackoff(time.Second, 30*time.Second), supervisor.WithMaxRestarts(5))
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
				a.log.Debug("event", logx.String("type", e.Type), logx.String("subject", e.Subject))
			}
		}
	})

	sub := a.cfgm.Subscribe(1)
	a.sup.Go0("config.reload", func(c context.Context) {
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, func() bool { return a.sup.Err() == nil }, a.log)
	})
	systemd.Ready()
	systemd.Status("polling " + a.poller.Schedule().String())

	a.log.Info("app started", logx.String("schedule", a.poller.Schedule().String()))
	return nil
}

// applyConfig pushes the hot-reloadable sections to their components.
// Everything else waits for a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	changed, restart := config.Diff(prev, next)
	if len(changed) == 0 {
		return
	}
	a.logs.Apply(logConfig(next))
	a.notif.Apply(notifierConfig(next))
	a.subs.SetMaxPerChat(next.Subscriptions.MaxPerChat)

	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	a.log.Info("config applied", logx.String("changed", strings.Join(changed, ",")))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	systemd.Stopping()

	// The poller goes first so a tick in progress can finish its notify and
	// persist while the adapter and store are still up.
	step(ctx, a.log, "poller", 8*time.Second, a.poller.Stop)
	a.sup.Cancel()
	step(ctx, a.log, "adapter", 3*time.Second, a.adapter.Stop)
	step(ctx, a.log, "supervisor", 3*time.Second, a.sup.Wait)
	step(ctx, a.log, "storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
