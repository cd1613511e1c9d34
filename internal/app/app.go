package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"google.golang.org/api/option"

	"sheetbot/internal/cache"
	"sheetbot/internal/config"
	"sheetbot/internal/eventbus"
	"sheetbot/internal/notifier"
	"sheetbot/internal/observability/debughttp"
	"sheetbot/internal/ratelimit"
	"sheetbot/internal/reconcile"
	"sheetbot/internal/remote"
	"sheetbot/internal/remote/memory"
	"sheetbot/internal/remote/sheets"
	rtsup "sheetbot/internal/runtime/supervisor"
	"sheetbot/internal/storage"
	"sheetbot/internal/task/engine"
	"sheetbot/internal/task/scheduler"
	kit "sheetbot/internal/transport"
	telegram "sheetbot/internal/transport/telegram/adapter"
	"sheetbot/internal/transport/telegram/router"
	logx "sheetbot/pkg/logx"
)

const (
	syncJobName    = "sync"
	journalJobName = "sync.journal"
)

// Deps are the outer edges of the app. NewApp builds the real ones from
// config; tests pass fakes.
type Deps struct {
	Adapter kit.Adapter
	Backend remote.Backend
	// Store replaces the configured storage when set.
	Store storage.Store
}

type App struct {
	cfgm *config.ConfigManager
	rc   runtimeConfig
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store
	jrnl  *journal

	adapter kit.Adapter
	cache   *cache.Cache
	remote  *remote.Client
	rec     *reconcile.Reconciler

	engine *engine.Service
	sched  *scheduler.Service
	notif  *notifier.Service
	fwd    *notifier.Forwarder
	cmdm   *router.CommandManager
	debug  *debughttp.Server

	updates chan kit.Update
}

func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rc, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: rc.Poll}, bootLog)
	if err != nil {
		return nil, err
	}
	be, err := NewBackend(ctx, cfg.Remote)
	if err != nil {
		return nil, err
	}
	return Build(cfgm, Deps{Adapter: ad, Backend: be})
}

// NewBackend opens the configured remote store.
func NewBackend(ctx context.Context, rc config.RemoteConfig) (remote.Backend, error) {
	switch strings.ToLower(strings.TrimSpace(rc.Driver)) {
	case "memory":
		return memory.New(), nil
	case "", "sheets":
		s := rc.Sheets
		var opts []option.ClientOption
		if ep := strings.TrimSpace(s.Endpoint); ep != "" {
			opts = append(opts, option.WithEndpoint(ep))
		}
		return sheets.New(ctx, sheets.Config{
			CredentialsFile: s.CredentialsFile,
			SpreadsheetID:   s.SpreadsheetID,
			Sheet:           s.Sheet,
			KeyColumn:       s.KeyColumn,
			VersionColumn:   s.VersionColumn,
			UpdatedColumn:   s.UpdatedColumn,
		}, opts...)
	default:
		return nil, fmt.Errorf("unknown remote.driver: %s", rc.Driver)
	}
}

// Build wires the app from the manager's committed config and deps.
func Build(cfgm *config.ConfigManager, deps Deps) (*App, error) {
	cfg := cfgm.Get()
	if cfg == nil {
		return nil, errors.New("app: config not loaded")
	}
	if deps.Backend == nil {
		return nil, errors.New("app: remote backend is nil")
	}
	rc, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	var sender logx.Sender
	if deps.Adapter != nil {
		sender = deps.Adapter
	}
	logSvc, log := logx.New(rc.Logging, sender)
	appLog := log.With(logx.String("comp", "app"))

	store := deps.Store
	if store == nil {
		st, err := storage.Open(rc.Storage, log)
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		if st != nil {
			appLog.Info("storage enabled", logx.String("driver", rc.Storage.Driver))
		}
	}

	lim, err := ratelimit.New(rc.Limiter)
	if err != nil {
		_ = logSvc.Close()
		return nil, &config.ConfigError{Field: "remote.rate_limit", Reason: "invalid", Err: err}
	}

	bus := eventbus.New()
	c := cache.New(cache.Options{SearchFields: rc.Search, Publisher: bus})

	ropts := rc.Remote
	ropts.Logger = log.With(logx.String("comp", "remote"))
	client := remote.NewClient(deps.Backend, lim, ropts)

	jr := newJournal(store, log.With(logx.String("comp", "journal")))
	recOpts := []reconcile.Option{reconcile.WithLogger(log.With(logx.String("comp", "reconcile")))}
	if jr != nil {
		recOpts = append(recOpts, reconcile.WithJournal(jr))
	}
	rec := reconcile.New(rc.Sync, c, client, bus, recOpts...)

	eng := engine.New(rc.Engine, log.With(logx.String("comp", "taskengine")), bus)
	sched := scheduler.New(rc.Scheduler, eng, log.With(logx.String("comp", "scheduler")), bus)
	notif := notifier.New(rc.Notifier, deps.Adapter, log.With(logx.String("comp", "notifier")), bus, store)
	fwd := notifier.NewForwarder(rc.Route, bus, notif, log.With(logx.String("comp", "notify.forward")))
	cmdm := router.NewCommandManager(log.With(logx.String("comp", "commands")), deps.Adapter, cfg.Telegram.OwnerUserIDs, router.Options{})

	a := &App{
		cfgm:    cfgm,
		rc:      rc,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		jrnl:    jr,
		adapter: deps.Adapter,
		cache:   c,
		remote:  client,
		rec:     rec,
		engine:  eng,
		sched:   sched,
		notif:   notif,
		fwd:     fwd,
		cmdm:    cmdm,
		updates: make(chan kit.Update, 256),
	}
	a.debug = debughttp.New(rc.Debug, appReporter{a}, log.With(logx.String("comp", "debughttp")))
	return a, nil
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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
	}
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}

	if n, err := restoreJournal(ctx, a.jrnl, a.cache); err != nil {
		a.log.Warn("pending journal restore failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("pending journal restored", logx.Int("writes", n))
	}

	if err := a.registerJobs(); err != nil {
		return err
	}
	a.cmdm.SetCommands(a.sup.Context(), a.commands())
	a.sup.Go("notify.forward", a.fwd.Run)
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	// The first refresh does not wait for the schedule.
	if err := a.sched.RunNow(syncJobName); err != nil && !errors.Is(err, engine.ErrOverlapSkip) {
		a.log.Warn("initial sync not queued", logx.Err(err))
	}

	sub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer sub.Close()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-sub.C:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.debug.Enabled() {
		if err := a.debug.Start(a.sup.Context()); err != nil {
			a.log.Warn("debug server not started", logx.Err(err))
		}
	}

	a.startConfigReload()
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("schedule", a.rc.Schedule),
		logx.Int("records", a.cache.Len()),
	)
	return nil
}

func (a *App) registerJobs() error {
	// A failed cycle is not retried by the engine; the next tick is the retry.
	opt := scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning, RetryMax: -1}
	if _, err := a.sched.AddScheduleOpt(syncJobName, a.rc.Schedule, 0, opt, a.syncJob); err != nil {
		return &config.ConfigError{Field: "sync.schedule", Reason: "invalid schedule", Err: err}
	}
	if a.jrnl != nil && a.rc.Journal > 0 {
		if _, err := a.sched.AddIntervalOpt(journalJobName, a.rc.Journal, 5*time.Second, opt, func(ctx context.Context) error {
			return saveJournal(ctx, a.jrnl, a.cache)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) syncJob(ctx context.Context) error {
	_, err := a.rec.RunCycle(ctx)
	if errors.Is(err, reconcile.ErrCycleRunning) {
		return nil
	}
	return err
}

func (a *App) startConfigReload() {
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
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

// applyConfig hot-applies logging, owners and the scheduler timezone.
// Everything else needs a restart and is only reported.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if lc, err := mapLoggingConfig(newCfg); err != nil {
		a.log.Warn("invalid logging config; keeping previous", logx.Err(err))
	} else {
		a.logs.Apply(lc)
	}
	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)
	if slices.Contains(sections, "scheduler.timezone") {
		a.sched.Apply(scheduler.Config{Timezone: newCfg.Scheduler.Timezone})
	}

	if cold := config.ColdSections(sections); len(cold) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", cold))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it does not, report when it finally returns.
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

	// Scheduler stop also drains and stops the task engine.
	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("journal", 2*time.Second, func(c context.Context) error { return saveJournal(c, a.jrnl, a.cache) })
	step("debug", 2*time.Second, a.debug.Stop)
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error {
		if a.adapter == nil {
			return nil
		}
		return a.adapter.Stop(c)
	})
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// SyncOnce restores the journal, runs one reconciliation cycle and saves
// the journal again. No chat transport or scheduler is started.
func (a *App) SyncOnce(ctx context.Context) (reconcile.CycleReport, error) {
	defer func() {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = a.logs.Close()
	}()
	if n, err := restoreJournal(ctx, a.jrnl, a.cache); err != nil {
		return reconcile.CycleReport{}, fmt.Errorf("restore journal: %w", err)
	} else if n > 0 {
		a.log.Info("pending journal restored", logx.Int("writes", n))
	}
	rep, err := a.rec.RunCycle(ctx)
	if serr := saveJournal(context.WithoutCancel(ctx), a.jrnl, a.cache); serr != nil {
		a.log.Warn("pending journal save failed", logx.Err(serr))
	}
	return rep, err
}
