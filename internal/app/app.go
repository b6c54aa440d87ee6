// Package app wires the nudge daemon: config, logging, storage, the task
// engine, the dispatcher and everything that feeds it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nudge/internal/admission"
	"nudge/internal/alert"
	"nudge/internal/config"
	"nudge/internal/delivery"
	"nudge/internal/dispatch"
	"nudge/internal/eventbus"
	"nudge/internal/metrics"
	"nudge/internal/notifygen"
	"nudge/internal/observability/pprof"
	"nudge/internal/opsapi"
	rtsup "nudge/internal/runtime/supervisor"
	"nudge/internal/storage"
	"nudge/internal/task/engine"
	"nudge/internal/transport"
	"nudge/internal/userqueue"
	logx "nudge/pkg/logx"
)

type Options struct {
	ConfigPath string
	// EnvFile is a dotenv file read before NUDGE_* overrides.
	EnvFile string
}

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	metrics *metrics.Recorder
	engine  *engine.Service
	disp    *dispatch.Service
	queue   *userqueue.Queue
	adm     *admission.Controller
	gen     *notifygen.Generator
	exec    *delivery.Executor
	tr      transport.Transport
	alerts  *alert.Service
	ops     *opsapi.Server
	pprof   *pprof.Service
}

// New loads the config and builds every component without starting any of
// them. The admin CLI uses a built App directly.
func New(ctx context.Context, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(opts.ConfigPath)
	cfgm.SetEnvFile(opts.EnvFile)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logging.LogConfig(), nil)
	log = log.With(logx.String("site", cfg.Site))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, log: log.With(logx.String("comp", "app")), logs: logSvc, bus: eventbus.New()}
	if err := a.build(cfg, log); err != nil {
		_ = a.closeBuilt()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(sc, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	a.metrics = metrics.New(cfg.Queue.Category)

	var reporter alert.Reporter = alert.NewLog(log)
	if cfg.Alert.Telegram.Enabled {
		tg, err := alert.NewTelegram(alert.TelegramConfig{
			Token:    cfg.Alert.Telegram.Token,
			ChatID:   cfg.Alert.Telegram.ChatID,
			ThreadID: cfg.Alert.Telegram.ThreadID,
		})
		if err != nil {
			return fmt.Errorf("telegram alerts: %w", err)
		}
		a.alerts = alert.NewService(mapAlertConfig(cfg), tg, log)
		reporter = a.alerts
		a.logs.SetForwarder(a.alerts)
	}

	a.tr, err = openTransport(cfg, log)
	if err != nil {
		return err
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), a.bus)

	a.exec = delivery.New(a.store, a.tr, log,
		delivery.WithAlerts(reporter),
		delivery.WithMetrics(a.metrics),
		delivery.WithBus(a.bus),
		delivery.WithSite(cfg.Site),
	)

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	a.disp = dispatch.New(dcfg, a.store, a.engine, a.exec, log, a.bus)

	a.queue = userqueue.New(a.store)
	admOpts, err := mapAdmissionOptions(cfg)
	if err != nil {
		return err
	}
	admOpts = append(admOpts, admission.WithMetrics(a.metrics), admission.WithBus(a.bus))
	a.adm = admission.New(a.queue, a.store, a.disp, log, admOpts...)

	gcfg, err := mapGeneratorConfig(cfg)
	if err != nil {
		return err
	}
	a.gen = notifygen.New(gcfg, a.store, a.store, a.adm, log,
		notifygen.WithMetrics(a.metrics),
		notifygen.WithBus(a.bus),
	)

	if cfg.HTTP.Enabled {
		a.pprof = pprof.New(mapPprofConfig(cfg), log)
		a.ops = opsapi.New(opsapi.Config{Addr: cfg.HTTP.Addr, Token: cfg.HTTP.Token}, opsapi.Deps{
			Store:        a.store,
			Queue:        a.queue,
			Dispatch:     a.disp,
			Admission:    a.adm,
			Generator:    a.gen,
			Metrics:      a.metrics,
			DefaultLimit: cfg.Queue.DefaultDailyLimit,
			Status: map[string]func() any{
				"supervisor": func() any { return a.sup.Snapshot() },
				"engine":     func() any { return a.engine.Snapshot() },
			},
			Pprof: a.pprof.Handler(pprof.DefaultPrefix),
		}, log)
	}
	return nil
}

func (a *App) Config() *config.Config           { return a.cfgm.Get() }
func (a *App) Log() logx.Logger                 { return a.log }
func (a *App) Store() storage.Store             { return a.store }
func (a *App) Dispatcher() *dispatch.Service    { return a.disp }
func (a *App) Queue() *userqueue.Queue          { return a.queue }
func (a *App) Admission() *admission.Controller { return a.adm }
func (a *App) Generator() *notifygen.Generator  { return a.gen }
func (a *App) Engine() *engine.Service          { return a.engine }

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

// Start runs the daemon: task engine, dispatcher with its housekeeping,
// alerts, the ops API and config hot reload.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()
	cfg := a.cfgm.Get()

	if a.alerts != nil {
		a.alerts.Start(c)
	}
	a.engine.Start(c)
	if err := a.registerSchedules(cfg); err != nil {
		return err
	}
	if err := a.disp.Start(c); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}

	a.sup.Go0("metrics.watch", func(c context.Context) { a.metrics.Watch(c, a.bus) })
	a.sup.Go0("eventbus.log", a.logEvents)
	if a.ops != nil {
		a.sup.Go("opsapi", a.ops.Run)
	}
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("transport", a.tr.Name()),
		logx.Bool("generator", cfg.Generator.Enabled),
		logx.Bool("http", cfg.HTTP.Enabled),
	)
	return nil
}

// registerSchedules installs the periodic jobs on the dispatcher. Calling it
// again replaces them.
func (a *App) registerSchedules(cfg *config.Config) error {
	if cfg.Generator.Enabled && cfg.Generator.Schedule != "" {
		err := a.disp.AddSchedule("generator.run", cfg.Generator.Schedule, 0, func(ctx context.Context) error {
			_, err := a.gen.Run(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("generator.schedule: %w", err)
		}
	} else {
		a.disp.Remove("generator.run")
	}

	if s := cfg.Dispatch.PruneQueuesSchedule; s != "" {
		err := a.disp.AddSchedule("queues.prune", s, time.Minute, func(ctx context.Context) error {
			n, err := a.queue.Prune(ctx)
			if n > 0 {
				a.log.Info("expired queue days pruned", logx.Int("count", n))
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("dispatch.prune_queues_schedule: %w", err)
		}
	} else {
		a.disp.Remove("queues.prune")
	}

	if s := cfg.Dispatch.PruneMessagesSchedule; s != "" {
		err := a.disp.AddSchedule("messages.prune", s, time.Minute, func(ctx context.Context) error {
			_, err := a.PruneMessages(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("dispatch.prune_messages_schedule: %w", err)
		}
	} else {
		a.disp.Remove("messages.prune")
	}
	return nil
}

// PruneMessages deletes delivered messages older than the retention.
func (a *App) PruneMessages(ctx context.Context) (int, error) {
	keep := config.MustDuration(a.cfgm.Get().Dispatch.MessageRetention, 30*24*time.Hour)
	n, err := a.store.PruneMessages(ctx, time.Now().Add(-keep))
	if n > 0 {
		a.log.Info("delivered messages pruned", logx.Int("count", n), logx.Duration("retention", keep))
	}
	return n, err
}

func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			// Debug only: job events fire for every message.
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				max = min(max, time.Until(dl))
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Dispatcher before engine: no new deliveries get submitted while the
	// workers drain.
	step("dispatch", 2*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("alerts", 2*time.Second, func(c context.Context) error {
		if a.alerts != nil {
			a.alerts.Stop(c)
		}
		return nil
	})
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("transport", time.Second, func(context.Context) error { return a.tr.Close() })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// Close releases what New opened. Use it when the App was never started.
func (a *App) Close() error {
	err := a.closeBuilt()
	return errors.Join(err, a.logs.Close())
}

func (a *App) closeBuilt() error {
	var errs []error
	if a.tr != nil {
		errs = append(errs, a.tr.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
