// Package app wires the stores, the scheduler, the sync controller and the
// reminder dispatcher into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"grug/internal/config"
	"grug/internal/eventbus"
	"grug/internal/jobsync"
	"grug/internal/metrics"
	"grug/internal/notify"
	"grug/internal/observability/httpserver"
	"grug/internal/occurrence"
	"grug/internal/reminder"
	rtsup "grug/internal/runtime/supervisor"
	"grug/internal/storage"
	"grug/internal/task/engine"
	"grug/internal/task/jobstore"
	"grug/internal/task/scheduler"
	logx "grug/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	reg  *prometheus.Registry
	sink metrics.Sink

	stores *Stores
	repo   *occurrence.Repository

	engine *engine.Service
	tasks  *jobstore.Registry
	sched  *scheduler.Manager
	sync   *jobsync.Controller
	disp   *reminder.Dispatcher

	notifier notify.Notifier
	telegram *notify.Telegram
	http     *httpserver.Service

	reconcile bool
}

type Option func(*App)

// WithNotifier replaces the configured notifier.
func WithNotifier(n notify.Notifier) Option { return func(a *App) { a.notifier = n } }

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a := &App{cfgm: cfgm}
	for _, o := range opts {
		o(a)
	}

	// Alerts stay off until the telegram sender exists.
	logCfg := mapLogging(cfg)
	alertCfg := logCfg.Alert
	logCfg.Alert.Enabled = false
	a.logs, a.log = logx.New(logCfg, nil)
	a.log = a.log.With(logx.String("comp", "app"))

	if a.notifier == nil {
		n, tg, err := newNotifier(cfg, a.logs.Logger())
		if err != nil {
			return nil, err
		}
		a.notifier, a.telegram = n, tg
	}
	if a.telegram != nil {
		a.logs.SetAlertSender(a.telegram)
	}
	logCfg.Alert = alertCfg
	a.logs.Apply(logCfg)

	a.bus = eventbus.New()
	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.sink = metrics.NewPrometheusSink(a.reg, a.logs.Logger())

	a.stores, err = OpenStores(ctx, cfg, a.logs.Logger())
	if err != nil {
		return nil, err
	}
	a.repo = occurrence.New(
		occurrence.WithDefaultTimezone(cfg.Timezone),
		occurrence.WithLogger(a.logs.Logger()),
	)

	engCfg, err := mapTaskEngine(cfg)
	if err != nil {
		_ = a.stores.Close()
		return nil, err
	}
	a.engine = engine.New(engCfg, a.logs.Logger(), a.bus)
	a.tasks = jobstore.NewRegistry()

	jsCfg := mapJobStore(cfg)
	a.sched = scheduler.New(mapScheduler(cfg), func(context.Context) (scheduler.JobStore, error) {
		return jobstore.New(a.stores.Jobs, a.tasks, a.engine, jsCfg,
			jobstore.WithLogger(a.logs.Logger()),
			jobstore.WithBus(a.bus),
			jobstore.WithMetrics(a.sink),
		), nil
	}, scheduler.WithLogger(a.logs.Logger()), scheduler.WithMetrics(a.sink))

	syncCfg, reconcile := mapSync(cfg)
	a.reconcile = reconcile
	a.sync = jobsync.New(a.stores.Domain, a.repo, a.sched, syncCfg,
		jobsync.WithLogger(a.logs.Logger()),
		jobsync.WithMetrics(a.sink),
		jobsync.WithExecutor(a.engine),
	)
	a.stores.Domain.OnCommit(a.sync.Enqueue)

	a.disp = reminder.New(a.stores.Domain, a.repo, a.notifier, mapReminder(cfg),
		reminder.WithLogger(a.logs.Logger()),
		reminder.WithMetrics(a.sink),
	)

	if err := errors.Join(a.sync.Register(a.tasks), a.disp.Register(a.tasks)); err != nil {
		_ = a.stores.Close()
		return nil, err
	}

	a.http = httpserver.New(mapObservability(cfg), a.reg, a.health, a.logs.Logger())
	return a, nil
}

func newNotifier(cfg *config.Config, log logx.Logger) (notify.Notifier, *notify.Telegram, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Notifier.Driver)) {
	case "telegram":
		tc := cfg.Notifier.Telegram
		tg, err := notify.NewTelegram(notify.TelegramConfig{
			Token:       tc.Token,
			PollTimeout: config.DurationOr(tc.PollTimeout, 10*time.Second),
			AlertChatID: tc.AlertChatID,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return tg, tg, nil
	default:
		return notify.NewLogNotifier(log), nil, nil
	}
}

func (a *App) Logger() logx.Logger                { return a.log }
func (a *App) DB() *storage.DB                    { return a.stores.Domain }
func (a *App) Repository() *occurrence.Repository { return a.repo }
func (a *App) Scheduler() *scheduler.Manager      { return a.sched }
func (a *App) Sync() *jobsync.Controller          { return a.sync }
func (a *App) Bus() eventbus.Bus                  { return a.bus }

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, next *config.Config) error {
		_, err := mapTaskEngine(next)
		return err
	})

	if a.telegram != nil {
		a.telegram.Start(c)
	}
	a.engine.Start(c)

	if cfg.Scheduler.Enabled {
		if err := a.sched.Start(c); err != nil {
			return err
		}
		a.sup.Go("jobsync", func(c context.Context) error {
			if err := a.sched.WaitStarted(c); err != nil {
				return err
			}
			if a.reconcile {
				if _, err := a.sync.Reconcile(c); err != nil {
					a.log.Warn("startup reconcile failed", logx.Err(err))
				}
			}
			return a.sync.Run(c)
		})
	} else {
		a.log.Warn("scheduler disabled; domain changes will not be synced")
	}

	a.http.Reconfigure(c, mapObservability(cfg))

	events, unsub := a.bus.SubscribePrefix(128, "schedule.", "task.failed")
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub, cfg)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Bool("scheduler", cfg.Scheduler.Enabled),
		logx.String("notifier", notifierName(a)),
		logx.Bool("http", cfg.Observability.Enabled))
	return nil
}

func notifierName(a *App) string {
	if a.telegram != nil {
		return "telegram"
	}
	return fmt.Sprintf("%T", a.notifier)
}

// reloadLoop applies the settings that can change live. Everything else
// is logged as needing a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config, last *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

var restartSections = map[string]bool{
	"database":    true,
	"scheduler":   true,
	"task_engine": true,
	"sync":        true,
	"timezone":    true,
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	var restart []string
	for _, s := range sections {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	if prev.Notifier.Driver != next.Notifier.Driver || prev.Notifier.Telegram != next.Notifier.Telegram {
		restart = append(restart, "notifier")
	}

	a.logs.Apply(mapLogging(next))
	a.disp.SetRate(next.Notifier.RatePerSec)
	a.http.Reconfigure(ctx, mapObservability(next))

	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in reverse dependency order. Each step is
// bounded so one component cannot stall the rest.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return a.stores.Close()
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(sctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 3*time.Second, a.sched.Stop)
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	if a.telegram != nil {
		step("telegram", 2*time.Second, a.telegram.Stop)
	}
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.stores.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
