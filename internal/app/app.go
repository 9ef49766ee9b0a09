package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"stillwaiting/internal/clearance"
	"stillwaiting/internal/config"
	"stillwaiting/internal/eventbus"
	"stillwaiting/internal/mention"
	"stillwaiting/internal/notifier"
	"stillwaiting/internal/observability/health"
	"stillwaiting/internal/reminder"
	rtsup "stillwaiting/internal/runtime/supervisor"
	"stillwaiting/internal/scheduler"
	"stillwaiting/internal/stats"
	"stillwaiting/internal/storage"
	kit "stillwaiting/internal/transport"
	"stillwaiting/internal/transport/discord"
	logx "stillwaiting/pkg/logx"
)

const (
	jobReminderScan  = "reminder.scan"
	jobUserCount     = "stats.user_count"
	userCountTimeout = 5 * time.Minute
)

// Options replace the production collaborators, mainly for tests.
type Options struct {
	// Adapter defaults to the Discord gateway adapter.
	Adapter kit.Adapter
	// Store defaults to the configured storage backend.
	Store storage.Store
	// Registry defaults to a fresh registry with Go and process collectors.
	Registry *prometheus.Registry
}

type App struct {
	cfgm *config.ConfigManager
	rt   config.Runtime
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter

	sched    *scheduler.Service
	notif    *notifier.Service
	health   *health.Service
	stats    *stats.Sink
	recorder *mention.Recorder
	observer *clearance.Observer
	scanner  *reminder.Scanner

	updates chan kit.Update
}

// NewApp loads configuration from cfgPath (empty means environment only)
// and wires every component. Nothing runs until Start.
func NewApp(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	rt, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg, rt))
	log = log.With(logx.String("comp", "app"))

	ad := opts.Adapter
	if ad == nil {
		d, err := discord.New(discord.Config{Token: rt.Token}, log.With(logx.String("comp", "discord")))
		if err != nil {
			return nil, err
		}
		ad = d
	}

	store := opts.Store
	if store == nil {
		sc := mapStorageConfig(rt)
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		store = st
		log.Info("storage opened", logx.String("driver", sc.Driver))
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	bus := eventbus.New()

	notif := notifier.New(mapNotifierConfig(rt), ad, log.With(logx.String("comp", "notifier")), bus)
	// Chat log lines go through the same paced sender as reminders.
	logSvc.SetSender(notif)

	var sink *stats.Sink
	if rt.Stats.Enabled {
		sink = stats.New(store, stats.NewMetrics(reg), log.With(logx.String("comp", "stats")))
	}

	ext := newExtractor(rt, ad, notif, log.With(logx.String("comp", "mention")))

	a := &App{
		cfgm:     cfgm,
		rt:       rt,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		sched:    scheduler.New(rt.Timezone, log.With(logx.String("comp", "scheduler"))),
		notif:    notif,
		stats:    sink,
		recorder: mention.NewRecorder(ext, store, bus, log.With(logx.String("comp", "recorder"))),
		observer: clearance.New(store, ad, bus, log.With(logx.String("comp", "clearance"))),
		scanner:  reminder.New(mapReminderConfig(rt), store, ad, notif, bus, log.With(logx.String("comp", "reminder"))),
		updates:  make(chan kit.Update, 256),
	}
	if rt.Health.Enabled {
		a.health = health.New(health.Config{
			Addr:     rt.Health.Addr,
			Metrics:  rt.Health.Metrics,
			Pprof:    rt.Health.Pprof,
			Gatherer: reg,
		}, log.With(logx.String("comp", "health")))
	}
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
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	if err := a.scheduleJobs(nil, a.rt); err != nil {
		return err
	}
	if a.stats != nil {
		a.stats.Consume(a.sup.Context(), a.bus)
	}
	a.sched.Start(a.sup.Context())

	if a.health != nil {
		a.health.Start(a.sup.Context())
	}

	a.sup.Go("updates.dispatch", a.dispatchLoop)

	// Optional: log events for observability/debug (components can also subscribe themselves).
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Int("count", e.Count), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	if a.cfgm.Path() != "" {
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	for _, s := range a.sched.Schedules() {
		a.log.Info("job scheduled", logx.String("name", s.Name), logx.String("spec", s.Spec), logx.Time("next", s.Next))
	}
	a.log.Info("app started")
	return nil
}

// dispatchLoop handles updates one at a time so the handlers need no locking
// between themselves.
func (a *App) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-a.updates:
			if !ok {
				return nil
			}
			a.handle(ctx, up)
		}
	}
}

func (a *App) handle(ctx context.Context, up kit.Update) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("update handler panic", logx.String("kind", string(up.Kind)), logx.Any("panic", r))
		}
	}()
	a.log.Trace("update", logx.String("kind", string(up.Kind)))
	switch up.Kind {
	case kit.UpdateMessage:
		m := up.Message
		if m == nil || m.Author.Bot {
			return
		}
		a.stats.IncrementMessageCount(ctx)
		if _, err := a.recorder.OnMessage(ctx, *m); err != nil {
			a.log.Warn("recording mentions failed", logx.String("message_id", m.ID), logx.Err(err))
		}
		a.observer.OnMessage(ctx, *m)
	case kit.UpdateReaction:
		if up.Reaction != nil {
			a.observer.OnReaction(ctx, *up.Reaction)
		}
	case kit.UpdateGuildCount:
		a.stats.SetGuildCount(ctx, up.Guilds)
	}
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	// Track last applied config to generate a safe diff summary for logx.
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
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	rt, err := config.Resolve(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	if len(restart) > 0 {
		a.log.Warn("some config changes need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg, rt))
	a.notif.Apply(mapNotifierConfig(rt))
	a.scanner.Apply(mapReminderConfig(rt))
	a.recorder.SetExtractor(newExtractor(rt, a.adapter, a.notif, a.log.With(logx.String("comp", "mention"))))
	if err := a.scheduleJobs(&a.rt, rt); err != nil {
		a.log.Warn("rescheduling jobs failed", logx.Err(err))
	}
	a.rt = rt

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Count: len(sections)})
}

// scheduleJobs registers the periodic jobs for rt. With prev set, only jobs
// whose cadence changed are registered again, so unchanged jobs keep their
// pending tick.
func (a *App) scheduleJobs(prev *config.Runtime, rt config.Runtime) error {
	r := rt.Reminder
	if prev == nil || prev.Reminder.Interval != r.Interval || prev.Reminder.AlignToHour != r.AlignToHour {
		if err := a.sched.AddInterval(jobReminderScan, r.Interval, r.Interval, r.AlignToHour, a.scanner.Run); err != nil {
			return err
		}
	}
	if a.stats == nil {
		return nil
	}
	spec := rt.Stats.UserCountSchedule
	if prev != nil && prev.Stats.UserCountSchedule == spec {
		return nil
	}
	if spec == config.ScheduleOff {
		a.sched.Remove(jobUserCount)
		return nil
	}
	return a.sched.AddSchedule(jobUserCount, spec, userCountTimeout, func(c context.Context) error {
		return a.stats.RefreshUserCount(c, a.adapter)
	})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("health", time.Second, func(c context.Context) error {
		if a.health != nil {
			a.health.Stop(c)
		}
		return nil
	})
	step("stats", time.Second, func(context.Context) error { a.stats.Close(); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (dispatch, config watch/reload).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}
