// Package app wires the notification pipeline together:
//
//	source poller -> snapshot.Cache -> projector -> Detector -> Buffer -> Queue
//	-> dispatch.Worker -> batching.Policy -> channel.Fanout -> sinks
//
// plus the delivery journal, maintenance jobs, the admin API and config hot reload.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"fleetnotify/internal/admin"
	"fleetnotify/internal/batching"
	"fleetnotify/internal/buffer"
	"fleetnotify/internal/channel"
	"fleetnotify/internal/channel/telegram"
	"fleetnotify/internal/channel/webhook"
	"fleetnotify/internal/config"
	"fleetnotify/internal/detector"
	"fleetnotify/internal/dispatch"
	"fleetnotify/internal/eventbus"
	"fleetnotify/internal/identity"
	"fleetnotify/internal/maintenance"
	"fleetnotify/internal/queue"
	"fleetnotify/internal/runtime/supervisor"
	"fleetnotify/internal/snapshot"
	"fleetnotify/internal/source"
	"fleetnotify/internal/storage"
	logx "fleetnotify/pkg/logx"
)

type jobSpec struct {
	name    string
	spec    string
	timeout time.Duration
	job     maintenance.Job
}

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service
	sup  *supervisor.Supervisor

	clock  clockwork.Clock
	bus    eventbus.Bus
	queue  *queue.Queue
	cache  *snapshot.Cache
	det    *detector.Detector
	names  *identity.Directory
	policy batching.Policy
	exec   *dispatch.Serial
	worker *dispatch.Worker

	store     storage.Store
	retention time.Duration

	poller *source.FilePoller
	sched  *maintenance.Scheduler
	admin  *admin.Service
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return build(cfgm, cfg, clockwork.NewRealClock())
}

func build(cfgm *config.Manager, cfg *config.Config, clock clockwork.Clock) (a *App, err error) {
	logSvc, root := logx.New(mapLogging(cfg))
	defer func() {
		if err != nil {
			_ = logSvc.Close()
		}
	}()
	log := root.With(logx.String("comp", "app"))
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	loc, err := mapLocation(cfg)
	if err != nil {
		return nil, err
	}
	qcfg, err := mapQueue(cfg)
	if err != nil {
		return nil, err
	}
	dcfg, err := mapDetector(cfg)
	if err != nil {
		return nil, err
	}
	bcfg, err := mapBatching(cfg)
	if err != nil {
		return nil, err
	}
	wcfg, err := mapDispatch(cfg)
	if err != nil {
		return nil, err
	}
	fleets, err := mapFleets(cfg)
	if err != nil {
		return nil, err
	}
	acfg, err := mapAdmin(cfg)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	q := queue.New(qcfg, clock, comp("queue"), bus)
	cache := snapshot.NewCache(64, comp("snapshot"))
	buf := buffer.New(q, cache, dcfg.DuplicateTolerance, comp("buffer"))
	det := detector.New(dcfg, buf, cache, clock, comp("detector"))

	names := identity.NewDirectory(fleets)
	render := channel.NewRenderer(names, loc)
	fanout, err := buildSinks(cfg, render, comp)
	if err != nil {
		return nil, err
	}

	policy, err := batching.New(bcfg, batching.Deps{
		Sink:      fanout,
		Clock:     clock,
		Log:       comp("batching"),
		Bus:       bus,
		Requeue:   q,
		Formatter: render,
		FleetSize: cache.FleetSize,
	})
	if err != nil {
		return nil, err
	}
	// One delivery at a time keeps channel ordering and pacing predictable.
	exec := dispatch.NewSerial()
	worker := dispatch.NewWorker(wcfg, q, policy, exec, comp("dispatch"))

	var store storage.Store
	var retention time.Duration
	if sc, ret, enabled, err := mapStorage(cfg); err != nil {
		exec.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, comp("storage"))
		if err != nil {
			exec.Close()
			return nil, err
		}
		store, retention = st, ret
		log.Info("journal enabled", logx.String("driver", sc.Driver))
	}

	poller := source.NewFilePoller(cfg.Source.Path, cache, comp("source"))
	sched := maintenance.New(loc, comp("maintenance"))
	jobs := []jobSpec{
		{maintenance.JobPollSource, schedule(cfg.Source.PollEvery, "15s"), 30 * time.Second, maintenance.PollJob(poller)},
		{maintenance.JobCollectGC, schedule(cfg.Maintenance.GCEvery, "10m"), 0, maintenance.GCJob(q, comp("maintenance"))},
		{maintenance.JobSummary, schedule(cfg.Maintenance.SummaryEvery, "1h"), 0, maintenance.SummaryJob(q, comp("maintenance"))},
	}
	if store != nil {
		jobs = append(jobs, jobSpec{maintenance.JobPruneJournal, schedule(cfg.Maintenance.PruneEvery, "@daily"), time.Minute,
			maintenance.PruneJob(store, retention, clock, comp("maintenance"))})
	}
	for _, j := range jobs {
		if err := sched.Add(j.name, j.spec, j.timeout, j.job); err != nil {
			exec.Close()
			if store != nil {
				_ = store.Close()
			}
			return nil, err
		}
	}

	a = &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		clock:     clock,
		bus:       bus,
		queue:     q,
		cache:     cache,
		det:       det,
		names:     names,
		policy:    policy,
		exec:      exec,
		worker:    worker,
		store:     store,
		retention: retention,
		poller:    poller,
		sched:     sched,
	}
	a.admin = admin.New(acfg, admin.Deps{
		Queue:    q,
		Detector: det,
		Flusher:  policy,
		Journal:  store,
		Jobs:     sched.Jobs,
		Tasks:    a.tasks,
		Health:   a.Err,
	}, comp("admin"))

	log.Info("pipeline built",
		logx.String("policy", policy.Name()),
		logx.Int("sinks", fanout.Len()),
		logx.Int("fleets", len(fleets)),
		logx.String("tz", loc.String()),
	)
	return a, nil
}

func buildSinks(cfg *config.Config, render *channel.Renderer, comp func(string) logx.Logger) (*channel.Fanout, error) {
	var sinks []channel.Named
	if tc, ok, err := mapTelegram(cfg); err != nil {
		return nil, err
	} else if ok {
		s, err := telegram.New(tc, render, comp("telegram"))
		if err != nil {
			return nil, fmt.Errorf("sinks.telegram: %w", err)
		}
		sinks = append(sinks, channel.Named{Name: "telegram", Sink: s})
	}
	if wc, ok, err := mapWebhook(cfg); err != nil {
		return nil, err
	} else if ok {
		s, err := webhook.New(wc, render, comp("webhook").With(logx.String("url", webhook.RedactURL(wc.URL))))
		if err != nil {
			return nil, fmt.Errorf("sinks.webhook: %w", err)
		}
		sinks = append(sinks, channel.Named{Name: "webhook", Sink: s})
	}
	if len(sinks) == 0 {
		return nil, errors.New("sinks: at least one sink must be enabled")
	}
	return channel.NewFanout(comp("channel"), sinks...), nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
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

func (a *App) tasks() []supervisor.TaskStats {
	if a.sup == nil {
		return nil
	}
	return a.sup.Tasks()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		// Reject anything the live components could not apply.
		if _, err := mapDetector(cfg); err != nil {
			return err
		}
		if _, err := mapBatching(cfg); err != nil {
			return err
		}
		if _, err := mapFleets(cfg); err != nil {
			return err
		}
		_, err := mapAdmin(cfg)
		return err
	})

	a.sup.Go("snapshot.projector", snapshot.NewProjector(a.cache.Updates(), a.det, a.log.With(logx.String("comp", "projector"))).Run)
	if a.store != nil {
		rec := storage.NewRecorder(a.store, a.bus, a.log.With(logx.String("comp", "journal")))
		a.sup.GoRestart("journal.recorder", rec.Run, supervisor.RestartPolicy{})
	}
	if err := a.worker.Start(run); err != nil {
		return err
	}

	// Load whatever state is already on disk before the first tick.
	if err := a.sched.RunNow(run, maintenance.JobPollSource); err != nil {
		a.log.Warn("initial fleet state load failed", logx.Err(err))
	}
	a.sched.Start(run)
	a.admin.Start(run)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// applyConfig hot-applies logging, detector flags, batching tunables, fleet
// names and the admin server. Other sections need a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	a.logs.Apply(mapLogging(next))

	if dc, err := mapDetector(next); err != nil {
		a.log.Warn("invalid detector config; keeping previous", logx.Err(err))
	} else {
		a.det.Apply(dc)
	}

	if bc, err := mapBatching(next); err != nil {
		a.log.Warn("invalid batching config; keeping previous", logx.Err(err))
	} else {
		if !strings.EqualFold(strings.TrimSpace(bc.Policy), a.policy.Name()) && strings.TrimSpace(bc.Policy) != "" {
			a.log.Warn("batching.policy changed; restart required", logx.String("running", a.policy.Name()), logx.String("configured", bc.Policy))
		}
		a.policy.Apply(bc)
	}

	if fleets, err := mapFleets(next); err != nil {
		a.log.Warn("invalid fleets config; keeping previous", logx.Err(err))
	} else {
		a.names.Apply(fleets)
	}

	if ac, err := mapAdmin(next); err != nil {
		a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
	} else {
		a.admin.Reconfigure(ctx, ac)
	}

	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(pending, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

// Stop shuts the pipeline down producer-last: the worker stops taking work,
// held batches are drained, then background loops and storage close.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	if reason == "" {
		reason = StopUnknown
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			errs = append(errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
		}
	}

	step("dispatch.worker", 6*time.Second, a.worker.Stop)
	step("batching", 5*time.Second, a.policy.Close)
	step("executor", time.Second, func(context.Context) error { a.exec.Close(); return nil })
	step("maintenance", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("supervisor", 3*time.Second, func(c context.Context) error {
		// Stop reports the fatal cause, if any; only a timeout is a shutdown failure.
		if err := a.sup.Stop(c); errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
	if a.store != nil {
		step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	}

	st := a.queue.Stats()
	a.log.Info("stopped",
		logx.Int("pending_dropped", st.Pending+st.Delivering),
		logx.Int("dead_letters", st.DeadLetters),
	)
	_ = a.logs.Close()

	return errors.Join(errs...)
}
