package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"

	"reelbot/internal/config"
	"reelbot/internal/eventbus"
	"reelbot/internal/ledger"
	"reelbot/internal/pipeline"
	"reelbot/internal/runtime/supervisor"
	"reelbot/internal/scheduler"
	logx "reelbot/pkg/logx"
)

const (
	jobPublish = "publish"
	jobMetrics = "metrics.refresh"
	jobTune    = "schedule.tune"
)

const stopTimeout = 30 * time.Second

// App is the long-running daemon: scheduler-driven publish cycles, periodic
// metrics refresh, the optional schedule tuner, and config hot reload.
type App struct {
	mgr    *config.Manager
	logsvc *logx.Service
	log    logx.Logger
	bus    eventbus.Bus
	store  *ledger.Store
	runner *pipeline.Runner
	sched  *scheduler.Service
}

// New builds the daemon from an already-loaded config manager.
func New(mgr *config.Manager, logsvc *logx.Service, log logx.Logger) (*App, error) {
	cfg := mgr.Get()
	if cfg == nil {
		return nil, errors.New("app: config not loaded")
	}
	if !cfg.Schedule.Enabled {
		return nil, errors.New("app: schedule.enabled is false; nothing to run")
	}

	bus := eventbus.New()
	store, err := OpenLedger(cfg, log)
	if err != nil {
		return nil, err
	}
	runner, err := BuildRunner(cfg, store, bus, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	cycleTimeout, err := config.ParseDurationField("schedule.cycle_timeout", cfg.Schedule.CycleTimeout)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sched := scheduler.New(scheduler.Config{
		Location:   cfg.Location(),
		RunTimeout: cycleTimeout,
	}, log.With(logx.String("component", "scheduler")), bus)

	return &App{
		mgr:    mgr,
		logsvc: logsvc,
		log:    log,
		bus:    bus,
		store:  store,
		runner: runner,
		sched:  sched,
	}, nil
}

// Run blocks until ctx is canceled, then drains gracefully.
func (a *App) Run(ctx context.Context) error {
	cfg := a.mgr.Get()
	if err := a.registerJobs(cfg); err != nil {
		return err
	}
	a.sched.Start()

	sup := supervisor.New(ctx, a.log)
	sup.GoRestart("config.watch", a.mgr.Watch)
	sup.Go("config.apply", a.applyLoop)
	sup.Go("events", a.eventLoop)

	if _, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		a.log.Debug("sd-notify unavailable", logx.Err(err))
	}
	a.log.Info("daemon started", logx.Any("jobs", jobNames(a.sched)))

	<-ctx.Done()
	a.log.Info("shutdown requested")
	_, _ = sd.SdNotify(false, sd.SdNotifyStopping)

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	a.sched.Stop(stopCtx)
	if err := sup.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("shutdown incomplete", logx.Err(err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("ledger close failed", logx.Err(err))
	}
	a.log.Info("daemon stopped")
	return nil
}

func (a *App) registerJobs(cfg *config.Config) error {
	if err := a.sched.RegisterRecurring(jobPublish, cfg.Schedule.PostTimes, a.publishAction); err != nil {
		return err
	}

	refresh, err := config.ParseDurationOrDefault(
		"schedule.metrics_refresh", cfg.Schedule.MetricsRefresh, config.DefaultMetricsRefresh)
	if err != nil {
		return err
	}
	if err := a.sched.RegisterInterval(jobMetrics, refresh, a.metricsAction); err != nil {
		return err
	}

	if cfg.Schedule.Optimize.Enabled {
		at := cfg.Schedule.Optimize.At
		if at == "" {
			at = config.DefaultOptimizeAt
		}
		if err := a.sched.RegisterRecurring(jobTune, []string{at}, a.tuneAction); err != nil {
			return err
		}
	} else {
		a.sched.Cancel(jobTune)
	}
	return nil
}

func (a *App) publishAction(ctx context.Context) error {
	res := a.runner.RunCycle(ctx)
	if res.Outcome == pipeline.Failed {
		return res.Err
	}
	return nil
}

func (a *App) metricsAction(ctx context.Context) error {
	cfg := a.mgr.Get()
	recent := cfg.Schedule.MetricsRecent
	if recent <= 0 {
		recent = config.DefaultMetricsRecent
	}
	return a.runner.RefreshMetrics(ctx, recent)
}

// tuneAction re-registers the publish job at the best-performing hours once
// the ledger holds enough measured history. Registration is an upsert, so
// running it daily is idempotent.
func (a *App) tuneAction(ctx context.Context) error {
	cfg := a.mgr.Get()
	opt := cfg.Schedule.Optimize

	minSample := opt.MinSample
	if minSample <= 0 {
		minSample = config.DefaultOptimizeSample
	}
	hours := a.store.BestPostingHours(ctx, minSample)
	if len(hours) == 0 {
		a.log.Info("schedule tuning skipped, not enough engagement history",
			logx.Int("min_sample", minSample))
		return nil
	}

	maxTimes := opt.MaxTimes
	if maxTimes <= 0 {
		maxTimes = len(cfg.Schedule.PostTimes)
	}
	if maxTimes < 1 {
		maxTimes = 1
	}
	if len(hours) > maxTimes {
		hours = hours[:maxTimes]
	}
	sort.Ints(hours)

	times := make([]string, 0, len(hours))
	for _, h := range hours {
		times = append(times, fmt.Sprintf("%02d:00", h))
	}
	a.log.Info("re-registering publish schedule from engagement history",
		logx.Any("times", times))
	return a.sched.RegisterRecurring(jobPublish, times, a.publishAction)
}

// applyLoop reacts to config hot reloads: log level changes take effect
// immediately, job registrations are refreshed. Timezone and ledger path
// changes need a restart and are only reported.
func (a *App) applyLoop(ctx context.Context) error {
	sub := a.mgr.Subscribe(4)
	defer a.mgr.Unsubscribe(sub)

	prev := a.mgr.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			a.logsvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			if sections := restartRequired(prev, cfg); len(sections) > 0 {
				a.log.Warn("config change requires a restart to take effect",
					logx.Any("sections", sections))
			}
			if err := a.registerJobs(cfg); err != nil {
				a.log.Error("config reload: job registration failed", logx.Err(err))
			} else {
				a.log.Info("config reload applied")
			}
			prev = cfg
		}
	}
}

// restartRequired lists config sections whose changes a hot reload cannot
// apply: the ledger, runner, and its adapters are built once at startup.
// Logging and the schedule section (minus the timezone) stay hot.
func restartRequired(prev, next *config.Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	var sections []string
	if next.Schedule.Timezone != prev.Schedule.Timezone {
		sections = append(sections, "schedule.timezone")
	}
	if !reflect.DeepEqual(next.Content, prev.Content) {
		sections = append(sections, "content")
	}
	if !reflect.DeepEqual(next.Discovery, prev.Discovery) {
		sections = append(sections, "discovery")
	}
	if !reflect.DeepEqual(next.Media, prev.Media) {
		sections = append(sections, "media")
	}
	if !reflect.DeepEqual(next.Caption, prev.Caption) {
		sections = append(sections, "caption")
	}
	if !reflect.DeepEqual(next.Publisher, prev.Publisher) {
		sections = append(sections, "publisher")
	}
	if !reflect.DeepEqual(next.Ledger, prev.Ledger) {
		sections = append(sections, "ledger")
	}
	return sections
}

// eventLoop mirrors bus events into the log.
func (a *App) eventLoop(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			fields := []logx.Field{logx.String("type", e.Type)}
			switch {
			case e.Cycle != nil:
				fields = append(fields, logx.String("cycle_id", e.Cycle.CycleID))
				if e.Cycle.SourceID != "" {
					fields = append(fields, logx.String("source_id", e.Cycle.SourceID))
				}
				if e.Cycle.Reason != "" {
					fields = append(fields, logx.String("reason", e.Cycle.Reason))
				}
			case e.Job != nil:
				fields = append(fields, logx.String("job", e.Job.Job))
				if e.Job.Error != "" {
					fields = append(fields, logx.String("error", e.Job.Error))
				}
			}
			a.log.Debug("event", fields...)
		}
	}
}

func jobNames(s *scheduler.Service) []string {
	jobs := s.ListJobs()
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.ID+" ("+j.Spec+")")
	}
	return names
}
