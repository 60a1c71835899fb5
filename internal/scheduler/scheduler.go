// Package scheduler fires registered jobs at wall-clock times, fixed
// intervals, or once at an absolute time.
//
// A single cron runner in the configured location is the only timekeeper.
// Each job carries its own single-flight latch: if a fire arrives while a
// previous run of the same job is still in flight, the new fire is skipped
// outright, never queued. Missed fires are not backfilled; cron only ever
// computes strictly future activations.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"reelbot/internal/config"
	"reelbot/internal/eventbus"
	logx "reelbot/pkg/logx"
)

// Action is the work a job performs on each fire.
type Action func(ctx context.Context) error

// Job results as reported by ListJobs.
const (
	ResultNeverRun = "never-run"
	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultSkipped  = "skipped"
)

// Config configures the scheduler service.
type Config struct {
	Location   *time.Location // nil means time.Local
	RunTimeout time.Duration  // per-fire timeout; 0 means no limit
}

// JobInfo is a snapshot of one registered job.
type JobInfo struct {
	ID         string
	Spec       string
	NextFire   time.Time // zero when the scheduler is stopped
	LastResult string
}

type job struct {
	id      string
	spec    string
	entries []cron.EntryID
	action  Action

	// running is the single-flight latch shared by all cron entries of the
	// job, so "09:00" and "09:00:30 drift" fires of one job never overlap.
	running atomic.Bool

	mu   sync.Mutex
	last string
}

func (j *job) setLast(result string) {
	j.mu.Lock()
	j.last = result
	j.mu.Unlock()
}

func (j *job) lastResult() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

// Service owns the cron runner and the one-shot timers.
type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	c       *cron.Cron
	started bool
	jobs    map[string]*job
	timers  map[string]*time.Timer
	onceAt  map[string]time.Time
	onceVer map[string]uint64

	// runCtx parents every fire's context. Stop cancels it so in-flight
	// actions learn the service is winding down instead of only being
	// waited on; Start re-arms it.
	runCtx    context.Context
	runCancel context.CancelFunc

	// oneShotRuns tracks fires outside cron's own drain accounting.
	oneShotRuns sync.WaitGroup
}

// New builds a stopped Service. Register jobs, then Start.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		c:         cron.New(cron.WithLocation(cfg.Location)),
		jobs:      map[string]*job{},
		timers:    map[string]*time.Timer{},
		onceAt:    map[string]time.Time{},
		onceVer:   map[string]uint64{},
		runCtx:    runCtx,
		runCancel: runCancel,
	}
}

// Start begins firing. Idempotent.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	if s.runCtx.Err() != nil {
		s.runCtx, s.runCancel = context.WithCancel(context.Background())
	}
	s.c.Start()
	s.log.Info("scheduler started",
		logx.String("tz", s.cfg.Location.String()),
		logx.Int("jobs", len(s.jobs)))
}

// Stop cancels the run context so in-flight actions can wind down at their
// next checkpoint, halts triggering, and waits for runs to drain, bounded by
// ctx. Recurring jobs survive a Stop/Start pair; pending one-shots do not.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.runCancel()
	c := s.c
	for id := range s.timers {
		s.removeLocked(id)
	}
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("stop deadline reached with runs still in flight")
	}

	done := make(chan struct{})
	go func() {
		s.oneShotRuns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// RegisterRecurring registers (or replaces) a job firing every day at each
// of the given wall-clock times in the scheduler's location.
func (s *Service) RegisterRecurring(id string, times []string, action Action) error {
	if err := validateRegistration(id, action); err != nil {
		return err
	}
	if len(times) == 0 {
		return fmt.Errorf("scheduler: job %q needs at least one time", id)
	}

	specs := make([]string, 0, len(times))
	for _, at := range times {
		hour, minute, err := config.ParseHHMM(at)
		if err != nil {
			return fmt.Errorf("scheduler: job %q: %w", id, err)
		}
		specs = append(specs, fmt.Sprintf("%d %d * * *", minute, hour))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)

	j := &job{
		id:     id,
		spec:   "daily at " + strings.Join(times, ","),
		action: action,
		last:   ResultNeverRun,
	}
	for _, spec := range specs {
		entry, err := s.c.AddFunc(spec, func() { s.fire(j) })
		if err != nil {
			// Partial registration would leave orphan entries.
			for _, e := range j.entries {
				s.c.Remove(e)
			}
			return fmt.Errorf("scheduler: job %q: %w", id, err)
		}
		j.entries = append(j.entries, entry)
	}
	s.jobs[id] = j
	s.log.Info("job registered", logx.String("job", id), logx.String("spec", j.spec))
	return nil
}

// RegisterInterval registers (or replaces) a job firing every interval.
func (s *Service) RegisterInterval(id string, every time.Duration, action Action) error {
	if err := validateRegistration(id, action); err != nil {
		return err
	}
	if every < time.Second {
		return fmt.Errorf("scheduler: job %q: interval %v too short", id, every)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)

	j := &job{
		id:     id,
		spec:   "every " + every.String(),
		action: action,
		last:   ResultNeverRun,
	}
	entry, err := s.c.AddFunc("@every "+every.String(), func() { s.fire(j) })
	if err != nil {
		return fmt.Errorf("scheduler: job %q: %w", id, err)
	}
	j.entries = []cron.EntryID{entry}
	s.jobs[id] = j
	s.log.Info("job registered", logx.String("job", id), logx.String("spec", j.spec))
	return nil
}

// RegisterOneShot registers (or replaces) a job firing once at the given
// time. The job removes itself after firing; a time in the past fires
// immediately.
func (s *Service) RegisterOneShot(id string, at time.Time, action Action) error {
	if err := validateRegistration(id, action); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)

	j := &job{
		id:     id,
		spec:   "once at " + at.In(s.cfg.Location).Format("2006-01-02 15:04"),
		action: action,
		last:   ResultNeverRun,
	}
	s.jobs[id] = j
	s.onceAt[id] = at

	// The version guard keeps a stale timer from firing a job that was
	// re-registered or canceled while the timer was pending.
	s.onceVer[id]++
	ver := s.onceVer[id]

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.onceVer[id] != ver {
			s.mu.Unlock()
			return
		}
		if !s.started {
			// The moment passed while stopped; a consumed timer can never
			// fire again, so drop the registration rather than strand it.
			s.removeLocked(id)
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		delete(s.onceAt, id)
		delete(s.jobs, id)
		// Joined under the lock so Stop cannot miss a run that has already
		// been admitted.
		s.oneShotRuns.Add(1)
		s.mu.Unlock()

		defer s.oneShotRuns.Done()
		s.fire(j)
	})
	s.log.Info("job registered", logx.String("job", id), logx.String("spec", j.spec))
	return nil
}

// Cancel removes a job. Unknown IDs are a no-op.
func (s *Service) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeLocked(id) {
		s.log.Info("job canceled", logx.String("job", id))
	}
}

// ListJobs snapshots all registered jobs sorted by ID.
func (s *Service) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for id, j := range s.jobs {
		info := JobInfo{ID: id, Spec: j.spec, LastResult: j.lastResult()}
		if at, ok := s.onceAt[id]; ok {
			info.NextFire = at
		} else if s.started {
			for _, e := range j.entries {
				next := s.c.Entry(e).Next
				if info.NextFire.IsZero() || next.Before(info.NextFire) {
					info.NextFire = next
				}
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// fire runs one activation of a job on the caller's goroutine (cron entries
// already run on their own goroutine; one-shot timers likewise).
func (s *Service) fire(j *job) {
	if !j.running.CompareAndSwap(false, true) {
		j.setLast(ResultSkipped)
		s.log.Warn("fire skipped, previous run still in flight", logx.String("job", j.id))
		s.emit("job.skipped", j.id, nil)
		return
	}
	defer j.running.Store(false)

	ctx := s.runContext()
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}

	start := time.Now()
	s.log.Debug("job firing", logx.String("job", j.id))
	err := runSafe(ctx, j.action)
	took := time.Since(start)

	if err != nil {
		j.setLast(ResultFailed)
		s.log.Error("job failed", logx.String("job", j.id), logx.Duration("took", took), logx.Err(err))
		s.emit("job.failed", j.id, err)
		return
	}
	j.setLast(ResultOK)
	s.log.Info("job finished", logx.String("job", j.id), logx.Duration("took", took))
	s.emit("job.ok", j.id, nil)
}

func (s *Service) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx
}

// runSafe converts an action panic into an error so one bad job cannot take
// down the process.
func runSafe(ctx context.Context, action Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return action(ctx)
}

func (s *Service) removeLocked(id string) bool {
	j, ok := s.jobs[id]
	if !ok {
		return false
	}
	for _, e := range j.entries {
		s.c.Remove(e)
	}
	if t, tok := s.timers[id]; tok {
		t.Stop()
		delete(s.timers, id)
	}
	delete(s.onceAt, id)
	s.onceVer[id]++ // invalidate any pending timer callback
	delete(s.jobs, id)
	return true
}

func (s *Service) emit(typ, jobID string, err error) {
	if s.bus == nil {
		return
	}
	ev := &eventbus.JobEvent{Job: jobID}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Job: ev})
}

func validateRegistration(id string, action Action) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("scheduler: job id required")
	}
	if action == nil {
		return fmt.Errorf("scheduler: job %q: action required", id)
	}
	return nil
}
