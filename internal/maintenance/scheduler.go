// Package maintenance runs the daemon's periodic housekeeping on a cron
// scheduler: snapshot polling, delivery-record GC, journal pruning and a
// queue summary line.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "fleetnotify/pkg/logx"
)

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

// JobInfo is a point-in-time view of a registered job.
type JobInfo struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Timeout  time.Duration `json:"timeout"`
	Next     time.Time     `json:"next,omitempty"`
	Prev     time.Time     `json:"prev,omitempty"`
	Runs     uint64        `json:"runs"`
	Skipped  uint64        `json:"skipped"`
	LastErr  string        `json:"last_error,omitempty"`
	LastTook time.Duration `json:"last_took"`
}

type jobDef struct {
	name    string
	spec    string
	timeout time.Duration
	run     Job
	entryID cron.EntryID

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64

	mu       sync.Mutex
	lastErr  string
	lastTook time.Duration
}

// Scheduler wraps robfig/cron. Jobs never overlap with themselves: a tick
// that fires while the previous run is still going is skipped.
type Scheduler struct {
	mu     sync.Mutex
	log    logx.Logger
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	jobs   map[string]*jobDef

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(loc *time.Location, log logx.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		log:    log,
		loc:    loc,
		parser: specParser,
		jobs:   map[string]*jobDef{},
	}
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSpec reports whether spec would be accepted by Add.
func ValidateSpec(spec string) error {
	spec, err := NormalizeSpec(spec)
	if err != nil {
		return err
	}
	_, err = specParser.Parse(spec)
	return err
}

// NormalizeSpec accepts cron specs, descriptors ("@hourly", "@every 30s")
// and bare Go durations ("30s", which becomes "@every 30s").
func NormalizeSpec(spec string) (string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", errors.New("empty schedule")
	}
	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return "", fmt.Errorf("interval must be positive: %s", spec)
		}
		return "@every " + d.String(), nil
	}
	return spec, nil
}

// Add registers (or replaces) the job called name.
func (s *Scheduler) Add(name, spec string, timeout time.Duration, job Job) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	spec, err := NormalizeSpec(spec)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[name]; ok && s.c != nil {
		s.c.Remove(old.entryID)
	}
	d := &jobDef{name: name, spec: spec, timeout: timeout, run: job}
	s.jobs[name] = d
	if s.c != nil {
		return s.scheduleLocked(d)
	}
	return nil
}

// Remove unregisters a job; unknown names are ignored.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.jobs[name]
	if !ok {
		return
	}
	if s.c != nil {
		s.c.Remove(d.entryID)
	}
	delete(s.jobs, name)
}

func (s *Scheduler) scheduleLocked(d *jobDef) error {
	id, err := s.c.AddFunc(d.spec, func() { s.fire(d) })
	if err != nil {
		return fmt.Errorf("job %s: %w", d.name, err)
	}
	d.entryID = id
	s.log.Debug("job scheduled", logx.String("job", d.name), logx.String("spec", d.spec), logx.Time("next", s.c.Entry(id).Next))
	return nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc), cron.WithLogger(cronLogger{s.log}))
	for _, d := range s.jobs {
		if err := s.scheduleLocked(d); err != nil {
			s.log.Error("job register failed", logx.String("job", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("jobs", len(s.jobs)), logx.String("tz", s.loc.String()))
}

// Stop halts ticking, cancels running jobs and waits for them until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.runCancel
	s.c, s.runCancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	stopped := c.Stop()
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

// RunNow executes a job immediately in the caller's goroutine, honoring the
// no-overlap rule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	d, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.exec(ctx, d)
}

func (s *Scheduler) fire(d *jobDef) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	_ = s.exec(ctx, d)
}

var errSkipped = errors.New("previous run still in progress")

func (s *Scheduler) exec(ctx context.Context, d *jobDef) (err error) {
	if !d.running.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		s.log.Debug("job skipped", logx.String("job", d.name))
		return errSkipped
	}
	defer d.running.Store(false)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job panicked", logx.String("job", d.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		took := time.Since(start)
		d.runs.Add(1)
		d.mu.Lock()
		d.lastTook = took
		d.lastErr = ""
		if err != nil {
			d.lastErr = err.Error()
		}
		d.mu.Unlock()
		jobRuns.WithLabelValues(d.name, resultLabel(err)).Inc()
		if err != nil {
			s.log.Warn("job failed", logx.String("job", d.name), logx.Duration("took", took), logx.Err(err))
		} else {
			s.log.Debug("job done", logx.String("job", d.name), logx.Duration("took", took))
		}
	}()

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	return d.run(ctx)
}

// Jobs lists registered jobs sorted by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, d := range s.jobs {
		info := JobInfo{
			Name:    d.name,
			Spec:    d.spec,
			Timeout: d.timeout,
			Runs:    d.runs.Load(),
			Skipped: d.skipped.Load(),
		}
		d.mu.Lock()
		info.LastErr, info.LastTook = d.lastErr, d.lastTook
		d.mu.Unlock()
		if s.c != nil {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// cronLogger routes robfig/cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", keysAndValues))
}
