// Package reconciler runs the periodic jobs that repair what the request path
// could not finish: outbox retries, ticket-number write-back, stale call sessions
// and registry tombstones. All of them share one scheduler.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"voice-bridge/pkg/logger"

	"github.com/robfig/cron/v3"
)

var (
	ErrUnknownJob   = errors.New("reconciler: unknown job")
	ErrJobRunning   = errors.New("reconciler: job already running")
	ErrDuplicateJob = errors.New("reconciler: job already registered")
)

// JobFunc is one run of a job.
type JobFunc func(ctx context.Context) error

// JobStatus is a snapshot of a registered job.
type JobStatus struct {
	Name     string        `json:"name"`
	Every    time.Duration `json:"every"`
	Runs     int           `json:"runs"`
	Failures int           `json:"failures"`
	LastRun  time.Time     `json:"last_run,omitempty"`
	LastErr  string        `json:"last_error,omitempty"`
}

type job struct {
	name    string
	every   time.Duration
	timeout time.Duration
	fn      JobFunc

	running sync.Mutex

	mu     sync.Mutex
	status JobStatus
}

// Scheduler runs named jobs on independent intervals. A job never overlaps with
// itself, whether triggered by its schedule or by RunNow.
type Scheduler struct {
	cron *cron.Cron
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*job

	// OnRun observes every finished run.
	OnRun func(name string, elapsed time.Duration, err error)
}

func NewScheduler(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	cl := cron.PrintfLogger(logger.Printf(log, slog.LevelError))
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		jobs:   map[string]*job{},
	}
}

// Register adds a job. timeout bounds one run; zero uses the interval.
func (s *Scheduler) Register(name string, every, timeout time.Duration, fn JobFunc) error {
	if name == "" || fn == nil {
		return errors.New("reconciler: job name and func are required")
	}
	if every <= 0 {
		return fmt.Errorf("reconciler: job %s needs a positive interval", name)
	}
	if timeout <= 0 {
		timeout = every
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	j := &job{name: name, every: every, timeout: timeout, fn: fn, status: JobStatus{Name: name, Every: every}}
	s.jobs[name] = j
	s.cron.Schedule(cron.Every(every), cron.FuncJob(func() {
		if err := s.invoke(s.ctx, j); err != nil && !errors.Is(err, ErrJobRunning) {
			s.log.Warn("reconcile job failed", "job", name, "err", err)
		}
	}))
	return nil
}

// RunNow runs a job synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.invoke(ctx, j)
}

func (s *Scheduler) invoke(ctx context.Context, j *job) error {
	if !j.running.TryLock() {
		return ErrJobRunning
	}
	defer j.running.Unlock()

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("reconciler: job %s panicked: %v", j.name, r)
			}
		}()
		return j.fn(ctx)
	}()
	elapsed := time.Since(start)

	j.mu.Lock()
	j.status.Runs++
	j.status.LastRun = start.UTC()
	j.status.LastErr = ""
	if err != nil {
		j.status.Failures++
		j.status.LastErr = err.Error()
	}
	j.mu.Unlock()

	if s.OnRun != nil {
		s.OnRun(j.name, elapsed, err)
	}
	return err
}

// Jobs returns the status of every job ordered by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		out = append(out, j.status)
		j.mu.Unlock()
	}
	s.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop cancels running jobs and waits for them to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
