package archive

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"tradestore/internal/observability"
)

// Notifier receives informational signals from the scheduler. They are not
// part of the data contract; a failed notification never affects a run.
type Notifier interface {
	Lifecycle(event string)
	ArchiveRun(kind string, result Result)
	ArchiveError(kind string, cause string)
}

// NopNotifier discards all signals.
type NopNotifier struct{}

func (NopNotifier) Lifecycle(string)            {}
func (NopNotifier) ArchiveRun(string, Result)   {}
func (NopNotifier) ArchiveError(string, string) {}

// Flusher is the writer lifecycle the scheduler owns: flush timers started
// with the scheduler and final-flushed on stop.
type Flusher interface {
	Start()
	Stop(ctx context.Context) error
}

// Job binds an archiver to its timer cadence. A zero interval keeps the kind
// out of the timer loop; it still runs in RunAll.
type Job struct {
	Archiver Archiver
	Interval time.Duration
}

// KindStats are the per-kind counters the scheduler maintains.
type KindStats struct {
	Runs         int64 `json:"runs"`
	Archived     int64 `json:"archived"`
	Deleted      int64 `json:"deleted"`
	Errors       int64 `json:"errors"`
	LastRun      int64 `json:"last_run"` // Unix timestamp in milliseconds, 0 = never
	LastArchived int   `json:"last_archived"`
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Jobs     []Job
	Writers  []Flusher
	Notifier Notifier         // defaults to NopNotifier
	Now      func() time.Time // defaults to time.Now
	Logger   *log.Logger
}

// Scheduler owns the cadence and lifecycle of all archival work: one timer
// goroutine per job, writer flush timers, and the manual RunAll sweep. An
// error in one kind's run leaves every other timer running.
type Scheduler struct {
	jobs     []Job
	writers  []Flusher
	notifier Notifier
	now      func() time.Time
	logger   *log.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	stats   map[string]*KindStats
}

// NewScheduler wires the scheduler. All dependencies come in through
// options; nothing is constructed lazily afterwards.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	stats := make(map[string]*KindStats, len(opts.Jobs))
	for _, job := range opts.Jobs {
		stats[job.Archiver.Kind()] = &KindStats{}
	}

	s := &Scheduler{
		jobs:     opts.Jobs,
		writers:  opts.Writers,
		notifier: notifier,
		now:      now,
		logger:   logger,
		stats:    stats,
	}
	notifier.Lifecycle("initialized")
	return s
}

// Start launches one timer goroutine per job with a positive interval and
// starts every writer's flush timer. No-op when already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh

	for _, job := range s.jobs {
		if job.Interval <= 0 {
			continue
		}
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-stopCh:
					return
				case <-ticker.C:
					s.runOne(context.Background(), job.Archiver)
				}
			}
		}(job)
	}
	s.mu.Unlock()

	for _, w := range s.writers {
		w.Start()
	}

	s.logger.Printf("[scheduler] started with %d jobs", len(s.jobs))
	s.notifier.Lifecycle("started")
}

// Stop cancels all timers, waits for in-flight runs, and final-flushes every
// writer. Calling Stop when not running is a no-op.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	var flushErrs []string
	for _, w := range s.writers {
		if err := w.Stop(ctx); err != nil {
			flushErrs = append(flushErrs, err.Error())
		}
	}

	s.logger.Printf("[scheduler] stopped")
	s.notifier.Lifecycle("stopped")

	if len(flushErrs) > 0 {
		return fmt.Errorf("final flush: %s", strings.Join(flushErrs, "; "))
	}
	return nil
}

// RunAll invokes every archiver once, sequentially. Failures are aggregated
// into the per-kind results, never propagated.
func (s *Scheduler) RunAll(ctx context.Context) map[string]Result {
	results := make(map[string]Result, len(s.jobs))
	for _, job := range s.jobs {
		results[job.Archiver.Kind()] = s.runOne(ctx, job.Archiver)
	}
	return results
}

// Stats returns a snapshot of every kind's counters.
func (s *Scheduler) Stats() map[string]KindStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]KindStats, len(s.stats))
	for kind, st := range s.stats {
		out[kind] = *st
	}
	return out
}

// ResetStats zeroes every kind's counters.
func (s *Scheduler) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind := range s.stats {
		s.stats[kind] = &KindStats{}
	}
}

// runOne executes one archive run and records its outcome. Every tick is
// wrapped here so one kind's failure cannot disturb another's timer.
func (s *Scheduler) runOne(ctx context.Context, a Archiver) Result {
	kind := a.Kind()
	start := time.Now()
	res := a.Run(ctx)
	observability.RecordArchiveRun(kind, res.Archived, res.Deleted, len(res.Errors), time.Since(start).Seconds())

	s.mu.Lock()
	st, ok := s.stats[kind]
	if !ok {
		st = &KindStats{}
		s.stats[kind] = st
	}
	st.Runs++
	st.Archived += int64(res.Archived)
	st.Deleted += int64(res.Deleted)
	st.LastRun = s.now().UnixMilli()
	st.LastArchived = res.Archived
	if len(res.Errors) > 0 {
		st.Errors += int64(len(res.Errors))
	}
	s.mu.Unlock()

	s.notifier.ArchiveRun(kind, res)
	if len(res.Errors) > 0 {
		s.logger.Printf("[scheduler] %s run finished with %d errors", kind, len(res.Errors))
		s.notifier.ArchiveError(kind, strings.Join(res.Errors, "; "))
	}
	return res
}
