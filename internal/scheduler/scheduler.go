// Package scheduler is the singleton cron+interval job registry of spec
// §4.L. internal/app registers the retention cleanup, the async task
// poller, the proxy-node health sweep and event trim, and (in queue mode)
// the telemetry consumer here by name.
//
// Grounded on github.com/robfig/cron/v3, which the pack already uses as a
// job registry (mercator-hq-jupiter's own scheduler is built on it) —
// wrapped in a thin facade matching §4.L's register-by-name,
// replaceable-in-place, next-fire-inspection contract. The scheduler itself
// does not deduplicate across processes; of the registered jobs only the
// internal/videopoll tick takes a Redis lock.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one registered unit of recurring work. Run receives the context
// passed to New; Stop does not cancel it.
type Job struct {
	Name string
	Spec string // cron expression, in the scheduler's configured time zone
	Run  func(ctx context.Context)
}

// Scheduler wraps a cron.Cron with name-addressable, replace-in-place
// registration. Persistence timestamps (e.g. last-run bookkeeping a job
// writes to the DB) are always UTC per §4.L; only the cron spec itself is
// interpreted in the application time zone.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	baseCtx context.Context
	log     *slog.Logger
}

// New creates a Scheduler whose cron expressions are interpreted in loc
// (the application time zone). Pass time.UTC when no local zone is
// configured.
func New(ctx context.Context, loc *time.Location, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(loc), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		entries: make(map[string]cron.EntryID),
		baseCtx: ctx,
		log:     log,
	}
}

// Register adds or replaces the job named j.Name, keeping exactly one
// active trigger per name (§8 testable property: "registering a job with
// an existing id replaces the prior schedule").
func (s *Scheduler) Register(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[j.Name]; ok {
		s.cron.Remove(id)
		delete(s.entries, j.Name)
	}

	name := j.Name
	run := j.Run
	id, err := s.cron.AddFunc(j.Spec, func() {
		s.log.Info("scheduler: job starting", slog.String("job", name))
		start := time.Now()
		run(s.baseCtx)
		s.log.Info("scheduler: job finished", slog.String("job", name), slog.Duration("elapsed", time.Since(start)))
	})
	if err != nil {
		return fmt.Errorf("scheduler: register %s: %w", j.Name, err)
	}
	s.entries[j.Name] = id
	return nil
}

// RegisterInterval is a convenience for jobs expressed as a fixed interval
// rather than a cron spec (e.g. the task poller's tick).
func (s *Scheduler) RegisterInterval(name string, every time.Duration, run func(ctx context.Context)) error {
	if every <= 0 {
		return fmt.Errorf("scheduler: interval must be positive for %s", name)
	}
	return s.Register(Job{Name: name, Spec: fmt.Sprintf("@every %s", every), Run: run})
}

// Unregister removes a job by name, if present.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// NextRun returns the next scheduled fire time for name, if registered.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Names returns the currently registered job names.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for n := range s.entries {
		names = append(names, n)
	}
	return names
}

// Start begins running the scheduler in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler and waits for any in-flight job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
