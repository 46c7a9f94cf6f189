// Package sched owns the set of cron-scheduled alert jobs. A bounded worker
// pool executes fires; per alert name at most one run is in flight, and a
// fire that arrives while its predecessor still runs is skipped, not queued.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/sqlwatch/sqlwatch/internal/alerting"
	"github.com/sqlwatch/sqlwatch/internal/metrics"
)

// DefaultWorkers bounds parallel alert executions.
const DefaultWorkers = 10

// Runner executes or skips one fire. The executor satisfies it through a
// thin adapter in the daemon.
type Runner interface {
	Run(ctx context.Context, def *alerting.Definition, trigger alerting.Trigger)
	Skip(def *alerting.Definition, trigger alerting.Trigger)
}

// JobInfo is the introspection view of one scheduled job.
type JobInfo struct {
	Name       string
	NextFireAt time.Time
}

type job struct {
	def     *alerting.Definition
	entryID cron.EntryID
}

type task struct {
	def     *alerting.Definition
	trigger alerting.Trigger
}

// Scheduler drives alert executions from cron fires and manual triggers.
type Scheduler struct {
	runner  Runner
	metrics *metrics.Registry
	workers int

	cron  *cron.Cron
	queue chan task

	mu       sync.Mutex
	jobs     map[string]*job
	inflight map[string]bool
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // workers
	runWG  sync.WaitGroup // queued + running tasks
}

// New builds a scheduler; Start must be called before jobs fire.
func New(runner Runner, reg *metrics.Registry, workers int) *Scheduler {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:   runner,
		metrics:  reg,
		workers:  workers,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		queue:    make(chan task, 2*workers),
		jobs:     make(map[string]*job),
		inflight: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the worker pool and the cron loop.
func (s *Scheduler) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.cron.Start()
	log.Info().Int("workers", s.workers).Msg("Scheduler started")
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case t := <-s.queue:
			s.runner.Run(s.ctx, t.def, t.trigger)
			s.mu.Lock()
			delete(s.inflight, t.def.Name)
			s.mu.Unlock()
			s.runWG.Done()
		}
	}
}

// SetJobs reconciles the scheduled set against a new config generation:
// jobs for new names are added, dropped names removed, and jobs whose
// schedule or timezone changed are replaced. Idempotent.
func (s *Scheduler) SetJobs(defs []*alerting.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]*alerting.Definition, len(defs))
	for _, def := range defs {
		if def.Enabled {
			want[def.Name] = def
		}
	}

	for name, j := range s.jobs {
		newDef, keep := want[name]
		if keep && newDef.Schedule == j.def.Schedule && newDef.Timezone == j.def.Timezone {
			// Same cadence; swap the definition so the next fire picks up
			// query/target edits without rescheduling.
			j.def = newDef
			delete(want, name)
			continue
		}
		s.cron.Remove(j.entryID)
		delete(s.jobs, name)
		if !keep {
			log.Info().Str("alert", name).Msg("Alert unscheduled")
		}
	}

	var errs []error
	for name, def := range want {
		j := &job{def: def}
		entryID, err := s.cron.AddFunc(cronSpec(def), func() { s.enqueue(name, alerting.TriggerCron) })
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule alert %q: %w", name, err))
			continue
		}
		j.entryID = entryID
		s.jobs[name] = j
		log.Info().
			Str("alert", name).
			Str("schedule", def.Schedule).
			Str("timezone", def.Timezone).
			Msg("Alert scheduled")
	}

	s.metrics.SetScheduledJobs(len(s.jobs))
	return errors.Join(errs...)
}

// cronSpec composes the 5-field expression with the alert's timezone. The
// parser handles DST itself: spring-forward skips, fall-back runs once.
func cronSpec(def *alerting.Definition) string {
	if def.Timezone == "" {
		return def.Schedule
	}
	return "CRON_TZ=" + def.Timezone + " " + def.Schedule
}

// TriggerNow requests an out-of-band execution of a scheduled alert.
func (s *Scheduler) TriggerNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no scheduled alert named %q", name)
	}
	s.enqueue(name, alerting.TriggerManual)
	return nil
}

// enqueue hands one fire to the worker pool. An in-flight run for the same
// name, or a full queue, turns the fire into a skip record.
func (s *Scheduler) enqueue(name string, trigger alerting.Trigger) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	j, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	def := j.def
	if s.inflight[name] {
		s.mu.Unlock()
		log.Debug().Str("alert", name).Msg("Skipping fire, previous run still in flight")
		s.runner.Skip(def, trigger)
		return
	}

	select {
	case s.queue <- task{def: def, trigger: trigger}:
		s.inflight[name] = true
		s.runWG.Add(1)
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		log.Warn().Str("alert", name).Msg("Skipping fire, worker queue full")
		s.runner.Skip(def, trigger)
	}
}

// Jobs lists the scheduled jobs with their next fire time, sorted by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for name, j := range s.jobs {
		out = append(out, JobInfo{
			Name:       name,
			NextFireAt: s.cron.Entry(j.entryID).Next,
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Stop rejects new fires, lets in-flight runs drain until the deadline, then
// cancels whatever is left.
func (s *Scheduler) Stop(drain time.Duration) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cron.Stop()

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drain):
		log.Warn().Dur("drain", drain).Msg("Drain deadline exceeded, cancelling in-flight runs")
	}

	s.cancel()
	s.wg.Wait()
	log.Info().Msg("Scheduler stopped")
}
