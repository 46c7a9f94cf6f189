package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlwatch/sqlwatch/internal/alerting"
	"github.com/sqlwatch/sqlwatch/internal/metrics"
)

type fakeRunner struct {
	mu      sync.Mutex
	runs    []string
	skips   []string
	started chan string
	release chan struct{} // when non-nil, Run blocks until closed
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{started: make(chan string, 16)}
}

func (f *fakeRunner) Run(ctx context.Context, def *alerting.Definition, trigger alerting.Trigger) {
	f.mu.Lock()
	f.runs = append(f.runs, def.Name)
	release := f.release
	f.mu.Unlock()
	f.started <- def.Name
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}
}

func (f *fakeRunner) Skip(def *alerting.Definition, trigger alerting.Trigger) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skips = append(f.skips, def.Name)
}

func (f *fakeRunner) counts() (runs, skips int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs), len(f.skips)
}

func def(name, schedule string) *alerting.Definition {
	return &alerting.Definition{
		Name:     name,
		Enabled:  true,
		Query:    "SELECT 'OK' AS status",
		Schedule: schedule,
	}
}

func newTestScheduler(t *testing.T, runner Runner) *Scheduler {
	t.Helper()
	s := New(runner, metrics.NewRegistry(), 2)
	s.Start()
	t.Cleanup(func() { s.Stop(time.Second) })
	return s
}

func TestSetJobsSchedulesEnabledOnly(t *testing.T) {
	s := newTestScheduler(t, newFakeRunner())

	disabled := def("r2", "* * * * *")
	disabled.Enabled = false
	require.NoError(t, s.SetJobs([]*alerting.Definition{def("r1", "* * * * *"), disabled}))

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "r1", jobs[0].Name)
	assert.False(t, jobs[0].NextFireAt.IsZero())
}

func TestSetJobsIsIdempotent(t *testing.T) {
	s := newTestScheduler(t, newFakeRunner())
	defs := []*alerting.Definition{def("r1", "*/5 * * * *"), def("r2", "0 * * * *")}

	require.NoError(t, s.SetJobs(defs))
	first := s.Jobs()
	require.NoError(t, s.SetJobs(defs))
	second := s.Jobs()

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Name, second[i].Name)
		assert.Equal(t, first[i].NextFireAt, second[i].NextFireAt)
	}
}

func TestSetJobsRemovesDroppedAlerts(t *testing.T) {
	s := newTestScheduler(t, newFakeRunner())

	require.NoError(t, s.SetJobs([]*alerting.Definition{def("r1", "* * * * *"), def("r2", "* * * * *")}))
	require.Len(t, s.Jobs(), 2)

	require.NoError(t, s.SetJobs([]*alerting.Definition{def("r1", "* * * * *")}))
	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "r1", jobs[0].Name)
}

func TestSetJobsReplacesChangedSchedule(t *testing.T) {
	s := newTestScheduler(t, newFakeRunner())

	require.NoError(t, s.SetJobs([]*alerting.Definition{def("r1", "0 0 * * *")}))
	before := s.Jobs()[0].NextFireAt

	require.NoError(t, s.SetJobs([]*alerting.Definition{def("r1", "* * * * *")}))
	after := s.Jobs()[0].NextFireAt
	assert.True(t, after.Before(before), "every-minute schedule fires sooner than midnight")
}

func TestSetJobsRejectsBadSchedule(t *testing.T) {
	s := newTestScheduler(t, newFakeRunner())

	err := s.SetJobs([]*alerting.Definition{def("bad", "not a cron expression"), def("good", "* * * * *")})
	require.Error(t, err)

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "good", jobs[0].Name)
}

func TestQuarterHourScheduleFiresOnTheQuarter(t *testing.T) {
	s := newTestScheduler(t, newFakeRunner())
	require.NoError(t, s.SetJobs([]*alerting.Definition{def("r1", "*/15 * * * *")}))

	next := s.Jobs()[0].NextFireAt
	assert.Zero(t, next.Minute()%15)
	assert.Zero(t, next.Second())
}

func TestTimezoneAppliesToSchedule(t *testing.T) {
	d := def("r1", "0 12 * * *")
	d.Timezone = "America/New_York"
	s := newTestScheduler(t, newFakeRunner())
	require.NoError(t, s.SetJobs([]*alerting.Definition{d}))

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	next := s.Jobs()[0].NextFireAt
	assert.Equal(t, 12, next.In(loc).Hour())
}

func TestTriggerNowRunsJob(t *testing.T) {
	runner := newFakeRunner()
	s := newTestScheduler(t, runner)
	require.NoError(t, s.SetJobs([]*alerting.Definition{def("r1", "0 0 1 1 *")}))

	require.NoError(t, s.TriggerNow("r1"))
	select {
	case name := <-runner.started:
		assert.Equal(t, "r1", name)
	case <-time.After(2 * time.Second):
		t.Fatal("manual trigger never ran")
	}
}

func TestTriggerNowUnknownAlert(t *testing.T) {
	s := newTestScheduler(t, newFakeRunner())
	assert.Error(t, s.TriggerNow("ghost"))
}

func TestOverlappingFireIsSkippedNotQueued(t *testing.T) {
	runner := newFakeRunner()
	runner.release = make(chan struct{})
	s := newTestScheduler(t, runner)
	require.NoError(t, s.SetJobs([]*alerting.Definition{def("r1", "0 0 1 1 *")}))

	require.NoError(t, s.TriggerNow("r1"))
	<-runner.started // first run is now in flight

	require.NoError(t, s.TriggerNow("r1"))
	require.NoError(t, s.TriggerNow("r1"))

	runs, skips := runner.counts()
	assert.Equal(t, 1, runs)
	assert.Equal(t, 2, skips)

	close(runner.release)
}

func TestStopRejectsNewFires(t *testing.T) {
	runner := newFakeRunner()
	s := New(runner, metrics.NewRegistry(), 2)
	s.Start()
	require.NoError(t, s.SetJobs([]*alerting.Definition{def("r1", "0 0 1 1 *")}))

	s.Stop(time.Second)

	require.NoError(t, s.TriggerNow("r1"))
	time.Sleep(50 * time.Millisecond)
	runs, _ := runner.counts()
	assert.Zero(t, runs)
}

func TestStopDrainsInFlightRun(t *testing.T) {
	runner := newFakeRunner()
	runner.release = make(chan struct{})
	s := New(runner, metrics.NewRegistry(), 2)
	s.Start()
	require.NoError(t, s.SetJobs([]*alerting.Definition{def("r1", "0 0 1 1 *")}))

	require.NoError(t, s.TriggerNow("r1"))
	<-runner.started

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(runner.release)
	}()

	done := make(chan struct{})
	go func() {
		s.Stop(5 * time.Second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return after the run drained")
	}
}
