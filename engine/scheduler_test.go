package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/keplerlabs/cadence/config"
	"github.com/keplerlabs/cadence/errors"
	cadencetesting "github.com/keplerlabs/cadence/internal/testing"
	"github.com/keplerlabs/cadence/schedule"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Scheduler.TickIntervalSeconds = 1
	cfg.Scheduler.MaxConcurrent = 2
	cfg.Scheduler.DefaultRetryCount = 3
	cfg.Scheduler.DefaultTimeoutMs = 5000
	// Zero pacing and backoff keep the tests fast
	cfg.RateLimit.MinRequestIntervalMs = 0
	return cfg
}

type schedulerFixture struct {
	conn      *sql.DB
	cfg       *config.Config
	jobs      *schedule.Store
	execs     *schedule.ExecutionStore
	registry  *Registry
	scheduler *Scheduler
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()

	conn := cadencetesting.CreateTestDB(t)
	cfg := testConfig()
	registry := NewRegistry()
	s := NewScheduler(conn, cfg, registry, zap.NewNop().Sugar())
	t.Cleanup(s.Stop)

	return &schedulerFixture{
		conn:      conn,
		cfg:       cfg,
		jobs:      schedule.NewStore(conn),
		execs:     schedule.NewExecutionStore(conn),
		registry:  registry,
		scheduler: s,
	}
}

// dueJob persists an enabled job whose next_run_at is already in the past
func (f *schedulerFixture) dueJob(t *testing.T, jobType string, priority int) *schedule.Job {
	t.Helper()

	job, err := schedule.NewJob("due", jobType, schedule.ScheduleTypeInterval, 30, "", nil, priority, true)
	require.NoError(t, err)
	job.NextRunAt = time.Now().Add(-time.Minute)
	require.NoError(t, f.jobs.CreateJob(job))
	return job
}

// markRunning flips the scheduler dispatchable without starting its loop,
// so tests drive ticks by hand
func (f *schedulerFixture) markRunning() {
	f.scheduler.mu.Lock()
	f.scheduler.running = true
	f.scheduler.mu.Unlock()
}

func TestSchedulerTickAdvancesWithoutDuplicates(t *testing.T) {
	f := newSchedulerFixture(t)
	job := f.dueJob(t, "test.noop", 0)

	// Not running: ticks enqueue but never dispatch
	f.scheduler.tick(time.Now())
	f.scheduler.tick(time.Now())

	execs, err := f.execs.ListExecutions(job.ID, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, schedule.ExecutionStatusPending, execs[0].Status)
	assert.Equal(t, schedule.TriggerScheduled, execs[0].TriggerType)
	assert.Equal(t, 1, f.scheduler.Queue().Size())

	// next_run_at moved forward in the same transaction
	updated, err := f.jobs.GetJob(job.ID)
	require.NoError(t, err)
	assert.True(t, updated.NextRunAt.After(time.Now()))
}

func TestSchedulerMaxConcurrent(t *testing.T) {
	f := newSchedulerFixture(t)

	var current, peak, total int64
	f.registry.Register(HandlerFunc{
		JobType: "test.gauge",
		Fn: func(ctx context.Context, job *schedule.Job, params json.RawMessage, ec ExecContext) (json.RawMessage, error) {
			cur := atomic.AddInt64(&current, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			atomic.AddInt64(&total, 1)
			return nil, nil
		},
	})

	for i := 0; i < 5; i++ {
		f.dueJob(t, "test.gauge", 0)
	}

	f.markRunning()
	f.scheduler.tick(time.Now())

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&total) == 5
	}, 5*time.Second, 10*time.Millisecond)

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestSchedulerPriorityOrder(t *testing.T) {
	f := newSchedulerFixture(t)

	// One slot so completions serialize in queue order
	f.cfg.Scheduler.MaxConcurrent = 1

	ran := make(chan string, 10)
	f.registry.Register(HandlerFunc{
		JobType: "test.order",
		Fn: func(ctx context.Context, job *schedule.Job, params json.RawMessage, ec ExecContext) (json.RawMessage, error) {
			ran <- job.ID
			return nil, nil
		},
	})

	low := f.dueJob(t, "test.order", 9)
	high := f.dueJob(t, "test.order", 1)

	f.markRunning()
	f.scheduler.tick(time.Now())

	var order []string
	for len(order) < 2 {
		select {
		case id := <-ran:
			order = append(order, id)
		case <-time.After(5 * time.Second):
			t.Fatal("handlers did not run")
		}
	}

	assert.Equal(t, []string{high.ID, low.ID}, order)
}

func TestSchedulerRetriesUntilBudgetSpent(t *testing.T) {
	f := newSchedulerFixture(t)

	var attempts int64
	f.registry.Register(HandlerFunc{
		JobType: "test.alwaysfail",
		Fn: func(ctx context.Context, job *schedule.Job, params json.RawMessage, ec ExecContext) (json.RawMessage, error) {
			atomic.AddInt64(&attempts, 1)
			return nil, errors.New("still broken")
		},
	})

	job := f.dueJob(t, "test.alwaysfail", 0)

	f.markRunning()
	f.scheduler.tick(time.Now())

	// Original attempt plus DefaultRetryCount retries, each its own row
	require.Eventually(t, func() bool {
		execs, err := f.execs.ListExecutions(job.ID, 10)
		return err == nil && len(execs) == 4 && atomic.LoadInt64(&attempts) == 4
	}, 5*time.Second, 10*time.Millisecond)

	// And not one more
	time.Sleep(100 * time.Millisecond)
	execs, err := f.execs.ListExecutions(job.ID, 10)
	require.NoError(t, err)
	require.Len(t, execs, 4)

	retryCounts := make(map[int]schedule.TriggerType)
	for _, e := range execs {
		assert.Equal(t, schedule.ExecutionStatusFailed, e.Status)
		retryCounts[e.RetryCount] = e.TriggerType
	}
	assert.Equal(t, schedule.TriggerScheduled, retryCounts[0])
	assert.Equal(t, schedule.TriggerRetry, retryCounts[1])
	assert.Equal(t, schedule.TriggerRetry, retryCounts[2])
	assert.Equal(t, schedule.TriggerRetry, retryCounts[3])

	updated, err := f.jobs.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, updated.RunCount)
	assert.Equal(t, 4, updated.FailCount)
}

func TestSchedulerNoRetryForCanceledOrUnknownType(t *testing.T) {
	f := newSchedulerFixture(t)

	// No handler registered for the job type
	job := f.dueJob(t, "test.nohandler", 0)

	f.markRunning()
	f.scheduler.tick(time.Now())

	require.Eventually(t, func() bool {
		execs, err := f.execs.ListExecutions(job.ID, 10)
		return err == nil && len(execs) == 1 && execs[0].Status == schedule.ExecutionStatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	// Unknown job type is terminal: no retry rows ever appear
	time.Sleep(100 * time.Millisecond)
	execs, err := f.execs.ListExecutions(job.ID, 10)
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestSchedulerCancelQueuedExecution(t *testing.T) {
	f := newSchedulerFixture(t)

	var ran int64
	f.registry.Register(HandlerFunc{
		JobType: "test.counted",
		Fn: func(ctx context.Context, job *schedule.Job, params json.RawMessage, ec ExecContext) (json.RawMessage, error) {
			atomic.AddInt64(&ran, 1)
			return nil, nil
		},
	})

	job := f.dueJob(t, "test.counted", 0)

	// Enqueue without dispatching, then cancel while still queued
	f.scheduler.tick(time.Now())
	execs, err := f.execs.ListExecutions(job.ID, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)

	require.NoError(t, f.scheduler.CancelExecution(execs[0].ID))

	got, err := f.execs.GetExecution(execs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.ExecutionStatusCanceled, got.Status)
	assert.Nil(t, got.StartedAt)

	// Dispatching now finds nothing: the canceled execution never runs
	f.markRunning()
	f.scheduler.dispatch()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&ran))

	// Canceling a finished execution is an error
	err = f.scheduler.CancelExecution(execs[0].ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already finished")
}

func TestSchedulerRateLimitSignalPausesEverything(t *testing.T) {
	f := newSchedulerFixture(t)
	f.cfg.Scheduler.DefaultRetryCount = 0

	f.registry.Register(HandlerFunc{
		JobType: "test.ratelimited",
		Fn: func(ctx context.Context, job *schedule.Job, params json.RawMessage, ec ExecContext) (json.RawMessage, error) {
			return nil, errors.Wrap(errors.ErrRateLimited, "upstream said 429")
		},
	})

	f.dueJob(t, "test.ratelimited", 0)

	f.markRunning()
	f.scheduler.tick(time.Now())

	require.Eventually(t, func() bool {
		status, err := f.scheduler.Status()
		return err == nil && status.Paused
	}, 5*time.Second, 10*time.Millisecond)

	status, err := f.scheduler.Status()
	require.NoError(t, err)
	assert.Contains(t, status.PauseReason, "rate limited")

	// The cooldown is persisted through the limiter
	ok, err := f.scheduler.Limiter().CanExecute(RateLimitScope, "")
	require.NoError(t, err)
	assert.False(t, ok)

	// Paused ticks enqueue nothing
	before := f.scheduler.Queue().Size()
	f.scheduler.tick(time.Now())
	assert.Equal(t, before, f.scheduler.Queue().Size())

	// Manual resume lifts both the pause and the block
	f.scheduler.Resume()
	status, err = f.scheduler.Status()
	require.NoError(t, err)
	assert.False(t, status.Paused)

	ok, err = f.scheduler.Limiter().CanExecute(RateLimitScope, "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSchedulerTriggerJob(t *testing.T) {
	f := newSchedulerFixture(t)
	f.registry.Register(noopHandler("test.manual"))

	job, err := schedule.NewJob("manual", "test.manual", schedule.ScheduleTypeInterval, 60, "", nil, 0, true)
	require.NoError(t, err)
	require.NoError(t, f.jobs.CreateJob(job))
	before := job.NextRunAt

	f.markRunning()
	exec, err := f.scheduler.TriggerJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.TriggerManual, exec.TriggerType)

	require.Eventually(t, func() bool {
		got, err := f.execs.GetExecution(exec.ID)
		return err == nil && got.Status == schedule.ExecutionStatusSuccess
	}, 5*time.Second, 10*time.Millisecond)

	// Manual runs do not advance the schedule
	updated, err := f.jobs.GetJob(job.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, before, updated.NextRunAt, time.Second)

	_, err = f.scheduler.TriggerJob("job_missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSchedulerStartRecoversAndSweeps(t *testing.T) {
	f := newSchedulerFixture(t)
	f.registry.Register(noopHandler("test.recover"))

	job := f.dueJob(t, "test.recover", 0)
	job.NextRunAt = time.Now().Add(time.Hour)
	require.NoError(t, f.jobs.UpdateJob(job))

	// Leftovers from a previous process: one pending, one running
	pending := schedule.NewExecution(job.ID, schedule.TriggerScheduled, 0, time.Now())
	require.NoError(t, f.execs.CreateExecution(pending))
	interrupted := schedule.NewExecution(job.ID, schedule.TriggerScheduled, 0, time.Now())
	interrupted.Start()
	require.NoError(t, f.execs.CreateExecution(interrupted))

	require.NoError(t, f.scheduler.Start())
	require.NoError(t, f.scheduler.Start()) // idempotent

	// The interrupted run is failed, the pending one is recovered and runs
	got, err := f.execs.GetExecution(interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.ExecutionStatusFailed, got.Status)
	assert.Equal(t, "interrupted by restart", got.ErrorMessage)

	require.Eventually(t, func() bool {
		got, err := f.execs.GetExecution(pending.ID)
		return err == nil && got.Status == schedule.ExecutionStatusSuccess
	}, 5*time.Second, 10*time.Millisecond)

	f.scheduler.Stop()
	f.scheduler.Stop() // idempotent
}
