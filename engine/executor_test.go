package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/keplerlabs/cadence/errors"
	cadencetesting "github.com/keplerlabs/cadence/internal/testing"
	"github.com/keplerlabs/cadence/ratelimit"
	"github.com/keplerlabs/cadence/schedule"
)

type executorFixture struct {
	jobs     *schedule.Store
	execs    *schedule.ExecutionStore
	registry *Registry
	limiter  *ratelimit.Limiter
	executor *Executor
}

func newExecutorFixture(t *testing.T, defaultTimeout time.Duration) *executorFixture {
	t.Helper()

	conn := cadencetesting.CreateTestDB(t)
	jobs := schedule.NewStore(conn)
	execs := schedule.NewExecutionStore(conn)
	registry := NewRegistry()
	limiter := ratelimit.NewLimiter(ratelimit.NewStore(conn), 0, 2.0, time.Minute)

	return &executorFixture{
		jobs:     jobs,
		execs:    execs,
		registry: registry,
		limiter:  limiter,
		executor: NewExecutor(jobs, execs, registry, limiter, defaultTimeout, zap.NewNop().Sugar()),
	}
}

// seed persists a job and a pending execution ready to run
func (f *executorFixture) seed(t *testing.T, jobType string, params json.RawMessage) (*schedule.Job, *schedule.Execution) {
	t.Helper()

	job, err := schedule.NewJob("test", jobType, schedule.ScheduleTypeInterval, 30, "", params, 0, true)
	require.NoError(t, err)
	require.NoError(t, f.jobs.CreateJob(job))

	exec := schedule.NewExecution(job.ID, schedule.TriggerScheduled, 0, time.Now())
	require.NoError(t, f.execs.CreateExecution(exec))

	return job, exec
}

func TestExecutorSuccess(t *testing.T) {
	f := newExecutorFixture(t, time.Minute)
	f.registry.Register(HandlerFunc{
		JobType: "test.ok",
		Fn: func(ctx context.Context, job *schedule.Job, params json.RawMessage, ec ExecContext) (json.RawMessage, error) {
			return json.RawMessage(`{"items":7}`), nil
		},
	})

	job, exec := f.seed(t, "test.ok", json.RawMessage(`{"feed":"x"}`))

	err := f.executor.Execute(context.Background(), job, exec)
	require.NoError(t, err)

	got, err := f.execs.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.ExecutionStatusSuccess, got.Status)
	assert.JSONEq(t, `{"items":7}`, string(got.ResultPayload))
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	require.NotNil(t, got.DurationMs)
	assert.Empty(t, got.ErrorMessage)

	updated, err := f.jobs.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.RunCount)
	assert.Equal(t, 1, updated.SuccessCount)
	assert.Equal(t, 0, updated.FailCount)
	assert.Equal(t, "success", updated.LastStatus)
}

func TestExecutorHandlerError(t *testing.T) {
	f := newExecutorFixture(t, time.Minute)
	f.registry.Register(HandlerFunc{
		JobType: "test.fail",
		Fn: func(ctx context.Context, job *schedule.Job, params json.RawMessage, ec ExecContext) (json.RawMessage, error) {
			return nil, errors.New("upstream 500")
		},
	})

	job, exec := f.seed(t, "test.fail", nil)

	err := f.executor.Execute(context.Background(), job, exec)
	require.Error(t, err)

	got, err := f.execs.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.ExecutionStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "upstream 500")

	updated, err := f.jobs.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.FailCount)
	assert.Equal(t, "failed", updated.LastStatus)
	assert.Contains(t, updated.LastError, "upstream 500")
}

func TestExecutorUnknownJobType(t *testing.T) {
	f := newExecutorFixture(t, time.Minute)

	job, exec := f.seed(t, "test.unregistered", nil)

	err := f.executor.Execute(context.Background(), job, exec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownJobType))

	got, err := f.execs.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.ExecutionStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "no handler registered")
}

func TestExecutorHandlerPanic(t *testing.T) {
	f := newExecutorFixture(t, time.Minute)
	f.registry.Register(HandlerFunc{
		JobType: "test.panics",
		Fn: func(ctx context.Context, job *schedule.Job, params json.RawMessage, ec ExecContext) (json.RawMessage, error) {
			panic("handler bug")
		},
	})

	job, exec := f.seed(t, "test.panics", nil)

	err := f.executor.Execute(context.Background(), job, exec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler panic")

	got, err := f.execs.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.ExecutionStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "handler bug")

	updated, err := f.jobs.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.FailCount)
	assert.Equal(t, "failed", updated.LastStatus)
}

func TestExecutorTimeout(t *testing.T) {
	f := newExecutorFixture(t, time.Minute)
	f.registry.Register(HandlerFunc{
		JobType: "test.slow",
		Fn: func(ctx context.Context, job *schedule.Job, params json.RawMessage, ec ExecContext) (json.RawMessage, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return nil, nil
			}
		},
	})

	// Per-job timeout override beats the executor default
	job, exec := f.seed(t, "test.slow", json.RawMessage(`{"timeout_ms":50}`))

	start := time.Now()
	err := f.executor.Execute(context.Background(), job, exec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 2*time.Second)

	got, err := f.execs.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.ExecutionStatusTimeout, got.Status)
	assert.Contains(t, got.ErrorMessage, "timeout")

	updated, err := f.jobs.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.FailCount)
	assert.Equal(t, "timeout", updated.LastStatus)
}

func TestExecutorTimeoutAbandonsStuckHandler(t *testing.T) {
	f := newExecutorFixture(t, time.Minute)
	release := make(chan struct{})
	f.registry.Register(HandlerFunc{
		JobType: "test.stuck",
		Fn: func(ctx context.Context, job *schedule.Job, params json.RawMessage, ec ExecContext) (json.RawMessage, error) {
			// Ignores its context entirely
			<-release
			return nil, nil
		},
	})
	defer close(release)

	job, exec := f.seed(t, "test.stuck", json.RawMessage(`{"timeout_ms":50}`))

	// The outcome is recorded at the deadline even though the handler never returned
	err := f.executor.Execute(context.Background(), job, exec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	got, err := f.execs.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.ExecutionStatusTimeout, got.Status)
}

func TestExecutorCancel(t *testing.T) {
	f := newExecutorFixture(t, time.Minute)
	started := make(chan struct{})
	f.registry.Register(HandlerFunc{
		JobType: "test.cancelable",
		Fn: func(ctx context.Context, job *schedule.Job, params json.RawMessage, ec ExecContext) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	job, exec := f.seed(t, "test.cancelable", nil)

	var wg sync.WaitGroup
	var execErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		execErr = f.executor.Execute(context.Background(), job, exec)
	}()

	<-started
	require.True(t, f.executor.IsActive(exec.ID))
	require.True(t, f.executor.Cancel(exec.ID))
	wg.Wait()

	require.Error(t, execErr)
	assert.True(t, errors.Is(execErr, context.Canceled))
	assert.False(t, f.executor.IsActive(exec.ID))

	got, err := f.execs.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.ExecutionStatusCanceled, got.Status)

	// Cancel on an unknown execution is a no-op
	assert.False(t, f.executor.Cancel("exec_unknown"))
}

func TestExecutorRecordsRateLimitRequest(t *testing.T) {
	f := newExecutorFixture(t, time.Minute)
	f.registry.Register(noopHandler("test.ok"))

	job, exec := f.seed(t, "test.ok", nil)
	require.NoError(t, f.executor.Execute(context.Background(), job, exec))

	ok, err := f.limiter.CanExecute(RateLimitScope, "")
	require.NoError(t, err)
	// minInterval is zero in this fixture, so pacing state exists but does not block
	assert.True(t, ok)
}
