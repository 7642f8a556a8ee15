package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/keplerlabs/cadence/errors"
	"github.com/keplerlabs/cadence/ratelimit"
	"github.com/keplerlabs/cadence/schedule"
)

// RateLimitScope is the scope the executor paces all handler work under.
const RateLimitScope = "global"

// Executor runs a single execution end to end: handler resolution, rate
// limit gate, timeout enforcement, and outcome persistence. It is the only
// component that mutates execution terminal fields and job run counters.
type Executor struct {
	jobs     *schedule.Store
	execs    *schedule.ExecutionStore
	registry *Registry
	limiter  *ratelimit.Limiter
	timeout  time.Duration // default per-execution timeout
	log      *zap.SugaredLogger

	mu     sync.Mutex
	active map[string]context.CancelFunc // executionID -> cancel, while running
}

// NewExecutor creates an executor
func NewExecutor(jobs *schedule.Store, execs *schedule.ExecutionStore, registry *Registry, limiter *ratelimit.Limiter, defaultTimeout time.Duration, log *zap.SugaredLogger) *Executor {
	return &Executor{
		jobs:     jobs,
		execs:    execs,
		registry: registry,
		limiter:  limiter,
		timeout:  defaultTimeout,
		log:      log,
		active:   make(map[string]context.CancelFunc),
	}
}

// execParams is the engine-reserved envelope inside a job's params blob.
// Everything else in the blob belongs to the handler.
type execParams struct {
	TimeoutMs int `json:"timeout_ms"`
}

// handlerResult carries a handler's return values across the timeout race
type handlerResult struct {
	payload json.RawMessage
	err     error
}

// Execute runs one execution to a terminal state and persists the outcome.
// The returned error is the handler's error (nil on success); persistence
// failures are logged, never propagated, so one bad write cannot take down
// the dispatch loop.
func (e *Executor) Execute(ctx context.Context, job *schedule.Job, exec *schedule.Execution) error {
	handler := e.registry.Get(job.JobType)
	if handler == nil {
		// No handler means no retry can ever succeed: terminal failure
		err := errors.Wrapf(errors.ErrUnknownJobType, "no handler registered for job type %q", job.JobType)
		exec.Fail(err)
		e.persistOutcome(job, exec)
		return err
	}

	timeout := e.timeout
	if len(job.Params) > 0 {
		var p execParams
		if jsonErr := json.Unmarshal(job.Params, &p); jsonErr == nil && p.TimeoutMs > 0 {
			timeout = time.Duration(p.TimeoutMs) * time.Millisecond
		}
	}

	exec.Start()
	if err := e.execs.UpdateExecution(exec); err != nil {
		e.log.Errorw("Failed to mark execution running",
			"execution_id", exec.ID,
			"job_id", job.ID,
			"error", err)
	}

	// Pace all handler work through the shared scope before it starts
	if err := e.limiter.WaitUntilReady(ctx, RateLimitScope, ""); err != nil {
		exec.Cancel("canceled while waiting for rate limit")
		e.persistOutcome(job, exec)
		return err
	}
	if err := e.limiter.RecordRequest(RateLimitScope, ""); err != nil {
		e.log.Warnw("Failed to record rate limit request", "error", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.register(exec.ID, cancel)
	defer e.deregister(exec.ID)

	ec := ExecContext{
		ExecutionID: exec.ID,
		JobID:       job.ID,
		RetryCount:  exec.RetryCount,
		StartedAt:   *exec.StartedAt,
	}

	// Race the handler against the deadline. The buffered channel lets a
	// handler that ignores its context finish and be garbage collected
	// after we have already recorded the timeout.
	done := make(chan handlerResult, 1)
	go func() {
		// A panicking handler must surface as a failed execution, not
		// bring down the process.
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: errors.Newf("handler panic: %v", r)}
			}
		}()
		payload, err := handler.Execute(runCtx, job, job.Params, ec)
		done <- handlerResult{payload: payload, err: err}
	}()

	var handlerErr error
	select {
	case res := <-done:
		handlerErr = res.err
		switch {
		case res.err == nil:
			exec.Complete(res.payload)
		case errors.Is(res.err, context.DeadlineExceeded):
			exec.Timeout(errors.Newf("execution exceeded timeout of %s", timeout))
		case errors.Is(res.err, context.Canceled):
			exec.Cancel("canceled")
		default:
			exec.Fail(res.err)
		}
	case <-runCtx.Done():
		handlerErr = runCtx.Err()
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			exec.Timeout(errors.Newf("execution exceeded timeout of %s", timeout))
		} else {
			exec.Cancel("canceled")
		}
	}

	e.persistOutcome(job, exec)

	e.log.Infow("Execution finished",
		"execution_id", exec.ID,
		"job_id", job.ID,
		"job_type", job.JobType,
		"status", exec.Status,
		"trigger", exec.TriggerType,
		"retry_count", exec.RetryCount)

	return handlerErr
}

// Cancel requests cooperative cancellation of a running execution.
// Returns false if the execution is not currently running here.
func (e *Executor) Cancel(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	cancel, exists := e.active[executionID]
	if !exists {
		return false
	}
	cancel()
	return true
}

// IsActive reports whether an execution is currently running here.
func (e *Executor) IsActive(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, exists := e.active[executionID]
	return exists
}

// ActiveCount returns the number of executions currently running.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.active)
}

func (e *Executor) register(executionID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[executionID] = cancel
}

func (e *Executor) deregister(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, executionID)
}

// persistOutcome writes the terminal execution row and the job's run
// counters. Failures here are logged and swallowed: the work already
// happened, losing the record must not crash the loop.
func (e *Executor) persistOutcome(job *schedule.Job, exec *schedule.Execution) {
	if err := e.execs.UpdateExecution(exec); err != nil {
		e.log.Errorw("Failed to persist execution outcome",
			"execution_id", exec.ID,
			"job_id", job.ID,
			"status", exec.Status,
			"error", err)
	}

	finishedAt := time.Now()
	if exec.FinishedAt != nil {
		finishedAt = *exec.FinishedAt
	}
	if err := e.jobs.RecordOutcome(job.ID, finishedAt, exec.Status, exec.ErrorMessage); err != nil {
		e.log.Errorw("Failed to record job outcome",
			"job_id", job.ID,
			"status", exec.Status,
			"error", err)
	}
}
