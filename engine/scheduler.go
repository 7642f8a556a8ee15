package engine

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/keplerlabs/cadence/config"
	"github.com/keplerlabs/cadence/errors"
	"github.com/keplerlabs/cadence/ratelimit"
	"github.com/keplerlabs/cadence/schedule"
)

// Scheduler drives the engine: a periodic tick enqueues due jobs, a bounded
// dispatcher hands them to the executor, failures retry with backoff, and a
// rate-limit signal from any handler pauses the whole loop for a cooldown.
type Scheduler struct {
	cfg      *config.Config
	jobs     *schedule.Store
	execs    *schedule.ExecutionStore
	queue    *Queue
	executor *Executor
	limiter  *ratelimit.Limiter
	registry *Registry
	log      *zap.SugaredLogger

	ctx      context.Context
	cancel   context.CancelFunc
	execCtx  context.Context // not canceled by Stop: in-flight work finishes on its own
	execStop context.CancelFunc
	wg       sync.WaitGroup

	tickBusy atomic.Bool // overlap guard: a slow tick skips the next

	mu          sync.Mutex
	running     bool
	paused      bool
	pauseReason string
	resumeTimer *time.Timer
	retryTimers map[string]*time.Timer // pending retry fires, keyed by source execution ID
	lastTickAt  time.Time
	tickCount   int64
}

// NewScheduler wires a scheduler and its collaborators over one database.
func NewScheduler(conn *sql.DB, cfg *config.Config, registry *Registry, log *zap.SugaredLogger) *Scheduler {
	jobs := schedule.NewStore(conn)
	execs := schedule.NewExecutionStore(conn)
	limiter := ratelimit.NewLimiter(
		ratelimit.NewStore(conn),
		time.Duration(cfg.RateLimit.MinRequestIntervalMs)*time.Millisecond,
		cfg.RateLimit.BackoffMultiplier,
		time.Duration(cfg.RateLimit.MaxBackoffMs)*time.Millisecond,
	)

	s := &Scheduler{
		cfg:         cfg,
		jobs:        jobs,
		execs:       execs,
		queue:       NewQueue(),
		executor:    NewExecutor(jobs, execs, registry, limiter, cfg.DefaultTimeout(), log),
		limiter:     limiter,
		registry:    registry,
		log:         log,
		retryTimers: make(map[string]*time.Timer),
	}
	// Placeholder contexts so queries work before Start
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.execCtx, s.execStop = context.WithCancel(context.Background())
	return s
}

// Start begins the tick loop. Idempotent: a second Start is a no-op.
// Before the first tick it fails executions interrupted by the previous
// process and reloads pending ones into the queue.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.execCtx, s.execStop = context.WithCancel(context.Background())
	s.mu.Unlock()

	swept, err := s.execs.MarkInterruptedRunning(time.Now())
	if err != nil {
		return errors.Wrap(err, "failed startup sweep of interrupted executions")
	}
	if swept > 0 {
		s.log.Warnw("Failed executions interrupted by previous shutdown", "count", swept)
	}

	loaded, err := s.queue.LoadPending(s.jobs, s.execs)
	if err != nil {
		return errors.Wrap(err, "failed to recover pending executions")
	}
	if loaded > 0 {
		s.log.Infow("Recovered pending executions into queue", "count", loaded)
	}

	s.wg.Add(1)
	go s.run()

	s.log.Infow("Scheduler started",
		"tick_interval", s.cfg.TickInterval(),
		"max_concurrent", s.cfg.Scheduler.MaxConcurrent,
		"handlers", s.registry.Types())

	return nil
}

// Stop halts the tick loop and waits for in-flight executions to finish on
// their own. Queued work stays pending in storage for the next Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	if s.resumeTimer != nil {
		s.resumeTimer.Stop()
		s.resumeTimer = nil
	}
	for id, timer := range s.retryTimers {
		timer.Stop()
		delete(s.retryTimers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.execStop()
	s.log.Infow("Scheduler stopped")
}

// Pause suspends enqueueing and dispatch. Running executions continue.
func (s *Scheduler) Pause(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paused = true
	s.pauseReason = reason
	s.log.Warnw("Scheduler paused", "reason", reason)
}

// Resume lifts a pause, manual or cooldown, and kicks dispatch.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	if !s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = false
	s.pauseReason = ""
	if s.resumeTimer != nil {
		s.resumeTimer.Stop()
		s.resumeTimer = nil
	}
	s.mu.Unlock()

	if err := s.limiter.Unblock(RateLimitScope, ""); err != nil {
		s.log.Warnw("Failed to unblock rate limit scope on resume", "error", err)
	}

	s.log.Infow("Scheduler resumed")
	s.dispatch()
}

// run is the main tick loop
func (s *Scheduler) run() {
	defer s.wg.Done()

	// Immediate first tick so due work is not delayed by one interval
	s.tick(time.Now())

	ticker := time.NewTicker(s.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// tick enqueues due jobs and dispatches queued work. Guarded so a tick that
// outlives its interval skips the overlapping one instead of stacking.
func (s *Scheduler) tick(now time.Time) {
	if !s.tickBusy.CompareAndSwap(false, true) {
		s.log.Debugw("Skipping overlapping tick")
		return
	}
	defer s.tickBusy.Store(false)

	s.mu.Lock()
	s.lastTickAt = now
	s.tickCount++
	paused := s.paused
	s.mu.Unlock()

	if paused {
		return
	}

	due, err := s.jobs.ListJobsDue(s.ctx, now)
	if err != nil {
		s.log.Warnw("Failed to list due jobs", "error", err)
		return
	}

	for _, job := range due {
		// One bad job must not starve the rest of the batch
		if err := s.enqueueScheduled(job, now); err != nil {
			s.log.Warnw("Failed to enqueue due job",
				"job_id", job.ID,
				"job_type", job.JobType,
				"error", err)
		}
	}

	s.dispatch()
}

// enqueueScheduled creates the pending execution and advances next_run_at in
// one transaction, then makes the execution dispatchable.
func (s *Scheduler) enqueueScheduled(job *schedule.Job, now time.Time) error {
	exec := schedule.NewExecution(job.ID, schedule.TriggerScheduled, 0, now)
	if err := s.jobs.ScheduleExecution(exec, job.ID, job.NextAfter(now)); err != nil {
		return err
	}

	return s.queue.Enqueue(job, exec)
}

// dispatch drains the queue into executor goroutines while slots are free.
func (s *Scheduler) dispatch() {
	for {
		s.mu.Lock()
		blocked := !s.running || s.paused
		s.mu.Unlock()
		if blocked {
			return
		}

		item := s.queue.DequeueBelow(s.cfg.Scheduler.MaxConcurrent)
		if item == nil {
			return
		}

		s.wg.Add(1)
		go s.runExecution(item)
	}
}

// runExecution runs one dequeued item to completion and handles the fallout.
func (s *Scheduler) runExecution(item *Item) {
	defer s.wg.Done()

	err := s.executor.Execute(s.execCtx, item.Job, item.Exec)
	s.queue.MarkComplete(item.Exec.ID)

	if errors.Is(err, errors.ErrRateLimited) {
		s.pauseForCooldown()
	}

	if s.shouldRetry(item.Exec, err) {
		s.scheduleRetry(item)
	}

	// The finished execution freed a slot
	s.dispatch()
}

// shouldRetry applies the retry policy: failed and timed-out executions
// retry until the attempt budget is spent. Canceled executions never retry,
// nor do failures no retry could fix (unknown job type).
func (s *Scheduler) shouldRetry(exec *schedule.Execution, err error) bool {
	if exec.Status != schedule.ExecutionStatusFailed && exec.Status != schedule.ExecutionStatusTimeout {
		return false
	}
	if errors.Is(err, errors.ErrUnknownJobType) {
		return false
	}
	return exec.RetryCount < s.cfg.Scheduler.DefaultRetryCount
}

// scheduleRetry arms a timer that creates a fresh retry execution after the
// backoff delay. Retries are new rows; the failed row stays as history.
func (s *Scheduler) scheduleRetry(item *Item) {
	attempt := item.Exec.RetryCount + 1
	delay := s.limiter.BackoffDelay(attempt)

	s.log.Infow("Scheduling retry",
		"job_id", item.Job.ID,
		"source_execution_id", item.Exec.ID,
		"attempt", attempt,
		"delay", delay)

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	sourceID := item.Exec.ID
	s.retryTimers[sourceID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.retryTimers, sourceID)
		running := s.running
		s.mu.Unlock()
		if !running {
			return
		}

		retry := schedule.NewExecution(item.Job.ID, schedule.TriggerRetry, attempt, time.Now())
		if err := s.execs.CreateExecution(retry); err != nil {
			s.log.Errorw("Failed to create retry execution",
				"job_id", item.Job.ID,
				"attempt", attempt,
				"error", err)
			return
		}
		if err := s.queue.Enqueue(item.Job, retry); err != nil {
			s.log.Errorw("Failed to enqueue retry execution",
				"execution_id", retry.ID,
				"error", err)
			return
		}
		s.dispatch()
	})
	s.mu.Unlock()
}

// pauseForCooldown reacts to a downstream rate-limit signal: the whole
// scheduler pauses and resumes automatically after the configured cooldown.
// The block is persisted through the limiter so a restart during the
// cooldown stays paced.
func (s *Scheduler) pauseForCooldown() {
	cooldown := s.cfg.RateLimitCooldown()

	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = true
	s.pauseReason = "rate limited by downstream"
	if s.resumeTimer != nil {
		s.resumeTimer.Stop()
	}
	s.resumeTimer = time.AfterFunc(cooldown, s.Resume)
	s.mu.Unlock()

	if err := s.limiter.Block(RateLimitScope, "", cooldown, "rate limited by downstream"); err != nil {
		s.log.Warnw("Failed to persist rate limit block", "error", err)
	}

	s.log.Warnw("Scheduler paused by rate limit signal", "cooldown", cooldown)
}

// TriggerJob runs a job now, outside its schedule. The manual execution does
// not advance next_run_at. Works on disabled jobs; the operator asked.
func (s *Scheduler) TriggerJob(jobID string) (*schedule.Execution, error) {
	job, err := s.jobs.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	exec := schedule.NewExecution(job.ID, schedule.TriggerManual, 0, time.Now())
	if err := s.execs.CreateExecution(exec); err != nil {
		return nil, errors.Wrap(err, "failed to create manual execution")
	}

	if err := s.queue.Enqueue(job, exec); err != nil {
		return nil, err
	}

	s.log.Infow("Job triggered manually", "job_id", jobID, "execution_id", exec.ID)
	s.dispatch()

	return exec, nil
}

// CancelExecution cancels a queued or running execution. A queued execution
// goes straight to canceled without ever running; a running one is asked to
// stop through its context and records its own outcome.
func (s *Scheduler) CancelExecution(executionID string) error {
	if item := s.queue.Remove(executionID); item != nil {
		item.Exec.Cancel("canceled before dispatch")
		if err := s.execs.UpdateExecution(item.Exec); err != nil {
			return errors.Wrap(err, "failed to persist cancellation")
		}
		s.log.Infow("Canceled queued execution", "execution_id", executionID)
		return nil
	}

	if s.executor.Cancel(executionID) {
		s.log.Infow("Requested cancellation of running execution", "execution_id", executionID)
		return nil
	}

	exec, err := s.execs.GetExecution(executionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return errors.Newf("execution %s already finished (status: %s)", executionID, exec.Status)
	}

	// Pending in storage but not in this queue (e.g. scheduler not started)
	exec.Cancel("canceled before dispatch")
	if err := s.execs.UpdateExecution(exec); err != nil {
		return errors.Wrap(err, "failed to persist cancellation")
	}

	return nil
}

// SchedulerStatus is a point-in-time snapshot for operators
type SchedulerStatus struct {
	Running          bool       `json:"running"`
	Paused           bool       `json:"paused"`
	PauseReason      string     `json:"pause_reason,omitempty"`
	QueueSize        int        `json:"queue_size"`
	ActiveExecutions int        `json:"active_executions"`
	TickCount        int64      `json:"tick_count"`
	LastTickAt       *time.Time `json:"last_tick_at,omitempty"`
	NextRunAt        *time.Time `json:"next_run_at,omitempty"`
	NextJobID        string     `json:"next_job_id,omitempty"`
}

// Status reports current scheduler state
func (s *Scheduler) Status() (*SchedulerStatus, error) {
	s.mu.Lock()
	status := &SchedulerStatus{
		Running:     s.running,
		Paused:      s.paused,
		PauseReason: s.pauseReason,
		TickCount:   s.tickCount,
	}
	if !s.lastTickAt.IsZero() {
		t := s.lastTickAt
		status.LastTickAt = &t
	}
	s.mu.Unlock()

	status.QueueSize = s.queue.Size()
	status.ActiveExecutions = s.executor.ActiveCount()

	next, err := s.jobs.NextScheduledJob()
	if err != nil {
		return nil, err
	}
	if next != nil {
		t := next.NextRunAt
		status.NextRunAt = &t
		status.NextJobID = next.ID
	}

	return status, nil
}

// Queue exposes the in-memory queue, mainly for admin surfaces.
func (s *Scheduler) Queue() *Queue {
	return s.queue
}

// Limiter exposes the shared rate limiter.
func (s *Scheduler) Limiter() *ratelimit.Limiter {
	return s.limiter
}
