package engine

import (
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/keplerlabs/cadence/config"
	"github.com/keplerlabs/cadence/errors"
	"github.com/keplerlabs/cadence/schedule"
)

// Service is the admin surface over the engine: job CRUD, manual triggers,
// cancellation, and status. Constructed explicitly at process startup and
// handed to whatever exposes it (CLI, HTTP, tests); no package globals.
type Service struct {
	jobs      *schedule.Store
	execs     *schedule.ExecutionStore
	scheduler *Scheduler
	log       *zap.SugaredLogger
}

// NewService creates a service and the scheduler under it.
func NewService(conn *sql.DB, cfg *config.Config, registry *Registry, log *zap.SugaredLogger) *Service {
	return &Service{
		jobs:      schedule.NewStore(conn),
		execs:     schedule.NewExecutionStore(conn),
		scheduler: NewScheduler(conn, cfg, registry, log),
		log:       log,
	}
}

// Scheduler returns the scheduler owned by this service.
func (s *Service) Scheduler() *Scheduler {
	return s.scheduler
}

// Start starts the underlying scheduler.
func (s *Service) Start() error {
	return s.scheduler.Start()
}

// Stop stops the underlying scheduler.
func (s *Service) Stop() {
	s.scheduler.Stop()
}

// JobInput carries the caller-settable fields of a job definition.
type JobInput struct {
	Name            string          `json:"name"`
	JobType         string          `json:"job_type"`
	ScheduleType    string          `json:"schedule_type"`
	IntervalMinutes int             `json:"interval_minutes,omitempty"`
	CronExpression  string          `json:"cron_expression,omitempty"`
	Params          json.RawMessage `json:"params,omitempty"`
	Priority        int             `json:"priority"`
	IsEnabled       bool            `json:"is_enabled"`
}

// CreateJob validates and persists a new scheduled job.
func (s *Service) CreateJob(input JobInput) (*schedule.Job, error) {
	job, err := schedule.NewJob(
		input.Name,
		input.JobType,
		schedule.ScheduleType(input.ScheduleType),
		input.IntervalMinutes,
		input.CronExpression,
		input.Params,
		input.Priority,
		input.IsEnabled,
	)
	if err != nil {
		return nil, err
	}

	if err := s.jobs.CreateJob(job); err != nil {
		return nil, err
	}

	s.log.Infow("Created scheduled job",
		"job_id", job.ID,
		"job_type", job.JobType,
		"schedule_type", job.ScheduleType,
		"next_run_at", job.NextRunAt)

	return job, nil
}

// JobUpdate carries a partial set of definition changes. Nil fields keep
// the job's current values.
type JobUpdate struct {
	Name            *string         `json:"name,omitempty"`
	JobType         *string         `json:"job_type,omitempty"`
	ScheduleType    *string         `json:"schedule_type,omitempty"`
	IntervalMinutes *int            `json:"interval_minutes,omitempty"`
	CronExpression  *string         `json:"cron_expression,omitempty"`
	Params          json.RawMessage `json:"params,omitempty"`
	Priority        *int            `json:"priority,omitempty"`
	IsEnabled       *bool           `json:"is_enabled,omitempty"`
}

// UpdateJob overlays the supplied fields on an existing job. When the
// schedule itself changes, next_run_at is recomputed from now; otherwise the
// current slot is kept.
func (s *Service) UpdateJob(id string, update JobUpdate) (*schedule.Job, error) {
	job, err := s.jobs.GetJob(id)
	if err != nil {
		return nil, err
	}

	merged := JobInput{
		Name:            job.Name,
		JobType:         job.JobType,
		ScheduleType:    string(job.ScheduleType),
		IntervalMinutes: job.IntervalMinutes,
		CronExpression:  job.CronExpression,
		Params:          job.Params,
		Priority:        job.Priority,
		IsEnabled:       job.IsEnabled,
	}
	if update.Name != nil {
		merged.Name = *update.Name
	}
	if update.JobType != nil {
		merged.JobType = *update.JobType
	}
	if update.ScheduleType != nil {
		merged.ScheduleType = *update.ScheduleType
	}
	if update.IntervalMinutes != nil {
		merged.IntervalMinutes = *update.IntervalMinutes
	}
	if update.CronExpression != nil {
		merged.CronExpression = *update.CronExpression
	}
	if update.Params != nil {
		merged.Params = update.Params
	}
	if update.Priority != nil {
		merged.Priority = *update.Priority
	}
	if update.IsEnabled != nil {
		merged.IsEnabled = *update.IsEnabled
	}

	// Validate the merged definition through the same path as creation
	validated, err := schedule.NewJob(
		merged.Name,
		merged.JobType,
		schedule.ScheduleType(merged.ScheduleType),
		merged.IntervalMinutes,
		merged.CronExpression,
		merged.Params,
		merged.Priority,
		merged.IsEnabled,
	)
	if err != nil {
		return nil, err
	}

	scheduleChanged := job.ScheduleType != validated.ScheduleType ||
		job.IntervalMinutes != validated.IntervalMinutes ||
		job.CronExpression != validated.CronExpression

	job.Name = validated.Name
	job.JobType = validated.JobType
	job.ScheduleType = validated.ScheduleType
	job.IntervalMinutes = validated.IntervalMinutes
	job.CronExpression = validated.CronExpression
	job.Params = validated.Params
	job.Priority = validated.Priority
	job.IsEnabled = validated.IsEnabled
	if scheduleChanged {
		job.NextRunAt = job.NextAfter(time.Now())
	}

	if err := s.jobs.UpdateJob(job); err != nil {
		return nil, err
	}

	s.log.Infow("Updated scheduled job",
		"job_id", job.ID,
		"schedule_changed", scheduleChanged,
		"next_run_at", job.NextRunAt)

	return job, nil
}

// SetJobEnabled flips just the enabled flag, leaving the schedule alone.
func (s *Service) SetJobEnabled(id string, enabled bool) (*schedule.Job, error) {
	job, err := s.jobs.GetJob(id)
	if err != nil {
		return nil, err
	}

	job.IsEnabled = enabled
	if err := s.jobs.UpdateJob(job); err != nil {
		return nil, err
	}

	s.log.Infow("Toggled scheduled job", "job_id", id, "enabled", enabled)
	return job, nil
}

// DeleteJob cancels the job's pending executions, evicts them from the
// queue, then deletes the job. History rows go with it via the schema's
// cascade.
func (s *Service) DeleteJob(id string) error {
	canceled, err := s.execs.CancelPendingByJob(id, "job deleted")
	if err != nil {
		return err
	}
	for _, executionID := range canceled {
		s.scheduler.Queue().Remove(executionID)
	}

	if err := s.jobs.DeleteJob(id); err != nil {
		return err
	}

	s.log.Infow("Deleted scheduled job", "job_id", id, "canceled_pending", len(canceled))
	return nil
}

// GetJob returns one job by ID.
func (s *Service) GetJob(id string) (*schedule.Job, error) {
	return s.jobs.GetJob(id)
}

// ListJobs returns jobs, optionally filtered by job type.
func (s *Service) ListJobs(jobType string, limit int) ([]*schedule.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.jobs.ListJobs(jobType, limit)
}

// GetExecution returns one execution by ID.
func (s *Service) GetExecution(id string) (*schedule.Execution, error) {
	return s.execs.GetExecution(id)
}

// ListExecutions returns a job's recent executions, newest first.
func (s *Service) ListExecutions(jobID string, limit int) ([]*schedule.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.execs.ListExecutions(jobID, limit)
}

// TriggerJob runs a job now, outside its schedule.
func (s *Service) TriggerJob(jobID string) (*schedule.Execution, error) {
	return s.scheduler.TriggerJob(jobID)
}

// CancelExecution cancels a queued or running execution.
func (s *Service) CancelExecution(executionID string) error {
	return s.scheduler.CancelExecution(executionID)
}

// Status combines scheduler state with execution counts.
type Status struct {
	Scheduler       *SchedulerStatus                 `json:"scheduler"`
	ExecutionCounts map[schedule.ExecutionStatus]int `json:"execution_counts"`
}

// Status reports engine-wide state for operators.
func (s *Service) Status() (*Status, error) {
	schedStatus, err := s.scheduler.Status()
	if err != nil {
		return nil, err
	}

	counts, err := s.execs.CountByStatus()
	if err != nil {
		return nil, err
	}

	return &Status{
		Scheduler:       schedStatus,
		ExecutionCounts: counts,
	}, nil
}

// PruneExecutions deletes terminal execution history older than the
// retention window. Returns the number of rows removed.
func (s *Service) PruneExecutions(retentionDays int) (int64, error) {
	n, err := s.execs.CleanupOldExecutions(retentionDays)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune executions")
	}
	if n > 0 {
		s.log.Infow("Pruned old executions", "deleted", n, "retention_days", retentionDays)
	}
	return n, nil
}
