// Package schedule provides the persisted model of recurring jobs and their
// executions, and the pure schedule calculator.
package schedule

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keplerlabs/cadence/errors"
)

// ScheduleType selects how a job's next run time is computed
type ScheduleType string

const (
	ScheduleTypeInterval ScheduleType = "interval"
	ScheduleTypeCron     ScheduleType = "cron"
)

// Job represents a standing definition of recurring work.
//
// ARCHITECTURE: Generic job system with handler-based execution
// - Infrastructure (schedule, engine) is domain-agnostic
// - Domain packages provide handlers and params
// - JobType identifies which registered handler executes the job
// - Params contains handler-specific data (domain logic controls structure)
type Job struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	JobType         string          `json:"job_type"` // "feed.refresh", "report.generate"
	ScheduleType    ScheduleType    `json:"schedule_type"`
	IntervalMinutes int             `json:"interval_minutes,omitempty"` // Set when ScheduleType is interval
	CronExpression  string          `json:"cron_expression,omitempty"`  // Set when ScheduleType is cron
	Params          json.RawMessage `json:"params,omitempty"`           // Handler-specific data (domain-owned)
	IsEnabled       bool            `json:"is_enabled"`
	Priority        int             `json:"priority"` // Lower runs first when simultaneously due
	NextRunAt       time.Time       `json:"next_run_at"`
	LastRunAt       *time.Time      `json:"last_run_at,omitempty"`
	LastStatus      string          `json:"last_status,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	RunCount        int             `json:"run_count"`
	SuccessCount    int             `json:"success_count"`
	FailCount       int             `json:"fail_count"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewJob creates a scheduled job definition. The schedule fields are
// validated strictly here: degradation to defaults happens only for rows
// already in storage, never at creation time.
func NewJob(name, jobType string, scheduleType ScheduleType, intervalMinutes int, cronExpression string, params json.RawMessage, priority int, enabled bool) (*Job, error) {
	if name == "" {
		return nil, errors.New("job name cannot be empty")
	}
	if jobType == "" {
		return nil, errors.New("jobType cannot be empty")
	}

	switch scheduleType {
	case ScheduleTypeInterval:
		if intervalMinutes <= 0 {
			return nil, errors.Wrapf(errors.ErrInvalidSchedule, "intervalMinutes must be positive, got %d", intervalMinutes)
		}
	case ScheduleTypeCron:
		if err := ValidateCron(cronExpression); err != nil {
			return nil, errors.Wrap(errors.ErrInvalidSchedule, err.Error())
		}
	default:
		return nil, errors.Wrapf(errors.ErrInvalidSchedule, "unknown schedule type %q", scheduleType)
	}

	now := time.Now()
	return &Job{
		ID:              NewJobID(),
		Name:            name,
		JobType:         jobType,
		ScheduleType:    scheduleType,
		IntervalMinutes: intervalMinutes,
		CronExpression:  cronExpression,
		Params:          params,
		IsEnabled:       enabled,
		Priority:        priority,
		NextRunAt:       NextRunTime(scheduleType, intervalMinutes, cronExpression, now),
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// NextAfter returns the job's next fire time strictly after from.
func (j *Job) NextAfter(from time.Time) time.Time {
	return NextRunTime(j.ScheduleType, j.IntervalMinutes, j.CronExpression, from)
}

// NewJobID generates a job identifier with a job_ prefix.
func NewJobID() string {
	return "job_" + compactUUID()
}

// NewExecutionID generates an execution identifier with an exec_ prefix.
func NewExecutionID() string {
	return "exec_" + compactUUID()
}

func compactUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
