package schedule

import (
	"encoding/json"
	"time"
)

// ExecutionStatus represents the current state of an execution
type ExecutionStatus string

const (
	ExecutionStatusPending  ExecutionStatus = "pending"
	ExecutionStatusRunning  ExecutionStatus = "running"
	ExecutionStatusSuccess  ExecutionStatus = "success"
	ExecutionStatusFailed   ExecutionStatus = "failed"
	ExecutionStatusTimeout  ExecutionStatus = "timeout"
	ExecutionStatusCanceled ExecutionStatus = "canceled"
)

// IsTerminal returns true for statuses an execution can never leave.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusTimeout, ExecutionStatusCanceled:
		return true
	default:
		return false
	}
}

// TriggerType records why an execution was created
type TriggerType string

const (
	TriggerScheduled TriggerType = "scheduled"
	TriggerManual    TriggerType = "manual"
	TriggerRetry     TriggerType = "retry"
)

// Execution represents one concrete attempt to run a scheduled job.
//
// Lifecycle: created pending when a due job is enqueued (or a retry is
// scheduled), running when dequeued by the executor, then exactly one
// terminal status. Retries are new rows with retry_count+1, never in-place
// transitions.
type Execution struct {
	ID            string          `json:"id"`
	JobID         string          `json:"job_id"`
	Status        ExecutionStatus `json:"status"`
	TriggerType   TriggerType     `json:"trigger_type"`
	RetryCount    int             `json:"retry_count"`
	ScheduledAt   time.Time       `json:"scheduled_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	DurationMs    *int            `json:"duration_ms,omitempty"`
	ResultPayload json.RawMessage `json:"result_payload,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewExecution creates a pending execution for a job.
func NewExecution(jobID string, trigger TriggerType, retryCount int, scheduledAt time.Time) *Execution {
	now := time.Now()
	return &Execution{
		ID:          NewExecutionID(),
		JobID:       jobID,
		Status:      ExecutionStatusPending,
		TriggerType: trigger,
		RetryCount:  retryCount,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Start marks the execution as running
func (e *Execution) Start() {
	now := time.Now()
	e.Status = ExecutionStatusRunning
	e.StartedAt = &now
	e.UpdatedAt = now
}

// Complete marks the execution as succeeded with an optional result payload
func (e *Execution) Complete(result json.RawMessage) {
	e.finish(ExecutionStatusSuccess)
	e.ResultPayload = result
	e.ErrorMessage = ""
}

// Fail marks the execution as failed with an error message
func (e *Execution) Fail(err error) {
	e.finish(ExecutionStatusFailed)
	e.ErrorMessage = err.Error()
}

// Timeout marks the execution as timed out
func (e *Execution) Timeout(err error) {
	e.finish(ExecutionStatusTimeout)
	e.ErrorMessage = err.Error()
}

// Cancel marks the execution as canceled with a reason
func (e *Execution) Cancel(reason string) {
	e.finish(ExecutionStatusCanceled)
	e.ErrorMessage = reason
}

func (e *Execution) finish(status ExecutionStatus) {
	now := time.Now()
	e.Status = status
	e.FinishedAt = &now
	e.UpdatedAt = now
	if e.StartedAt != nil {
		ms := int(now.Sub(*e.StartedAt).Milliseconds())
		e.DurationMs = &ms
	}
}
