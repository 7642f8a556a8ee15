package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/keplerlabs/cadence/errors"
)

// Store handles persistence of scheduled jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new schedule store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// jobColumns is the standard column list for job SELECT queries
const jobColumns = `id, name, job_type, schedule_type, interval_minutes, cron_expression,
	params, is_enabled, priority, next_run_at, last_run_at, last_status, last_error,
	run_count, success_count, fail_count, created_at, updated_at`

// CreateJob creates a new scheduled job
func (s *Store) CreateJob(job *Job) error {
	query := `
		INSERT INTO scheduled_jobs (
			id, name, job_type, schedule_type, interval_minutes, cron_expression,
			params, is_enabled, priority, next_run_at, last_run_at, last_status, last_error,
			run_count, success_count, fail_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		job.ID,
		job.Name,
		job.JobType,
		string(job.ScheduleType),
		nullInt(job.IntervalMinutes),
		nullString(job.CronExpression),
		nullString(string(job.Params)),
		job.IsEnabled,
		job.Priority,
		job.NextRunAt.UTC().Format(time.RFC3339),
		nullTime(job.LastRunAt),
		nullString(job.LastStatus),
		nullString(job.LastError),
		job.RunCount,
		job.SuccessCount,
		job.FailCount,
		job.CreatedAt.UTC().Format(time.RFC3339),
		job.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create scheduled job")
	}

	return nil
}

// GetJob retrieves a scheduled job by ID
func (s *Store) GetJob(id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs WHERE id = ?`

	job, err := scanJobRow(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("scheduled job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get scheduled job")
	}

	return job, nil
}

// UpdateJob persists all mutable definition fields of a job.
// Run counters and last-run observability fields are owned by RecordOutcome.
func (s *Store) UpdateJob(job *Job) error {
	query := `
		UPDATE scheduled_jobs
		SET name = ?,
		    job_type = ?,
		    schedule_type = ?,
		    interval_minutes = ?,
		    cron_expression = ?,
		    params = ?,
		    is_enabled = ?,
		    priority = ?,
		    next_run_at = ?,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(query,
		job.Name,
		job.JobType,
		string(job.ScheduleType),
		nullInt(job.IntervalMinutes),
		nullString(job.CronExpression),
		nullString(string(job.Params)),
		job.IsEnabled,
		job.Priority,
		job.NextRunAt.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		job.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update scheduled job")
	}

	return requireRowAffected(result, job.ID)
}

// DeleteJob removes a job; pending executions are cascade-deleted by the
// schema's foreign key. Callers that want them soft-canceled instead must do
// so before deleting.
func (s *Store) DeleteJob(id string) error {
	result, err := s.db.Exec(`DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete scheduled job")
	}

	return requireRowAffected(result, id)
}

// ListJobs returns jobs ordered by priority, optionally filtered by job type.
func (s *Store) ListJobs(jobType string, limit int) ([]*Job, error) {
	var rows *sql.Rows
	var err error

	base := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	if jobType != "" {
		rows, err = s.db.Query(base+` WHERE job_type = ? ORDER BY priority ASC, created_at ASC LIMIT ?`, jobType, limit)
	} else {
		rows, err = s.db.Query(base+` ORDER BY priority ASC, created_at ASC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to list scheduled jobs")
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListJobsDue returns enabled jobs whose next_run_at has passed, ordered by
// (priority ASC, next_run_at ASC) for deterministic dispatch. Limited to 100
// jobs per batch to avoid flooding the queue in one tick.
func (s *Store) ListJobsDue(ctx context.Context, now time.Time) ([]*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM scheduled_jobs
		WHERE is_enabled = 1 AND next_run_at <= ?
		ORDER BY priority ASC, next_run_at ASC
		LIMIT 100`

	rows, err := s.db.QueryContext(ctx, query, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due jobs")
	}
	defer rows.Close()

	return scanJobs(rows)
}

// NextScheduledJob returns the enabled job with the soonest next_run_at, or
// nil when nothing is scheduled.
func (s *Store) NextScheduledJob() (*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM scheduled_jobs
		WHERE is_enabled = 1
		ORDER BY next_run_at ASC
		LIMIT 1`

	job, err := scanJobRow(s.db.QueryRow(query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get next scheduled job")
	}

	return job, nil
}

// ScheduleExecution atomically creates a pending execution row and advances
// the job's next_run_at. The two writes are one transaction so a crash
// between them cannot make a job fire twice for the same slot, nor never
// advance.
func (s *Store) ScheduleExecution(exec *Execution, jobID string, nextRun time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin schedule transaction")
	}

	if err := insertExecutionTx(tx, exec); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "failed to create execution")
	}

	_, err = tx.Exec(
		`UPDATE scheduled_jobs SET next_run_at = ?, updated_at = ? WHERE id = ?`,
		nextRun.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		jobID,
	)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "failed to advance next_run_at")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit schedule transaction")
	}

	return nil
}

// RecordOutcome updates the job's run counters and last-run observability
// fields after a terminal execution. Only the executor calls this.
func (s *Store) RecordOutcome(jobID string, finishedAt time.Time, status ExecutionStatus, errMsg string) error {
	var successInc, failInc int
	if status == ExecutionStatusSuccess {
		successInc = 1
	} else {
		failInc = 1
	}

	query := `
		UPDATE scheduled_jobs
		SET run_count = run_count + 1,
		    success_count = success_count + ?,
		    fail_count = fail_count + ?,
		    last_run_at = ?,
		    last_status = ?,
		    last_error = ?,
		    updated_at = ?
		WHERE id = ?
	`

	_, err := s.db.Exec(query,
		successInc,
		failInc,
		finishedAt.UTC().Format(time.RFC3339),
		string(status),
		nullString(errMsg),
		time.Now().UTC().Format(time.RFC3339),
		jobID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to record job outcome")
	}

	return nil
}

// scanJobRow scans a single job from a sql.Row.
func scanJobRow(row *sql.Row) (*Job, error) {
	var job Job
	args := newJobScanArgs()
	if err := row.Scan(args.targets(&job)...); err != nil {
		return nil, err
	}
	if err := args.apply(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

// scanJobs scans all jobs from query rows.
func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		args := newJobScanArgs()
		if err := rows.Scan(args.targets(&job)...); err != nil {
			return nil, errors.Wrap(err, "failed to scan scheduled job")
		}
		if err := args.apply(&job); err != nil {
			return nil, err
		}
		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating scheduled jobs")
	}

	return jobs, nil
}

// jobScanArgs holds the nullable column targets for one job row.
type jobScanArgs struct {
	scheduleType    string
	intervalMinutes sql.NullInt64
	cronExpression  sql.NullString
	params          sql.NullString
	nextRunAt       string
	lastRunAt       sql.NullString
	lastStatus      sql.NullString
	lastError       sql.NullString
	createdAt       string
	updatedAt       string
}

func newJobScanArgs() *jobScanArgs {
	return &jobScanArgs{}
}

func (a *jobScanArgs) targets(job *Job) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Name,
		&job.JobType,
		&a.scheduleType,
		&a.intervalMinutes,
		&a.cronExpression,
		&a.params,
		&job.IsEnabled,
		&job.Priority,
		&a.nextRunAt,
		&a.lastRunAt,
		&a.lastStatus,
		&a.lastError,
		&job.RunCount,
		&job.SuccessCount,
		&job.FailCount,
		&a.createdAt,
		&a.updatedAt,
	}
}

func (a *jobScanArgs) apply(job *Job) error {
	job.ScheduleType = ScheduleType(a.scheduleType)
	if a.intervalMinutes.Valid {
		job.IntervalMinutes = int(a.intervalMinutes.Int64)
	}
	if a.cronExpression.Valid {
		job.CronExpression = a.cronExpression.String
	}
	if a.params.Valid && a.params.String != "" {
		job.Params = []byte(a.params.String)
	}
	if a.lastStatus.Valid {
		job.LastStatus = a.lastStatus.String
	}
	if a.lastError.Valid {
		job.LastError = a.lastError.String
	}

	var err error
	// Parse timestamps (an error indicates data corruption or schema mismatch)
	job.NextRunAt, err = time.Parse(time.RFC3339, a.nextRunAt)
	if err != nil {
		return errors.Wrapf(err, "failed to parse next_run_at for job %s", job.ID)
	}
	job.CreatedAt, err = time.Parse(time.RFC3339, a.createdAt)
	if err != nil {
		return errors.Wrapf(err, "failed to parse created_at for job %s", job.ID)
	}
	job.UpdatedAt, err = time.Parse(time.RFC3339, a.updatedAt)
	if err != nil {
		return errors.Wrapf(err, "failed to parse updated_at for job %s", job.ID)
	}
	if a.lastRunAt.Valid {
		t, err := time.Parse(time.RFC3339, a.lastRunAt.String)
		if err != nil {
			return errors.Wrapf(err, "failed to parse last_run_at for job %s", job.ID)
		}
		job.LastRunAt = &t
	}

	return nil
}

func requireRowAffected(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("scheduled job %s", id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}
