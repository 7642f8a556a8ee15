package schedule

import (
	"database/sql"
	"time"

	"github.com/keplerlabs/cadence/errors"
)

// ExecutionStore handles persistence of job executions
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates a new execution store
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

const executionColumns = `id, job_id, status, trigger_type, retry_count, scheduled_at,
	started_at, finished_at, duration_ms, result_payload, error_message, created_at, updated_at`

// execer covers *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func insertExecution(e execer, exec *Execution) error {
	query := `
		INSERT INTO job_executions (
			id, job_id, status, trigger_type, retry_count, scheduled_at,
			started_at, finished_at, duration_ms, result_payload, error_message,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := e.Exec(query,
		exec.ID,
		exec.JobID,
		string(exec.Status),
		string(exec.TriggerType),
		exec.RetryCount,
		exec.ScheduledAt.UTC().Format(time.RFC3339),
		nullTime(exec.StartedAt),
		nullTime(exec.FinishedAt),
		nullIntPtr(exec.DurationMs),
		nullString(string(exec.ResultPayload)),
		nullString(exec.ErrorMessage),
		exec.CreatedAt.UTC().Format(time.RFC3339),
		exec.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func insertExecutionTx(tx *sql.Tx, exec *Execution) error {
	return insertExecution(tx, exec)
}

// CreateExecution creates a new execution record
func (s *ExecutionStore) CreateExecution(exec *Execution) error {
	if err := insertExecution(s.db, exec); err != nil {
		return errors.Wrap(err, "failed to create execution")
	}
	return nil
}

// UpdateExecution persists the mutable fields of an execution
func (s *ExecutionStore) UpdateExecution(exec *Execution) error {
	query := `
		UPDATE job_executions
		SET status = ?,
		    retry_count = ?,
		    started_at = ?,
		    finished_at = ?,
		    duration_ms = ?,
		    result_payload = ?,
		    error_message = ?,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(query,
		string(exec.Status),
		exec.RetryCount,
		nullTime(exec.StartedAt),
		nullTime(exec.FinishedAt),
		nullIntPtr(exec.DurationMs),
		nullString(string(exec.ResultPayload)),
		nullString(exec.ErrorMessage),
		time.Now().UTC().Format(time.RFC3339),
		exec.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update execution")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("execution %s", exec.ID)
	}

	return nil
}

// GetExecution retrieves an execution by ID
func (s *ExecutionStore) GetExecution(id string) (*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM job_executions WHERE id = ?`

	exec, err := scanExecutionRow(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("execution %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get execution")
	}

	return exec, nil
}

// ListExecutions returns the most recent executions for a job
func (s *ExecutionStore) ListExecutions(jobID string, limit int) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + `
		FROM job_executions
		WHERE job_id = ?
		ORDER BY created_at DESC
		LIMIT ?`

	rows, err := s.db.Query(query, jobID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// ListPending returns all pending executions ordered by scheduled time,
// oldest first. Used to rebuild the queue after a restart.
func (s *ExecutionStore) ListPending() ([]*Execution, error) {
	query := `SELECT ` + executionColumns + `
		FROM job_executions
		WHERE status = 'pending'
		ORDER BY scheduled_at ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending executions")
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// MarkInterruptedRunning fails executions left in running state by a crashed
// or killed process. Runs once at startup, before pending recovery.
func (s *ExecutionStore) MarkInterruptedRunning(now time.Time) (int64, error) {
	query := `
		UPDATE job_executions
		SET status = 'failed',
		    error_message = 'interrupted by restart',
		    finished_at = ?,
		    updated_at = ?
		WHERE status = 'running'
	`

	ts := now.UTC().Format(time.RFC3339)
	result, err := s.db.Exec(query, ts, ts)
	if err != nil {
		return 0, errors.Wrap(err, "failed to mark interrupted executions")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return rows, nil
}

// CancelPendingByJob cancels all pending executions of a job. Returns the
// IDs of the canceled rows so in-memory state can be reconciled.
func (s *ExecutionStore) CancelPendingByJob(jobID string, reason string) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM job_executions WHERE job_id = ? AND status = 'pending'`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query pending executions")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan execution id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating pending executions")
	}

	if len(ids) == 0 {
		return nil, nil
	}

	ts := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.Exec(`
		UPDATE job_executions
		SET status = 'canceled', error_message = ?, finished_at = ?, updated_at = ?
		WHERE job_id = ? AND status = 'pending'
	`, reason, ts, ts, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to cancel pending executions")
	}

	return ids, nil
}

// CleanupOldExecutions deletes terminal executions older than the retention
// window. Pending and running rows are never touched.
func (s *ExecutionStore) CleanupOldExecutions(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	result, err := s.db.Exec(`
		DELETE FROM job_executions
		WHERE created_at < ? AND status NOT IN ('pending', 'running')
	`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old executions")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return rows, nil
}

// CountByStatus returns execution counts grouped by status
func (s *ExecutionStore) CountByStatus() (map[ExecutionStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM job_executions GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count executions")
	}
	defer rows.Close()

	counts := make(map[ExecutionStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan execution count")
		}
		counts[ExecutionStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating execution counts")
	}

	return counts, nil
}

func scanExecutionRow(row *sql.Row) (*Execution, error) {
	var exec Execution
	args := newExecutionScanArgs()
	if err := row.Scan(args.targets(&exec)...); err != nil {
		return nil, err
	}
	if err := args.apply(&exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func scanExecutions(rows *sql.Rows) ([]*Execution, error) {
	var execs []*Execution
	for rows.Next() {
		var exec Execution
		args := newExecutionScanArgs()
		if err := rows.Scan(args.targets(&exec)...); err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		if err := args.apply(&exec); err != nil {
			return nil, err
		}
		execs = append(execs, &exec)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating executions")
	}

	return execs, nil
}

type executionScanArgs struct {
	status        string
	triggerType   string
	scheduledAt   string
	startedAt     sql.NullString
	finishedAt    sql.NullString
	durationMs    sql.NullInt64
	resultPayload sql.NullString
	errorMessage  sql.NullString
	createdAt     string
	updatedAt     string
}

func newExecutionScanArgs() *executionScanArgs {
	return &executionScanArgs{}
}

func (a *executionScanArgs) targets(exec *Execution) []interface{} {
	return []interface{}{
		&exec.ID,
		&exec.JobID,
		&a.status,
		&a.triggerType,
		&exec.RetryCount,
		&a.scheduledAt,
		&a.startedAt,
		&a.finishedAt,
		&a.durationMs,
		&a.resultPayload,
		&a.errorMessage,
		&a.createdAt,
		&a.updatedAt,
	}
}

func (a *executionScanArgs) apply(exec *Execution) error {
	exec.Status = ExecutionStatus(a.status)
	exec.TriggerType = TriggerType(a.triggerType)
	if a.durationMs.Valid {
		d := int(a.durationMs.Int64)
		exec.DurationMs = &d
	}
	if a.resultPayload.Valid && a.resultPayload.String != "" {
		exec.ResultPayload = []byte(a.resultPayload.String)
	}
	if a.errorMessage.Valid {
		exec.ErrorMessage = a.errorMessage.String
	}

	var err error
	exec.ScheduledAt, err = time.Parse(time.RFC3339, a.scheduledAt)
	if err != nil {
		return errors.Wrapf(err, "failed to parse scheduled_at for execution %s", exec.ID)
	}
	exec.CreatedAt, err = time.Parse(time.RFC3339, a.createdAt)
	if err != nil {
		return errors.Wrapf(err, "failed to parse created_at for execution %s", exec.ID)
	}
	exec.UpdatedAt, err = time.Parse(time.RFC3339, a.updatedAt)
	if err != nil {
		return errors.Wrapf(err, "failed to parse updated_at for execution %s", exec.ID)
	}
	if a.startedAt.Valid {
		t, err := time.Parse(time.RFC3339, a.startedAt.String)
		if err != nil {
			return errors.Wrapf(err, "failed to parse started_at for execution %s", exec.ID)
		}
		exec.StartedAt = &t
	}
	if a.finishedAt.Valid {
		t, err := time.Parse(time.RFC3339, a.finishedAt.String)
		if err != nil {
			return errors.Wrapf(err, "failed to parse finished_at for execution %s", exec.ID)
		}
		exec.FinishedAt = &t
	}

	return nil
}

func nullIntPtr(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}
