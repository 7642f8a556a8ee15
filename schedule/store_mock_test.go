package schedule

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keplerlabs/cadence/errors"
)

// Driver-level failures are awkward to provoke through a real SQLite
// connection, so these paths are exercised with sqlmock.

func TestStoreScheduleExecutionRollsBackOnAdvanceFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO job_executions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE scheduled_jobs SET next_run_at").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	store := NewStore(db)
	exec := NewExecution("job_abc", TriggerScheduled, 0, time.Now())
	err = store.ScheduleExecution(exec, "job_abc", time.Now().Add(time.Hour))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to advance next_run_at")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreScheduleExecutionRollsBackOnInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO job_executions").
		WillReturnError(errors.New("constraint failed"))
	mock.ExpectRollback()

	store := NewStore(db)
	exec := NewExecution("job_abc", TriggerScheduled, 0, time.Now())
	err = store.ScheduleExecution(exec, "job_abc", time.Now().Add(time.Hour))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create execution")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreCreateJobQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO scheduled_jobs").
		WillReturnError(errors.New("database is locked"))

	job, err := NewJob("x", "feed.refresh", ScheduleTypeInterval, 10, "", nil, 0, true)
	require.NoError(t, err)

	err = NewStore(db).CreateJob(job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create scheduled job")
	assert.NoError(t, mock.ExpectationsWereMet())
}
