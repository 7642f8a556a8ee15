package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cadencetesting "github.com/keplerlabs/cadence/internal/testing"
	"github.com/keplerlabs/cadence/schedule"
)

func queueJob(t *testing.T, priority int) *schedule.Job {
	t.Helper()
	job, err := schedule.NewJob("test", "test.noop", schedule.ScheduleTypeInterval, 30, "", nil, priority, true)
	require.NoError(t, err)
	return job
}

func TestQueueOrdering(t *testing.T) {
	q := NewQueue()
	now := time.Now()

	low := queueJob(t, 10)
	high := queueJob(t, 1)
	mid := queueJob(t, 5)

	require.NoError(t, q.Enqueue(low, schedule.NewExecution(low.ID, schedule.TriggerScheduled, 0, now)))
	require.NoError(t, q.Enqueue(high, schedule.NewExecution(high.ID, schedule.TriggerScheduled, 0, now)))
	require.NoError(t, q.Enqueue(mid, schedule.NewExecution(mid.ID, schedule.TriggerScheduled, 0, now)))

	assert.Equal(t, 3, q.Size())

	assert.Equal(t, high.ID, q.Dequeue().Job.ID)
	assert.Equal(t, mid.ID, q.Dequeue().Job.ID)
	assert.Equal(t, low.ID, q.Dequeue().Job.ID)
	assert.Nil(t, q.Dequeue())
}

func TestQueueTieBreakByScheduledAt(t *testing.T) {
	q := NewQueue()
	job := queueJob(t, 5)

	later := schedule.NewExecution(job.ID, schedule.TriggerScheduled, 0, time.Now())
	earlier := schedule.NewExecution(job.ID, schedule.TriggerScheduled, 0, time.Now().Add(-time.Minute))

	require.NoError(t, q.Enqueue(job, later))
	require.NoError(t, q.Enqueue(job, earlier))

	// Same priority: whoever has waited longest goes first
	assert.Equal(t, earlier.ID, q.Dequeue().Exec.ID)
	assert.Equal(t, later.ID, q.Dequeue().Exec.ID)
}

func TestQueueRejectsDuplicates(t *testing.T) {
	q := NewQueue()
	job := queueJob(t, 0)
	exec := schedule.NewExecution(job.ID, schedule.TriggerScheduled, 0, time.Now())

	require.NoError(t, q.Enqueue(job, exec))
	assert.Error(t, q.Enqueue(job, exec))

	// Still a duplicate while processing
	require.NotNil(t, q.Dequeue())
	assert.Error(t, q.Enqueue(job, exec))

	// Free again once complete
	q.MarkComplete(exec.ID)
	assert.NoError(t, q.Enqueue(job, exec))
}

func TestQueueRemove(t *testing.T) {
	q := NewQueue()
	job := queueJob(t, 0)
	keep := schedule.NewExecution(job.ID, schedule.TriggerScheduled, 0, time.Now())
	drop := schedule.NewExecution(job.ID, schedule.TriggerScheduled, 0, time.Now())

	require.NoError(t, q.Enqueue(job, keep))
	require.NoError(t, q.Enqueue(job, drop))

	removed := q.Remove(drop.ID)
	require.NotNil(t, removed)
	assert.Equal(t, drop.ID, removed.Exec.ID)
	assert.Equal(t, 1, q.Size())
	assert.False(t, q.Contains(drop.ID))

	// Unknown and already-dispatched executions are not removable
	assert.Nil(t, q.Remove("exec_unknown"))
	item := q.Dequeue()
	require.NotNil(t, item)
	assert.Nil(t, q.Remove(item.Exec.ID))
}

func TestQueueDequeueBelow(t *testing.T) {
	q := NewQueue()
	job := queueJob(t, 0)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(job, schedule.NewExecution(job.ID, schedule.TriggerScheduled, 0, time.Now())))
	}

	first := q.DequeueBelow(2)
	second := q.DequeueBelow(2)
	require.NotNil(t, first)
	require.NotNil(t, second)

	// Both slots taken: nothing more comes out
	assert.Nil(t, q.DequeueBelow(2))
	assert.Equal(t, 2, q.ProcessingCount())
	assert.Equal(t, 3, q.Size())

	q.MarkComplete(first.Exec.ID)
	assert.NotNil(t, q.DequeueBelow(2))
}

func TestQueueStats(t *testing.T) {
	q := NewQueue()
	job := queueJob(t, 0)

	require.NoError(t, q.Enqueue(job, schedule.NewExecution(job.ID, schedule.TriggerScheduled, 0, time.Now())))
	require.NoError(t, q.Enqueue(job, schedule.NewExecution(job.ID, schedule.TriggerScheduled, 0, time.Now())))
	q.Dequeue()

	stats := q.GetStats()
	assert.Equal(t, 1, stats.Queued)
	assert.Equal(t, 1, stats.Processing)
}

func TestQueueLoadPending(t *testing.T) {
	conn := cadencetesting.CreateTestDB(t)
	jobs := schedule.NewStore(conn)
	execs := schedule.NewExecutionStore(conn)

	job := queueJob(t, 0)
	require.NoError(t, jobs.CreateJob(job))

	pending := schedule.NewExecution(job.ID, schedule.TriggerScheduled, 0, time.Now())
	require.NoError(t, execs.CreateExecution(pending))

	running := schedule.NewExecution(job.ID, schedule.TriggerScheduled, 0, time.Now())
	running.Start()
	require.NoError(t, execs.CreateExecution(running))

	q := NewQueue()
	loaded, err := q.LoadPending(jobs, execs)
	require.NoError(t, err)

	// Only the pending row comes back; running rows are never resumed
	assert.Equal(t, 1, loaded)
	assert.Equal(t, 1, q.Size())
	assert.True(t, q.Contains(pending.ID))
	assert.False(t, q.Contains(running.ID))
}
