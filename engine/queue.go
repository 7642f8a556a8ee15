package engine

import (
	"container/heap"
	"sync"

	"github.com/keplerlabs/cadence/errors"
	"github.com/keplerlabs/cadence/schedule"
)

// Item is one queued unit of work: a pending execution together with the job
// it belongs to.
type Item struct {
	Job  *schedule.Job
	Exec *schedule.Execution

	index int // heap bookkeeping
}

// Queue is an in-memory priority queue of pending executions. Persistence is
// the execution store's concern; the queue only orders work for dispatch.
// Ordering is (job priority asc, scheduled_at asc): lower priority numbers
// run first, ties go to whoever has waited longest.
type Queue struct {
	mu         sync.Mutex
	heap       itemHeap
	queued     map[string]*Item    // executionID -> item, while in the heap
	processing map[string]struct{} // executionID set, after Dequeue until MarkComplete
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{
		queued:     make(map[string]*Item),
		processing: make(map[string]struct{}),
	}
}

// Enqueue adds a pending execution to the queue.
// Rejects duplicates, including executions currently processing.
func (q *Queue) Enqueue(job *schedule.Job, exec *schedule.Execution) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := exec.ID
	if _, exists := q.queued[id]; exists {
		return errors.Newf("execution %s is already queued", id)
	}
	if _, exists := q.processing[id]; exists {
		return errors.Newf("execution %s is already processing", id)
	}

	item := &Item{Job: job, Exec: exec}
	heap.Push(&q.heap, item)
	q.queued[id] = item

	return nil
}

// Dequeue removes the highest-priority item and marks it processing.
// Returns nil when the queue is empty.
func (q *Queue) Dequeue() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		return nil
	}

	item := heap.Pop(&q.heap).(*Item)
	delete(q.queued, item.Exec.ID)
	q.processing[item.Exec.ID] = struct{}{}

	return item
}

// DequeueBelow pops the next item only while fewer than maxProcessing
// executions are in flight. The check and the pop happen under one lock so
// concurrent dispatchers cannot overshoot the bound.
func (q *Queue) DequeueBelow(maxProcessing int) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.processing) >= maxProcessing || q.heap.Len() == 0 {
		return nil
	}

	item := heap.Pop(&q.heap).(*Item)
	delete(q.queued, item.Exec.ID)
	q.processing[item.Exec.ID] = struct{}{}

	return item
}

// Peek returns the next item without removing it, or nil when empty.
func (q *Queue) Peek() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		return nil
	}
	return q.heap[0]
}

// Remove takes a still-queued execution out of the queue. Returns the removed
// item, or nil if the execution is not queued (unknown or already processing).
func (q *Queue) Remove(executionID string) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, exists := q.queued[executionID]
	if !exists {
		return nil
	}

	heap.Remove(&q.heap, item.index)
	delete(q.queued, executionID)

	return item
}

// MarkComplete releases a processing slot after an execution finishes.
func (q *Queue) MarkComplete(executionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.processing, executionID)
}

// Contains reports whether an execution is queued (not yet dispatched).
func (q *Queue) Contains(executionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, exists := q.queued[executionID]
	return exists
}

// Size returns the number of queued (not yet dispatched) executions.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.heap.Len()
}

// ProcessingCount returns the number of dispatched, unfinished executions.
func (q *Queue) ProcessingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.processing)
}

// Stats is a point-in-time snapshot of queue load
type Stats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
}

// GetStats returns current queue statistics
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Queued:     q.heap.Len(),
		Processing: len(q.processing),
	}
}

// LoadPending rebuilds the queue from pending execution rows, oldest first.
// Executions whose job has vanished are skipped. Running rows are NOT
// resumed; the startup sweep fails those before this runs.
func (q *Queue) LoadPending(jobs *schedule.Store, execs *schedule.ExecutionStore) (int, error) {
	pending, err := execs.ListPending()
	if err != nil {
		return 0, errors.Wrap(err, "failed to load pending executions")
	}

	loaded := 0
	for _, exec := range pending {
		job, err := jobs.GetJob(exec.JobID)
		if errors.IsNotFoundError(err) {
			continue
		}
		if err != nil {
			return loaded, errors.Wrapf(err, "failed to load job for execution %s", exec.ID)
		}

		if err := q.Enqueue(job, exec); err != nil {
			return loaded, err
		}
		loaded++
	}

	return loaded, nil
}

// itemHeap implements heap.Interface ordered by (priority, scheduledAt)
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Job.Priority != h[j].Job.Priority {
		return h[i].Job.Priority < h[j].Job.Priority
	}
	return h[i].Exec.ScheduledAt.Before(h[j].Exec.ScheduledAt)
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
