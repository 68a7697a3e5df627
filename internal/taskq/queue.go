package taskq

import (
	"container/heap"
	"sync"
	"time"

	"callflow/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// entry is a heap resident pointing at a job in the task table. A job that
// gets retried re-enters through a fresh entry; an entry whose job was
// cancelled while resident is discarded on pop.
type entry struct {
	jobID    string
	priority int
	seq      uint64
	index    int
}

// ordering: priority ascending, submission order as tie-break
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Stats is a snapshot of queue counters
type Stats struct {
	PendingCount   int   `json:"pending_count"`
	ActiveCount    int   `json:"active_count"`
	CompletedCount int64 `json:"completed_count"`
	FailedCount    int64 `json:"failed_count"`
}

// Queue is a bounded in-process priority queue. Jobs live in the task
// table from submission until the cleanup sweep evicts finished ones;
// the heap holds only ordering entries.
type Queue struct {
	mu       sync.Mutex
	heap     entryHeap
	table    map[string]*Job
	capacity int
	nextSeq  uint64

	pending   int
	active    int
	completed int64
	failed    int64
}

// NewQueue creates a queue holding at most capacity pending jobs
func NewQueue(capacity int) *Queue {
	q := &Queue{
		table:    make(map[string]*Job),
		capacity: capacity,
	}
	heap.Init(&q.heap)
	return q
}

// Submit adds a job and returns its id. Fails with ErrQueueFull when the
// pending count has reached capacity.
func (q *Queue) Submit(kind Kind, payload interface{}, priority, maxRetries int) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending >= q.capacity {
		return "", ErrQueueFull
	}

	job := &Job{
		ID:         uuid.New().String(),
		Kind:       kind,
		Payload:    payload,
		Priority:   priority,
		CreatedAt:  time.Now(),
		Status:     StatusPending,
		MaxRetries: maxRetries,
	}

	q.table[job.ID] = job
	q.push(job)
	q.pending++

	logger.Debug("Job submitted",
		zap.String("job_id", job.ID),
		zap.String("kind", string(kind)),
		zap.Int("priority", priority))

	return job.ID, nil
}

// push adds a heap entry for the job. Caller holds the lock.
func (q *Queue) push(job *Job) {
	q.nextSeq++
	heap.Push(&q.heap, &entry{
		jobID:    job.ID,
		priority: job.Priority,
		seq:      q.nextSeq,
	})
}

// Cancel marks a pending job cancelled. It returns false for unknown
// jobs and for jobs that already left the pending state.
func (q *Queue) Cancel(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.table[jobID]
	if !ok || job.Status != StatusPending {
		return false
	}

	now := time.Now()
	job.Status = StatusCancelled
	job.CompletedAt = &now
	q.pending--

	logger.Info("Job cancelled", zap.String("job_id", jobID))
	return true
}

// GetStatus returns a snapshot of the job
func (q *Queue) GetStatus(jobID string) (JobView, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.table[jobID]
	if !ok {
		return JobView{}, ErrJobNotFound
	}
	return job.view(), nil
}

// Stats returns current queue counters
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		PendingCount:   q.pending,
		ActiveCount:    q.active,
		CompletedCount: q.completed,
		FailedCount:    q.failed,
	}
}

// next pops the minimum-ordering pending job and marks it running.
// Entries whose job was cancelled while resident are dropped silently.
// Returns nil when no pending job is available.
func (q *Queue) next() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.heap.Len() > 0 {
		e := heap.Pop(&q.heap).(*entry)

		job, ok := q.table[e.jobID]
		if !ok || job.Status != StatusPending {
			continue
		}

		now := time.Now()
		job.Status = StatusRunning
		job.StartedAt = &now
		q.pending--
		q.active++
		return job
	}

	return nil
}

// markCompleted finalizes a job the worker finished successfully
func (q *Queue) markCompleted(job *Job, result string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	job.Status = StatusCompleted
	job.Result = result
	job.CompletedAt = &now
	q.active--
	q.completed++
}

// retryOrFail decides what happens to a job whose handler returned an
// error: within budget it is demoted one priority step and re-enters the
// heap as a fresh entry; past the budget it is finalized as failed.
func (q *Queue) retryOrFail(job *Job, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job.RetryCount++
	job.Err = err.Error()

	if job.RetryCount <= job.MaxRetries {
		job.Priority++
		job.Status = StatusPending
		q.active--
		q.pending++
		q.push(job)

		logger.Warn("Job failed, requeued",
			zap.String("job_id", job.ID),
			zap.Int("retry_count", job.RetryCount),
			zap.Int("priority", job.Priority),
			zap.Error(err))
		return
	}

	now := time.Now()
	job.Status = StatusFailed
	job.CompletedAt = &now
	q.active--
	q.failed++

	logger.Error("Job failed permanently",
		zap.String("job_id", job.ID),
		zap.Int("retry_count", job.RetryCount),
		zap.Error(err))
}

// Cleanup evicts finished jobs older than retention from the task table
// and returns how many were removed
func (q *Queue) Cleanup(retention time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	removed := 0

	for id, job := range q.table {
		if job.finished() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(q.table, id)
			removed++
		}
	}

	if removed > 0 {
		logger.Debug("Queue cleanup", zap.Int("evicted", removed))
	}
	return removed
}
