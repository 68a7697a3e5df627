package taskq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"callflow/pkg/logger"

	"go.uber.org/zap"
)

const defaultPollInterval = 100 * time.Millisecond

// Handler executes one job and returns its result. Errors are turned
// into retry-or-fail decisions at the pool boundary; a handler must
// never panic its way out of the worker loop.
type Handler func(ctx context.Context, job *Job) (string, error)

// PoolStats extends queue counters with the worker count
type PoolStats struct {
	Stats
	WorkerCount int `json:"worker_count"`
}

// Pool is a fixed set of worker goroutines draining the queue
type Pool struct {
	queue        *Queue
	handler      Handler
	workers      int
	pollInterval time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool creates a pool of `workers` executors for the given queue
func NewPool(queue *Queue, workers int, handler Handler) *Pool {
	return &Pool{
		queue:        queue,
		handler:      handler,
		workers:      workers,
		pollInterval: defaultPollInterval,
	}
}

// Start launches the worker loops
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}

	logger.Info("Worker pool started", zap.Int("workers", p.workers))
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job := p.queue.next()
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
			continue
		}

		p.execute(ctx, id, job)
	}
}

func (p *Pool) execute(ctx context.Context, workerID int, job *Job) {
	defer func() {
		if r := recover(); r != nil {
			p.queue.retryOrFail(job, fmt.Errorf("handler panic: %v", r))
		}
	}()

	logger.Debug("Worker picked job",
		zap.Int("worker_id", workerID),
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)))

	result, err := p.handler(ctx, job)
	if err != nil {
		p.queue.retryOrFail(job, err)
		return
	}

	p.queue.markCompleted(job, result)
}

// Stop signals all workers and waits up to timeout for them to exit.
// Loops that do not return in time are abandoned; their jobs stay in
// the running state.
func (p *Pool) Stop(timeout time.Duration) {
	if p.cancel == nil {
		return
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Worker pool stopped")
	case <-time.After(timeout):
		logger.Warn("Worker pool shutdown timed out, abandoning workers",
			zap.Duration("timeout", timeout))
	}
}

// Stats reports queue counters plus the configured worker count
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Stats:       p.queue.Stats(),
		WorkerCount: p.workers,
	}
}
