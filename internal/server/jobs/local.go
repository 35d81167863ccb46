package jobs

import (
	"context"
	"log/slog"
	"sync"
)

// LocalQueue runs jobs on an in-process worker pool. Jobs still buffered
// when the process exits are lost.
type LocalQueue struct {
	jobs    chan Job
	workers int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewLocalQueue creates a queue with the given number of workers and buffer.
func NewLocalQueue(workers, buffer int) *LocalQueue {
	if workers < 1 {
		workers = 1
	}
	return &LocalQueue{
		jobs:    make(chan Job, buffer),
		workers: workers,
	}
}

// Enqueue hands job to the pool. It blocks while the buffer is full.
func (q *LocalQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the workers.
func (q *LocalQueue) Start(ctx context.Context, h Handler) error {
	slog.Info("local job queue started", "workers", q.workers)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for job := range q.jobs {
				if err := h.Handle(ctx, job); err != nil {
					slog.Error("job failed", "job_id", job.ID, "kind", job.Kind, "error", err)
				}
			}
		}()
	}
	return nil
}

// Close stops accepting jobs and waits for the buffered ones to finish.
func (q *LocalQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
	slog.Info("local job queue stopped")
	return nil
}
