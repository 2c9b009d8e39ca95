// Package tasks provides a bounded background queue for fire-and-forget side
// effects. Failures are logged, never returned to the submitter.
package tasks

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const (
	defaultWorkers = 2
	defaultBuffer  = 64
)

type task struct {
	name string
	run  func(context.Context) error
}

// QueueConfig configures the background queue.
type QueueConfig struct {
	Workers int
	Buffer  int
	Logger  *zap.Logger
}

// Queue executes submitted tasks on a fixed worker pool. Submission never
// blocks: when the buffer is full the task is dropped and logged.
type Queue struct {
	logger *zap.Logger
	jobs   chan task

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewQueue constructs and starts the queue.
func NewQueue(cfg QueueConfig) *Queue {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	queue := &Queue{
		logger: logger,
		jobs:   make(chan task, buffer),
	}
	queue.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go queue.worker()
	}
	return queue
}

// Submit enqueues a task for background execution. It reports false when the
// task was dropped because the queue is full or closed.
func (q *Queue) Submit(name string, run func(context.Context) error) bool {
	if run == nil {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Warn("background task dropped, queue closed", zap.String("task", name))
		return false
	}

	select {
	case q.jobs <- task{name: name, run: run}:
		return true
	default:
		q.logger.Warn("background task dropped, queue full", zap.String("task", name))
		return false
	}
}

// Close stops accepting tasks and waits for in-flight work, bounded by ctx.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for job := range q.jobs {
		if err := job.run(context.Background()); err != nil {
			q.logger.Warn("background task failed", zap.String("task", job.name), zap.Error(err))
		}
	}
}
