package detect

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrPoolNotRunning = errors.New("worker pool is not running")
	ErrPoolQueueFull  = errors.New("worker pool queue is full")
)

// WorkerPool drains rule-evaluation tasks with a fixed number of workers.
// Rules are independent units of work; the pool lets them run in parallel
// while per-group serialization stays inside the aggregator's shard locks.
type WorkerPool struct {
	workers int
	taskCh  chan func()
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.RWMutex
	running bool
	logger  *zap.SugaredLogger
}

// NewWorkerPool creates a pool. Workers start on Start.
func NewWorkerPool(parentCtx context.Context, workers, queueSize int, logger *zap.SugaredLogger) *WorkerPool {
	ctx, cancel := context.WithCancel(parentCtx)
	return &WorkerPool{
		workers: workers,
		taskCh:  make(chan func(), queueSize),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

// Start launches the workers.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.running {
		return
	}
	wp.running = true
	wp.logger.Infow("starting worker pool", "workers", wp.workers, "queue", cap(wp.taskCh))
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for {
		select {
		case <-wp.ctx.Done():
			return
		case task, ok := <-wp.taskCh:
			if !ok {
				return
			}
			task()
		}
	}
}

// Submit queues a task without blocking; a full queue is an error so the
// caller can skip the tick rather than stall the driver.
func (wp *WorkerPool) Submit(task func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if !wp.running {
		return ErrPoolNotRunning
	}
	select {
	case wp.taskCh <- task:
		return nil
	default:
		return ErrPoolQueueFull
	}
}

// Stop cancels the workers and waits for in-flight tasks to finish.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return
	}
	wp.running = false
	wp.cancel()
	close(wp.taskCh)
	wp.mu.Unlock()

	wp.wg.Wait()
	wp.logger.Infow("worker pool stopped")
}
