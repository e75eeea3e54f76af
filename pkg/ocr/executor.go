package ocr

import (
	"sync"

	"github.com/LearnCodeWithH/mokuro-online/internal/logger"
)

// Executor is a fixed-size worker pool with an unbounded FIFO queue.
//
// OCR jobs are long and the model is expensive, so the pool is deliberately
// small (default 1 worker) and submissions never block: callers enqueue and
// wait on their own completion channel.
type Executor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	closed  bool
	wg      sync.WaitGroup
	workers int
}

// NewExecutor starts a pool with the given number of workers.
// A non-positive count falls back to a single worker.
func NewExecutor(workers int) *Executor {
	if workers <= 0 {
		workers = 1
	}

	ex := &Executor{workers: workers}
	ex.cond = sync.NewCond(&ex.mu)

	for i := 0; i < workers; i++ {
		ex.wg.Add(1)
		go ex.worker(i)
	}
	logger.Debug("OCR executor started", "workers", workers)
	return ex
}

// Workers returns the pool size.
func (ex *Executor) Workers() int {
	return ex.workers
}

// Submit enqueues a task, reporting whether it was accepted. It never
// blocks; tasks run in FIFO order as workers free up. Submitting after
// Shutdown rejects the task.
func (ex *Executor) Submit(task func()) bool {
	ex.mu.Lock()
	if ex.closed {
		ex.mu.Unlock()
		logger.Warn("task submitted to stopped OCR executor")
		return false
	}
	ex.queue = append(ex.queue, task)
	ex.mu.Unlock()
	ex.cond.Signal()
	return true
}

// Pending returns the number of queued tasks not yet picked up.
func (ex *Executor) Pending() int {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return len(ex.queue)
}

// Shutdown stops accepting tasks, drains the queue and waits for in-flight
// jobs to finish. In-flight OCR is never cancelled: a disconnected client's
// job still completes so the next request hits the cache.
func (ex *Executor) Shutdown() {
	ex.mu.Lock()
	if ex.closed {
		ex.mu.Unlock()
		return
	}
	ex.closed = true
	ex.mu.Unlock()

	ex.cond.Broadcast()
	ex.wg.Wait()
	logger.Debug("OCR executor stopped")
}

func (ex *Executor) worker(id int) {
	defer ex.wg.Done()

	for {
		ex.mu.Lock()
		for len(ex.queue) == 0 && !ex.closed {
			ex.cond.Wait()
		}
		if len(ex.queue) == 0 && ex.closed {
			ex.mu.Unlock()
			return
		}
		task := ex.queue[0]
		ex.queue = ex.queue[1:]
		ex.mu.Unlock()

		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("OCR task panicked", "worker", id, "panic", r)
				}
			}()
			task()
		}()
	}
}
