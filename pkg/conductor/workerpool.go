package conductor

import (
	"errors"
	"sync"
)

// ErrNoFreeWorker is returned by Submit when every worker is busy and the
// backlog is full. Callers surface it instead of queueing unbounded work.
var ErrNoFreeWorker = errors.New("no free worker slots available")

var errPoolStopped = errors.New("worker pool is stopped")

// WorkerPool runs background tasks with bounded concurrency.
type WorkerPool struct {
	queue chan func()
	wg    sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// NewWorkerPool starts size workers with a backlog of the same size.
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	p := &WorkerPool{
		queue: make(chan func(), size),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for fn := range p.queue {
		fn()
	}
}

// Submit enqueues fn without blocking. It returns ErrNoFreeWorker when the
// pool is saturated.
func (p *WorkerPool) Submit(fn func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return errPoolStopped
	}

	select {
	case p.queue <- fn:
		return nil
	default:
		return ErrNoFreeWorker
	}
}

// Stop drains the backlog and waits for running tasks to finish.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}
