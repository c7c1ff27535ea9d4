package transfer

import (
	"context"
	"sync"
)

// Pool runs jobs of type T on a fixed set of workers.
//
// Jobs are taken from the front of a deque. PushFront lets a failed job
// jump ahead of everything still queued, so a retried chunk is fetched
// before chunks that were never started.
//
// Lifecycle: NewPool, any number of Push/PushFront calls, Stop, Wait.
// Workers idle while the deque is empty; only Stop (or cancellation of the
// context given to NewPool) ends them.
type Pool[T any] struct {
	handler func(ctx context.Context, job T)

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []T
	running int
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unhook func() bool
}

// NewPool starts workers goroutines that call handler for each job.
// handler receives a context that is cancelled when the pool stops.
func NewPool[T any](ctx context.Context, workers int, handler func(ctx context.Context, job T)) *Pool[T] {
	if workers < 1 {
		workers = 1
	}
	poolCtx, cancel := context.WithCancel(ctx)
	p := &Pool[T]{
		handler: handler,
		ctx:     poolCtx,
		cancel:  cancel,
	}
	p.cond = sync.NewCond(&p.mu)
	p.unhook = context.AfterFunc(poolCtx, p.Stop)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Push appends a job. Returns false if the pool has stopped.
func (p *Pool[T]) Push(job T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.queue = append(p.queue, job)
	p.cond.Signal()
	return true
}

// PushFront puts a job at the head of the deque. Returns false if the pool has stopped.
func (p *Pool[T]) PushFront(job T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.queue = append(p.queue, job)
	copy(p.queue[1:], p.queue[:len(p.queue)-1])
	p.queue[0] = job
	p.cond.Signal()
	return true
}

// Stop drops queued jobs, cancels the context of running jobs and lets
// workers exit once their current job returns. Safe to call more than once.
func (p *Pool[T]) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	p.cancel()
}

// Wait blocks until every worker has exited. Call Stop first.
func (p *Pool[T]) Wait() {
	p.wg.Wait()
	p.unhook()
}

// Len returns the number of queued jobs.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Running returns the number of jobs currently being handled.
func (p *Pool[T]) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pool[T]) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if p.stopped {
			p.mu.Unlock()
			return
		}
		job := p.queue[0]
		var zero T
		p.queue[0] = zero
		p.queue = p.queue[1:]
		p.running++
		p.mu.Unlock()

		p.handler(p.ctx, job)

		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}
}
