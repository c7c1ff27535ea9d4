package transfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rescale/shardlink/internal/cloud/storage"
)

// Result is the outcome of one dispatched job, tagged with the job's correlation id.
type Result[T any] struct {
	ID    uuid.UUID
	Value T
	Err   error
}

type dispatchJob struct {
	id  uuid.UUID
	ctx context.Context
	run func(ctx context.Context)
}

// Dispatcher is a long-lived worker pool shared by concurrent transfers.
// Each submitted job gets a correlation id; its result is delivered only to
// the channel registered under that id, so completions of one transfer can
// never be observed by another.
type Dispatcher struct {
	pool   *Pool[dispatchJob]
	logger zerolog.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

// NewDispatcher starts a dispatcher with the given number of workers.
// It runs until Shutdown.
func NewDispatcher(workers int, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		logger:   logger,
		inflight: make(map[uuid.UUID]struct{}),
	}
	d.pool = NewPool(context.Background(), workers, d.handle)
	return d
}

// Submit queues fn on d. The returned channel receives exactly one Result and
// is never closed. If ctx ends before fn starts, fn is skipped and the result
// carries ErrAbortedByUser.
func Submit[T any](d *Dispatcher, ctx context.Context, fn func(ctx context.Context) (T, error)) (uuid.UUID, <-chan Result[T]) {
	id := uuid.New()
	out := make(chan Result[T], 1)

	job := dispatchJob{
		id:  id,
		ctx: ctx,
		run: func(ctx context.Context) {
			if ctx.Err() != nil {
				out <- Result[T]{ID: id, Err: storage.ErrAbortedByUser}
				return
			}
			v, err := fn(ctx)
			out <- Result[T]{ID: id, Value: v, Err: err}
		},
	}

	d.mu.Lock()
	d.inflight[id] = struct{}{}
	d.mu.Unlock()

	if !d.pool.Push(job) {
		d.done(id)
		out <- Result[T]{ID: id, Err: fmt.Errorf("dispatcher is shut down: %w", storage.ErrAbortedByUser)}
	}
	return id, out
}

// InFlight returns the number of submitted jobs that have not delivered a result.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Shutdown stops accepting work, drops queued jobs and waits for running jobs.
// Dropped jobs never deliver a result; callers select on their own context.
func (d *Dispatcher) Shutdown() {
	d.pool.Stop()
	d.pool.Wait()

	d.mu.Lock()
	dropped := len(d.inflight)
	d.inflight = make(map[uuid.UUID]struct{})
	d.mu.Unlock()

	if dropped > 0 {
		d.logger.Debug().Int("dropped", dropped).Msg("dispatcher shut down with queued jobs")
	}
}

func (d *Dispatcher) handle(poolCtx context.Context, job dispatchJob) {
	defer d.done(job.id)

	ctx, cancel := context.WithCancel(job.ctx)
	defer cancel()
	stop := context.AfterFunc(poolCtx, cancel)
	defer stop()

	d.logger.Debug().Str("job", job.id.String()).Msg("dispatching job")
	job.run(ctx)
}

func (d *Dispatcher) done(id uuid.UUID) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}
