package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rescale/shardlink/internal/cloud"
	"github.com/rescale/shardlink/internal/cloud/storage"
	"github.com/rescale/shardlink/internal/constants"
	ihttp "github.com/rescale/shardlink/internal/http"
	"github.com/rescale/shardlink/internal/metrics"
	"github.com/rescale/shardlink/internal/transfer"
)

// State is the lifecycle phase of a Scheduler.
type State int

const (
	StatePlanning State = iota
	StateRunning
	StateDraining
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePlanning:
		return "planning"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChunkFetcher downloads and decrypts one chunk. It reports bytes through
// onBytes as they arrive and returns the chunk's plaintext pieces in order.
type ChunkFetcher func(ctx context.Context, task ChunkTask, onBytes func(n int64)) ([][]byte, error)

// SchedulerOptions configures a Scheduler. Zero values fall back to defaults.
type SchedulerOptions struct {
	Concurrency int
	// Window caps how far past the lowest unwritten chunk a worker may start
	// fetching. Values below Concurrency use twice Concurrency.
	Window   int
	Progress cloud.ProgressFunc
	// OnChunkRetry is called before a failed chunk is requeued. task.Attempt
	// is the attempt about to run.
	OnChunkRetry func(task ChunkTask, err error)
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
}

// Scheduler downloads the chunks of one file concurrently and streams the
// plaintext in file order.
//
// At most Concurrency chunks are in flight, and no chunk at or beyond
// Window positions past the lowest unwritten chunk is started, so a slow
// reader bounds how many chunks are held. A completed chunk is held in its
// slot until every chunk before it has been written, then the slot is
// cleared. A failed chunk is requeued ahead of untouched chunks until its
// retry budget runs out; then the whole transfer is aborted and the reader
// receives a *storage.MaxRetriesExceededError.
type Scheduler struct {
	fileSize int64
	tasks    []ChunkTask
	fetch    ChunkFetcher
	opts     SchedulerOptions
	logger   zerolog.Logger
	timer    *cloud.PartTimer

	abort *transfer.AbortController
	pool  *transfer.Pool[ChunkTask]
	pr    *io.PipeReader
	pw    *io.PipeWriter
	ready chan struct{}
	done  chan struct{}

	mu          sync.Mutex
	state       State
	slots       [][][]byte
	completed   []bool
	nextFlush   int
	advanced    chan struct{}
	finished    int
	committed   int64
	provisional map[int]int64
	attempts    []int

	progressMu sync.Mutex
	reported   int64
}

// NewScheduler prepares a scheduler for the planned tasks of a file.
func NewScheduler(fileSize int64, tasks []ChunkTask, fetch ChunkFetcher, opts SchedulerOptions) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = constants.DownloadConcurrency
	}
	if opts.Window < opts.Concurrency {
		opts.Window = 2 * opts.Concurrency
	}
	planned := append([]ChunkTask(nil), tasks...)
	return &Scheduler{
		fileSize:    fileSize,
		tasks:       planned,
		fetch:       fetch,
		opts:        opts,
		logger:      opts.Logger.With().Str("component", "download-scheduler").Logger(),
		timer:       cloud.NewPartTimer(opts.Logger, "download", len(planned)),
		ready:       make(chan struct{}, 1),
		done:        make(chan struct{}),
		state:       StatePlanning,
		slots:       make([][][]byte, len(planned)),
		completed:   make([]bool, len(planned)),
		advanced:    make(chan struct{}),
		provisional: make(map[int]int64),
		attempts:    make([]int, len(planned)),
	}
}

// Start launches the transfer and returns the plaintext stream. Closing the
// stream before EOF aborts the transfer. Start may be called once.
func (s *Scheduler) Start(ctx context.Context) (io.ReadCloser, error) {
	s.mu.Lock()
	if s.state != StatePlanning {
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler already started (state %s)", s.state)
	}
	s.state = StateRunning
	s.mu.Unlock()

	s.abort = transfer.NewAbortController(ctx)
	s.pr, s.pw = io.Pipe()

	if len(s.tasks) == 0 {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		s.pw.Close()
		s.abort.Release()
		close(s.done)
		return &chunkStream{s: s}, nil
	}

	s.logger.Debug().
		Int64("size", s.fileSize).
		Int("chunks", len(s.tasks)).
		Int("concurrency", s.opts.Concurrency).
		Msg("starting chunked download")

	s.pool = transfer.NewPool(s.abort.Context(), s.opts.Concurrency, s.runTask)
	for _, task := range s.tasks {
		s.pool.Push(task)
	}
	s.abort.OnAbort(s.onAbort)

	go s.writeLoop()
	go func() {
		<-s.abort.Context().Done()
		s.pool.Stop()
		s.pool.Wait()
		close(s.done)
	}()

	return &chunkStream{s: s}, nil
}

// State returns the current lifecycle phase.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the transfer ended and every worker has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Attempts returns how many times chunk index has been fetched.
func (s *Scheduler) Attempts(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.attempts) {
		return 0
	}
	return s.attempts[index]
}

// Committed returns the bytes of chunks that completed successfully.
func (s *Scheduler) Committed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// InFlightBytes returns bytes received by chunks that have not completed yet.
func (s *Scheduler) InFlightBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, b := range s.provisional {
		n += b
	}
	return n
}

// Tasks returns the planned chunk tasks.
func (s *Scheduler) Tasks() []ChunkTask {
	return append([]ChunkTask(nil), s.tasks...)
}

// =============================================================================
// Workers
// =============================================================================

func (s *Scheduler) runTask(ctx context.Context, task ChunkTask) {
	if !s.waitWindow(ctx, task.Index) {
		return
	}

	s.mu.Lock()
	s.attempts[task.Index]++
	s.mu.Unlock()

	s.opts.Metrics.ChunkStarted()
	defer s.opts.Metrics.ChunkFinished()

	start := time.Now()
	pieces, err := s.fetch(ctx, task, func(n int64) {
		s.mu.Lock()
		s.provisional[task.Index] += n
		s.mu.Unlock()
	})

	var n int64
	for _, p := range pieces {
		n += int64(len(p))
	}
	if err == nil && n != task.Size() {
		err = fmt.Errorf("chunk %d: received %d of %d bytes: %w", task.Index, n, task.Size(), storage.ErrConnectionLost)
	}

	if err != nil {
		s.taskFailed(ctx, task, err)
		return
	}

	s.timer.RecordPart(task.Index+1, time.Since(start), n)
	s.taskSucceeded(task, pieces, n)
}

// waitWindow blocks until index is inside the fetch window. Returns false
// if ctx ends first.
func (s *Scheduler) waitWindow(ctx context.Context, index int) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		s.mu.Lock()
		if index < s.nextFlush+s.opts.Window {
			s.mu.Unlock()
			return true
		}
		advanced := s.advanced
		s.mu.Unlock()

		select {
		case <-advanced:
		case <-ctx.Done():
			return false
		}
	}
}

func (s *Scheduler) taskSucceeded(task ChunkTask, pieces [][]byte, n int64) {
	s.mu.Lock()
	delete(s.provisional, task.Index)
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.slots[task.Index] = pieces
	s.completed[task.Index] = true
	s.committed += n
	s.finished++
	if s.finished == len(s.tasks) {
		s.state = StateDraining
	}
	s.mu.Unlock()

	s.reportProgress()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *Scheduler) taskFailed(ctx context.Context, task ChunkTask, err error) {
	s.mu.Lock()
	delete(s.provisional, task.Index)
	running := s.state == StateRunning
	s.mu.Unlock()

	if !running || ctx.Err() != nil {
		return
	}

	if task.Attempt >= task.MaxRetries {
		s.logger.Error().Err(err).
			Int("chunk", task.Index).
			Int("retries", task.Attempt).
			Msg("chunk retry budget exhausted, aborting download")
		s.abort.Abort(&storage.MaxRetriesExceededError{
			Retries:     task.Attempt,
			LastMessage: err.Error(),
			ChunkIndex:  task.Index,
		})
		return
	}

	task.Attempt++
	s.logger.Warn().Err(err).
		Int("chunk", task.Index).
		Int("attempt", task.Attempt).
		Int("max_retries", task.MaxRetries).
		Msg("chunk failed, requeueing")
	s.opts.Metrics.RecordChunkRetry()
	if s.opts.OnChunkRetry != nil {
		s.opts.OnChunkRetry(task, err)
	}

	// Honour the bridge's reset hint before the chunk jumps the queue again
	if ihttp.ClassifyError(err) == ihttp.ErrorTypeRateLimited {
		var statusErr *storage.UnexpectedStatusError
		if errors.As(err, &statusErr) {
			delay, _ := ihttp.RateLimitDelay(statusErr.Header)
			if ihttp.SleepContext(ctx, delay) != nil {
				return
			}
		}
	}

	s.pool.PushFront(task)
}

// reportProgress delivers the committed byte count, never going backwards.
func (s *Scheduler) reportProgress() {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()

	committed := s.Committed()
	if committed <= s.reported {
		return
	}
	s.reported = committed
	s.opts.Progress.Notify(s.fileSize, committed)
}

// =============================================================================
// Reassembly
// =============================================================================

func (s *Scheduler) writeLoop() {
	ctx := s.abort.Context()
	for {
		select {
		case <-s.ready:
		case <-ctx.Done():
			return
		}

		finished, err := s.flush()
		if err != nil {
			s.abort.Abort(err)
			return
		}
		if finished {
			s.complete()
			return
		}
	}
}

// flush writes every contiguous completed chunk from the lowest unwritten
// index on, clearing each slot once written.
func (s *Scheduler) flush() (bool, error) {
	for {
		s.mu.Lock()
		if s.state == StateFailed || s.state == StateClosed {
			s.mu.Unlock()
			return false, nil
		}
		if s.nextFlush == len(s.tasks) {
			s.mu.Unlock()
			return true, nil
		}
		if !s.completed[s.nextFlush] {
			s.mu.Unlock()
			return false, nil
		}
		index := s.nextFlush
		pieces := s.slots[index]
		s.slots[index] = nil
		s.nextFlush++
		close(s.advanced)
		s.advanced = make(chan struct{})
		s.mu.Unlock()

		for _, p := range pieces {
			if _, err := s.pw.Write(p); err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					return false, storage.ErrAbortedByUser
				}
				return false, fmt.Errorf("chunk %d: %w", index, err)
			}
		}
	}
}

func (s *Scheduler) complete() {
	s.mu.Lock()
	s.state = StateClosed
	s.slots = nil
	s.mu.Unlock()

	s.pw.Close()
	s.abort.Release()
	s.timer.Summary()
	s.logger.Debug().Int64("size", s.fileSize).Msg("chunked download complete")
}

// onAbort runs once when the transfer is aborted for any reason.
func (s *Scheduler) onAbort() {
	err := s.abort.Err()
	if err == nil {
		err = storage.ErrAbortedByUser
	}

	s.mu.Lock()
	if s.state != StateClosed {
		s.state = StateFailed
	}
	for i := range s.slots {
		s.slots[i] = nil
	}
	clear(s.provisional)
	s.mu.Unlock()

	s.pool.Stop()
	s.pw.CloseWithError(err)
}

// chunkStream is the reader handed to the caller.
type chunkStream struct {
	s *Scheduler
}

func (r *chunkStream) Read(p []byte) (int, error) {
	return r.s.pr.Read(p)
}

// Close aborts the transfer if it is still running and releases the stream.
func (r *chunkStream) Close() error {
	s := r.s
	s.mu.Lock()
	live := s.state != StateClosed
	s.state = StateClosed
	s.mu.Unlock()

	if live {
		s.abort.Abort(storage.ErrAbortedByUser)
	}
	return s.pr.Close()
}
