// Package transfer holds the execution primitives of the transfer engine
// (worker pool, dispatcher, abort controller) and the queue that tracks
// transfers for the CLI.
package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Direction indicates whether a task is an upload or download.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// TaskState represents the current state of a transfer task.
type TaskState string

const (
	TaskQueued    TaskState = "queued"    // Registered, not started
	TaskActive    TaskState = "active"    // Transfer call in progress
	TaskCompleted TaskState = "completed" // Successfully completed
	TaskFailed    TaskState = "failed"    // Failed with error
	TaskCancelled TaskState = "cancelled" // Cancelled by user
)

// speedSmoothingAlpha weights the newest sample in the EMA speed estimate
const speedSmoothingAlpha = 0.25

// Task is one tracked upload or download.
// Thread-safe: use the provided methods to read and update state.
type Task struct {
	ID        string
	Direction Direction
	Name      string // display name
	Source    string // local path (upload) or bucket/file id (download)
	Dest      string // bucket id (upload) or local path (download)

	mu          sync.RWMutex
	size        int64
	bytes       int64
	speed       float64
	state       TaskState
	err         error
	retries     int
	legacy      bool
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time

	lastBytes      int64
	lastUpdateTime time.Time

	cancel context.CancelFunc
}

// TaskSnapshot is an immutable copy of a task for display.
type TaskSnapshot struct {
	ID          string
	Direction   Direction
	Name        string
	Source      string
	Dest        string
	Size        int64
	Bytes       int64
	Speed       float64
	State       TaskState
	Err         error
	Retries     int
	Legacy      bool
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// Progress returns committed bytes as a fraction of the size.
func (s TaskSnapshot) Progress() float64 {
	if s.Size <= 0 {
		if s.State == TaskCompleted {
			return 1
		}
		return 0
	}
	return float64(s.Bytes) / float64(s.Size)
}

// NewTask creates a queued task.
func NewTask(direction Direction, name, source, dest string, size int64) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Direction: direction,
		Name:      name,
		Source:    source,
		Dest:      dest,
		size:      size,
		state:     TaskQueued,
		createdAt: time.Now(),
	}
}

// State returns the current state.
func (t *Task) State() TaskState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// IsTerminal reports whether the task completed, failed or was cancelled.
func (t *Task) IsTerminal() bool {
	switch t.State() {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// updateBytes records committed bytes and refreshes the EMA speed.
// Committed bytes never decrease, so a regressing value is ignored.
func (t *Task) updateBytes(total, committed int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if total > 0 {
		t.size = total
	}
	if committed < t.bytes {
		return false
	}

	now := time.Now()
	if t.lastUpdateTime.IsZero() {
		t.lastUpdateTime = now
		t.lastBytes = committed
	} else if elapsed := now.Sub(t.lastUpdateTime).Seconds(); elapsed > 0.1 && committed > t.lastBytes {
		instant := float64(committed-t.lastBytes) / elapsed
		if t.speed > 0 {
			t.speed = speedSmoothingAlpha*instant + (1-speedSmoothingAlpha)*t.speed
		} else {
			t.speed = instant
		}
		t.lastBytes = committed
		t.lastUpdateTime = now
	}

	t.bytes = committed
	return true
}

// Snapshot returns a copy of the task's current state.
func (t *Task) Snapshot() TaskSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TaskSnapshot{
		ID:          t.ID,
		Direction:   t.Direction,
		Name:        t.Name,
		Source:      t.Source,
		Dest:        t.Dest,
		Size:        t.size,
		Bytes:       t.bytes,
		Speed:       t.speed,
		State:       t.state,
		Err:         t.err,
		Retries:     t.retries,
		Legacy:      t.legacy,
		CreatedAt:   t.createdAt,
		StartedAt:   t.startedAt,
		CompletedAt: t.completedAt,
	}
}

// finish moves the task into a terminal state. Returns false if it already was terminal.
func (t *Task) finish(state TaskState, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return false
	}
	t.state = state
	t.err = err
	t.completedAt = time.Now()
	if state == TaskCompleted && t.size > 0 {
		t.bytes = t.size
	}
	t.cancel = nil
	return true
}
