package transfer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rescale/shardlink/internal/events"
)

// ErrTaskNotFound is returned for an unknown task id
var ErrTaskNotFound = errors.New("task not found")

// ErrTaskNotActive is returned when cancelling a task that already finished
var ErrTaskNotActive = errors.New("task is not queued or active")

// QueueStats holds statistics about the transfer queue.
type QueueStats struct {
	Queued    int
	Active    int
	Completed int
	Failed    int
	Cancelled int
}

// Total returns total number of tasks in queue.
func (s QueueStats) Total() int {
	return s.Queued + s.Active + s.Completed + s.Failed + s.Cancelled
}

// Queue is a passive transfer tracker that publishes events.
// It does not execute transfers: callers register a task with Track, report
// progress and retries while the transfer runs, then call Complete or Fail.
type Queue struct {
	tasks     []*Task
	tasksByID map[string]*Task
	mu        sync.RWMutex

	eventBus *events.EventBus
}

// NewQueue creates a queue publishing to eventBus, which may be nil.
func NewQueue(eventBus *events.EventBus) *Queue {
	return &Queue{
		tasksByID: make(map[string]*Task),
		eventBus:  eventBus,
	}
}

// Track registers a new transfer in TaskQueued state.
func (q *Queue) Track(direction Direction, name, source, dest string, size int64) *Task {
	task := NewTask(direction, name, source, dest, size)

	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.tasksByID[task.ID] = task
	q.mu.Unlock()

	q.publishTransferEvent(events.EventTransferQueued, task)
	return task
}

// Start marks a task active. cancel is called if the task is cancelled
// through the queue.
func (q *Queue) Start(taskID string, cancel context.CancelFunc) {
	task := q.lookup(taskID)
	if task == nil {
		return
	}

	task.mu.Lock()
	if task.state != TaskQueued {
		task.mu.Unlock()
		return
	}
	task.state = TaskActive
	task.startedAt = time.Now()
	task.cancel = cancel
	task.mu.Unlock()

	q.publishTransferEvent(events.EventTransferStarted, task)
}

// UpdateProgress records committed bytes. Its signature matches the
// transfer engine's progress callback so it can be passed through directly.
func (q *Queue) UpdateProgress(taskID string, total, committed int64) {
	task := q.lookup(taskID)
	if task == nil || task.IsTerminal() {
		return
	}
	if task.updateBytes(total, committed) {
		q.publishTransferEvent(events.EventTransferProgress, task)
	}
}

// RecordRetry counts a retried request of the task and publishes it.
func (q *Queue) RecordRetry(taskID string, attempt int, reason string, delay time.Duration, err error) {
	task := q.lookup(taskID)
	if task == nil {
		return
	}
	task.mu.Lock()
	task.retries++
	task.mu.Unlock()

	if q.eventBus != nil {
		q.eventBus.Publish(&events.RetryEvent{
			BaseEvent: events.BaseEvent{EventType: events.EventTransferRetry, Time: time.Now()},
			TaskID:    taskID,
			Attempt:   attempt,
			Reason:    reason,
			Delay:     delay,
			Error:     err,
		})
	}
}

// RecordFallback marks that the download switched to the legacy protocol.
func (q *Queue) RecordFallback(taskID string) {
	task := q.lookup(taskID)
	if task == nil {
		return
	}
	task.mu.Lock()
	task.legacy = true
	task.mu.Unlock()

	q.publishTransferEvent(events.EventTransferFallback, task)
}

// Complete marks a task as successfully completed.
func (q *Queue) Complete(taskID string) {
	if task := q.lookup(taskID); task != nil && task.finish(TaskCompleted, nil) {
		q.publishTransferEvent(events.EventTransferCompleted, task)
	}
}

// Fail marks a task as failed with an error.
func (q *Queue) Fail(taskID string, err error) {
	if task := q.lookup(taskID); task != nil && task.finish(TaskFailed, err) {
		q.publishTransferEvent(events.EventTransferFailed, task)
	}
}

// Cancel cancels a queued or active task through its stored cancel function.
func (q *Queue) Cancel(taskID string) error {
	task := q.lookup(taskID)
	if task == nil {
		return ErrTaskNotFound
	}

	task.mu.RLock()
	cancel := task.cancel
	task.mu.RUnlock()

	if !task.finish(TaskCancelled, nil) {
		return ErrTaskNotActive
	}
	if cancel != nil {
		cancel()
	}
	q.publishTransferEvent(events.EventTransferCancelled, task)
	return nil
}

// CancelAll cancels every task that has not finished.
func (q *Queue) CancelAll() {
	q.mu.RLock()
	ids := make([]string, 0, len(q.tasks))
	for _, task := range q.tasks {
		ids = append(ids, task.ID)
	}
	q.mu.RUnlock()

	for _, id := range ids {
		_ = q.Cancel(id)
	}
}

// Stats returns current queue statistics.
func (q *Queue) Stats() QueueStats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := QueueStats{}
	for _, task := range q.tasks {
		switch task.State() {
		case TaskQueued:
			stats.Queued++
		case TaskActive:
			stats.Active++
		case TaskCompleted:
			stats.Completed++
		case TaskFailed:
			stats.Failed++
		case TaskCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// Tasks returns snapshots of all tasks in creation order.
func (q *Queue) Tasks() []TaskSnapshot {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]TaskSnapshot, len(q.tasks))
	for i, task := range q.tasks {
		result[i] = task.Snapshot()
	}
	return result
}

// Task returns a snapshot of a specific task by ID.
func (q *Queue) Task(taskID string) (TaskSnapshot, bool) {
	task := q.lookup(taskID)
	if task == nil {
		return TaskSnapshot{}, false
	}
	return task.Snapshot(), true
}

func (q *Queue) lookup(taskID string) *Task {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.tasksByID[taskID]
}

// publishTransferEvent publishes a transfer event to the event bus.
func (q *Queue) publishTransferEvent(eventType events.EventType, task *Task) {
	if q.eventBus == nil {
		return
	}

	snap := task.Snapshot()
	q.eventBus.Publish(&events.TransferEvent{
		BaseEvent: events.BaseEvent{
			EventType: eventType,
			Time:      time.Now(),
		},
		TaskID:    snap.ID,
		Direction: string(snap.Direction),
		Name:      snap.Name,
		Size:      snap.Size,
		Bytes:     snap.Bytes,
		Speed:     snap.Speed,
		Error:     snap.Err,
	})
}
