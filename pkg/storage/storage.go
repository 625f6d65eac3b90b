package storage

import (
	"time"

	"github.com/pkg/errors"

	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/models"
)

var (
	// ErrNotFound is returned when a task id is absent from the store.
	ErrNotFound = errors.New("task not found")
	// ErrDuplicateTask is returned when an enqueue collides with an existing
	// id carrying a different payload.
	ErrDuplicateTask = errors.New("duplicate task id with different payload")
	// ErrInvalidTransition is returned when a lifecycle operation is applied
	// to a task that is not in the required state.
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// RetryPolicy configures the backoff applied when a running task fails
// retryably with attempts remaining.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// TaskStore is the durable, crash-safe record of tasks. It is the single
// shared mutable resource of the agent: every operation is atomic and
// durably written before it returns.
type TaskStore interface {
	// Enqueue inserts a task with status QUEUED. Re-enqueueing an existing id
	// with an identical payload and a non-terminal status is a no-op; an id
	// collision with a different payload fails with ErrDuplicateTask.
	Enqueue(t models.Task) error

	// ClaimReady atomically selects up to limit tasks that are QUEUED, or
	// RETRYING with next_attempt_at due, transitions them to RUNNING with the
	// attempt counted, and returns them oldest-first (created_at, then id).
	// Concurrent callers never receive overlapping tasks.
	ClaimReady(limit int, now time.Time) ([]models.Task, error)

	// Complete transitions a RUNNING task to SUCCEEDED with the given result.
	Complete(id string, result []byte) error

	// Fail transitions a RUNNING task to RETRYING (if retryable and attempts
	// remain, with next_attempt_at computed from the retry policy) or to
	// FAILED/DEAD otherwise.
	Fail(id string, taskErr string, retryable bool) error

	// MarkReported records that the task's terminal outcome was acknowledged
	// upstream. No-op if already reported.
	MarkReported(id string) error

	// ListUnreportedTerminal returns terminal tasks whose outcome has not yet
	// been acknowledged upstream, oldest-first.
	ListUnreportedTerminal(limit int) ([]models.Task, error)

	// GetTask returns the task with the given id or ErrNotFound.
	GetTask(id string) (models.Task, error)

	// ListTasks returns tasks filtered by status (all statuses when empty),
	// oldest-first.
	ListTasks(status models.TaskStatus, limit int) ([]models.Task, error)

	// CountReady returns the number of currently claimable tasks.
	CountReady(now time.Time) (int, error)

	// RecoverRunning re-queues tasks left RUNNING by a crashed process. The
	// aborted attempt stays counted; tasks out of attempts go straight to
	// DEAD. Returns the number of tasks touched.
	RecoverRunning() (int, error)

	// Requeue moves a DEAD task back to QUEUED with a fresh attempt budget.
	// Administrator path; fails with ErrInvalidTransition unless DEAD.
	Requeue(id string) error

	// Purge deletes terminal tasks, by default only those already reported.
	// With force set, unreported terminal tasks are deleted too.
	Purge(force bool) (int, error)

	// Schedule state for the time-trigger scheduler.
	GetScheduleState(name string) (models.ScheduleState, error)
	SetScheduleState(state models.ScheduleState) error

	Close() error
}
