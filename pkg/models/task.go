package models

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	QueuedTaskStatus    TaskStatus = "QUEUED"
	RunningTaskStatus   TaskStatus = "RUNNING"
	SucceededTaskStatus TaskStatus = "SUCCEEDED"
	FailedTaskStatus    TaskStatus = "FAILED"
	RetryingTaskStatus  TaskStatus = "RETRYING"
	DeadTaskStatus      TaskStatus = "DEAD"
)

// IsTerminal reports whether the status admits no further transitions
// other than flipping the reported flag.
func (s TaskStatus) IsTerminal() bool {
	return s == SucceededTaskStatus || s == FailedTaskStatus || s == DeadTaskStatus
}

// Task is one unit of work assigned by the controller or emitted by the
// scheduler. The payload is opaque to the core; only the registered handler
// for Type interprets it.
type Task struct {
	ID            string          `json:"id" db:"id"`                                     // Unique identifier (controller-assigned or locally generated UUID)
	Type          string          `json:"type" db:"type"`                                 // Key into the handler registry
	Payload       json.RawMessage `json:"payload" db:"payload"`                           // Opaque JSON document
	Status        TaskStatus      `json:"status" db:"status"`                             // Current lifecycle state
	Attempts      int             `json:"attempts" db:"attempts"`                         // Execution attempts so far
	MaxAttempts   int             `json:"max_attempts" db:"max_attempts"`                 // Retry ceiling
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`                     // Enqueue time; claim order is FIFO on this
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty" db:"last_attempt_at"` // Nullable, set on each claim
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty" db:"next_attempt_at"` // Only set while RETRYING
	CompletedAt   *time.Time      `json:"completed_at,omitempty" db:"completed_at"`       // Set on terminal transition
	Result        json.RawMessage `json:"result,omitempty" db:"result"`                   // Only in SUCCEEDED
	Error         string          `json:"error,omitempty" db:"error"`                     // Only in FAILED/DEAD
	Reported      bool            `json:"reported" db:"reported"`                         // Result acknowledged upstream
}

// Ready reports whether the task is claimable at the given instant.
func (t Task) Ready(now time.Time) bool {
	switch t.Status {
	case QueuedTaskStatus:
		return true
	case RetryingTaskStatus:
		return t.NextAttemptAt != nil && !t.NextAttemptAt.After(now)
	default:
		return false
	}
}
