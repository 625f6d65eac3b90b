package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   TaskStatus
		terminal bool
	}{
		{QueuedTaskStatus, false},
		{RunningTaskStatus, false},
		{RetryingTaskStatus, false},
		{SucceededTaskStatus, true},
		{FailedTaskStatus, true},
		{DeadTaskStatus, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestTaskReady(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name  string
		task  Task
		ready bool
	}{
		{"queued", Task{Status: QueuedTaskStatus}, true},
		{"running", Task{Status: RunningTaskStatus}, false},
		{"retrying due", Task{Status: RetryingTaskStatus, NextAttemptAt: &past}, true},
		{"retrying due exactly now", Task{Status: RetryingTaskStatus, NextAttemptAt: &now}, true},
		{"retrying not due", Task{Status: RetryingTaskStatus, NextAttemptAt: &future}, false},
		{"retrying without next attempt", Task{Status: RetryingTaskStatus}, false},
		{"succeeded", Task{Status: SucceededTaskStatus}, false},
		{"dead", Task{Status: DeadTaskStatus}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ready, tt.task.Ready(now))
		})
	}
}
