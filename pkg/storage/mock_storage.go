package storage

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/backoff"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/models"
)

// mockStore implements TaskStore with in-memory storage. It honours the same
// lifecycle semantics as the SQLite store so component tests do not need a
// database file.
type mockStore struct {
	mu        sync.Mutex
	tasks     map[string]models.Task
	schedules map[string]models.ScheduleState
	policy    RetryPolicy
}

// NewMockStore returns an in-memory TaskStore for testing.
func NewMockStore() TaskStore {
	return NewMockStoreWithPolicy(RetryPolicy{BaseDelay: backoff.DefaultBaseDelay, MaxDelay: backoff.DefaultMaxDelay})
}

// NewMockStoreWithPolicy returns an in-memory TaskStore using the given retry
// policy, so tests can use millisecond backoffs.
func NewMockStoreWithPolicy(policy RetryPolicy) TaskStore {
	return &mockStore{
		tasks:     make(map[string]models.Task),
		schedules: make(map[string]models.ScheduleState),
		policy:    policy,
	}
}

func (m *mockStore) Enqueue(t models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.tasks[t.ID]; ok {
		if !existing.Status.IsTerminal() && bytes.Equal(existing.Payload, t.Payload) {
			return nil
		}
		return ErrDuplicateTask
	}
	if t.Status == "" {
		t.Status = models.QueuedTaskStatus
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	m.tasks[t.ID] = t
	return nil
}

func (m *mockStore) ClaimReady(limit int, now time.Time) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ready []models.Task
	for _, t := range m.tasks {
		if t.Ready(now) {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].ID < ready[j].ID
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	if limit < len(ready) {
		ready = ready[:limit]
	}
	claimed := make([]models.Task, 0, len(ready))
	for _, t := range ready {
		t.Status = models.RunningTaskStatus
		t.Attempts++
		attemptAt := now
		t.LastAttemptAt = &attemptAt
		t.NextAttemptAt = nil
		m.tasks[t.ID] = t
		claimed = append(claimed, t)
	}
	return claimed, nil
}

func (m *mockStore) Complete(id string, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != models.RunningTaskStatus {
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	t.Status = models.SucceededTaskStatus
	t.Result = result
	t.Error = ""
	t.CompletedAt = &now
	m.tasks[id] = t
	return nil
}

func (m *mockStore) Fail(id string, taskErr string, retryable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != models.RunningTaskStatus {
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	if retryable && t.Attempts < t.MaxAttempts {
		next := now.Add(backoff.Jitter(backoff.Delay(t.Attempts, m.policy.BaseDelay, m.policy.MaxDelay)))
		t.Status = models.RetryingTaskStatus
		t.NextAttemptAt = &next
		t.Error = taskErr
	} else {
		if retryable {
			t.Status = models.DeadTaskStatus
		} else {
			t.Status = models.FailedTaskStatus
		}
		t.Error = taskErr
		t.Result = nil
		t.CompletedAt = &now
		t.NextAttemptAt = nil
	}
	m.tasks[id] = t
	return nil
}

func (m *mockStore) MarkReported(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Reported = true
	m.tasks[id] = t
	return nil
}

func (m *mockStore) ListUnreportedTerminal(limit int) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		if t.Status.IsTerminal() && !t.Reported {
			out = append(out, t)
		}
	}
	sortTasks(out)
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) GetTask(id string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	return t, nil
}

func (m *mockStore) ListTasks(status models.TaskStatus, limit int) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	sortTasks(out)
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) CountReady(now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.Ready(now) {
			n++
		}
	}
	return n, nil
}

func (m *mockStore) RecoverRunning() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	now := time.Now().UTC()
	for id, t := range m.tasks {
		if t.Status != models.RunningTaskStatus {
			continue
		}
		if t.Attempts >= t.MaxAttempts {
			t.Status = models.DeadTaskStatus
			t.Error = "attempt aborted by process restart"
			t.CompletedAt = &now
		} else {
			t.Status = models.QueuedTaskStatus
		}
		t.NextAttemptAt = nil
		m.tasks[id] = t
		n++
	}
	return n, nil
}

func (m *mockStore) Requeue(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != models.DeadTaskStatus {
		return ErrInvalidTransition
	}
	t.Status = models.QueuedTaskStatus
	t.Attempts = 0
	t.Error = ""
	t.Result = nil
	t.CompletedAt = nil
	t.NextAttemptAt = nil
	t.Reported = false
	m.tasks[id] = t
	return nil
}

func (m *mockStore) Purge(force bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		if t.Status.IsTerminal() && (t.Reported || force) {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

func (m *mockStore) GetScheduleState(name string) (models.ScheduleState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[name]
	if !ok {
		return models.ScheduleState{}, ErrNotFound
	}
	return s, nil
}

func (m *mockStore) SetScheduleState(state models.ScheduleState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[state.Name] = state
	return nil
}

func (m *mockStore) Close() error {
	return nil
}

func sortTasks(tasks []models.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
