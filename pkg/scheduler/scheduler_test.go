package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/models"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/storage"
)

type testLogger struct{}

func (testLogger) Infof(format string, args ...interface{})  {}
func (testLogger) Errorf(format string, args ...interface{}) {}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newScheduler(t *testing.T, store storage.TaskStore, clock *fakeClock, triggers ...Trigger) *Scheduler {
	t.Helper()
	s, err := New(store, triggers, Config{Clock: clock.Now}, testLogger{})
	require.NoError(t, err)
	return s
}

func queuedTasks(t *testing.T, store storage.TaskStore) []models.Task {
	t.Helper()
	tasks, err := store.ListTasks(models.QueuedTaskStatus, 100)
	require.NoError(t, err)
	return tasks
}

func TestTriggerValidation(t *testing.T) {
	tests := []struct {
		name    string
		trigger Trigger
		wantErr bool
	}{
		{"interval trigger", Trigger{Name: "sync", Interval: time.Hour, TaskType: "sync_inventory"}, false},
		{"time of day trigger", Trigger{Name: "report", TimeOfDay: "08:00", TaskType: "daily_report"}, false},
		{"missing name", Trigger{Interval: time.Hour, TaskType: "sync_inventory"}, true},
		{"missing task type", Trigger{Name: "sync", Interval: time.Hour}, true},
		{"neither schedule", Trigger{Name: "sync", TaskType: "sync_inventory"}, true},
		{"both schedules", Trigger{Name: "sync", TimeOfDay: "08:00", Interval: time.Hour, TaskType: "sync_inventory"}, true},
		{"malformed time of day", Trigger{Name: "sync", TimeOfDay: "25:99", TaskType: "sync_inventory"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.trigger.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSchedulerFirstSightRecordsBaseline(t *testing.T) {
	store := storage.NewMockStore()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	s := newScheduler(t, store, clock, Trigger{Name: "sync", Interval: time.Hour, TaskType: "sync_inventory"})

	s.Tick()
	assert.Empty(t, queuedTasks(t, store), "fresh trigger must not fire immediately")

	state, err := store.GetScheduleState("sync")
	require.NoError(t, err)
	assert.Equal(t, clock.now, state.LastFiredAt)
}

func TestSchedulerIntervalTrigger(t *testing.T) {
	store := storage.NewMockStore()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	s := newScheduler(t, store, clock, Trigger{
		Name:     "sync",
		Interval: time.Hour,
		TaskType: "sync_inventory",
		Payload:  map[string]interface{}{"full": true},
	})

	s.Tick() // baseline
	clock.Advance(30 * time.Minute)
	s.Tick()
	assert.Empty(t, queuedTasks(t, store), "not due yet")

	clock.Advance(31 * time.Minute)
	s.Tick()
	tasks := queuedTasks(t, store)
	require.Len(t, tasks, 1)
	assert.Equal(t, "sync_inventory", tasks[0].Type)
	assert.JSONEq(t, `{"full":true}`, string(tasks[0].Payload))
}

func TestSchedulerTimeOfDayTrigger(t *testing.T) {
	store := storage.NewMockStore()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC)}
	s := newScheduler(t, store, clock, Trigger{Name: "report", TimeOfDay: "08:00", TaskType: "daily_report"})

	s.Tick() // baseline at 07:00
	clock.Advance(30 * time.Minute)
	s.Tick()
	assert.Empty(t, queuedTasks(t, store), "08:00 has not passed")

	clock.Advance(time.Hour) // 08:30
	s.Tick()
	require.Len(t, queuedTasks(t, store), 1)

	clock.Advance(time.Hour) // 09:30, same day
	s.Tick()
	assert.Len(t, queuedTasks(t, store), 1, "must not refire the same occurrence")

	clock.Advance(24 * time.Hour) // 09:30 next day
	s.Tick()
	assert.Len(t, queuedTasks(t, store), 2)
}

func TestSchedulerMissedFiresCatchUpOnce(t *testing.T) {
	store := storage.NewMockStore()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	s := newScheduler(t, store, clock, Trigger{Name: "sync", Interval: time.Hour, TaskType: "sync_inventory"})

	s.Tick() // baseline

	// Simulate six hours of downtime: the five missed occurrences collapse
	// into a single catch-up fire, not a backlog.
	clock.Advance(6 * time.Hour)
	s.Tick()
	assert.Len(t, queuedTasks(t, store), 1)

	s.Tick()
	assert.Len(t, queuedTasks(t, store), 1, "catch-up fires exactly once")
}

func TestSchedulerRefireAfterCrashIsIdempotent(t *testing.T) {
	store := storage.NewMockStore()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	trigger := Trigger{Name: "sync", Interval: time.Hour, TaskType: "sync_inventory"}

	s := newScheduler(t, store, clock, trigger)
	s.Tick() // baseline
	clock.Advance(2 * time.Hour)
	s.Tick()
	require.Len(t, queuedTasks(t, store), 1)

	// A crash between enqueue and the last-fired write means a restarted
	// scheduler re-evaluates with stale state. The deterministic task id
	// dedupes in the store.
	require.NoError(t, store.SetScheduleState(models.ScheduleState{
		Name:        "sync",
		LastFiredAt: clock.now.Add(-2 * time.Hour),
	}))
	restarted := newScheduler(t, store, clock, trigger)
	restarted.Tick()
	assert.Len(t, queuedTasks(t, store), 1, "refire after crash must not duplicate")
}

func TestSchedulerMultipleTriggers(t *testing.T) {
	store := storage.NewMockStore()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 7, 30, 0, 0, time.UTC)}
	s := newScheduler(t, store, clock,
		Trigger{Name: "sync", Interval: time.Hour, TaskType: "sync_inventory"},
		Trigger{Name: "report", TimeOfDay: "08:00", TaskType: "daily_report"},
	)

	s.Tick() // baselines
	clock.Advance(2 * time.Hour)
	s.Tick()

	tasks := queuedTasks(t, store)
	require.Len(t, tasks, 2)
	types := []string{tasks[0].Type, tasks[1].Type}
	assert.ElementsMatch(t, []string{"sync_inventory", "daily_report"}, types)
}
