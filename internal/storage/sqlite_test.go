package storage_test

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AI-OWL/MNM-Fasteners-Agent/internal/testutil"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/models"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/storage"
)

var fastRetry = storage.RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func newStore(t *testing.T) storage.TaskStore {
	t.Helper()
	testDB := testutil.SetupTestDB(t, fastRetry)
	t.Cleanup(func() { testDB.Teardown(t) })
	return testDB.Store
}

func newTask(id, taskType string, payload string) models.Task {
	return models.Task{
		ID:          id,
		Type:        taskType,
		Payload:     json.RawMessage(payload),
		MaxAttempts: 3,
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Run("EnqueueAndGet", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Enqueue(newTask("t-get", "echo", `{"x":1}`)))

		saved, err := store.GetTask("t-get")
		require.NoError(t, err)
		assert.Equal(t, models.QueuedTaskStatus, saved.Status)
		assert.Equal(t, "echo", saved.Type)
		assert.JSONEq(t, `{"x":1}`, string(saved.Payload))
		assert.False(t, saved.Reported)
	})

	t.Run("EnqueueIdenticalPayloadIsNoop", func(t *testing.T) {
		store := newStore(t)
		task := newTask("t-dup", "echo", `{"x":1}`)
		require.NoError(t, store.Enqueue(task))
		assert.NoError(t, store.Enqueue(task))

		tasks, err := store.ListTasks("", 0)
		require.NoError(t, err)
		assert.Len(t, tasks, 1)
	})

	t.Run("EnqueueConflictingPayloadFails", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Enqueue(newTask("t-conflict", "echo", `{"x":1}`)))
		err := store.Enqueue(newTask("t-conflict", "echo", `{"x":2}`))
		assert.ErrorIs(t, err, storage.ErrDuplicateTask)
	})

	t.Run("EnqueueConcurrentSameID", func(t *testing.T) {
		store := newStore(t)
		task := newTask("t-race", "echo", `{"x":1}`)

		// Channel session, scheduler tick, and CLI can all enqueue at once;
		// a redelivery must stay an idempotent no-op under that race.
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, store.Enqueue(task))
			}()
		}
		wg.Wait()

		tasks, err := store.ListTasks("", 0)
		require.NoError(t, err)
		assert.Len(t, tasks, 1)
	})

	t.Run("EnqueueNormalizesCreatedAtZone", func(t *testing.T) {
		store := newStore(t)
		zone := time.FixedZone("UTC+5", 5*3600)

		earlier := newTask("z-early", "echo", `{}`)
		earlier.CreatedAt = time.Date(2026, 3, 1, 10, 0, 0, 0, zone) // 05:00 UTC
		later := newTask("z-late", "echo", `{}`)
		later.CreatedAt = time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

		require.NoError(t, store.Enqueue(later))
		require.NoError(t, store.Enqueue(earlier))

		claimed, err := store.ClaimReady(1, time.Now().UTC())
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, "z-early", claimed[0].ID)
	})

	t.Run("GetUnknownTask", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetTask("nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ClaimReadyFIFO", func(t *testing.T) {
		store := newStore(t)
		base := time.Now().UTC().Add(-time.Minute)
		for i, id := range []string{"fifo-b", "fifo-a", "fifo-c"} {
			task := newTask(id, "echo", `{}`)
			task.CreatedAt = base.Add(time.Duration(i) * time.Second)
			require.NoError(t, store.Enqueue(task))
		}

		claimed, err := store.ClaimReady(2, time.Now().UTC())
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		// Oldest first regardless of enqueue ordering.
		assert.Equal(t, "fifo-b", claimed[0].ID)
		assert.Equal(t, "fifo-a", claimed[1].ID)
		for _, c := range claimed {
			assert.Equal(t, models.RunningTaskStatus, c.Status)
			assert.Equal(t, 1, c.Attempts)
			assert.NotNil(t, c.LastAttemptAt)
		}

		// Remaining task is still claimable, already-claimed ones are not.
		claimed, err = store.ClaimReady(10, time.Now().UTC())
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, "fifo-c", claimed[0].ID)
	})

	t.Run("ClaimTiesBrokenByID", func(t *testing.T) {
		store := newStore(t)
		created := time.Now().UTC().Add(-time.Minute)
		for _, id := range []string{"tie-b", "tie-a"} {
			task := newTask(id, "echo", `{}`)
			task.CreatedAt = created
			require.NoError(t, store.Enqueue(task))
		}
		claimed, err := store.ClaimReady(10, time.Now().UTC())
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		assert.Equal(t, "tie-a", claimed[0].ID)
		assert.Equal(t, "tie-b", claimed[1].ID)
	})

	t.Run("CompleteTransitions", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Enqueue(newTask("t-complete", "echo", `{}`)))
		claimOne(t, store, "t-complete")

		require.NoError(t, store.Complete("t-complete", []byte(`{"ok":true}`)))
		task, err := store.GetTask("t-complete")
		require.NoError(t, err)
		assert.Equal(t, models.SucceededTaskStatus, task.Status)
		assert.JSONEq(t, `{"ok":true}`, string(task.Result))
		assert.Empty(t, task.Error)
		assert.NotNil(t, task.CompletedAt)

		// Terminal states are immutable.
		assert.ErrorIs(t, store.Complete("t-complete", nil), storage.ErrInvalidTransition)
		assert.ErrorIs(t, store.Fail("t-complete", "late", true), storage.ErrInvalidTransition)
	})

	t.Run("CompleteUnknownTask", func(t *testing.T) {
		store := newStore(t)
		assert.ErrorIs(t, store.Complete("missing", nil), storage.ErrNotFound)
		assert.ErrorIs(t, store.Fail("missing", "x", true), storage.ErrNotFound)
	})

	t.Run("CompleteRequiresRunning", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Enqueue(newTask("t-queued", "echo", `{}`)))
		assert.ErrorIs(t, store.Complete("t-queued", nil), storage.ErrInvalidTransition)
	})

	t.Run("FailPermanent", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Enqueue(newTask("t-perm", "echo", `{}`)))
		claimOne(t, store, "t-perm")
		require.NoError(t, store.Fail("t-perm", "bad payload", false))

		task, err := store.GetTask("t-perm")
		require.NoError(t, err)
		assert.Equal(t, models.FailedTaskStatus, task.Status)
		assert.Equal(t, "bad payload", task.Error)
		assert.Nil(t, task.Result)
		assert.Nil(t, task.NextAttemptAt)
	})

	t.Run("RetryableFailureExhaustsToDead", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Enqueue(newTask("t-retry", "echo", `{}`)))

		for attempt := 1; attempt <= 3; attempt++ {
			claimOne(t, store, "t-retry")
			require.NoError(t, store.Fail("t-retry", "transient", true))

			task, err := store.GetTask("t-retry")
			require.NoError(t, err)
			assert.Equal(t, attempt, task.Attempts)
			if attempt < 3 {
				assert.Equal(t, models.RetryingTaskStatus, task.Status)
				assert.NotNil(t, task.NextAttemptAt)
			} else {
				assert.Equal(t, models.DeadTaskStatus, task.Status)
				assert.Nil(t, task.NextAttemptAt)
				assert.NotNil(t, task.CompletedAt)
			}
		}
	})

	t.Run("RetryingNotClaimableBeforeDue", func(t *testing.T) {
		slowRetry := storage.RetryPolicy{BaseDelay: time.Hour, MaxDelay: 2 * time.Hour}
		db := testutil.SetupTestDB(t, slowRetry)
		defer db.Teardown(t)

		require.NoError(t, db.Store.Enqueue(newTask("t-due", "echo", `{}`)))
		claimOne(t, db.Store, "t-due")
		require.NoError(t, db.Store.Fail("t-due", "transient", true))

		claimed, err := db.Store.ClaimReady(10, time.Now().UTC())
		require.NoError(t, err)
		assert.Empty(t, claimed)

		// Once the backoff has elapsed it becomes claimable again.
		claimed, err = db.Store.ClaimReady(10, time.Now().UTC().Add(3*time.Hour))
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, "t-due", claimed[0].ID)
		assert.Equal(t, 2, claimed[0].Attempts)
	})

	t.Run("ReportingFlow", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Enqueue(newTask("t-report", "echo", `{}`)))
		claimOne(t, store, "t-report")
		require.NoError(t, store.Complete("t-report", []byte(`1`)))

		unreported, err := store.ListUnreportedTerminal(0)
		require.NoError(t, err)
		require.Len(t, unreported, 1)
		assert.Equal(t, "t-report", unreported[0].ID)

		require.NoError(t, store.MarkReported("t-report"))
		require.NoError(t, store.MarkReported("t-report")) // idempotent

		unreported, err = store.ListUnreportedTerminal(0)
		require.NoError(t, err)
		assert.Empty(t, unreported)
	})

	t.Run("CountReady", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Enqueue(newTask("c1", "echo", `{}`)))
		require.NoError(t, store.Enqueue(newTask("c2", "echo", `{}`)))
		n, err := store.CountReady(time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		claimOne(t, store, "c1")
		n, err = store.CountReady(time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, 0, n, "a single claim drains all queued tasks up to its limit")
	})

	t.Run("RequeueDeadTask", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Enqueue(newTask("t-failed", "echo", `{}`)))
		claimOne(t, store, "t-failed")
		require.NoError(t, store.Fail("t-failed", "nope", false))
		// FAILED is permanent; only DEAD is admin-requeueable.
		assert.ErrorIs(t, store.Requeue("t-failed"), storage.ErrInvalidTransition)

		require.NoError(t, store.Enqueue(newTask("t-dead", "echo", `{}`)))
		for i := 0; i < 3; i++ {
			claimOne(t, store, "t-dead")
			require.NoError(t, store.Fail("t-dead", "transient", true))
		}
		require.NoError(t, store.Requeue("t-dead"))

		task, err := store.GetTask("t-dead")
		require.NoError(t, err)
		assert.Equal(t, models.QueuedTaskStatus, task.Status)
		assert.Zero(t, task.Attempts)
		assert.Empty(t, task.Error)
		assert.False(t, task.Reported)
	})

	t.Run("ScheduleState", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetScheduleState("morning")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		fired := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
		require.NoError(t, store.SetScheduleState(models.ScheduleState{Name: "morning", LastFiredAt: fired}))

		st, err := store.GetScheduleState("morning")
		require.NoError(t, err)
		assert.True(t, st.LastFiredAt.Equal(fired))

		// Upsert replaces the previous fire time.
		later := fired.Add(24 * time.Hour)
		require.NoError(t, store.SetScheduleState(models.ScheduleState{Name: "morning", LastFiredAt: later}))
		st, err = store.GetScheduleState("morning")
		require.NoError(t, err)
		assert.True(t, st.LastFiredAt.Equal(later))
	})
}

func TestSQLiteStoreCrashRecovery(t *testing.T) {
	testDB := testutil.SetupTestDB(t, fastRetry)
	defer testDB.Teardown(t)

	require.NoError(t, testDB.Store.Enqueue(newTask("t-crash", "echo", `{}`)))
	claimOne(t, testDB.Store, "t-crash")

	require.NoError(t, testDB.Store.Enqueue(newTask("t-last-attempt", "echo", `{}`)))
	for i := 0; i < 3; i++ {
		claimOne(t, testDB.Store, "t-last-attempt")
		if i < 2 {
			require.NoError(t, testDB.Store.Fail("t-last-attempt", "transient", true))
		}
	}

	// Both tasks are RUNNING; simulate a crash mid-execution.
	testDB.Reopen(t, fastRetry)

	n, err := testDB.Store.RecoverRunning()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// The aborted attempt stays counted and the task is immediately claimable.
	task, err := testDB.Store.GetTask("t-crash")
	require.NoError(t, err)
	assert.Equal(t, models.QueuedTaskStatus, task.Status)
	assert.Equal(t, 1, task.Attempts)

	// A task that crashed on its final attempt has no budget left.
	task, err = testDB.Store.GetTask("t-last-attempt")
	require.NoError(t, err)
	assert.Equal(t, models.DeadTaskStatus, task.Status)
	assert.Equal(t, 3, task.Attempts)
	assert.NotEmpty(t, task.Error)
}

func TestSQLiteStorePurge(t *testing.T) {
	store := newStore(t)

	require.NoError(t, store.Enqueue(newTask("p-reported", "echo", `{}`)))
	require.NoError(t, store.Enqueue(newTask("p-unreported", "echo", `{}`)))
	require.NoError(t, store.Enqueue(newTask("p-queued", "echo", `{}`)))

	claimed, err := store.ClaimReady(2, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.NoError(t, store.Complete("p-reported", nil))
	require.NoError(t, store.MarkReported("p-reported"))
	require.NoError(t, store.Complete("p-unreported", nil))

	n, err := store.Purge(false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = store.GetTask("p-reported")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetTask("p-unreported")
	assert.NoError(t, err)

	n, err = store.Purge(true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = store.GetTask("p-queued")
	assert.NoError(t, err, "non-terminal tasks survive even a forced purge")
}

func TestSQLiteStoreConcurrentClaim(t *testing.T) {
	store := newStore(t)
	for i := 0; i < 20; i++ {
		require.NoError(t, store.Enqueue(newTask(fmt.Sprintf("c-%02d", i), "echo", `{}`)))
	}

	// Four claimers racing over the same queue must never overlap.
	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := store.ClaimReady(3, time.Now().UTC())
				assert.NoError(t, err)
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, task := range claimed {
					seen[task.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 20)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s claimed more than once", id)
	}
}

// claimOne claims until the given task id is RUNNING. Backoff in these tests
// is a couple of milliseconds, so a short deadline is plenty.
func claimOne(t *testing.T, store storage.TaskStore, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		claimed, err := store.ClaimReady(50, time.Now().UTC())
		require.NoError(t, err)
		for _, c := range claimed {
			if c.ID == id {
				return
			}
		}
		task, err := store.GetTask(id)
		require.NoError(t, err)
		if task.Status == models.RunningTaskStatus {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never became RUNNING", id)
}
