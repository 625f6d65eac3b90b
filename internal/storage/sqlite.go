package storage

import (
	"bytes"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/backoff"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/models"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/storage"
)

// SQLiteStore is the durable task store backing the agent. It keeps a single
// writer connection so every lifecycle operation is serialized and written to
// disk before the call returns.
type SQLiteStore struct {
	db     *sqlx.DB
	policy storage.RetryPolicy
}

// NewSQLiteStore opens (creating if necessary) the agent database at path.
func NewSQLiteStore(path string, policy storage.RetryPolicy) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// Single connection: claim/complete/fail serialize on it, which is the
	// mutual-exclusion guarantee ClaimReady promises.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = backoff.DefaultBaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = backoff.DefaultMaxDelay
	}
	return &SQLiteStore{db: db, policy: policy}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Enqueue inserts the task as QUEUED. An identical payload under a
// non-terminal existing id is an idempotent no-op; any other collision is
// storage.ErrDuplicateTask.
func (s *SQLiteStore) Enqueue(t models.Task) error {
	if t.Status == "" {
		t.Status = models.QueuedTaskStatus
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	// Timestamps compare textually in SQLite, so FIFO ordering needs one zone.
	t.CreatedAt = t.CreatedAt.UTC()
	if len(t.Payload) == 0 {
		t.Payload = []byte("{}")
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var existing models.Task
	err = tx.Get(&existing, "SELECT * FROM tasks WHERE id = ?", t.ID)
	if err == nil {
		if !existing.Status.IsTerminal() && bytes.Equal(existing.Payload, t.Payload) {
			return nil
		}
		return storage.ErrDuplicateTask
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("enqueue lookup %s: %w", t.ID, err)
	}

	_, err = tx.Exec(`INSERT INTO tasks (id, type, payload, status, attempts, max_attempts, created_at, reported)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		t.ID, t.Type, string(t.Payload), t.Status, t.Attempts, t.MaxAttempts, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", t.ID, err)
	}
	return tx.Commit()
}

// ClaimReady selects up to limit claimable tasks FIFO by created_at (ties by
// id), marks them RUNNING with the attempt counted, and returns them. The
// select and updates run in one transaction on the single writer connection,
// so concurrent callers never overlap.
func (s *SQLiteStore) ClaimReady(limit int, now time.Time) ([]models.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var ready []models.Task
	err = tx.Select(&ready, `SELECT * FROM tasks
		WHERE status = ? OR (status = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?)
		ORDER BY created_at ASC, id ASC LIMIT ?`,
		models.QueuedTaskStatus, models.RetryingTaskStatus, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim select: %w", err)
	}

	claimed := make([]models.Task, 0, len(ready))
	for _, t := range ready {
		attemptAt := now
		_, err = tx.Exec(`UPDATE tasks SET status = ?, attempts = attempts + 1,
			last_attempt_at = ?, next_attempt_at = NULL WHERE id = ?`,
			models.RunningTaskStatus, attemptAt, t.ID)
		if err != nil {
			return nil, fmt.Errorf("claim update %s: %w", t.ID, err)
		}
		t.Status = models.RunningTaskStatus
		t.Attempts++
		t.LastAttemptAt = &attemptAt
		t.NextAttemptAt = nil
		claimed = append(claimed, t)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// Complete transitions a RUNNING task to SUCCEEDED.
func (s *SQLiteStore) Complete(id string, result []byte) error {
	if len(result) == 0 {
		result = []byte("null")
	}
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, result = ?, error = '', completed_at = ?, next_attempt_at = NULL
		WHERE id = ? AND status = ?`,
		models.SucceededTaskStatus, string(result), time.Now().UTC(), id, models.RunningTaskStatus)
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	return s.checkTransition(res, id)
}

// Fail transitions a RUNNING task to RETRYING when the failure is retryable
// and attempts remain, to DEAD when attempts are exhausted, and to FAILED for
// permanent failures. The retry delay is exponential with jitter.
func (s *SQLiteStore) Fail(id string, taskErr string, retryable bool) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var t models.Task
	if err := tx.Get(&t, "SELECT * FROM tasks WHERE id = ?", id); err != nil {
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		return fmt.Errorf("fail lookup %s: %w", id, err)
	}
	if t.Status != models.RunningTaskStatus {
		return storage.ErrInvalidTransition
	}

	now := time.Now().UTC()
	if retryable && t.Attempts < t.MaxAttempts {
		next := now.Add(backoff.Jitter(backoff.Delay(t.Attempts, s.policy.BaseDelay, s.policy.MaxDelay)))
		_, err = tx.Exec(`UPDATE tasks SET status = ?, error = ?, next_attempt_at = ? WHERE id = ?`,
			models.RetryingTaskStatus, taskErr, next, id)
	} else {
		status := models.FailedTaskStatus
		if retryable {
			status = models.DeadTaskStatus
		}
		_, err = tx.Exec(`UPDATE tasks SET status = ?, error = ?, result = NULL, completed_at = ?, next_attempt_at = NULL WHERE id = ?`,
			status, taskErr, now, id)
	}
	if err != nil {
		return fmt.Errorf("fail update %s: %w", id, err)
	}
	return tx.Commit()
}

// MarkReported flips the reported flag; a no-op when already set.
func (s *SQLiteStore) MarkReported(id string) error {
	res, err := s.db.Exec("UPDATE tasks SET reported = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("mark reported %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListUnreportedTerminal(limit int) ([]models.Task, error) {
	tasks := []models.Task{}
	query := `SELECT * FROM tasks WHERE reported = 0 AND status IN (?, ?, ?)
		ORDER BY created_at ASC, id ASC`
	args := []interface{}{models.SucceededTaskStatus, models.FailedTaskStatus, models.DeadTaskStatus}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if err := s.db.Select(&tasks, query, args...); err != nil {
		return nil, fmt.Errorf("list unreported: %w", err)
	}
	return tasks, nil
}

func (s *SQLiteStore) GetTask(id string) (models.Task, error) {
	var t models.Task
	err := s.db.Get(&t, "SELECT * FROM tasks WHERE id = ?", id)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, err
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(status models.TaskStatus, limit int) ([]models.Task, error) {
	tasks := []models.Task{}
	query := "SELECT * FROM tasks"
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at ASC, id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if err := s.db.Select(&tasks, query, args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

func (s *SQLiteStore) CountReady(now time.Time) (int, error) {
	var n int
	err := s.db.Get(&n, `SELECT COUNT(*) FROM tasks
		WHERE status = ? OR (status = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?)`,
		models.QueuedTaskStatus, models.RetryingTaskStatus, now)
	if err != nil {
		return 0, fmt.Errorf("count ready: %w", err)
	}
	return n, nil
}

// RecoverRunning re-queues tasks a previous process left RUNNING. The crash
// implies the attempt did not complete, so it stays counted; tasks that were
// on their last attempt go to DEAD.
func (s *SQLiteStore) RecoverRunning() (int, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	dead, err := tx.Exec(`UPDATE tasks SET status = ?, error = ?, completed_at = ?, next_attempt_at = NULL
		WHERE status = ? AND attempts >= max_attempts`,
		models.DeadTaskStatus, "attempt aborted by process restart", now, models.RunningTaskStatus)
	if err != nil {
		return 0, fmt.Errorf("recover dead: %w", err)
	}
	requeued, err := tx.Exec(`UPDATE tasks SET status = ?, next_attempt_at = NULL WHERE status = ?`,
		models.QueuedTaskStatus, models.RunningTaskStatus)
	if err != nil {
		return 0, fmt.Errorf("recover requeue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	nd, _ := dead.RowsAffected()
	nr, _ := requeued.RowsAffected()
	return int(nd + nr), nil
}

// Requeue resets a DEAD task to QUEUED with a fresh attempt budget.
func (s *SQLiteStore) Requeue(id string) error {
	var t models.Task
	err := s.db.Get(&t, "SELECT * FROM tasks WHERE id = ?", id)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	if t.Status != models.DeadTaskStatus {
		return storage.ErrInvalidTransition
	}
	_, err = s.db.Exec(`UPDATE tasks SET status = ?, attempts = 0, error = '', result = NULL,
		completed_at = NULL, next_attempt_at = NULL, reported = 0 WHERE id = ?`,
		models.QueuedTaskStatus, id)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	return nil
}

// Purge deletes terminal tasks that were already reported; with force, any
// terminal task goes.
func (s *SQLiteStore) Purge(force bool) (int, error) {
	query := "DELETE FROM tasks WHERE status IN (?, ?, ?)"
	args := []interface{}{models.SucceededTaskStatus, models.FailedTaskStatus, models.DeadTaskStatus}
	if !force {
		query += " AND reported = 1"
	}
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) GetScheduleState(name string) (models.ScheduleState, error) {
	var st models.ScheduleState
	err := s.db.Get(&st, "SELECT * FROM schedule_state WHERE name = ?", name)
	if err == sql.ErrNoRows {
		return models.ScheduleState{}, storage.ErrNotFound
	}
	if err != nil {
		return models.ScheduleState{}, err
	}
	return st, nil
}

func (s *SQLiteStore) SetScheduleState(state models.ScheduleState) error {
	_, err := s.db.Exec(`INSERT INTO schedule_state (name, last_fired_at) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET last_fired_at = excluded.last_fired_at`,
		state.Name, state.LastFiredAt)
	if err != nil {
		return fmt.Errorf("set schedule state %s: %w", state.Name, err)
	}
	return nil
}

// checkTransition maps a zero-row UPDATE into the right contract error.
func (s *SQLiteStore) checkTransition(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := s.db.Get(&exists, "SELECT COUNT(*) FROM tasks WHERE id = ?", id); err != nil {
		return err
	}
	if exists == 0 {
		return storage.ErrNotFound
	}
	return storage.ErrInvalidTransition
}
