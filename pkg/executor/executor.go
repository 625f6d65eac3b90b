// Package executor pulls ready tasks from the store and runs them through
// registered handlers under a bounded concurrency ceiling.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AI-OWL/MNM-Fasteners-Agent/internal/metrics"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/models"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/registry"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/storage"
)

const (
	DefaultConcurrency  = 4
	DefaultTaskTimeout  = 10 * time.Minute
	DefaultClaimBackoff = 500 * time.Millisecond
)

// Logger defines the logging interface for the executor.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Config bounds the executor's resource use.
type Config struct {
	Concurrency  int           // maximum handlers in flight
	TaskTimeout  time.Duration // per-task execution ceiling
	ClaimBackoff time.Duration // sleep between claim cycles that find nothing
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.ClaimBackoff <= 0 {
		c.ClaimBackoff = DefaultClaimBackoff
	}
}

// Executor claims ready tasks, dispatches them to handlers, and writes every
// outcome back to the store. It touches tasks only through TaskStore
// operations; a handler never sees the store or the channel.
type Executor struct {
	store  storage.TaskStore
	reg    *registry.Registry
	cfg    Config
	logger Logger

	slots chan struct{}
	wg    sync.WaitGroup

	succeeded atomic.Int64
	failed    atomic.Int64
}

func New(store storage.TaskStore, reg *registry.Registry, cfg Config, logger Logger) *Executor {
	cfg.applyDefaults()
	return &Executor{
		store:  store,
		reg:    reg,
		cfg:    cfg,
		logger: logger,
		slots:  make(chan struct{}, cfg.Concurrency),
	}
}

// Succeeded returns the count of tasks completed successfully this process.
func (e *Executor) Succeeded() int64 { return e.succeeded.Load() }

// Failed returns the count of tasks that failed terminally this process.
func (e *Executor) Failed() int64 { return e.failed.Load() }

// InFlight returns the number of handlers currently executing.
func (e *Executor) InFlight() int { return len(e.slots) }

// Run is the claim loop. It blocks until ctx is cancelled and every in-flight
// handler has finished; the caller bounds the drain with its own timeout.
func (e *Executor) Run(ctx context.Context) {
	e.logger.Infof("Executor started with concurrency %d", e.cfg.Concurrency)
	for {
		select {
		case <-ctx.Done():
			e.logger.Infof("Executor stopping, waiting for %d in-flight task(s)", e.InFlight())
			e.wg.Wait()
			e.logger.Infof("Executor stopped")
			return
		default:
		}

		available := cap(e.slots) - len(e.slots)
		if available == 0 {
			e.sleep(ctx, e.cfg.ClaimBackoff)
			continue
		}

		claimed, err := e.store.ClaimReady(available, time.Now().UTC())
		if err != nil {
			e.logger.Errorf("Failed to claim ready tasks: %v", err)
			e.sleep(ctx, e.cfg.ClaimBackoff)
			continue
		}
		if len(claimed) == 0 {
			e.sleep(ctx, e.cfg.ClaimBackoff)
			continue
		}

		for _, task := range claimed {
			e.slots <- struct{}{}
			e.wg.Add(1)
			go func(t models.Task) {
				defer func() {
					<-e.slots
					e.wg.Done()
				}()
				e.execute(t)
			}(task)
		}
	}
}

// Drain waits up to timeout for in-flight handlers to finish. It reports
// whether the drain completed; abandoned tasks are recovered as RUNNING
// leftovers on the next start.
func (e *Executor) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		e.logger.Warnf("Drain timeout after %s, abandoning %d in-flight task(s)", timeout, e.InFlight())
		return false
	}
}

func (e *Executor) execute(task models.Task) {
	e.logger.Infof("Executing task %s (type=%s attempt=%d/%d)", task.ID, task.Type, task.Attempts, task.MaxAttempts)

	fn, err := e.reg.Lookup(task.Type)
	if err != nil {
		e.failTask(task, fmt.Sprintf("unknown task type: %s", task.Type), false)
		return
	}

	// Not derived from the run context: shutdown stops the claim loop while
	// in-flight handlers run to completion or their own timeout.
	execCtx, cancel := context.WithTimeout(context.Background(), e.cfg.TaskTimeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		res, handlerErr := fn(execCtx, task.Payload)
		resultCh <- outcome{res, handlerErr}
	}()

	select {
	case out := <-resultCh:
		if out.err != nil {
			e.failTask(task, out.err.Error(), registry.IsRetryable(out.err))
			return
		}
		e.completeTask(task, out.result)
	case <-execCtx.Done():
		// Timeouts are transient by policy; the attempt ceiling bounds them.
		e.failTask(task, fmt.Sprintf("task timed out after %s", e.cfg.TaskTimeout), true)
	}
}

func (e *Executor) completeTask(task models.Task, result interface{}) {
	raw, err := json.Marshal(result)
	if err != nil {
		e.failTask(task, fmt.Sprintf("unencodable handler result: %v", err), false)
		return
	}
	if err := e.store.Complete(task.ID, raw); err != nil {
		e.logger.Errorf("Failed to record success for task %s: %v", task.ID, err)
		return
	}
	e.succeeded.Add(1)
	metrics.TasksCompleted.WithLabelValues("succeeded").Inc()
	e.logger.Infof("Task %s succeeded", task.ID)
}

func (e *Executor) failTask(task models.Task, msg string, retryable bool) {
	if err := e.store.Fail(task.ID, msg, retryable); err != nil {
		e.logger.Errorf("Failed to record failure for task %s: %v", task.ID, err)
		return
	}
	updated, err := e.store.GetTask(task.ID)
	if err != nil {
		e.logger.Errorf("Failed to reload task %s after failure: %v", task.ID, err)
		return
	}
	switch updated.Status {
	case models.RetryingTaskStatus:
		metrics.TaskRetries.Inc()
		e.logger.Warnf("Task %s failed retryably (attempt %d/%d), next attempt at %s: %s",
			task.ID, updated.Attempts, updated.MaxAttempts, updated.NextAttemptAt.Format(time.RFC3339), msg)
	case models.DeadTaskStatus:
		e.failed.Add(1)
		metrics.TasksCompleted.WithLabelValues("dead").Inc()
		e.logger.Errorf("Task %s is dead after %d attempt(s): %s", task.ID, updated.Attempts, msg)
	default:
		e.failed.Add(1)
		metrics.TasksCompleted.WithLabelValues("failed").Inc()
		e.logger.Errorf("Task %s failed permanently: %s", task.ID, msg)
	}
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
