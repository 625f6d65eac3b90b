// Package scheduler injects recurring tasks into the store on time-based
// triggers. Last-fired times are persisted so a restart neither double-fires
// nor silently drops a scheduled run: a fire time missed while the agent was
// down fires exactly once on the next tick (catch-up, not backlog).
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/AI-OWL/MNM-Fasteners-Agent/internal/metrics"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/models"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/storage"
)

const DefaultTickInterval = 30 * time.Second

// Logger defines the logging interface for the scheduler.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Trigger describes one recurring task source. Exactly one of TimeOfDay
// ("15:04", agent-local time) or Interval must be set.
type Trigger struct {
	Name      string                 `yaml:"name"`
	TimeOfDay string                 `yaml:"time_of_day,omitempty"`
	Interval  time.Duration          `yaml:"interval,omitempty"`
	TaskType  string                 `yaml:"task_type"`
	Payload   map[string]interface{} `yaml:"payload,omitempty"`
}

// Validate checks trigger invariants at load time rather than on tick.
func (tr Trigger) Validate() error {
	if tr.Name == "" {
		return errors.New("trigger missing name")
	}
	if tr.TaskType == "" {
		return errors.Errorf("trigger %s missing task_type", tr.Name)
	}
	if (tr.TimeOfDay == "") == (tr.Interval == 0) {
		return errors.Errorf("trigger %s must set exactly one of time_of_day or interval", tr.Name)
	}
	if tr.TimeOfDay != "" {
		if _, err := time.Parse("15:04", tr.TimeOfDay); err != nil {
			return errors.Wrapf(err, "trigger %s has invalid time_of_day", tr.Name)
		}
	}
	return nil
}

// Config carries scheduler tuning.
type Config struct {
	TickInterval time.Duration
	MaxAttempts  int              // attempt budget for scheduled tasks
	Clock        func() time.Time // defaults to time.Now; injectable for tests
}

// Scheduler evaluates triggers on each tick and enqueues due tasks.
type Scheduler struct {
	store    storage.TaskStore
	triggers []Trigger
	cfg      Config
	logger   Logger
}

func New(store storage.TaskStore, triggers []Trigger, cfg Config, logger Logger) (*Scheduler, error) {
	for _, tr := range triggers {
		if err := tr.Validate(); err != nil {
			return nil, err
		}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Scheduler{store: store, triggers: triggers, cfg: cfg, logger: logger}, nil
}

// Run ticks until ctx is cancelled. The first tick happens immediately so
// missed fires are caught up right after a restart.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.triggers) == 0 {
		s.logger.Infof("Scheduler has no triggers, idling")
		<-ctx.Done()
		return
	}
	s.logger.Infof("Scheduler started with %d trigger(s)", len(s.triggers))
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	s.Tick()
	for {
		select {
		case <-ctx.Done():
			s.logger.Infof("Scheduler stopped")
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick evaluates every trigger once. Exported so the runtime and tests can
// drive the scheduler without waiting on real time.
func (s *Scheduler) Tick() {
	now := s.cfg.Clock()
	for _, tr := range s.triggers {
		if err := s.evaluate(tr, now); err != nil {
			s.logger.Errorf("Trigger %s evaluation failed: %v", tr.Name, err)
		}
	}
}

func (s *Scheduler) evaluate(tr Trigger, now time.Time) error {
	state, err := s.store.GetScheduleState(tr.Name)
	if errors.Is(err, storage.ErrNotFound) {
		// First sight of this trigger: record a baseline instead of firing,
		// so a fresh install does not immediately run every scheduled job.
		return s.store.SetScheduleState(models.ScheduleState{Name: tr.Name, LastFiredAt: now})
	}
	if err != nil {
		return err
	}

	due, ok := tr.nextFire(state.LastFiredAt, now)
	if !ok {
		return nil
	}

	if err := s.fire(tr, due, now); err != nil {
		return err
	}
	// Recording last-fired after the enqueue means a crash in between is
	// safe: the deterministic task id makes the re-fire an idempotent no-op.
	return s.store.SetScheduleState(models.ScheduleState{Name: tr.Name, LastFiredAt: now})
}

// nextFire returns the scheduled time that is due, if any. Multiple missed
// occurrences collapse into the single most recent one.
func (tr Trigger) nextFire(lastFired, now time.Time) (time.Time, bool) {
	if tr.Interval > 0 {
		due := lastFired.Add(tr.Interval)
		if due.After(now) {
			return time.Time{}, false
		}
		return due, true
	}

	// Fixed time of day: the most recent occurrence at or before now.
	tod, _ := time.Parse("15:04", tr.TimeOfDay)
	occurrence := time.Date(now.Year(), now.Month(), now.Day(), tod.Hour(), tod.Minute(), 0, 0, now.Location())
	if occurrence.After(now) {
		occurrence = occurrence.AddDate(0, 0, -1)
	}
	if !occurrence.After(lastFired) {
		return time.Time{}, false
	}
	return occurrence, true
}

func (s *Scheduler) fire(tr Trigger, due, now time.Time) error {
	payload := tr.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "marshal payload for trigger %s", tr.Name)
	}

	task := models.Task{
		// Deterministic per trigger occurrence: re-firing the same slot after
		// a crash dedupes in the store.
		ID:          fmt.Sprintf("sched-%s-%d", tr.Name, due.Unix()),
		Type:        tr.TaskType,
		Payload:     raw,
		MaxAttempts: s.cfg.MaxAttempts,
		CreatedAt:   now.UTC(),
	}
	if err := s.store.Enqueue(task); err != nil {
		if errors.Is(err, storage.ErrDuplicateTask) {
			s.logger.Errorf("Trigger %s produced a conflicting duplicate for %s: %v", tr.Name, task.ID, err)
			return nil
		}
		return errors.Wrapf(err, "enqueue scheduled task %s", task.ID)
	}
	metrics.TasksEnqueued.WithLabelValues("scheduler").Inc()
	s.logger.Infof("Trigger %s fired for %s (task %s)", tr.Name, due.Format(time.RFC3339), task.ID)
	return nil
}
