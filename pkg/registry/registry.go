// Package registry maps task-type strings to handler functions. It is a pure
// lookup table: handlers receive only the task payload and return a result or
// an error, so they cannot reach around the executor's concurrency or
// persistence contracts.
package registry

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnknownTaskType is returned when no handler is registered for a type.
var ErrUnknownTaskType = errors.New("unknown task type")

// HandlerFunc executes one task. The payload is the task's opaque JSON
// document; the returned value is marshalled as the task result. Handlers may
// run more than once for the same task (at-least-once execution), so they
// must be idempotent or return a permanent error.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// HandlerError carries an explicit retryable classification out of a handler.
type HandlerError struct {
	Err       error
	Retryable bool
}

func (e *HandlerError) Error() string {
	return e.Err.Error()
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Retryable wraps err as a transient failure the executor should retry.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &HandlerError{Err: err, Retryable: true}
}

// Permanent wraps err as a failure that retrying cannot fix, such as a
// malformed payload.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &HandlerError{Err: err, Retryable: false}
}

// IsRetryable reports the handler's classification of err. Unclassified
// errors default to retryable: transient infrastructure failures are the
// common case, and the attempt ceiling bounds the damage of a wrong guess.
func IsRetryable(err error) bool {
	var he *HandlerError
	if errors.As(err, &he) {
		return he.Retryable
	}
	return true
}

// Registry is a concurrency-safe handler table.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func New() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a task type, replacing any previous binding.
func (r *Registry) Register(taskType string, fn HandlerFunc) error {
	if taskType == "" {
		return errors.New("empty task type")
	}
	if fn == nil {
		return errors.New("nil handler")
	}
	r.mu.Lock()
	r.handlers[taskType] = fn
	r.mu.Unlock()
	return nil
}

// Lookup returns the handler for taskType or ErrUnknownTaskType.
func (r *Registry) Lookup(taskType string) (HandlerFunc, error) {
	r.mu.RLock()
	fn, ok := r.handlers[taskType]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrap(ErrUnknownTaskType, taskType)
	}
	return fn, nil
}

// Types returns the registered task types, for capability announcement.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
