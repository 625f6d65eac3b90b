// Package channel maintains the agent's link to the controller. A websocket
// push transport is preferred; after repeated push failures the manager falls
// back to HTTP polling and keeps retrying push in the background.
package channel

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/models"
)

// Logger defines the logging interface for the channel layer.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Transport is one way of reaching the controller. Implementations register
// the agent in Open and are used by a single manager goroutine per method.
type Transport interface {
	// Name identifies the transport in logs and heartbeats.
	Name() string
	// Open establishes the link and registers the agent. A rejected
	// credential surfaces as *ConfigurationError.
	Open(ctx context.Context) error
	// Receive blocks until the controller hands down tasks, the transport
	// fails, or ctx is cancelled. The polling transport paces itself here.
	Receive(ctx context.Context) ([]models.Task, error)
	// SubmitResult delivers a terminal outcome and returns nil only once the
	// controller has acknowledged it.
	SubmitResult(ctx context.Context, report models.ResultReport) error
	SendHeartbeat(ctx context.Context, hb models.Heartbeat) error
	Close() error
}

// ConfigurationError marks a failure that no amount of retrying fixes, such
// as rejected credentials. The runtime halts on it instead of reconnecting.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration rejected by controller: %s", e.Reason)
}

// IsConfigurationError reports whether err (or its cause chain) is fatal
// for the runtime.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
