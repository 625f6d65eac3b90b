// Package agent assembles the store, executor, scheduler and channel manager
// into one runnable process and owns the start/drain lifecycle.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/channel"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/executor"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/models"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/registry"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/scheduler"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/storage"
)

const (
	DefaultDrainTimeout = 30 * time.Second

	// flushTimeout bounds the best-effort result delivery pass on shutdown.
	flushTimeout = 10 * time.Second
)

// Logger defines the logging interface shared by all agent components.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Config carries the runtime identity and the per-component tuning.
type Config struct {
	AgentID      string
	Version      string
	Token        string
	WebsocketURL string
	APIBaseURL   string
	PollInterval time.Duration
	// DrainTimeout bounds the wait for in-flight handlers on shutdown.
	DrainTimeout time.Duration

	Executor  executor.Config
	Scheduler scheduler.Config
	Channel   channel.Config
}

// Agent is the top-level runtime. Handlers are registered on the registry
// before Run; everything else is internal wiring.
type Agent struct {
	cfg    Config
	store  storage.TaskStore
	exec   *executor.Executor
	sched  *scheduler.Scheduler
	mgr    *channel.Manager
	logger Logger
}

// New builds an agent with the real websocket and polling transports.
func New(store storage.TaskStore, reg *registry.Registry, triggers []scheduler.Trigger, cfg Config, logger Logger) (*Agent, error) {
	caps := reg.Types()
	push := channel.NewWebsocketTransport(channel.WebsocketConfig{
		URL:          cfg.WebsocketURL,
		AgentID:      cfg.AgentID,
		Token:        cfg.Token,
		Version:      cfg.Version,
		Capabilities: caps,
	}, logger)
	poll := channel.NewPollingTransport(channel.PollingConfig{
		BaseURL:      cfg.APIBaseURL,
		AgentID:      cfg.AgentID,
		Token:        cfg.Token,
		Version:      cfg.Version,
		Capabilities: caps,
		Interval:     cfg.PollInterval,
	}, logger)
	return NewWithTransports(store, reg, triggers, push, poll, cfg, logger)
}

// NewWithTransports builds an agent on caller-supplied transports.
func NewWithTransports(store storage.TaskStore, reg *registry.Registry, triggers []scheduler.Trigger,
	push, poll channel.Transport, cfg Config, logger Logger) (*Agent, error) {
	if cfg.AgentID == "" {
		return nil, errors.New("agent id is required")
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	exec := executor.New(store, reg, cfg.Executor, logger)
	sched, err := scheduler.New(store, triggers, cfg.Scheduler, logger)
	if err != nil {
		return nil, err
	}

	chCfg := cfg.Channel
	chCfg.AgentID = cfg.AgentID
	chCfg.Version = cfg.Version
	mgr := channel.NewManager(store, push, poll, exec, chCfg, logger)

	return &Agent{
		cfg:    cfg,
		store:  store,
		exec:   exec,
		sched:  sched,
		mgr:    mgr,
		logger: logger,
	}, nil
}

// ConnState reports the channel manager's view of the controller link.
func (a *Agent) ConnState() models.ConnState { return a.mgr.State() }

// Succeeded returns the count of tasks completed successfully this process.
func (a *Agent) Succeeded() int64 { return a.exec.Succeeded() }

// Failed returns the count of tasks that failed terminally this process.
func (a *Agent) Failed() int64 { return a.exec.Failed() }

// InFlight returns the number of handlers currently executing.
func (a *Agent) InFlight() int { return a.exec.InFlight() }

// Run starts the agent and blocks until ctx is cancelled or the channel
// layer hits a fatal configuration error. Shutdown is graceful: claiming
// stops, in-flight handlers get DrainTimeout to finish, and unreported
// results are flushed best-effort. Anything left over is picked up by the
// next process through crash recovery and the reported flag.
func (a *Agent) Run(ctx context.Context) error {
	recovered, err := a.store.RecoverRunning()
	if err != nil {
		return errors.Wrap(err, "recover interrupted tasks")
	}
	if recovered > 0 {
		a.logger.Infof("Recovered %d task(s) interrupted by the previous process", recovered)
	}
	a.logger.Infof("Agent %s starting (version %s)", a.cfg.AgentID, a.cfg.Version)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	managerErr := make(chan error, 1)
	go func() { managerErr <- a.mgr.Run(runCtx) }()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.sched.Run(runCtx)
	}()
	go a.exec.Run(runCtx)

	var fatal error
	select {
	case <-ctx.Done():
		a.logger.Infof("Shutdown requested")
	case err := <-managerErr:
		fatal = err
		managerErr = nil
		if fatal != nil {
			a.logger.Errorf("Channel manager halted: %v", fatal)
		}
	}

	cancel()
	a.exec.Drain(a.cfg.DrainTimeout)
	wg.Wait()
	if managerErr != nil {
		<-managerErr
	}

	if fatal == nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), flushTimeout)
		a.mgr.Flush(flushCtx)
		flushCancel()
	}

	a.logger.Infof("Agent %s stopped", a.cfg.AgentID)
	return fatal
}
