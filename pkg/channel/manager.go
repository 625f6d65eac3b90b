package channel

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/AI-OWL/MNM-Fasteners-Agent/internal/metrics"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/backoff"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/models"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/storage"
)

const (
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultDrainInterval     = 10 * time.Second
	DefaultMaxPushFailures   = 3
	DefaultPushRetryInterval = 2 * time.Minute

	reportBatchSize = 50
)

// connStates is every state the gauge tracks, so the inactive ones can be
// zeroed on each transition.
var connStates = []models.ConnState{
	models.DisconnectedConnState,
	models.ConnectingConnState,
	models.ConnectedConnState,
	models.DegradedConnState,
	models.ClosingConnState,
}

// Stats supplies the live counters that ride along on heartbeats.
type Stats interface {
	Succeeded() int64
	Failed() int64
}

// Config carries the channel manager's tuning.
type Config struct {
	AgentID           string
	Version           string
	HeartbeatInterval time.Duration
	DrainInterval     time.Duration
	// MaxPushFailures is how many consecutive push failures trigger the
	// polling fallback.
	MaxPushFailures int
	// PushRetryInterval is how often a degraded manager re-tries push.
	PushRetryInterval time.Duration
	// ReconnectBackoff is the base delay between push connect attempts.
	ReconnectBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = DefaultDrainInterval
	}
	if c.MaxPushFailures <= 0 {
		c.MaxPushFailures = DefaultMaxPushFailures
	}
	if c.PushRetryInterval <= 0 {
		c.PushRetryInterval = DefaultPushRetryInterval
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = time.Second
	}
}

// Manager owns the connection state machine. It prefers the push transport,
// falls back to polling after repeated push failures, and keeps probing push
// while degraded. Inbound assignments land in the store; outbound results are
// drained from the store and marked reported only on controller ack.
type Manager struct {
	store  storage.TaskStore
	push   Transport
	poll   Transport
	stats  Stats
	cfg    Config
	logger Logger

	mu    sync.RWMutex
	state models.ConnState

	pushFailures int
}

func NewManager(store storage.TaskStore, push, poll Transport, stats Stats, cfg Config, logger Logger) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		store:  store,
		push:   push,
		poll:   poll,
		stats:  stats,
		cfg:    cfg,
		logger: logger,
	}
	m.setState(models.DisconnectedConnState)
	return m
}

// State returns the current connection state for heartbeats and the status
// endpoint.
func (m *Manager) State() models.ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s models.ConnState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	for _, cs := range connStates {
		v := 0.0
		if cs == s {
			v = 1.0
		}
		metrics.ConnectionState.WithLabelValues(string(cs)).Set(v)
	}
}

// Run drives the state machine until ctx is cancelled. It returns early only
// for a ConfigurationError, which the runtime treats as fatal.
func (m *Manager) Run(ctx context.Context) error {
	defer m.setState(models.ClosingConnState)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		m.setState(models.ConnectingConnState)
		err := m.push.Open(ctx)
		if err == nil {
			m.pushFailures = 0
			m.setState(models.ConnectedConnState)
			m.session(ctx, m.push)
			m.push.Close()
			m.setState(models.DisconnectedConnState)
			continue
		}
		if IsConfigurationError(err) {
			return err
		}

		m.pushFailures++
		m.logger.Warnf("Push connect failed (%d/%d): %v", m.pushFailures, m.cfg.MaxPushFailures, err)
		if m.pushFailures < m.cfg.MaxPushFailures {
			m.sleep(ctx, backoff.Jitter(backoff.Delay(m.pushFailures, m.cfg.ReconnectBackoff, 30*time.Second)))
			continue
		}

		if err := m.degraded(ctx); err != nil {
			return err
		}
		m.setState(models.DisconnectedConnState)
	}
}

// degraded runs the polling transport while probing push in the background.
// It returns when push is reachable again, polling hits a fatal error, or ctx
// is cancelled.
func (m *Manager) degraded(ctx context.Context) error {
	if err := m.poll.Open(ctx); err != nil {
		if IsConfigurationError(err) {
			return err
		}
		m.logger.Errorf("Polling fallback unavailable: %v", err)
		m.sleep(ctx, backoff.Jitter(backoff.Delay(1, m.cfg.ReconnectBackoff, time.Minute)))
		return nil
	}
	m.setState(models.DegradedConnState)
	m.logger.Warnf("Degraded to polling after %d push failures", m.pushFailures)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pushBack := make(chan struct{}, 1)
	go m.probePush(sessionCtx, pushBack)

	done := make(chan struct{})
	go func() {
		m.session(sessionCtx, m.poll)
		close(done)
	}()

	select {
	case <-ctx.Done():
	case <-pushBack:
		m.logger.Infof("Push channel reachable again, leaving polling fallback")
		m.pushFailures = 0
	case <-done:
		// polling session collapsed on its own; reconnect from scratch
	}
	cancel()
	<-done
	m.poll.Close()
	return nil
}

// probePush dials the push endpoint on an interval and signals once it
// connects. The probe connection is closed immediately; the main loop
// re-opens it for the real session.
func (m *Manager) probePush(ctx context.Context, reachable chan<- struct{}) {
	ticker := time.NewTicker(m.cfg.PushRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.push.Open(ctx); err != nil {
				m.logger.Infof("Push still unreachable: %v", err)
				continue
			}
			m.push.Close()
			select {
			case reachable <- struct{}{}:
			default:
			}
			return
		}
	}
}

// session pumps one open transport: a receive loop for assignments, plus
// heartbeat and result-drain tickers. It returns when the transport fails or
// ctx is cancelled.
func (m *Manager) session(ctx context.Context, tr Transport) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.heartbeatLoop(sessionCtx, cancel, tr)
	}()
	go func() {
		defer wg.Done()
		m.drainLoop(sessionCtx, tr)
	}()
	// A blocked websocket read only returns once the connection closes, so
	// cancellation closes the transport out from under it.
	go func() {
		<-sessionCtx.Done()
		tr.Close()
	}()

	for {
		tasks, err := tr.Receive(sessionCtx)
		if err != nil {
			if sessionCtx.Err() == nil {
				m.logger.Warnf("%s channel receive failed: %v", tr.Name(), err)
			}
			break
		}
		for _, task := range tasks {
			m.accept(task)
		}
	}
	cancel()
	wg.Wait()
}

// accept stores a controller-assigned task. Duplicate deliveries are expected
// when both transports overlap around a fallback and are dropped silently.
func (m *Manager) accept(task models.Task) {
	if err := m.store.Enqueue(task); err != nil {
		if errors.Is(err, storage.ErrDuplicateTask) {
			m.logger.Warnf("Rejected conflicting re-assignment of task %s", task.ID)
		} else {
			m.logger.Errorf("Failed to store assigned task %s: %v", task.ID, err)
		}
		return
	}
	metrics.TasksEnqueued.WithLabelValues("controller").Inc()
	m.logger.Infof("Accepted task %s (%s) from controller", task.ID, task.Type)
}

// heartbeatLoop sends liveness reports on a fixed interval. Unacknowledged
// heartbeats count as connection failures: once they reach the push-failure
// ceiling the session is torn down and the reconnect path takes over.
func (m *Manager) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, tr Transport) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tr.SendHeartbeat(ctx, m.heartbeat()); err != nil {
				if ctx.Err() != nil {
					return
				}
				missed++
				m.logger.Warnf("Heartbeat failed on %s channel (%d/%d): %v",
					tr.Name(), missed, m.cfg.MaxPushFailures, err)
				if missed >= m.cfg.MaxPushFailures {
					m.logger.Warnf("Too many missed heartbeats, tearing down %s session", tr.Name())
					cancel()
					return
				}
				continue
			}
			missed = 0
			metrics.HeartbeatsSent.Inc()
		}
	}
}

func (m *Manager) heartbeat() models.Heartbeat {
	depth, err := m.store.CountReady(time.Now().UTC())
	if err != nil {
		m.logger.Errorf("Failed to count ready tasks for heartbeat: %v", err)
	}
	metrics.QueueDepth.Set(float64(depth))
	hb := models.Heartbeat{
		AgentID:    m.cfg.AgentID,
		Version:    m.cfg.Version,
		Timestamp:  time.Now().UTC(),
		QueueDepth: depth,
		ConnState:  m.State(),
	}
	if m.stats != nil {
		hb.TasksSucceeded = m.stats.Succeeded()
		hb.TasksFailed = m.stats.Failed()
	}
	return hb
}

// drainLoop pushes unreported terminal outcomes upstream. A result is marked
// reported only after the controller acks it; anything else stays queued for
// the next pass, so outcomes survive any number of failed deliveries.
func (m *Manager) drainLoop(ctx context.Context, tr Transport) {
	ticker := time.NewTicker(m.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		m.DrainResults(ctx, tr)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DrainResults performs one reporting pass. It stops at the first delivery
// failure to preserve completion order upstream.
func (m *Manager) DrainResults(ctx context.Context, tr Transport) {
	tasks, err := m.store.ListUnreportedTerminal(reportBatchSize)
	if err != nil {
		m.logger.Errorf("Failed to list unreported results: %v", err)
		return
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		report := models.ResultReport{
			TaskID:   task.ID,
			Status:   task.Status,
			Result:   task.Result,
			Error:    task.Error,
			Attempts: task.Attempts,
		}
		if task.CompletedAt != nil {
			report.CompletedAt = *task.CompletedAt
		}
		if err := tr.SubmitResult(ctx, report); err != nil {
			if ctx.Err() == nil {
				m.logger.Warnf("Result delivery for task %s failed, will retry: %v", task.ID, err)
			}
			return
		}
		if err := m.store.MarkReported(task.ID); err != nil {
			m.logger.Errorf("Failed to mark task %s reported: %v", task.ID, err)
			return
		}
		metrics.ResultsReported.Inc()
		m.logger.Infof("Reported %s outcome for task %s", task.Status, task.ID)
	}
}

// Flush makes one best-effort delivery pass over unreported results during
// shutdown, on whichever transport will open. Undelivered outcomes stay in
// the store for the next process.
func (m *Manager) Flush(ctx context.Context) {
	for _, tr := range []Transport{m.push, m.poll} {
		if err := tr.Open(ctx); err != nil {
			m.logger.Warnf("Flush could not open %s channel: %v", tr.Name(), err)
			continue
		}
		// The websocket transport needs its read loop pumped for acks; any
		// assignments arriving this late still land in the store.
		recvCtx, cancel := context.WithCancel(ctx)
		go func() {
			for {
				tasks, err := tr.Receive(recvCtx)
				if err != nil {
					return
				}
				for _, task := range tasks {
					m.accept(task)
				}
			}
		}()
		m.DrainResults(ctx, tr)
		cancel()
		tr.Close()
		return
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
