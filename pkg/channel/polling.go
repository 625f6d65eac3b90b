package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/backoff"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/models"
)

const (
	DefaultPollInterval = 30 * time.Second
	pollRequestTimeout  = 15 * time.Second
	maxPollBackoff      = 5 * time.Minute
)

// PollingConfig carries everything needed to reach the controller's HTTP API.
type PollingConfig struct {
	BaseURL      string
	AgentID      string
	Token        string
	Version      string
	Capabilities []string
	Interval     time.Duration
}

// PollingTransport is the fallback channel. Receive paces itself: it waits the
// poll interval, stretched exponentially while polls keep failing, then asks
// the controller for pending tasks.
type PollingTransport struct {
	cfg    PollingConfig
	client *http.Client
	logger Logger

	failures int
}

func NewPollingTransport(cfg PollingConfig, logger Logger) *PollingTransport {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	return &PollingTransport{
		cfg:    cfg,
		client: &http.Client{Timeout: pollRequestTimeout},
		logger: logger,
	}
}

func (t *PollingTransport) Name() string { return "polling" }

func (t *PollingTransport) Open(ctx context.Context) error {
	reg := models.Registration{
		AgentID:      t.cfg.AgentID,
		Version:      t.cfg.Version,
		Capabilities: t.cfg.Capabilities,
	}
	if err := t.post(ctx, "/api/agents/register", reg, nil); err != nil {
		return errors.Wrap(err, "register agent")
	}
	t.failures = 0
	t.logger.Infof("Polling channel open to %s", t.cfg.BaseURL)
	return nil
}

func (t *PollingTransport) Receive(ctx context.Context) ([]models.Task, error) {
	delay := t.cfg.Interval
	if t.failures > 0 {
		delay = backoff.Delay(t.failures, t.cfg.Interval, maxPollBackoff)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	var tasks []models.Task
	err := t.get(ctx, fmt.Sprintf("/api/agents/%s/tasks/pending", t.cfg.AgentID), &tasks)
	if err != nil {
		t.failures++
		return nil, err
	}
	t.failures = 0
	return tasks, nil
}

func (t *PollingTransport) SubmitResult(ctx context.Context, report models.ResultReport) error {
	path := fmt.Sprintf("/api/agents/%s/results", t.cfg.AgentID)
	if err := t.post(ctx, path, report, nil); err != nil {
		return errors.Wrapf(err, "submit result for task %s", report.TaskID)
	}
	return nil
}

func (t *PollingTransport) SendHeartbeat(ctx context.Context, hb models.Heartbeat) error {
	path := fmt.Sprintf("/api/agents/%s/heartbeat", t.cfg.AgentID)
	if err := t.post(ctx, path, hb, nil); err != nil {
		return errors.Wrap(err, "send heartbeat")
	}
	return nil
}

func (t *PollingTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func (t *PollingTransport) post(ctx context.Context, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return t.do(req, out)
}

func (t *PollingTransport) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return t.do(req, out)
}

func (t *PollingTransport) do(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+t.cfg.Token)
	req.Header.Set("X-Agent-ID", t.cfg.AgentID)

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &ConfigurationError{Reason: resp.Status}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return errors.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, snippet)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
