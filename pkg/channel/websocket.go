package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/models"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsAckTimeout       = 15 * time.Second

	// heartbeatAckKey routes heartbeat acks, which carry no task id.
	heartbeatAckKey = "heartbeat"
)

// WebsocketConfig carries everything needed to dial the controller's push
// endpoint.
type WebsocketConfig struct {
	URL          string // ws:// or wss://
	AgentID      string
	Token        string
	Version      string
	Capabilities []string
}

// WebsocketTransport is the push channel. The controller sends task_assign
// envelopes at will; results and heartbeats go out on the same connection and
// are matched to ack envelopes by the Receive loop.
type WebsocketTransport struct {
	cfg    WebsocketConfig
	logger Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	ackMu      sync.Mutex
	ackWaiters map[string]chan struct{}
}

func NewWebsocketTransport(cfg WebsocketConfig, logger Logger) *WebsocketTransport {
	return &WebsocketTransport{
		cfg:        cfg,
		logger:     logger,
		ackWaiters: make(map[string]chan struct{}),
	}
}

func (t *WebsocketTransport) Name() string { return "websocket" }

func (t *WebsocketTransport) Open(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.cfg.Token)
	header.Set("X-Agent-ID", t.cfg.AgentID)

	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &ConfigurationError{Reason: resp.Status}
		}
		return errors.Wrapf(err, "dial %s", t.cfg.URL)
	}
	t.conn = conn

	reg := models.Registration{
		AgentID:      t.cfg.AgentID,
		Version:      t.cfg.Version,
		Capabilities: t.cfg.Capabilities,
	}
	if err := t.write(models.RegisterMessage, reg); err != nil {
		conn.Close()
		t.conn = nil
		return errors.Wrap(err, "send registration")
	}
	t.logger.Infof("Push channel open to %s", t.cfg.URL)
	return nil
}

// Receive is the sole reader of the connection. Acks are routed to their
// waiting senders; task assignments are returned to the manager.
func (t *WebsocketTransport) Receive(ctx context.Context) ([]models.Task, error) {
	if t.conn == nil {
		return nil, errors.New("push channel not open")
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var env models.Envelope
		if err := t.conn.ReadJSON(&env); err != nil {
			return nil, errors.Wrap(err, "read push channel")
		}
		switch env.Type {
		case models.TaskAssignMessage:
			var task models.Task
			if err := json.Unmarshal(env.Payload, &task); err != nil {
				t.logger.Errorf("Discarding malformed task assignment: %v", err)
				continue
			}
			return []models.Task{task}, nil
		case models.AckMessage:
			var ack models.Ack
			if err := json.Unmarshal(env.Payload, &ack); err != nil {
				t.logger.Errorf("Discarding malformed ack: %v", err)
				continue
			}
			t.deliverAck(ack.TaskID)
		default:
			t.logger.Warnf("Ignoring unexpected %s envelope from controller", env.Type)
		}
	}
}

func (t *WebsocketTransport) SubmitResult(ctx context.Context, report models.ResultReport) error {
	ack := t.expectAck(report.TaskID)
	defer t.forgetAck(report.TaskID)
	if err := t.write(models.TaskResultMessage, report); err != nil {
		return errors.Wrapf(err, "send result for task %s", report.TaskID)
	}
	return t.awaitAck(ctx, ack, "result for task "+report.TaskID)
}

func (t *WebsocketTransport) SendHeartbeat(ctx context.Context, hb models.Heartbeat) error {
	ack := t.expectAck(heartbeatAckKey)
	defer t.forgetAck(heartbeatAckKey)
	if err := t.write(models.HeartbeatMessage, hb); err != nil {
		return errors.Wrap(err, "send heartbeat")
	}
	return t.awaitAck(ctx, ack, "heartbeat")
}

func (t *WebsocketTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	t.writeMu.Lock()
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}

func (t *WebsocketTransport) write(msgType models.MessageType, payload interface{}) error {
	env, err := models.NewEnvelope(msgType, t.cfg.AgentID, payload)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return t.conn.WriteJSON(env)
}

func (t *WebsocketTransport) expectAck(key string) chan struct{} {
	ch := make(chan struct{}, 1)
	t.ackMu.Lock()
	t.ackWaiters[key] = ch
	t.ackMu.Unlock()
	return ch
}

func (t *WebsocketTransport) forgetAck(key string) {
	t.ackMu.Lock()
	delete(t.ackWaiters, key)
	t.ackMu.Unlock()
}

func (t *WebsocketTransport) deliverAck(taskID string) {
	key := taskID
	if key == "" {
		key = heartbeatAckKey
	}
	t.ackMu.Lock()
	ch, ok := t.ackWaiters[key]
	t.ackMu.Unlock()
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (t *WebsocketTransport) awaitAck(ctx context.Context, ack <-chan struct{}, what string) error {
	timer := time.NewTimer(wsAckTimeout)
	defer timer.Stop()
	select {
	case <-ack:
		return nil
	case <-timer.C:
		return errors.Errorf("no ack for %s within %s", what, wsAckTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
