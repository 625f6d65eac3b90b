package models

import (
	"encoding/json"
	"time"
)

// MessageType identifies an envelope on the push channel.
type MessageType string

const (
	RegisterMessage   MessageType = "register"
	TaskAssignMessage MessageType = "task_assign"
	TaskResultMessage MessageType = "task_result"
	HeartbeatMessage  MessageType = "heartbeat"
	AckMessage        MessageType = "ack"
)

// Envelope is the wire format exchanged over the push channel in both
// directions. Payload is decoded according to Type.
type Envelope struct {
	Type    MessageType     `json:"type"`
	AgentID string          `json:"agent_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(msgType MessageType, agentID string, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: msgType, AgentID: agentID, Payload: raw}, nil
}

// Registration announces the agent and its capabilities at channel open.
type Registration struct {
	AgentID      string   `json:"agent_id"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// ResultReport carries a terminal task outcome upstream.
type ResultReport struct {
	TaskID      string          `json:"task_id"`
	Status      TaskStatus      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Ack acknowledges delivery of a ResultReport.
type Ack struct {
	TaskID string `json:"task_id"`
}
