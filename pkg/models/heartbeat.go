package models

import "time"

// ConnState describes the channel manager's view of controller connectivity.
// It is rebuilt from scratch on every process start, never persisted.
type ConnState string

const (
	DisconnectedConnState ConnState = "DISCONNECTED"
	ConnectingConnState   ConnState = "CONNECTING"
	ConnectedConnState    ConnState = "CONNECTED"
	DegradedConnState     ConnState = "DEGRADED" // polling fallback active
	ClosingConnState      ConnState = "CLOSING"
)

// Heartbeat is the periodic liveness report sent upstream. Only the most
// recent value matters; it is never stored durably.
type Heartbeat struct {
	AgentID        string    `json:"agent_id"`
	Version        string    `json:"version"`
	Timestamp      time.Time `json:"timestamp"`
	QueueDepth     int       `json:"queue_depth"`
	ConnState      ConnState `json:"conn_state"`
	TasksSucceeded int64     `json:"tasks_succeeded"`
	TasksFailed    int64     `json:"tasks_failed"`
}
