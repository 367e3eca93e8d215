package client

import (
	"encoding/json"
	"time"
)

// MessageType mirrors the server's event websocket message types.
type MessageType string

const (
	MsgSnapshot       MessageType = "snapshot"
	MsgSessionStarted MessageType = "session_started"
	MsgSessionStopped MessageType = "session_stopped"
	MsgDevices        MessageType = "devices"
	MsgBridgeHealth   MessageType = "bridge_health"
	MsgError          MessageType = "error"

	MsgControl MessageType = "control"
	MsgResync  MessageType = "resync"
)

type WSMessage struct {
	Type    MessageType     `json:"type"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

type Device struct {
	ID          string            `json:"id"`
	Model       string            `json:"model"`
	State       string            `json:"state"`
	Product     string            `json:"product,omitempty"`
	TransportID string            `json:"transportId,omitempty"`
	Attrs       map[string]string `json:"attrs,omitempty"`
}

type RelayStats struct {
	State           string `json:"state"`
	ClientAttached  bool   `json:"clientAttached"`
	Attaches        int64  `json:"attaches"`
	ChunksForwarded int64  `json:"chunksForwarded"`
	BytesForwarded  int64  `json:"bytesForwarded"`
}

type SessionStatus struct {
	Active    bool        `json:"active"`
	DeviceID  string      `json:"deviceId,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
	Port      int         `json:"port,omitempty"`
	State     string      `json:"state"`
	StartedAt *time.Time  `json:"startedAt,omitempty"`
	Relay     *RelayStats `json:"relay,omitempty"`
}

type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusFailed   HealthStatus = "failed"
)

type Health struct {
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	LastError           string       `json:"lastError,omitempty"`
	LastSuccess         time.Time    `json:"lastSuccess"`
}

// SessionEvent is the payload of session_started and session_stopped.
type SessionEvent struct {
	Type      string    `json:"type"`
	DeviceID  string    `json:"deviceId"`
	SessionID string    `json:"sessionId"`
	Port      int       `json:"port,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

type SnapshotPayload struct {
	Session SessionStatus `json:"session"`
	Devices []Device      `json:"devices"`
	Health  Health        `json:"health"`
}

type DevicesPayload struct {
	Devices []Device `json:"devices"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

type StartResult struct {
	Success bool `json:"success"`
	Port    int  `json:"port"`
}

type LockState struct {
	Locked bool   `json:"locked"`
	Raw    string `json:"raw"`
}

// Android keycodes the console sends.
const (
	KeycodeHome       = 3
	KeycodeBack       = 4
	KeycodePower      = 26
	KeycodeAppSwitch  = 187
	KeycodeVolumeUp   = 24
	KeycodeVolumeDown = 25
)

// KeyCommand is the tagged JSON form of a key event.
type KeyCommand struct {
	Type    string `json:"type"`
	Action  string `json:"action"`
	Keycode int    `json:"keycode"`
}

// KeyPress returns the down and up events for keycode.
func KeyPress(keycode int) []KeyCommand {
	return []KeyCommand{
		{Type: "key", Action: "down", Keycode: keycode},
		{Type: "key", Action: "up", Keycode: keycode},
	}
}
