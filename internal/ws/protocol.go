package ws

import (
	"encoding/json"

	"github.com/mirror-relay/relay/internal/bridge"
	"github.com/mirror-relay/relay/internal/monitor"
	"github.com/mirror-relay/relay/internal/session"
)

type MessageType string

// Server to client.
const (
	MsgSnapshot       MessageType = "snapshot"
	MsgSessionStarted MessageType = "session_started"
	MsgSessionStopped MessageType = "session_stopped"
	MsgDevices        MessageType = "devices"
	MsgBridgeHealth   MessageType = "bridge_health"
	MsgError          MessageType = "error"
)

// Client to server.
const (
	MsgControl MessageType = "control"
	MsgResync  MessageType = "resync"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Payload any         `json:"payload"`
}

// InboundMessage is a client request on the event websocket. For control
// messages Payload is a tagged command.
type InboundMessage struct {
	Type     MessageType     `json:"type"`
	DeviceID string          `json:"deviceId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type SnapshotPayload struct {
	Session session.Status  `json:"session"`
	Devices []bridge.Device `json:"devices"`
	Health  monitor.Health  `json:"health"`
}

type DevicesPayload struct {
	Devices []bridge.Device `json:"devices"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

type StartRequest struct {
	DeviceID string `json:"deviceId"`
}

type ControlRequest struct {
	DeviceID string          `json:"deviceId,omitempty"`
	Params   json.RawMessage `json:"params"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}
