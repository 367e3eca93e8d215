package session

import (
	"encoding/json"
	"time"
)

// EventType classifies session lifecycle events.
type EventType int

const (
	EventStarted EventType = iota // transport is listening
	EventStopped                  // a started session was torn down
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	}
	return "unknown"
}

func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// Event is delivered to subscribers in the order it happened.
type Event struct {
	Type      EventType `json:"type"`
	DeviceID  string    `json:"deviceId"`
	SessionID string    `json:"sessionId"`
	Port      int       `json:"port,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}
