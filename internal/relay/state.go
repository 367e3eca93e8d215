package relay

import (
	"encoding/json"
	"fmt"
)

// State is a stage of a session's lifecycle. The supervisor drives the
// stages up to AgentStarting; the relay owns the rest.
type State int

const (
	Idle State = iota
	ForwardBound
	AgentStarting
	TransportListening
	ClientAttached
	VideoConnecting
	ControlConnecting
	Streaming
	Closed
)

var stateNames = map[State]string{
	Idle:               "idle",
	ForwardBound:       "forward_bound",
	AgentStarting:      "agent_starting",
	TransportListening: "transport_listening",
	ClientAttached:     "client_attached",
	VideoConnecting:    "video_connecting",
	ControlConnecting:  "control_connecting",
	Streaming:          "streaming",
	Closed:             "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for st, n := range stateNames {
		if n == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown relay state %q", name)
}
