package agent

import (
	"errors"
	"fmt"
)

// ErrPayloadMissing means the agent payload is absent on the host.
var ErrPayloadMissing = errors.New("agent payload not found")

// PushError reports a failed or impossible payload push.
type PushError struct {
	DeviceID  string
	LocalPath string
	Stderr    string
	Err       error
}

func (e *PushError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("push %s to %s: %s", e.LocalPath, e.DeviceID, e.Stderr)
	}
	return fmt.Sprintf("push %s to %s: %v", e.LocalPath, e.DeviceID, e.Err)
}

func (e *PushError) Unwrap() error { return e.Err }

// LaunchError reports that the agent process could not be started.
type LaunchError struct {
	DeviceID string
	Err      error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch agent on %s: %v", e.DeviceID, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }
