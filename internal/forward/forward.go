// Package forward manages the host-to-device port forwarding rule.
package forward

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/rs/zerolog"

	"github.com/mirror-relay/relay/internal/bridge"
)

// SessionID is the random 31-bit identifier naming the agent's device socket.
type SessionID struct {
	Value uint32
}

// NewSessionID draws a fresh id in [0, 2^31-1].
func NewSessionID() SessionID {
	return SessionID{Value: rand.Uint32N(1 << 31)}
}

// Hex is the id as 8 lowercase hex digits.
func (s SessionID) Hex() string { return fmt.Sprintf("%08x", s.Value) }

// SocketName is the device-local abstract socket the agent listens on.
func (s SessionID) SocketName() string { return "scrcpy_" + s.Hex() }

func (s SessionID) String() string { return s.Hex() }

// Error reports a rejected forwarding request.
type Error struct {
	DeviceID  string
	LocalPort int
	Socket    string
	Stderr    string
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("forward tcp:%d to %s on %s", e.LocalPort, e.Socket, e.DeviceID)
	if e.Stderr != "" {
		return msg + ": " + e.Stderr
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Bridge is the subset of the device bridge used for forwarding rules.
type Bridge interface {
	Forward(ctx context.Context, serial string, localPort int, socket string) error
	RemoveForward(ctx context.Context, localPort int) error
}

// Manager adds and removes the forwarding rule of the active session.
type Manager struct {
	bridge Bridge
	log    zerolog.Logger
}

// NewManager returns a Manager issuing rules through b.
func NewManager(b Bridge, log zerolog.Logger) *Manager {
	return &Manager{bridge: b, log: log}
}

// Bind replaces whatever rule holds localPort with one pointing at socket on
// deviceID.
func (m *Manager) Bind(ctx context.Context, deviceID string, localPort int, socket string) error {
	if err := m.bridge.RemoveForward(ctx, localPort); err != nil {
		m.log.Debug().Err(err).Int("port", localPort).Msg("no previous forward to remove")
	}

	if err := m.bridge.Forward(ctx, deviceID, localPort, socket); err != nil {
		fErr := &Error{DeviceID: deviceID, LocalPort: localPort, Socket: socket, Err: err}
		var bErr *bridge.Error
		if errors.As(err, &bErr) {
			fErr.Stderr = bErr.Stderr
		}
		return fErr
	}

	m.log.Info().
		Str("device", deviceID).
		Int("port", localPort).
		Str("socket", socket).
		Msg("forward bound")
	return nil
}

// Unbind removes the rule on localPort. Failures are only logged.
func (m *Manager) Unbind(ctx context.Context, localPort int) {
	if err := m.bridge.RemoveForward(ctx, localPort); err != nil {
		m.log.Warn().Err(err).Int("port", localPort).Msg("remove forward failed")
		return
	}
	m.log.Debug().Int("port", localPort).Msg("forward removed")
}
