// Package agent pushes, starts and supervises the on-device screen agent.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/mirror-relay/relay/internal/bridge"
)

// Bridge is the subset of the device bridge the launcher drives.
type Bridge interface {
	KillPattern(ctx context.Context, serial, pattern string) error
	Push(ctx context.Context, serial, local, remote string) error
	StartShell(serial string, stdout, stderr io.Writer, args ...string) (bridge.Process, error)
}

// Launcher pushes the agent payload and starts it on a device.
type Launcher struct {
	bridge Bridge
	opts   Options
	log    zerolog.Logger
}

// NewLauncher fills unset opts from DefaultOptions.
func NewLauncher(b Bridge, opts Options, log zerolog.Logger) *Launcher {
	return &Launcher{bridge: b, opts: opts.withDefaults(), log: log}
}

func (l *Launcher) Options() Options { return l.opts }

// KillStale kills any agent left running on the device. Failure (including
// "nothing to kill") is ignored.
func (l *Launcher) KillStale(ctx context.Context, deviceID string) {
	if err := l.bridge.KillPattern(ctx, deviceID, l.opts.ClassName); err != nil {
		l.log.Debug().Err(err).Str("device", deviceID).Msg("no stale agent killed")
	}
}

// Push copies the agent payload to the device.
func (l *Launcher) Push(ctx context.Context, deviceID string) error {
	if _, err := os.Stat(l.opts.LocalPath); err != nil {
		return &PushError{
			DeviceID:  deviceID,
			LocalPath: l.opts.LocalPath,
			Err:       fmt.Errorf("%w: %w", ErrPayloadMissing, err),
		}
	}

	if err := l.bridge.Push(ctx, deviceID, l.opts.LocalPath, l.opts.DevicePath); err != nil {
		pErr := &PushError{DeviceID: deviceID, LocalPath: l.opts.LocalPath, Err: err}
		var bErr *bridge.Error
		if errors.As(err, &bErr) {
			pErr.Stderr = bErr.Stderr
		}
		return pErr
	}
	l.log.Info().Str("device", deviceID).Str("path", l.opts.DevicePath).Msg("agent pushed")
	return nil
}

// Launch starts the agent for session scid. The returned Process runs until
// the agent exits or Kill is called.
func (l *Launcher) Launch(ctx context.Context, deviceID, scid string) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{DeviceID: deviceID, Err: err}
	}

	log := l.log.With().Str("device", deviceID).Str("scid", scid).Logger()
	out := newLineLogger(log)
	proc, err := l.bridge.StartShell(deviceID, out, out, l.opts.Command(scid)...)
	if err != nil {
		return nil, &LaunchError{DeviceID: deviceID, Err: err}
	}

	log.Info().Int("pid", proc.Pid()).Msg("agent started")
	return newProcess(proc, out, log), nil
}
