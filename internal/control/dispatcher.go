// Package control routes client commands to the device.
package control

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/mirror-relay/relay/internal/bridge"
	"github.com/mirror-relay/relay/internal/relay"
	"github.com/mirror-relay/relay/internal/wire"
)

const swipeTimeout = 10 * time.Second

// Result says what happened to a dispatched command.
type Result int

const (
	Sent Result = iota
	Dropped
	Invalid
	Shelled
)

func (r Result) String() string {
	switch r {
	case Sent:
		return "sent"
	case Dropped:
		return "dropped"
	case Invalid:
		return "invalid"
	case Shelled:
		return "shelled"
	}
	return "unknown"
}

// Writer accepts encoded agent control messages.
type Writer interface {
	WriteControl(msg []byte) error
}

// Shell runs device shell commands for swipes.
type Shell interface {
	Shell(ctx context.Context, serial string, args ...string) (bridge.Result, error)
}

// Dispatcher routes control commands to the agent or the device shell.
type Dispatcher struct {
	shell Shell
	log   zerolog.Logger
	wg    conc.WaitGroup
}

func NewDispatcher(shell Shell, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{shell: shell, log: log}
}

// Dispatch sends cmd to the device. Agent commands go to w, which may be
// nil when no session is streaming; swipes run through the device shell in
// the background. Nothing is acknowledged to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, w Writer, deviceID string, cmd wire.Command) Result {
	if s, ok := cmd.(wire.Swipe); ok {
		if deviceID == "" {
			return Dropped
		}
		d.swipe(ctx, deviceID, s)
		return Shelled
	}

	msg, ok := wire.Encode(cmd)
	if !ok {
		d.log.Debug().Str("type", string(cmd.Kind())).Msg("invalid control command dropped")
		return Invalid
	}
	if w == nil {
		return Dropped
	}
	if err := w.WriteControl(msg); err != nil {
		if !errors.Is(err, relay.ErrNoControl) {
			d.log.Warn().Err(err).Str("type", string(cmd.Kind())).Msg("control write failed")
		}
		return Dropped
	}
	return Sent
}

func (d *Dispatcher) swipe(ctx context.Context, deviceID string, s wire.Swipe) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Go(func() {
		ctx, cancel := context.WithTimeout(ctx, swipeTimeout)
		defer cancel()
		if _, err := d.shell.Shell(ctx, deviceID, s.ShellArgs()...); err != nil {
			d.log.Warn().Err(err).Str("device", deviceID).Msg("swipe failed")
		}
	})
}

// Wait blocks until background swipes finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
