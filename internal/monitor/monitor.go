// Package monitor watches the device bridge for attached devices.
package monitor

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirror-relay/relay/internal/bridge"
	"github.com/mirror-relay/relay/internal/session"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultThreshold    = 3
)

// Lister enumerates attached devices.
type Lister interface {
	ListDevices(ctx context.Context) ([]bridge.Device, error)
}

// Stopper ends the session mirroring a device that went away.
type Stopper interface {
	StopDevice(deviceID, reason string) bool
}

// Publisher receives device list and bridge health changes.
type Publisher interface {
	PublishDevices(devices []bridge.Device)
	PublishHealth(h Health)
}

type Options struct {
	PollInterval     time.Duration
	FailureThreshold int
	Filter           session.DeviceFilter
}

// Monitor polls the device bridge and publishes changes.
type Monitor struct {
	lister    Lister
	stopper   Stopper
	publisher Publisher
	opts      Options
	health    *bridgeHealth
	log       zerolog.Logger

	mu      sync.RWMutex
	devices []bridge.Device
	polled  bool
}

// New returns a monitor; Start runs its poll loop until ctx is done.
func New(lister Lister, stopper Stopper, publisher Publisher, opts Options, log zerolog.Logger) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = defaultThreshold
	}
	return &Monitor{
		lister:    lister,
		stopper:   stopper,
		publisher: publisher,
		opts:      opts,
		health:    newBridgeHealth(),
		log:       log,
	}
}

// Start polls until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	m.log.Info().Dur("interval", m.opts.PollInterval).Msg("device monitor started")
	m.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("device monitor stopped")
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// Devices returns the devices seen by the last successful poll.
func (m *Monitor) Devices() []bridge.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.devices)
}

func (m *Monitor) Health() Health {
	return m.health.snapshot(m.opts.FailureThreshold)
}

// Refresh polls immediately and returns the fresh device list.
func (m *Monitor) Refresh(ctx context.Context) ([]bridge.Device, error) {
	if err := m.poll(ctx); err != nil {
		return nil, err
	}
	return m.Devices(), nil
}

func (m *Monitor) poll(ctx context.Context) error {
	devices, err := m.lister.ListDevices(ctx)
	if err != nil {
		m.health.recordFailure(err)
		m.maybeEmitHealth()
		m.log.Debug().Err(err).Msg("device listing failed")
		return err
	}
	m.health.recordSuccess()
	m.maybeEmitHealth()

	devices = m.opts.Filter.Filter(devices)

	m.mu.Lock()
	prev := m.devices
	first := !m.polled
	m.devices = devices
	m.polled = true
	m.mu.Unlock()

	if first || !sameDevices(prev, devices) {
		m.log.Info().Int("count", len(devices)).Msg("devices changed")
		if m.publisher != nil {
			m.publisher.PublishDevices(slices.Clone(devices))
		}
	}

	for _, id := range removedIDs(prev, devices) {
		if m.stopper != nil && m.stopper.StopDevice(id, "device disconnected") {
			m.log.Warn().Str("device", id).Msg("device disconnected, session stopped")
		}
	}
	return nil
}

func (m *Monitor) maybeEmitHealth() {
	snap, changed := m.health.snapshotAndEmit(m.opts.FailureThreshold)
	if !changed {
		return
	}
	level := zerolog.InfoLevel
	if snap.Status != StatusHealthy {
		level = zerolog.WarnLevel
	}
	m.log.WithLevel(level).
		Str("status", string(snap.Status)).
		Str("last_error", snap.LastError).
		Msg("bridge health changed")
	if m.publisher != nil {
		m.publisher.PublishHealth(snap)
	}
}

func sameDevices(a, b []bridge.Device) bool {
	return slices.EqualFunc(a, b, func(x, y bridge.Device) bool {
		return x.ID == y.ID && x.Model == y.Model && x.State == y.State
	})
}

func removedIDs(prev, cur []bridge.Device) []string {
	var removed []string
	for _, p := range prev {
		if !slices.ContainsFunc(cur, func(d bridge.Device) bool { return d.ID == p.ID }) {
			removed = append(removed, p.ID)
		}
	}
	return removed
}
