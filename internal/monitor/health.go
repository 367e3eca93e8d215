package monitor

import (
	"sync"
	"time"
)

type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusFailed   HealthStatus = "failed"
)

// Health describes how reliably the device bridge is answering.
type Health struct {
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	LastError           string       `json:"lastError,omitempty"`
	LastSuccess         time.Time    `json:"lastSuccess,omitempty"`
}

// bridgeHealth counts consecutive device listing failures. poll writes it
// from the monitor goroutine while API handlers read snapshots.
type bridgeHealth struct {
	mu                sync.Mutex
	failures          int
	lastErr           string
	lastFail          time.Time
	lastSuccess       time.Time
	lastEmittedStatus HealthStatus
}

func newBridgeHealth() *bridgeHealth {
	return &bridgeHealth{lastEmittedStatus: StatusHealthy}
}

func (h *bridgeHealth) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
	h.lastErr = ""
	h.lastSuccess = time.Now()
}

func (h *bridgeHealth) recordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	h.lastErr = err.Error()
	h.lastFail = time.Now()
}

// statusLocked computes health status. Caller must hold h.mu.
func (h *bridgeHealth) statusLocked(threshold int) HealthStatus {
	switch {
	case h.failures >= threshold:
		return StatusFailed
	case h.failures > 0:
		return StatusDegraded
	}
	return StatusHealthy
}

func (h *bridgeHealth) snapshot(threshold int) Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked(threshold)
}

func (h *bridgeHealth) snapshotLocked(threshold int) Health {
	return Health{
		Status:              h.statusLocked(threshold),
		ConsecutiveFailures: h.failures,
		LastError:           h.lastErr,
		LastSuccess:         h.lastSuccess,
	}
}

// snapshotAndEmit returns the current health and whether its status changed
// since the last emission, recording the new status if so.
func (h *bridgeHealth) snapshotAndEmit(threshold int) (Health, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := h.snapshotLocked(threshold)
	changed := snap.Status != h.lastEmittedStatus
	if changed {
		h.lastEmittedStatus = snap.Status
	}
	return snap, changed
}
