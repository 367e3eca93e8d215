package session

import (
	"path"

	"github.com/mirror-relay/relay/internal/bridge"
)

// DeviceFilter restricts which devices may be listed and mirrored. Patterns
// are path.Match globs over the device serial. The zero value allows every
// device.
type DeviceFilter struct {
	Allowed []string
	Blocked []string
}

// IsAllowed reports whether the device with serial id may be used. When
// Allowed is non-empty the serial must match one of its patterns; it must
// then match none of Blocked.
func (f DeviceFilter) IsAllowed(id string) bool {
	if len(f.Allowed) > 0 && !matchAny(f.Allowed, id) {
		return false
	}
	return !matchAny(f.Blocked, id)
}

// Filter returns the allowed devices. The input slice is not modified.
func (f DeviceFilter) Filter(devices []bridge.Device) []bridge.Device {
	result := make([]bridge.Device, 0, len(devices))
	for _, d := range devices {
		if f.IsAllowed(d.ID) {
			result = append(result, d)
		}
	}
	return result
}

func (f DeviceFilter) IsNoop() bool {
	return len(f.Allowed) == 0 && len(f.Blocked) == 0
}

func matchAny(patterns []string, id string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, id); ok {
			return true
		}
	}
	return false
}
