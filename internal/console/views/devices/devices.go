// Package devices renders the selectable device list.
package devices

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mirror-relay/relay/internal/console/client"
	"github.com/mirror-relay/relay/internal/console/theme"
)

type Model struct {
	Devices  []client.Device
	Selected int
	// Active is the device of the running session, if any.
	Active string
	Width  int
}

func New() Model {
	return Model{}
}

// SetDevices replaces the list, keeping the selection on the same device
// when it is still present.
func (m *Model) SetDevices(devices []client.Device) {
	prev := m.Current()
	m.Devices = devices
	m.Selected = 0
	if prev == nil {
		return
	}
	for i, d := range devices {
		if d.ID == prev.ID {
			m.Selected = i
			return
		}
	}
}

func (m *Model) Next() {
	if len(m.Devices) > 0 {
		m.Selected = (m.Selected + 1) % len(m.Devices)
	}
}

func (m *Model) Prev() {
	if len(m.Devices) > 0 {
		m.Selected = (m.Selected - 1 + len(m.Devices)) % len(m.Devices)
	}
}

// Current returns the selected device, or nil when the list is empty.
func (m Model) Current() *client.Device {
	if m.Selected < 0 || m.Selected >= len(m.Devices) {
		return nil
	}
	d := m.Devices[m.Selected]
	return &d
}

func (m Model) View() string {
	lines := []string{theme.StyleHeader.Render("DEVICES")}
	if len(m.Devices) == 0 {
		lines = append(lines, theme.StyleDimmed.Render("  No devices attached"))
		return strings.Join(lines, "\n")
	}

	for i, d := range m.Devices {
		prefix := "  "
		style := lipgloss.NewStyle().Foreground(theme.ColorBright)
		if i == m.Selected {
			prefix = "> "
			style = theme.StyleSelected
		}
		line := prefix + style.Render(fmt.Sprintf("%-20s %s", d.ID, d.Model))
		if d.ID == m.Active {
			line += lipgloss.NewStyle().Foreground(theme.ColorStreaming).Render("  ▶ mirroring")
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
