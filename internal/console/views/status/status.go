package status

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/mirror-relay/relay/internal/console/client"
	"github.com/mirror-relay/relay/internal/console/theme"
)

// Model holds the status bar state.
type Model struct {
	Connected bool
	Attempt   uint
	Devices   int
	Health    client.Health
	Session   client.SessionStatus
	Width     int
}

func New() Model {
	return Model{}
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	var connStr string
	switch {
	case m.Connected:
		connStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● Connected")
	case m.Attempt > 0:
		connStr = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render(fmt.Sprintf("○ Reconnecting (attempt %d)", m.Attempt))
	default:
		connStr = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ Connecting...")
	}

	devices := fmt.Sprintf("%d devices", m.Devices)

	health := string(m.Health.Status)
	if health == "" {
		health = "unknown"
	}
	healthStr := lipgloss.NewStyle().Foreground(theme.HealthColor(health)).Render("adb: " + health)

	state := m.Session.State
	if state == "" {
		state = "idle"
	}
	sessionStr := lipgloss.NewStyle().Foreground(theme.StateColor(state)).Render(theme.StateGlyph(state) + " " + state)
	if m.Session.Active && m.Session.DeviceID != "" {
		sessionStr += theme.StyleDimmed.Render(" " + m.Session.DeviceID)
	}

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := connStr + sep + devices + sep + healthStr + sep + sessionStr

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}
