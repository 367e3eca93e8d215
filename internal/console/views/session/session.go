// Package session renders the current mirroring session panel.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mirror-relay/relay/internal/console/client"
	"github.com/mirror-relay/relay/internal/console/theme"
)

const (
	panelWidth = 56
	labelWidth = 14
)

var (
	stylePanel = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(theme.ColorBorder).
			Padding(0, 1)

	styleLabel = lipgloss.NewStyle().
			Foreground(theme.ColorDimmed).
			Width(labelWidth)

	styleValue = lipgloss.NewStyle().
			Foreground(theme.ColorBright)
)

type Model struct {
	Status client.SessionStatus
	// LastReason is why the previous session ended.
	LastReason string
	Lock       *client.LockState
	Err        string
	Now        func() time.Time
}

func New() Model {
	return Model{Now: time.Now}
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(theme.StyleHeader.Render("SESSION") + "\n")

	s := m.Status
	if !s.Active {
		b.WriteString(theme.StyleDimmed.Render("No active session. Select a device and press enter.") + "\n")
		if m.LastReason != "" {
			writeRow(&b, "Last ended", m.LastReason)
		}
	} else {
		state := lipgloss.NewStyle().Foreground(theme.StateColor(s.State)).Render(s.State)
		writeRow(&b, "Device", s.DeviceID)
		writeRow(&b, "Session", s.SessionID)
		b.WriteString(styleLabel.Render("State:") + state + "\n")
		if s.Port > 0 {
			writeRow(&b, "Transport", fmt.Sprintf("ws://127.0.0.1:%d", s.Port))
		}
		if s.StartedAt != nil {
			writeRow(&b, "Uptime", formatDuration(m.now().Sub(*s.StartedAt)))
		}
		if r := s.Relay; r != nil {
			viewer := "waiting"
			if r.ClientAttached {
				viewer = "attached"
			}
			writeRow(&b, "Viewer", fmt.Sprintf("%s (%d attaches)", viewer, r.Attaches))
			writeRow(&b, "Video", fmt.Sprintf("%d chunks, %s", r.ChunksForwarded, formatBytes(r.BytesForwarded)))
		}
	}

	if m.Lock != nil {
		lock := "unlocked"
		if m.Lock.Locked {
			lock = "locked"
		}
		writeRow(&b, "Screen", lock)
	}
	if m.Err != "" {
		b.WriteString(theme.StyleError.Render(m.Err) + "\n")
	}

	return stylePanel.Width(panelWidth).Render(strings.TrimRight(b.String(), "\n"))
}

func (m Model) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func writeRow(b *strings.Builder, label, value string) {
	b.WriteString(styleLabel.Render(label+":") + styleValue.Render(value) + "\n")
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
