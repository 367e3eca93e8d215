// Package theme provides the Lip Gloss palette and shared styles for the
// relay console. It has no internal imports.
package theme

import "github.com/charmbracelet/lipgloss"

// Session state colors.
var (
	ColorIdle       = lipgloss.Color("#4b5563")
	ColorStarting   = lipgloss.Color("#7c3aed")
	ColorAttached   = lipgloss.Color("#2563eb")
	ColorConnecting = lipgloss.Color("#d97706")
	ColorStreaming  = lipgloss.Color("#16a34a")
	ColorClosed     = lipgloss.Color("#374151")
	ColorDefault    = lipgloss.Color("#9ca3af")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorAccent  = lipgloss.Color("#06b6d4")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// StateColor returns the color for a relay state name.
func StateColor(state string) lipgloss.Color {
	switch state {
	case "idle":
		return ColorIdle
	case "forward_bound", "agent_starting", "transport_listening":
		return ColorStarting
	case "client_attached":
		return ColorAttached
	case "video_connecting", "control_connecting":
		return ColorConnecting
	case "streaming":
		return ColorStreaming
	case "closed":
		return ColorClosed
	default:
		return ColorDefault
	}
}

// StateGlyph returns a glyph for a relay state name.
func StateGlyph(state string) string {
	switch state {
	case "idle":
		return "○"
	case "forward_bound", "agent_starting", "transport_listening":
		return "◎"
	case "client_attached":
		return "◌"
	case "video_connecting", "control_connecting":
		return "●>"
	case "streaming":
		return "▶"
	case "closed":
		return "✗"
	default:
		return "·"
	}
}

// HealthColor returns the color for a bridge health status.
func HealthColor(status string) lipgloss.Color {
	switch status {
	case "healthy":
		return ColorHealthy
	case "degraded":
		return ColorWarning
	case "failed":
		return ColorDanger
	default:
		return ColorDimmed
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorAccent)

	StyleError = lipgloss.NewStyle().
			Foreground(ColorDanger)
)
