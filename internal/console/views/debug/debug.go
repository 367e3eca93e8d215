// Package debug keeps the console's event log and renders it as an overlay.
package debug

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mirror-relay/relay/internal/console/theme"
)

const maxEntries = 200

// Kind tags where an entry came from.
type Kind string

const (
	KindWS      Kind = "ws"
	KindAPI     Kind = "api"
	KindSession Kind = "sess"
	KindDevice  Kind = "dev"
	KindError   Kind = "err"
)

type Entry struct {
	Time    time.Time
	Kind    Kind
	Message string
}

type Model struct {
	Entries []Entry
	// Offset counts lines scrolled up from the newest entry.
	Offset int
	now    func() time.Time
}

func New() Model {
	return Model{now: time.Now}
}

// Addf appends a formatted entry, dropping the oldest past maxEntries.
// New entries scroll the view back to the bottom.
func (m *Model) Addf(kind Kind, format string, args ...any) {
	now := time.Now
	if m.now != nil {
		now = m.now
	}
	m.Entries = append(m.Entries, Entry{Time: now(), Kind: kind, Message: fmt.Sprintf(format, args...)})
	if over := len(m.Entries) - maxEntries; over > 0 {
		m.Entries = m.Entries[over:]
	}
	m.Offset = 0
}

func (m *Model) ScrollUp(n int) {
	m.Offset = min(m.Offset+n, max(len(m.Entries)-1, 0))
}

func (m *Model) ScrollDown(n int) {
	m.Offset = max(m.Offset-n, 0)
}

func (m Model) View(width, height int) string {
	innerW := max(width-4, 20)
	visible := max(height-6, 3)

	title := theme.StyleHeader.Render(" EVENT LOG ")
	help := theme.StyleDimmed.Render(fmt.Sprintf("j/k:scroll  esc:close  %d entries", len(m.Entries)))
	panel := lipgloss.NewStyle().
		Width(innerW).
		Padding(1, 2).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder)

	if len(m.Entries) == 0 {
		body := theme.StyleDimmed.Render("  No events recorded yet.")
		return panel.Render(lipgloss.JoinVertical(lipgloss.Left, title, "", body, "", help))
	}

	end := len(m.Entries) - m.Offset
	start := max(end-visible, 0)

	lines := make([]string, 0, end-start)
	for _, e := range m.Entries[start:end] {
		lines = append(lines, renderEntry(e, innerW))
	}

	var more string
	if m.Offset > 0 {
		more = theme.StyleDimmed.Render(fmt.Sprintf(" ↓ %d more", m.Offset))
	}
	return panel.Render(lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(lines, "\n"), more, help))
}

func renderEntry(e Entry, width int) string {
	ts := theme.StyleDimmed.Render(e.Time.Format("15:04:05.000"))
	kind := lipgloss.NewStyle().Foreground(kindColor(e.Kind)).Width(5).Render(string(e.Kind))
	msg := e.Message
	if limit := width - 20; limit > 3 && len(msg) > limit {
		msg = msg[:limit-3] + "..."
	}
	return ts + " " + kind + " " + msg
}

func kindColor(k Kind) lipgloss.Color {
	switch k {
	case KindWS:
		return theme.ColorAttached
	case KindAPI:
		return theme.ColorAccent
	case KindSession:
		return theme.ColorStreaming
	case KindDevice:
		return theme.ColorStarting
	case KindError:
		return theme.ColorDanger
	}
	return theme.ColorDimmed
}
