// Package help renders the key reference overlay from markdown.
package help

import (
	"github.com/charmbracelet/glamour"
	"github.com/mirror-relay/relay/internal/console/theme"
)

const Markdown = `# Mirror Relay console

| Key | Action |
| --- | --- |
| j / k | select device |
| enter | start mirroring the selected device |
| s | stop the current session |
| h | send HOME |
| b | send BACK |
| p | send POWER |
| l | probe the lock screen |
| r | resync state |
| d | event log |
| ? | this help |
| q | quit |

A session binds a local port to the device agent, launches the agent and
opens a websocket transport. Point a viewer at the transport port shown in
the session panel to receive video.
`

// Render renders the help text with the named glamour style ("dark",
// "light", "notty") for the given width. It falls back to the raw markdown
// if rendering fails.
func Render(width int, style string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(max(width-4, 40)),
	)
	if err != nil {
		return theme.StyleBorder.Render(Markdown)
	}
	out, err := r.Render(Markdown)
	if err != nil {
		return theme.StyleBorder.Render(Markdown)
	}
	return theme.StyleBorder.Render(out)
}
