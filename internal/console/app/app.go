package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mirror-relay/relay/internal/console/client"
	"github.com/mirror-relay/relay/internal/console/theme"
	"github.com/mirror-relay/relay/internal/console/views/debug"
	"github.com/mirror-relay/relay/internal/console/views/devices"
	"github.com/mirror-relay/relay/internal/console/views/help"
	sessionview "github.com/mirror-relay/relay/internal/console/views/session"
	"github.com/mirror-relay/relay/internal/console/views/status"
)

const requestTimeout = 90 * time.Second

// Overlay identifies which modal is active.
type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayDebug
	OverlayHelp
)

// API is the relay's request channel as the console uses it.
type API interface {
	ListDevices(ctx context.Context) ([]client.Device, error)
	StartSession(ctx context.Context, deviceID string) (*client.StartResult, error)
	StopSession(ctx context.Context) error
	SendControl(ctx context.Context, deviceID string, params any) error
	LockScreen(ctx context.Context, deviceID string) (*client.LockState, error)
}

// Results of API calls made from commands.
type (
	startResultMsg struct {
		deviceID string
		res      *client.StartResult
		err      error
	}
	stopResultMsg    struct{ err error }
	controlResultMsg struct {
		label string
		err   error
	}
	lockResultMsg struct {
		deviceID string
		state    *client.LockState
		err      error
	}
	devicesResultMsg struct {
		devices []client.Device
		err     error
	}
)

// Model is the root Bubble Tea model.
type Model struct {
	ws      *client.WSClient
	api     API
	ctx     context.Context
	cancel  context.CancelFunc
	onRetry func(client.WSRetryMsg)

	keys   KeyMap
	width  int
	height int

	devices   devices.Model
	session   sessionview.Model
	statusBar status.Model
	debug     debug.Model
	overlay   Overlay
	helpStyle string

	connected bool
}

type Option func(*Model)

// WithRetryHook observes failed websocket connection attempts. The hook runs
// outside the update loop, so it should forward to tea.Program.Send.
func WithRetryHook(fn func(client.WSRetryMsg)) Option {
	return func(m *Model) { m.onRetry = fn }
}

// WithHelpStyle selects the glamour style of the help overlay.
func WithHelpStyle(style string) Option {
	return func(m *Model) { m.helpStyle = style }
}

func New(ws *client.WSClient, api API, opts ...Option) Model {
	ctx, cancel := context.WithCancel(context.Background())
	m := Model{
		ws:        ws,
		api:       api,
		ctx:       ctx,
		cancel:    cancel,
		keys:      DefaultKeyMap(),
		devices:   devices.New(),
		session:   sessionview.New(),
		statusBar: status.New(),
		debug:     debug.New(),
		helpStyle: "dark",
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Init starts the websocket connection and fetches the device list.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.ws.Listen(m.ctx, m.onRetry), m.refreshDevices())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.devices.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case client.WSConnectedMsg:
		m.connected = true
		m.statusBar.Connected = true
		m.statusBar.Attempt = 0
		m.debug.Addf(debug.KindWS, "connected")
		return m, m.ws.ReadLoop(m.ctx)

	case client.WSDisconnectedMsg:
		m.connected = false
		m.statusBar.Connected = false
		m.debug.Addf(debug.KindWS, "disconnected: %v", msg.Err)
		return m, m.ws.Listen(m.ctx, m.onRetry)

	case client.WSRetryMsg:
		m.statusBar.Attempt = msg.Attempt
		m.debug.Addf(debug.KindWS, "connect attempt %d failed: %v", msg.Attempt, msg.Err)
		return m, nil

	case client.WSSnapshotMsg:
		m.setDevices(msg.Payload.Devices)
		m.setSession(msg.Payload.Session)
		m.statusBar.Health = msg.Payload.Health
		return m, m.ws.ReadLoop(m.ctx)

	case client.WSSessionMsg:
		ev := msg.Payload
		if msg.Started {
			m.debug.Addf(debug.KindSession, "session %s started on %s, transport port %d", ev.SessionID, ev.DeviceID, ev.Port)
			m.setSession(client.SessionStatus{
				Active:    true,
				DeviceID:  ev.DeviceID,
				SessionID: ev.SessionID,
				Port:      ev.Port,
				State:     "transport_listening",
			})
		} else {
			m.debug.Addf(debug.KindSession, "session %s on %s ended: %s", ev.SessionID, ev.DeviceID, ev.Reason)
			m.session.LastReason = ev.Reason
			m.setSession(client.SessionStatus{State: "idle"})
		}
		return m, m.ws.ReadLoop(m.ctx)

	case client.WSDevicesMsg:
		m.setDevices(msg.Payload.Devices)
		m.debug.Addf(debug.KindDevice, "%d devices attached", len(msg.Payload.Devices))
		return m, m.ws.ReadLoop(m.ctx)

	case client.WSHealthMsg:
		m.statusBar.Health = msg.Payload
		m.debug.Addf(debug.KindDevice, "bridge %s", msg.Payload.Status)
		return m, m.ws.ReadLoop(m.ctx)

	case client.WSErrorMsg:
		m.debug.Addf(debug.KindError, "server: %s", msg.Payload.Message)
		return m, m.ws.ReadLoop(m.ctx)

	case devicesResultMsg:
		if msg.err != nil {
			m.debug.Addf(debug.KindError, "list devices: %v", msg.err)
			return m, nil
		}
		m.setDevices(msg.devices)
		return m, nil

	case startResultMsg:
		if msg.err != nil {
			m.session.Err = fmt.Sprintf("start %s: %v", msg.deviceID, msg.err)
			m.debug.Addf(debug.KindError, "%s", m.session.Err)
			return m, nil
		}
		m.session.Err = ""
		m.debug.Addf(debug.KindAPI, "mirroring %s on port %d", msg.deviceID, msg.res.Port)
		return m, nil

	case stopResultMsg:
		if msg.err != nil {
			m.debug.Addf(debug.KindError, "stop: %v", msg.err)
		}
		return m, nil

	case controlResultMsg:
		if msg.err != nil {
			m.debug.Addf(debug.KindError, "%s: %v", msg.label, msg.err)
		} else {
			m.debug.Addf(debug.KindAPI, "sent %s", msg.label)
		}
		return m, nil

	case lockResultMsg:
		if msg.err != nil {
			m.debug.Addf(debug.KindError, "lock screen %s: %v", msg.deviceID, msg.err)
			return m, nil
		}
		m.session.Lock = msg.state
		m.debug.Addf(debug.KindAPI, "%s locked=%t", msg.deviceID, msg.state.Locked)
		return m, nil
	}

	return m, nil
}

func (m *Model) setDevices(list []client.Device) {
	m.devices.SetDevices(list)
	m.statusBar.Devices = len(list)
}

func (m *Model) setSession(s client.SessionStatus) {
	m.session.Status = s
	m.statusBar.Session = s
	m.devices.Active = ""
	if s.Active {
		m.devices.Active = s.DeviceID
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.overlay != OverlayNone {
		switch {
		case key.Matches(msg, m.keys.Escape), key.Matches(msg, m.keys.Help) && m.overlay == OverlayHelp:
			m.overlay = OverlayNone
		case m.overlay == OverlayDebug && key.Matches(msg, m.keys.Up):
			m.debug.ScrollUp(1)
		case m.overlay == OverlayDebug && key.Matches(msg, m.keys.Down):
			m.debug.ScrollDown(1)
		case key.Matches(msg, m.keys.Quit):
			m.cancel()
			return m, tea.Quit
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Down):
		m.devices.Next()
		m.session.Lock = nil

	case key.Matches(msg, m.keys.Up):
		m.devices.Prev()
		m.session.Lock = nil

	case key.Matches(msg, m.keys.Start):
		d := m.devices.Current()
		if d == nil {
			return m, nil
		}
		m.debug.Addf(debug.KindAPI, "starting session on %s", d.ID)
		return m, m.startSession(d.ID)

	case key.Matches(msg, m.keys.Stop):
		return m, m.stopSession()

	case key.Matches(msg, m.keys.Home):
		return m, m.pressKey("HOME", client.KeycodeHome)

	case key.Matches(msg, m.keys.Back):
		return m, m.pressKey("BACK", client.KeycodeBack)

	case key.Matches(msg, m.keys.Power):
		return m, m.pressKey("POWER", client.KeycodePower)

	case key.Matches(msg, m.keys.Lock):
		d := m.devices.Current()
		if d == nil {
			return m, nil
		}
		return m, m.probeLock(d.ID)

	case key.Matches(msg, m.keys.Resync):
		if err := m.ws.Resync(); err != nil {
			m.debug.Addf(debug.KindError, "resync: %v", err)
		}

	case key.Matches(msg, m.keys.Debug):
		m.overlay = OverlayDebug

	case key.Matches(msg, m.keys.Help):
		m.overlay = OverlayHelp
	}

	return m, nil
}

func (m Model) requestCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(m.ctx, requestTimeout)
}

func (m Model) refreshDevices() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := m.requestCtx()
		defer cancel()
		list, err := m.api.ListDevices(ctx)
		return devicesResultMsg{devices: list, err: err}
	}
}

func (m Model) startSession(deviceID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := m.requestCtx()
		defer cancel()
		res, err := m.api.StartSession(ctx, deviceID)
		return startResultMsg{deviceID: deviceID, res: res, err: err}
	}
}

func (m Model) stopSession() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := m.requestCtx()
		defer cancel()
		return stopResultMsg{err: m.api.StopSession(ctx)}
	}
}

// pressKey sends a down/up pair to the session's device.
func (m Model) pressKey(label string, keycode int) tea.Cmd {
	deviceID := m.session.Status.DeviceID
	return func() tea.Msg {
		ctx, cancel := m.requestCtx()
		defer cancel()
		for _, ev := range client.KeyPress(keycode) {
			if err := m.api.SendControl(ctx, deviceID, ev); err != nil {
				return controlResultMsg{label: label, err: err}
			}
		}
		return controlResultMsg{label: label}
	}
}

func (m Model) probeLock(deviceID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := m.requestCtx()
		defer cancel()
		st, err := m.api.LockScreen(ctx, deviceID)
		return lockResultMsg{deviceID: deviceID, state: st, err: err}
	}
}

// View renders the full console.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	switch m.overlay {
	case OverlayDebug:
		return m.debug.View(m.width, m.height)
	case OverlayHelp:
		return help.Render(m.width, m.helpStyle)
	}

	sections := []string{m.statusBar.View()}
	if !m.connected {
		banner := lipgloss.NewStyle().
			Bold(true).
			Foreground(theme.ColorDanger).
			Render("DISCONNECTED · Reconnecting to relay...")
		sections = append(sections, banner)
	}
	body := lipgloss.JoinHorizontal(lipgloss.Top, m.devices.View(), "    ", m.session.View())
	sections = append(sections, body, m.footer())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) footer() string {
	parts := make([]string, 0, len(m.keys.ShortHelp()))
	for _, b := range m.keys.ShortHelp() {
		h := b.Help()
		parts = append(parts, h.Key+":"+h.Desc)
	}
	return theme.StyleDimmed.Render("  " + strings.Join(parts, "  "))
}
