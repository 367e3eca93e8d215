package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

var errNotConnected = errors.New("not connected")

// WSClient manages the event websocket to the relay.
type WSClient struct {
	url   string
	token string

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes (ping, resync, control)
	conn    *websocket.Conn
	seq     uint64
	pingCtx context.CancelFunc
}

// NewWSClient creates a client that connects to the given websocket URL.
func NewWSClient(url, token string) *WSClient {
	return &WSClient{url: url, token: token}
}

// --- Bubble Tea messages ---

type WSConnectedMsg struct{}

type WSDisconnectedMsg struct{ Err error }

// WSRetryMsg reports a failed connection attempt.
type WSRetryMsg struct {
	Attempt uint
	Err     error
}

type WSSnapshotMsg struct{ Payload SnapshotPayload }

type WSSessionMsg struct {
	Started bool
	Payload SessionEvent
}

type WSDevicesMsg struct{ Payload DevicesPayload }

type WSHealthMsg struct{ Payload Health }

type WSErrorMsg struct{ Payload ErrorPayload }

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set(TokenHeader, c.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	return conn, err
}

// Listen returns a Bubble Tea command that connects with exponential
// backoff. onRetry, if set, observes failed attempts.
func (c *WSClient) Listen(ctx context.Context, onRetry func(WSRetryMsg)) tea.Cmd {
	return func() tea.Msg {
		var failures uint
		conn, err := retry.DoWithData(
			func() (*websocket.Conn, error) { return c.dial(ctx) },
			retry.Context(ctx),
			retry.Attempts(0),
			retry.Delay(reconnectBaseDelay),
			retry.MaxDelay(reconnectMaxDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(_ uint, err error) {
				failures++
				if onRetry != nil {
					onRetry(WSRetryMsg{Attempt: failures, Err: err})
				}
			}),
		)
		if err != nil {
			// Only reachable once ctx is cancelled.
			return nil
		}

		c.mu.Lock()
		if c.pingCtx != nil {
			c.pingCtx()
		}
		pingCtx, pingCancel := context.WithCancel(ctx)
		c.conn = conn
		c.seq = 0
		c.pingCtx = pingCancel
		c.mu.Unlock()

		go c.pingLoop(pingCtx, conn)
		return WSConnectedMsg{}
	}
}

// ReadLoop returns a Bubble Tea command that reads until the next message
// the UI cares about. It should be started after WSConnectedMsg and again
// after every message it returns.
func (c *WSClient) ReadLoop(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return WSDisconnectedMsg{Err: errNotConnected}
		}

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongTimeout))
		})
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.mu.Lock()
				if c.conn == conn {
					c.conn = nil
				}
				c.mu.Unlock()
				conn.Close()
				return WSDisconnectedMsg{Err: err}
			}

			var msg WSMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}

			c.mu.Lock()
			c.seq = msg.Seq
			c.mu.Unlock()

			if teaMsg := dispatch(msg); teaMsg != nil {
				return teaMsg
			}
		}
	}
}

func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			cc := c.conn
			c.mu.Unlock()
			if cc != conn {
				return
			}
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *WSClient) writeJSON(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

// Resync asks the server for a fresh snapshot.
func (c *WSClient) Resync() error {
	return c.writeJSON(map[string]string{"type": string(MsgResync)})
}

// SendControl sends a tagged command over the event socket.
func (c *WSClient) SendControl(deviceID string, cmd any) error {
	return c.writeJSON(map[string]any{
		"type":     MsgControl,
		"deviceId": deviceID,
		"payload":  cmd,
	})
}

// Seq returns the last seen sequence number.
func (c *WSClient) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Close drops the current connection and stops its ping loop.
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pingCtx != nil {
		c.pingCtx()
		c.pingCtx = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func dispatch(msg WSMessage) tea.Msg {
	switch msg.Type {
	case MsgSnapshot:
		var p SnapshotPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return WSSnapshotMsg{Payload: p}
		}
	case MsgSessionStarted, MsgSessionStopped:
		var p SessionEvent
		if json.Unmarshal(msg.Payload, &p) == nil {
			return WSSessionMsg{Started: msg.Type == MsgSessionStarted, Payload: p}
		}
	case MsgDevices:
		var p DevicesPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return WSDevicesMsg{Payload: p}
		}
	case MsgBridgeHealth:
		var p Health
		if json.Unmarshal(msg.Payload, &p) == nil {
			return WSHealthMsg{Payload: p}
		}
	case MsgError:
		var p ErrorPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return WSErrorMsg{Payload: p}
		}
	}
	return nil
}
