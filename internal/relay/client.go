package relay

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	closeWait      = time.Second
	maxClientFrame = 64 * 1024
	// close frame payloads are capped at 125 bytes, two of them the code
	maxCloseReason = 123
)

// client is the attached transport connection. Video chunks queue on send
// and are written in order by writePump.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn) *client {
	conn.SetReadLimit(maxClientFrame)
	return &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}
}

func (c *client) writePump() {
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				c.close("write failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

// deliver blocks until the chunk is queued or the client is gone.
func (c *client) deliver(chunk []byte) bool {
	select {
	case c.send <- chunk:
		return true
	case <-c.done:
		return false
	}
}

func (c *client) close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, truncateReason(reason, maxCloseReason))
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		_ = c.conn.Close()
	})
}

// truncateReason cuts reason to at most limit bytes without splitting a rune.
func truncateReason(reason string, limit int) string {
	if len(reason) <= limit {
		return reason
	}
	i := limit
	for i > 0 && !utf8.RuneStart(reason[i]) {
		i--
	}
	return reason[:i]
}
