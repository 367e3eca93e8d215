package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/mirror-relay/relay/internal/bridge"
	"github.com/mirror-relay/relay/internal/monitor"
	"github.com/mirror-relay/relay/internal/session"
)

const writeWait = 10 * time.Second

// ErrTooManyConnections is returned by AddClient when the connection limit is hit.
var ErrTooManyConnections = errors.New("too many websocket connections")

type client struct {
	id   string
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.b.RemoveClient(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue queues msg without blocking. It reports false when the client is
// too slow or already closed.
func (c *client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Broadcaster fans lifecycle events out to event websocket clients.
type Broadcaster struct {
	clients  *xsync.MapOf[string, *client]
	maxConns int
	seq      atomic.Uint64
	log      zerolog.Logger

	snapshotMu sync.RWMutex
	snapshot   func() SnapshotPayload
}

// NewBroadcaster returns a broadcaster accepting up to maxConns clients;
// zero means unlimited.
func NewBroadcaster(maxConns int, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		clients:  xsync.NewMapOf[string, *client](),
		maxConns: maxConns,
		log:      log,
	}
}

// SetSnapshotHook sets the function building the state sent to new clients.
func (b *Broadcaster) SetSnapshotHook(fn func() SnapshotPayload) {
	b.snapshotMu.Lock()
	defer b.snapshotMu.Unlock()
	b.snapshot = fn
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	if b.maxConns > 0 && b.clients.Size() >= b.maxConns {
		return nil, ErrTooManyConnections
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		b:    b,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	b.clients.Store(c.id, c)
	go c.writePump()

	b.sendSnapshot(c)
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	if _, ok := b.clients.LoadAndDelete(c.id); ok {
		c.close()
	}
}

func (b *Broadcaster) ClientCount() int {
	return b.clients.Size()
}

func (b *Broadcaster) sendSnapshot(c *client) {
	b.snapshotMu.RLock()
	fn := b.snapshot
	b.snapshotMu.RUnlock()
	if fn == nil {
		return
	}
	b.sendTo(c, MsgSnapshot, fn())
}

func (b *Broadcaster) sendTo(c *client, typ MessageType, payload any) {
	data, err := b.encode(typ, payload)
	if err != nil {
		return
	}
	if !c.enqueue(data) {
		// Client too slow, drop the message
		b.log.Debug().Str("client", c.id).Str("type", string(typ)).Msg("dropped message")
	}
}

func (b *Broadcaster) encode(typ MessageType, payload any) ([]byte, error) {
	data, err := json.Marshal(WSMessage{Type: typ, Seq: b.seq.Add(1), Payload: payload})
	if err != nil {
		b.log.Error().Err(err).Str("type", string(typ)).Msg("broadcast marshal error")
	}
	return data, err
}

func (b *Broadcaster) Broadcast(typ MessageType, payload any) {
	data, err := b.encode(typ, payload)
	if err != nil {
		return
	}
	b.clients.Range(func(_ string, c *client) bool {
		if !c.enqueue(data) {
			b.log.Warn().Str("client", c.id).Msg("ws client too slow, disconnecting")
			b.RemoveClient(c)
		}
		return true
	})
}

// OnSessionEvent relays supervisor lifecycle events.
func (b *Broadcaster) OnSessionEvent(ev session.Event) {
	switch ev.Type {
	case session.EventStarted:
		b.Broadcast(MsgSessionStarted, ev)
	case session.EventStopped:
		b.Broadcast(MsgSessionStopped, ev)
	}
}

func (b *Broadcaster) PublishDevices(devices []bridge.Device) {
	if devices == nil {
		devices = []bridge.Device{}
	}
	b.Broadcast(MsgDevices, DevicesPayload{Devices: devices})
}

func (b *Broadcaster) PublishHealth(h monitor.Health) {
	b.Broadcast(MsgBridgeHealth, h)
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.clients.Range(func(_ string, c *client) bool {
		b.RemoveClient(c)
		return true
	})
}
