// Package relay bridges one client websocket to the device's video and
// control sockets.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/mirror-relay/relay/internal/wire"
)

const (
	loggedChunks       = 5
	defaultSettleDelay = 3 * time.Second
	defaultDialTimeout = 10 * time.Second
	defaultReadBuffer  = 64 * 1024
	controlWriteWait   = 5 * time.Second
)

// DialFunc opens a device connection; net.Dialer.DialContext fits.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options configures a Relay. Zero durations and sizes take defaults.
type Options struct {
	// Host and Port of the client transport listener. Port 0 picks a free port.
	Host string
	Port int
	// DeviceAddr is the forwarded local address of the agent socket.
	DeviceAddr     string
	SettleDelay    time.Duration
	DialTimeout    time.Duration
	ReadBufferSize int
	Dial           DialFunc
	// CheckOrigin filters transport upgrades. Nil allows only same-host
	// origins.
	CheckOrigin func(r *http.Request) bool
	// Authorize rejects upgrades without valid credentials. Nil allows all.
	Authorize   func(r *http.Request) bool
	Logger      zerolog.Logger
}

// Hooks are the relay's callbacks. OnClosed runs on its own goroutine;
// OnCommand runs on the client read loop.
type Hooks struct {
	OnClosed  func(reason string)
	OnCommand func(cmd wire.Command)
}

// Stats counts attachments and forwarded video since the relay started.
type Stats struct {
	State           State `json:"state"`
	ClientAttached  bool  `json:"clientAttached"`
	Attaches        int64 `json:"attaches"`
	ChunksForwarded int64 `json:"chunksForwarded"`
	BytesForwarded  int64 `json:"bytesForwarded"`
}

// Relay owns the transport listener, the attached client and the device
// connections of one session.
type Relay struct {
	opts     Options
	hooks    Hooks
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu         sync.Mutex
	state      State
	closed     bool
	reason     string
	server     *http.Server
	port       int
	client     *client
	epoch      uint64
	settle     *time.Timer
	dialCancel context.CancelFunc
	video      net.Conn
	control    net.Conn

	// serializes writes on the control connection
	writeMu sync.Mutex

	wg   conc.WaitGroup
	done chan struct{}

	attaches atomic.Int64
	chunks   atomic.Int64
	bytes    atomic.Int64
}

// New returns an idle relay. Call Listen to start accepting clients.
func New(opts Options, hooks Hooks) *Relay {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = defaultSettleDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = defaultReadBuffer
	}
	if opts.Dial == nil {
		var d net.Dialer
		opts.Dial = d.DialContext
	}
	return &Relay{
		opts:  opts,
		hooks: hooks,
		log:   opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: opts.ReadBufferSize,
			CheckOrigin:     opts.CheckOrigin,
		},
		state: Idle,
		done:  make(chan struct{}),
	}
}

// Listen binds the transport listener and starts accepting clients on any
// path. It returns the bound port.
func (r *Relay) Listen() (int, error) {
	addr := net.JoinHostPort(r.opts.Host, strconv.Itoa(r.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, &TransportError{Addr: addr, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		ln.Close()
		return 0, &TransportError{Addr: addr, Err: ErrClosed}
	}

	srv := &http.Server{
		Handler:           http.HandlerFunc(r.serveTransport),
		ReadHeaderTimeout: 10 * time.Second,
	}
	r.server = srv
	r.port = ln.Addr().(*net.TCPAddr).Port
	r.setStateLocked(TransportListening)
	r.wg.Go(func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.Close(fmt.Sprintf("transport server: %v", err))
		}
	})

	r.log.Info().Str("addr", ln.Addr().String()).Msg("transport listening")
	return r.port, nil
}

func (r *Relay) serveTransport(w http.ResponseWriter, req *http.Request) {
	if r.opts.Authorize != nil && !r.opts.Authorize(req) {
		r.log.Warn().Str("remote", req.RemoteAddr).Msg("transport upgrade unauthorized")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn().Err(err).Str("remote", req.RemoteAddr).Msg("transport upgrade failed")
		return
	}
	r.attach(conn)
}

// attach makes conn the only client, closing any previous one and
// restarting the settle timer.
func (r *Relay) attach(conn *websocket.Conn) {
	c := newClient(conn)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		c.close("session closed")
		return
	}
	prev := r.client
	r.epoch++
	epoch := r.epoch
	r.stopDeviceLocked()

	r.client = c
	r.attaches.Add(1)
	r.setStateLocked(ClientAttached)
	r.settle = time.AfterFunc(r.opts.SettleDelay, func() { r.connectDevice(epoch, c) })
	r.wg.Go(c.writePump)
	r.wg.Go(func() { r.readLoop(c) })
	r.mu.Unlock()

	if prev != nil {
		r.log.Info().Str("client", prev.id).Msg("client replaced")
		prev.close("replaced by new client")
	}
	r.log.Info().Str("client", c.id).Str("remote", conn.RemoteAddr().String()).Msg("client attached")
}

func (r *Relay) readLoop(c *client) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			r.clientGone(c, err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		cmd, err := wire.Decode(data)
		if err != nil {
			r.log.Debug().Err(err).Msg("dropping client frame")
			continue
		}
		if r.hooks.OnCommand != nil {
			r.hooks.OnCommand(cmd)
		}
	}
}

func (r *Relay) clientGone(c *client, err error) {
	r.mu.Lock()
	current := !r.closed && r.client == c
	r.mu.Unlock()

	c.close("client gone")
	if current {
		r.log.Info().Err(err).Str("client", c.id).Msg("client disconnected")
		r.Close("client disconnected")
	}
}

// connectDevice runs when the settle timer of attachment epoch fires.
func (r *Relay) connectDevice(epoch uint64, c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || epoch != r.epoch {
		return
	}
	r.settle = nil

	ctx, cancel := context.WithCancel(context.Background())
	r.dialCancel = cancel
	r.setStateLocked(VideoConnecting)
	r.wg.Go(func() {
		defer cancel()
		r.dialDevice(ctx, epoch, c)
	})
}

// dialDevice opens the video connection, then the control connection, then
// pumps video to c. The order matters: the agent accepts video first.
func (r *Relay) dialDevice(ctx context.Context, epoch uint64, c *client) {
	video, err := r.dial(ctx)
	if err != nil {
		r.deviceFailed(epoch, fmt.Errorf("video connect: %w", err))
		return
	}
	if !r.adoptVideo(epoch, video) {
		video.Close()
		return
	}
	r.log.Info().Msg("video connected")

	control, err := r.dial(ctx)
	if err != nil {
		r.deviceFailed(epoch, fmt.Errorf("control connect: %w", err))
		return
	}
	if !r.adoptControl(epoch, control) {
		control.Close()
		return
	}
	r.log.Info().Msg("control connected, streaming")

	r.pumpVideo(epoch, video, c)
}

func (r *Relay) dial(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.DialTimeout)
	defer cancel()
	return r.opts.Dial(ctx, "tcp", r.opts.DeviceAddr)
}

func (r *Relay) adoptVideo(epoch uint64, conn net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || epoch != r.epoch {
		return false
	}
	r.video = conn
	r.setStateLocked(ControlConnecting)
	return true
}

func (r *Relay) adoptControl(epoch uint64, conn net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || epoch != r.epoch {
		return false
	}
	r.control = conn
	r.setStateLocked(Streaming)
	r.wg.Go(func() { r.watchControl(epoch, conn) })
	return true
}

// watchControl drains device messages on the control socket and ends the
// session when it closes.
func (r *Relay) watchControl(epoch uint64, conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := conn.Read(buf); err != nil {
			r.deviceFailed(epoch, fmt.Errorf("control connection: %w", err))
			return
		}
	}
}

func (r *Relay) pumpVideo(epoch uint64, conn net.Conn, c *client) {
	buf := make([]byte, r.opts.ReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			r.bytes.Add(int64(n))
			count := r.chunks.Add(1)
			if count <= loggedChunks {
				r.log.Debug().Int("size", n).Int64("chunk", count).Msg("video chunk")
			} else if count == loggedChunks+1 {
				r.log.Debug().Msg("video chunks continuing")
			}
			if !c.deliver(chunk) {
				return
			}
		}
		if err != nil {
			r.deviceFailed(epoch, fmt.Errorf("video connection: %w", err))
			return
		}
	}
}

// deviceFailed closes the relay unless epoch has been superseded.
func (r *Relay) deviceFailed(epoch uint64, err error) {
	r.mu.Lock()
	current := !r.closed && epoch == r.epoch
	r.mu.Unlock()
	if current {
		r.log.Warn().Err(err).Msg("device connection lost")
		r.Close(err.Error())
	}
}

// WriteControl sends an encoded control message to the agent.
func (r *Relay) WriteControl(msg []byte) error {
	r.mu.Lock()
	conn := r.control
	r.mu.Unlock()
	if conn == nil {
		return ErrNoControl
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(controlWriteWait))
	if _, err := conn.Write(msg); err != nil {
		r.Close(fmt.Sprintf("control write: %v", err))
		return fmt.Errorf("write control: %w", err)
	}
	return nil
}

// stopDeviceLocked cancels the settle timer and any in-flight dial and
// closes open device connections.
func (r *Relay) stopDeviceLocked() {
	if r.settle != nil {
		r.settle.Stop()
		r.settle = nil
	}
	if r.dialCancel != nil {
		r.dialCancel()
		r.dialCancel = nil
	}
	if r.video != nil {
		r.video.Close()
		r.video = nil
	}
	if r.control != nil {
		r.control.Close()
		r.control = nil
	}
}

func (r *Relay) setStateLocked(s State) {
	if r.state == s {
		return
	}
	r.log.Debug().Stringer("from", r.state).Stringer("to", s).Msg("relay state")
	r.state = s
}

// Close tears down the listener, device connections and client. The first
// call wins; OnClosed is invoked once with its reason.
func (r *Relay) Close(reason string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.reason = reason
	r.setStateLocked(Closed)
	srv := r.server
	c := r.client
	r.client = nil
	r.stopDeviceLocked()
	r.mu.Unlock()

	if srv != nil {
		_ = srv.Close()
	}
	if c != nil {
		c.close(reason)
	}
	close(r.done)
	r.log.Info().Str("reason", reason).Msg("relay closed")

	if r.hooks.OnClosed != nil {
		go r.hooks.OnClosed(reason)
	}
}

// Wait blocks until every relay goroutine has returned. Call after Close.
func (r *Relay) Wait() {
	r.wg.Wait()
}

// Done is closed when the relay closes.
func (r *Relay) Done() <-chan struct{} { return r.done }

// Port is the bound transport port, or 0 before Listen.
func (r *Relay) Port() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.port
}

func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Reason is the close reason, empty while open.
func (r *Relay) Reason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

func (r *Relay) Stats() Stats {
	r.mu.Lock()
	st := Stats{State: r.state, ClientAttached: r.client != nil}
	r.mu.Unlock()
	st.Attaches = r.attaches.Load()
	st.ChunksForwarded = r.chunks.Load()
	st.BytesForwarded = r.bytes.Load()
	return st
}
