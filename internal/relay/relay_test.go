package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirror-relay/relay/internal/wire"
)

// fakeDevice stands in for the forwarded agent socket.
type fakeDevice struct {
	ln       net.Listener
	accepted chan net.Conn
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	d := &fakeDevice{ln: ln, accepted: make(chan net.Conn, 8)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			d.accepted <- conn
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return d
}

func (d *fakeDevice) next(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-d.accepted:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("device connection not opened")
		return nil
	}
}

type closeRecorder struct {
	calls   atomic.Int32
	reasons chan string
}

func newCloseRecorder() *closeRecorder {
	return &closeRecorder{reasons: make(chan string, 4)}
}

func (c *closeRecorder) hook(reason string) {
	c.calls.Add(1)
	c.reasons <- reason
}

func (c *closeRecorder) wait(t *testing.T) string {
	t.Helper()
	select {
	case r := <-c.reasons:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not close")
		return ""
	}
}

func startRelay(t *testing.T, deviceAddr string, hooks Hooks) (*Relay, int) {
	t.Helper()
	r := New(Options{
		Host:        "127.0.0.1",
		DeviceAddr:  deviceAddr,
		SettleDelay: 20 * time.Millisecond,
		Logger:      zerolog.Nop(),
	}, hooks)
	port, err := r.Listen()
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Close("test done")
		r.Wait()
	})
	return r, port
}

func dialClient(t *testing.T, port int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/", port), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitState(t *testing.T, r *Relay, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return r.State() == want },
		3*time.Second, 5*time.Millisecond, "state %s", want)
}

func TestStreamsVideoToClient(t *testing.T) {
	dev := newFakeDevice(t)
	r, port := startRelay(t, dev.ln.Addr().String(), Hooks{})
	assert.Equal(t, TransportListening, r.State())

	ws := dialClient(t, port)
	video := dev.next(t)
	control := dev.next(t)
	waitState(t, r, Streaming)

	chunks := [][]byte{{0, 0, 0, 1, 0x67, 0x42}, {0, 0, 0, 1, 0x65, 0x88, 0x84}}
	for _, c := range chunks {
		_, err := video.Write(c)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}

	var got []byte
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for len(got) < 13 {
		mt, data, err := ws.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, mt)
		got = append(got, data...)
	}
	assert.Equal(t, append(append([]byte{}, chunks[0]...), chunks[1]...), got)

	msg := wire.EncodeKey(wire.Key{Action: "down", Keycode: 3})
	require.NoError(t, r.WriteControl(msg))
	buf := make([]byte, wire.KeyLen)
	require.NoError(t, control.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err := io.ReadFull(control, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, buf)

	st := r.Stats()
	assert.Equal(t, Streaming, st.State)
	assert.True(t, st.ClientAttached)
	assert.EqualValues(t, 1, st.Attaches)
	assert.EqualValues(t, 13, st.BytesForwarded)
}

func TestVideoDialCompletesBeforeControlDial(t *testing.T) {
	dev := newFakeDevice(t)

	var mu sync.Mutex
	var events []string
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	var dials atomic.Int32
	var d net.Dialer
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		n := dials.Add(1)
		record(fmt.Sprintf("start-%d", n))
		if n == 1 {
			// slow video dial
			time.Sleep(50 * time.Millisecond)
		}
		conn, err := d.DialContext(ctx, network, addr)
		record(fmt.Sprintf("done-%d", n))
		return conn, err
	}

	r := New(Options{
		Host:        "127.0.0.1",
		DeviceAddr:  dev.ln.Addr().String(),
		SettleDelay: 10 * time.Millisecond,
		Dial:        dial,
		Logger:      zerolog.Nop(),
	}, Hooks{})
	port, err := r.Listen()
	require.NoError(t, err)
	defer func() { r.Close("done"); r.Wait() }()

	dialClient(t, port)
	dev.next(t)
	dev.next(t)
	waitState(t, r, Streaming)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"start-1", "done-1", "start-2", "done-2"}, events)
}

func TestSingleClientReplacement(t *testing.T) {
	dev := newFakeDevice(t)
	closes := newCloseRecorder()
	r, port := startRelay(t, dev.ln.Addr().String(), Hooks{OnClosed: closes.hook})

	first := dialClient(t, port)
	oldVideo := dev.next(t)
	dev.next(t)
	waitState(t, r, Streaming)

	second := dialClient(t, port)

	// the first client is closed by the relay
	require.NoError(t, first.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := first.ReadMessage()
		if err != nil {
			break
		}
	}

	// the previous attachment's device connections are destroyed
	require.NoError(t, oldVideo.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err := oldVideo.Read(make([]byte, 1))
	require.Error(t, err)

	video := dev.next(t)
	dev.next(t)
	waitState(t, r, Streaming)

	_, err = video.Write([]byte{0, 0, 0, 1, 0x67})
	require.NoError(t, err)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := second.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 1, 0x67}, data)

	select {
	case <-r.Done():
		t.Fatal("replacing a client must not close the relay")
	default:
	}
	assert.Zero(t, closes.calls.Load())
	assert.EqualValues(t, 2, r.Stats().Attaches)
}

func TestClientDisconnectClosesRelay(t *testing.T) {
	dev := newFakeDevice(t)
	closes := newCloseRecorder()
	r, port := startRelay(t, dev.ln.Addr().String(), Hooks{OnClosed: closes.hook})

	ws := dialClient(t, port)
	waitState(t, r, ClientAttached)
	ws.Close()

	assert.Equal(t, "client disconnected", closes.wait(t))
	assert.Equal(t, Closed, r.State())
}

func TestVideoEndClosesRelay(t *testing.T) {
	dev := newFakeDevice(t)
	closes := newCloseRecorder()
	r, port := startRelay(t, dev.ln.Addr().String(), Hooks{OnClosed: closes.hook})

	ws := dialClient(t, port)
	video := dev.next(t)
	dev.next(t)
	waitState(t, r, Streaming)

	video.Close()
	assert.Contains(t, closes.wait(t), "video connection")

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err, "client is closed with the relay")
}

func TestControlEndClosesRelay(t *testing.T) {
	dev := newFakeDevice(t)
	closes := newCloseRecorder()
	r, port := startRelay(t, dev.ln.Addr().String(), Hooks{OnClosed: closes.hook})

	dialClient(t, port)
	dev.next(t)
	control := dev.next(t)
	waitState(t, r, Streaming)

	control.Close()
	assert.Contains(t, closes.wait(t), "control connection")
	assert.ErrorIs(t, r.WriteControl([]byte{0}), ErrNoControl)
}

func TestDialFailureClosesRelay(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	closes := newCloseRecorder()
	_, port := startRelay(t, addr, Hooks{OnClosed: closes.hook})
	dialClient(t, port)

	assert.Contains(t, closes.wait(t), "video connect")
}

func TestCloseIdempotent(t *testing.T) {
	dev := newFakeDevice(t)
	closes := newCloseRecorder()
	r, port := startRelay(t, dev.ln.Addr().String(), Hooks{OnClosed: closes.hook})

	dialClient(t, port)
	waitState(t, r, ClientAttached)

	r.Close("stop requested")
	r.Close("again")
	r.Wait()

	assert.Equal(t, "stop requested", closes.wait(t))
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, closes.calls.Load())
	assert.Equal(t, "stop requested", r.Reason())

	// the listener is released
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	ln.Close()
}

func TestCloseBeforeSettleSkipsDial(t *testing.T) {
	var dials atomic.Int32
	r := New(Options{
		Host:        "127.0.0.1",
		DeviceAddr:  "127.0.0.1:1",
		SettleDelay: 100 * time.Millisecond,
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dials.Add(1)
			return nil, fmt.Errorf("unexpected dial")
		},
		Logger: zerolog.Nop(),
	}, Hooks{})
	port, err := r.Listen()
	require.NoError(t, err)

	dialClient(t, port)
	waitState(t, r, ClientAttached)
	r.Close("stop requested")
	r.Wait()

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, dials.Load())
}

func TestTextFramesReachOnCommand(t *testing.T) {
	dev := newFakeDevice(t)
	cmds := make(chan wire.Command, 1)
	_, port := startRelay(t, dev.ln.Addr().String(), Hooks{
		OnCommand: func(c wire.Command) { cmds <- c },
	})

	ws := dialClient(t, port)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"pinch"}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"key","action":"down","keycode":4}`)))

	select {
	case c := <-cmds:
		assert.Equal(t, wire.Key{Action: "down", Keycode: 4}, c)
	case <-time.After(3 * time.Second):
		t.Fatal("command not delivered")
	}
}

func TestTransportRejectsForeignOriginAndMissingToken(t *testing.T) {
	dev := newFakeDevice(t)
	cmds := make(chan wire.Command, 1)
	r := New(Options{
		Host:        "127.0.0.1",
		DeviceAddr:  dev.ln.Addr().String(),
		SettleDelay: 20 * time.Millisecond,
		CheckOrigin: func(req *http.Request) bool {
			return req.Header.Get("Origin") != "http://evil.example"
		},
		Authorize: func(req *http.Request) bool { return req.URL.Query().Get("token") == "secret" },
		Logger:    zerolog.Nop(),
	}, Hooks{OnCommand: func(c wire.Command) { cmds <- c }})
	port, err := r.Listen()
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Close("test done")
		r.Wait()
	})

	base := fmt.Sprintf("ws://127.0.0.1:%d/", port)

	_, resp, err := websocket.DefaultDialer.Dial(base+"?token=secret", http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(base, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, TransportListening, r.State())
	assert.Zero(t, r.Stats().Attaches)

	ws, _, err := websocket.DefaultDialer.Dial(base+"?token=secret", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	waitState(t, r, ClientAttached)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"key","action":"down","keycode":26}`)))
	select {
	case c := <-cmds:
		assert.Equal(t, wire.Key{Action: "down", Keycode: 26}, c)
	case <-time.After(3 * time.Second):
		t.Fatal("command not delivered")
	}
}

func TestTransportDefaultOriginIsSameHost(t *testing.T) {
	dev := newFakeDevice(t)
	r, port := startRelay(t, dev.ln.Addr().String(), Hooks{})

	_, resp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/", port),
		http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, r.Stats().Attaches)
}

func TestListenPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	r := New(Options{
		Host:   "127.0.0.1",
		Port:   ln.Addr().(*net.TCPAddr).Port,
		Logger: zerolog.Nop(),
	}, Hooks{})
	_, err = r.Listen()
	var tErr *TransportError
	require.ErrorAs(t, err, &tErr)
	r.Close("listen failed")
	r.Wait()
}

func TestWriteControlWithoutConnection(t *testing.T) {
	r := New(Options{Logger: zerolog.Nop()}, Hooks{})
	assert.ErrorIs(t, r.WriteControl([]byte{1}), ErrNoControl)
}

func TestStateJSON(t *testing.T) {
	data, err := Streaming.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"streaming"`, string(data))

	var s State
	require.NoError(t, s.UnmarshalJSON([]byte(`"control_connecting"`)))
	assert.Equal(t, ControlConnecting, s)
	assert.Equal(t, "unknown", State(99).String())

	s = Streaming
	assert.ErrorContains(t, s.UnmarshalJSON([]byte(`"warp_speed"`)), "unknown relay state")
	assert.Equal(t, Streaming, s, "left unchanged on error")
	assert.Error(t, s.UnmarshalJSON([]byte(`3`)))
}

func TestTruncateReason(t *testing.T) {
	assert.Equal(t, "stopped", truncateReason("stopped", maxCloseReason))

	ascii := strings.Repeat("a", 200)
	assert.Equal(t, ascii[:maxCloseReason], truncateReason(ascii, maxCloseReason))

	// "é" is two bytes; an odd limit lands inside the last rune.
	accents := strings.Repeat("é", 100)
	got := truncateReason(accents, maxCloseReason)
	assert.True(t, utf8.ValidString(got))
	assert.Len(t, got, 122)

	mixed := "agent exited: " + strings.Repeat("画", 60)
	got = truncateReason(mixed, maxCloseReason)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), maxCloseReason)
	assert.True(t, strings.HasPrefix(mixed, got))
}

func TestCloseReasonIsValidUTF8(t *testing.T) {
	dev := newFakeDevice(t)
	r, port := startRelay(t, dev.ln.Addr().String(), Hooks{})
	ws := dialClient(t, port)
	waitState(t, r, ClientAttached)

	r.Close(strings.Repeat("é", 100))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	assert.True(t, utf8.ValidString(ce.Text))
	assert.Equal(t, strings.Repeat("é", 61), ce.Text)
}
