package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_ListDevices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/devices", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Write([]byte(`[{"id":"emulator-5554","model":"sdk_gphone64_x86_64","state":"device"}]`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret")
	devices, err := c.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "emulator-5554", devices[0].ID)
}

func TestHTTPClient_StartSessionErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "R58M123ABC", body["deviceId"])
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"push failed","kind":"push"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "")
	_, err := c.StartSession(context.Background(), "R58M123ABC")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "push", apiErr.Kind)
	assert.Equal(t, "push failed", apiErr.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClient_SendControl(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/control", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies <- body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "")
	require.NoError(t, c.SendControl(context.Background(), "emulator-5554", KeyPress(KeycodeHome)[0]))
	got := <-bodies
	assert.Equal(t, "emulator-5554", got["deviceId"])
	assert.Equal(t, map[string]any{"type": "key", "action": "down", "keycode": float64(3)}, got["params"])
}

func TestKeyPress(t *testing.T) {
	press := KeyPress(KeycodeBack)
	require.Len(t, press, 2)
	assert.Equal(t, "down", press[0].Action)
	assert.Equal(t, "up", press[1].Action)
	assert.Equal(t, KeycodeBack, press[1].Keycode)
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		name string
		msg  WSMessage
		want any
	}{
		{"snapshot", WSMessage{Type: MsgSnapshot, Payload: json.RawMessage(`{"session":{"active":false,"state":"idle"},"devices":[],"health":{"status":"healthy"}}`)},
			WSSnapshotMsg{Payload: SnapshotPayload{Session: SessionStatus{State: "idle"}, Devices: []Device{}, Health: Health{Status: StatusHealthy}}}},
		{"started", WSMessage{Type: MsgSessionStarted, Payload: json.RawMessage(`{"deviceId":"emulator-5554","port":8889}`)},
			WSSessionMsg{Started: true, Payload: SessionEvent{DeviceID: "emulator-5554", Port: 8889}}},
		{"stopped", WSMessage{Type: MsgSessionStopped, Payload: json.RawMessage(`{"deviceId":"emulator-5554","reason":"stopped"}`)},
			WSSessionMsg{Payload: SessionEvent{DeviceID: "emulator-5554", Reason: "stopped"}}},
		{"health", WSMessage{Type: MsgBridgeHealth, Payload: json.RawMessage(`{"status":"failed","consecutiveFailures":3}`)},
			WSHealthMsg{Payload: Health{Status: StatusFailed, ConsecutiveFailures: 3}}},
		{"error", WSMessage{Type: MsgError, Payload: json.RawMessage(`{"message":"bad","kind":"bad_request"}`)},
			WSErrorMsg{Payload: ErrorPayload{Message: "bad", Kind: "bad_request"}}},
		{"unknown", WSMessage{Type: "mystery", Payload: json.RawMessage(`{}`)}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dispatch(tt.msg)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWSClient_ConnectReadAndSend(t *testing.T) {
	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get(TokenHeader))
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(map[string]any{
			"type":    "devices",
			"seq":     7,
			"payload": map[string]any{"devices": []map[string]string{{"id": "emulator-5554"}}},
		})
		var in map[string]any
		if err := conn.ReadJSON(&in); err == nil {
			received <- in
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewWSClient("ws"+strings.TrimPrefix(srv.URL, "http"), "secret")
	defer c.Close()

	assert.Equal(t, WSConnectedMsg{}, c.Listen(ctx, nil)())

	msg := c.ReadLoop(ctx)()
	devices, ok := msg.(WSDevicesMsg)
	require.True(t, ok, "got %T", msg)
	require.Len(t, devices.Payload.Devices, 1)
	assert.Equal(t, uint64(7), c.Seq())

	require.NoError(t, c.SendControl("emulator-5554", KeyPress(KeycodeHome)[0]))
	select {
	case in := <-received:
		assert.Equal(t, "control", in["type"])
		assert.Equal(t, "emulator-5554", in["deviceId"])
	case <-time.After(2 * time.Second):
		t.Fatal("control message not received")
	}
}

func TestWSClient_RetriesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := make(chan WSRetryMsg, 10)

	c := NewWSClient("ws://127.0.0.1:1/ws", "")
	done := make(chan any, 1)
	go func() {
		done <- c.Listen(ctx, func(m WSRetryMsg) {
			select {
			case attempts <- m:
			default:
			}
		})()
	}()

	for want := uint(1); want <= 2; want++ {
		select {
		case m := <-attempts:
			assert.Equal(t, want, m.Attempt)
			assert.Error(t, m.Err)
		case <-time.After(5 * time.Second):
			t.Fatalf("retry %d not reported", want)
		}
	}

	cancel()
	select {
	case msg := <-done:
		assert.Nil(t, msg)
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

func TestWSClient_NotConnected(t *testing.T) {
	c := NewWSClient("ws://127.0.0.1:1/ws", "")
	assert.ErrorIs(t, c.Resync(), errNotConnected)
	msg := c.ReadLoop(context.Background())()
	assert.Equal(t, WSDisconnectedMsg{Err: errNotConnected}, msg)
}
