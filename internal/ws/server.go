package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mirror-relay/relay/internal/agent"
	"github.com/mirror-relay/relay/internal/bridge"
	"github.com/mirror-relay/relay/internal/control"
	"github.com/mirror-relay/relay/internal/forward"
	"github.com/mirror-relay/relay/internal/monitor"
	"github.com/mirror-relay/relay/internal/relay"
	"github.com/mirror-relay/relay/internal/session"
	"github.com/mirror-relay/relay/internal/wire"
)

// TokenHeader carries the auth token for clients that cannot set Authorization.
const TokenHeader = "X-Relay-Token"

// Sessions is the subset of the supervisor the request channel drives.
type Sessions interface {
	Start(ctx context.Context, deviceID string) (session.StartResult, error)
	Stop()
	Status() session.Status
	Dispatch(ctx context.Context, deviceID string, cmd wire.Command) control.Result
}

// Devices serves the attached device list and bridge health.
type Devices interface {
	Refresh(ctx context.Context) ([]bridge.Device, error)
	Devices() []bridge.Device
	Health() monitor.Health
}

type LockProber interface {
	LockScreen(ctx context.Context, serial string) (bridge.LockState, error)
}

// Server is the request channel: the HTTP API and the event websocket.
type Server struct {
	sessions    Sessions
	devices     Devices
	locks       LockProber
	broadcaster *Broadcaster
	frontend    http.Handler
	log         zerolog.Logger

	access *Access
}

// NewServer builds the request channel. access may be shared with the
// session transport.
func NewServer(access *Access, sessions Sessions, devices Devices, locks LockProber, broadcaster *Broadcaster, frontend http.Handler, log zerolog.Logger) *Server {
	s := &Server{
		sessions:    sessions,
		devices:     devices,
		locks:       locks,
		broadcaster: broadcaster,
		frontend:    frontend,
		log:         log,
		access:      access,
	}

	broadcaster.SetSnapshotHook(s.snapshot)
	return s
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(securityHeaders)

	r.HandleFunc("/ws", s.handleWS)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireAuth)
	api.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	api.HandleFunc("/devices", s.handleDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/lockscreen", s.handleLockScreen).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/session", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/session", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/session", s.handleStop).Methods(http.MethodDelete)
	api.HandleFunc("/session/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/control", s.handleControl).Methods(http.MethodPost)

	if s.frontend != nil {
		s.log.Info().Msg("serving frontend")
		r.PathPrefix("/").Handler(s.frontend)
	}
	return r
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{
		Error: r.Method + " not allowed on " + r.URL.Path,
		Kind:  KindBadRequest,
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.access.Authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) snapshot() SnapshotPayload {
	devices := s.devices.Devices()
	if devices == nil {
		devices = []bridge.Device{}
	}
	return SnapshotPayload{
		Session: s.sessions.Status(),
		Devices: devices,
		Health:  s.devices.Health(),
	}
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.Refresh(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: err.Error(), Kind: KindDeviceBridge})
		return
	}
	if devices == nil {
		devices = []bridge.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleLockScreen(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, err := s.locks.LockScreen(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: err.Error(), Kind: KindDeviceBridge})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.devices.Health())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request body: %v", err), Kind: KindBadRequest})
		return
	}

	// A start runs to completion or teardown even if the caller goes away.
	res, err := s.sessions.Start(context.WithoutCancel(r.Context()), req.DeviceID)
	if err != nil {
		status, kind := classify(err)
		s.log.Warn().Err(err).Str("device", req.DeviceID).Str("kind", kind).Msg("session start failed")
		writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.sessions.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request body: %v", err), Kind: KindBadRequest})
		return
	}
	cmd, err := wire.Decode(req.Params)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: KindBadRequest})
		return
	}

	res := s.sessions.Dispatch(r.Context(), req.DeviceID, cmd)
	writeJSON(w, http.StatusAccepted, map[string]string{"result": res.String()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.access.Authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.access.CheckOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade error")
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("ws client rejected")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	s.log.Info().Str("remote", r.RemoteAddr).Msg("ws client connected")

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			s.log.Info().Str("remote", r.RemoteAddr).Msg("ws client disconnected")
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.handleInbound(c, data)
		}
	}()
}

func (s *Server) handleInbound(c *client, data []byte) {
	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.broadcaster.sendTo(c, MsgError, ErrorPayload{Message: "invalid message", Kind: KindBadRequest})
		return
	}

	switch msg.Type {
	case MsgControl:
		cmd, err := wire.Decode(msg.Payload)
		if err != nil {
			s.broadcaster.sendTo(c, MsgError, ErrorPayload{Message: err.Error(), Kind: KindBadRequest})
			return
		}
		s.sessions.Dispatch(context.Background(), msg.DeviceID, cmd)
	case MsgResync:
		s.broadcaster.sendSnapshot(c)
	default:
		s.broadcaster.sendTo(c, MsgError, ErrorPayload{Message: fmt.Sprintf("unknown message type %q", msg.Type), Kind: KindBadRequest})
	}
}

// Error kinds reported to API clients.
const (
	KindDeviceBridge = "device_bridge"
	KindForwarding   = "forwarding"
	KindPush         = "push"
	KindLaunch       = "launch"
	KindTransport    = "transport"
	KindBadRequest   = "bad_request"
	KindForbidden    = "forbidden"
	KindUnavailable  = "unavailable"
	KindInternal     = "internal"
)

// classify maps a start failure to an HTTP status and error kind. Forwarding
// and push errors wrap bridge errors, so they are checked first.
func classify(err error) (int, string) {
	var (
		fwdErr       *forward.Error
		pushErr      *agent.PushError
		launchErr    *agent.LaunchError
		transportErr *relay.TransportError
		bridgeErr    *bridge.Error
	)
	switch {
	case errors.Is(err, session.ErrNoDevice):
		return http.StatusBadRequest, KindBadRequest
	case errors.Is(err, session.ErrDeviceNotAllowed):
		return http.StatusForbidden, KindForbidden
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable, KindUnavailable
	case errors.As(err, &fwdErr):
		return http.StatusBadGateway, KindForwarding
	case errors.As(err, &pushErr):
		return http.StatusBadGateway, KindPush
	case errors.As(err, &launchErr):
		return http.StatusBadGateway, KindLaunch
	case errors.As(err, &transportErr):
		return http.StatusInternalServerError, KindTransport
	case errors.As(err, &bridgeErr):
		return http.StatusBadGateway, KindDeviceBridge
	}
	return http.StatusInternalServerError, KindInternal
}

// ListenAndServe serves h on addr until ctx is cancelled, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, log zerolog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Info().Str("addr", ln.Addr().String()).Msg("server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
