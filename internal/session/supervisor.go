// Package session runs at most one mirroring session at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mirror-relay/relay/internal/agent"
	"github.com/mirror-relay/relay/internal/control"
	"github.com/mirror-relay/relay/internal/forward"
	"github.com/mirror-relay/relay/internal/relay"
	"github.com/mirror-relay/relay/internal/wire"
)

var (
	ErrNoDevice         = errors.New("no device id given")
	ErrDeviceNotAllowed = errors.New("device not allowed")
	ErrClosed           = errors.New("supervisor closed")
)

const (
	cleanupTimeout = 10 * time.Second
	agentExitWait  = 2 * time.Second
	eventBuffer    = 64
)

// Config holds the ports and timing of every session.
type Config struct {
	ForwardHost    string
	ForwardPort    int
	TransportHost  string
	TransportPort  int
	SettleDelay    time.Duration
	ReadBufferSize int
	Filter         DeviceFilter
	// CheckOrigin and Authorize guard transport upgrades.
	CheckOrigin func(*http.Request) bool
	Authorize   func(*http.Request) bool
	// Dial overrides how device connections are opened.
	Dial relay.DialFunc
}

// StartResult is returned to the requester of a session start.
type StartResult struct {
	Success bool `json:"success"`
	Port    int  `json:"port"`
}

// Status is a point-in-time view of the current session.
type Status struct {
	Active    bool         `json:"active"`
	DeviceID  string       `json:"deviceId,omitempty"`
	SessionID string       `json:"sessionId,omitempty"`
	Port      int          `json:"port,omitempty"`
	State     relay.State  `json:"state"`
	StartedAt *time.Time   `json:"startedAt,omitempty"`
	Relay     *relay.Stats `json:"relay,omitempty"`
}

// Session is one device mirroring run.
type Session struct {
	gen       uint64
	deviceID  string
	id        forward.SessionID
	port      int
	state     relay.State
	started   bool
	startedAt time.Time
	agent     *agent.Process
	relay     *relay.Relay
}

// Supervisor runs at most one mirroring session and tears it down on
// request or failure.
type Supervisor struct {
	cfg        Config
	fwd        *forward.Manager
	launcher   *agent.Launcher
	dispatcher *control.Dispatcher
	log        zerolog.Logger

	mu     sync.Mutex
	cur    *Session
	gen    uint64
	closed bool

	listenerMu sync.RWMutex
	listeners  map[string]func(Event)
	events     chan Event
	eventsDone chan struct{}
}

// NewSupervisor returns a supervisor with no active session. Close it to
// stop the session and the event loop.
func NewSupervisor(cfg Config, fwd *forward.Manager, launcher *agent.Launcher, dispatcher *control.Dispatcher, log zerolog.Logger) *Supervisor {
	if cfg.ForwardHost == "" {
		cfg.ForwardHost = "127.0.0.1"
	}
	if cfg.TransportHost == "" {
		cfg.TransportHost = "127.0.0.1"
	}
	s := &Supervisor{
		cfg:        cfg,
		fwd:        fwd,
		launcher:   launcher,
		dispatcher: dispatcher,
		log:        log,
		listeners:  make(map[string]func(Event)),
		events:     make(chan Event, eventBuffer),
		eventsDone: make(chan struct{}),
	}
	go s.deliverEvents()
	return s
}

// Subscribe registers fn for lifecycle events and returns a function that
// removes it. fn is called from a single goroutine, in event order.
func (s *Supervisor) Subscribe(fn func(Event)) (unsubscribe func()) {
	id := uuid.NewString()
	s.listenerMu.Lock()
	s.listeners[id] = fn
	s.listenerMu.Unlock()
	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, id)
		s.listenerMu.Unlock()
	}
}

func (s *Supervisor) deliverEvents() {
	defer close(s.eventsDone)
	for ev := range s.events {
		s.listenerMu.RLock()
		fns := make([]func(Event), 0, len(s.listeners))
		for _, fn := range s.listeners {
			fns = append(fns, fn)
		}
		s.listenerMu.RUnlock()
		for _, fn := range fns {
			fn(ev)
		}
	}
}

func (s *Supervisor) emitLocked(ev Event) {
	ev.At = time.Now()
	s.events <- ev
}

// Start tears down any current session and brings up a new one for
// deviceID: forward, clear stale agent, push, launch, listen. On any
// failure everything acquired so far is released and the error returned.
func (s *Supervisor) Start(ctx context.Context, deviceID string) (StartResult, error) {
	if deviceID == "" {
		return StartResult{}, ErrNoDevice
	}
	if !s.cfg.Filter.IsAllowed(deviceID) {
		return StartResult{}, fmt.Errorf("%w: %s", ErrDeviceNotAllowed, deviceID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return StartResult{}, ErrClosed
	}
	if s.cur != nil {
		s.teardownLocked(s.cur, "replaced by new session")
	}

	s.gen++
	sess := &Session{gen: s.gen, deviceID: deviceID, id: forward.NewSessionID(), state: relay.Idle}
	s.cur = sess
	log := s.log.With().Str("device", deviceID).Str("scid", sess.id.Hex()).Logger()
	log.Info().Msg("starting session")

	if err := s.fwd.Bind(ctx, deviceID, s.cfg.ForwardPort, sess.id.SocketName()); err != nil {
		return s.abortLocked(sess, err)
	}
	sess.state = relay.ForwardBound

	s.launcher.KillStale(ctx, deviceID)
	if err := s.launcher.Push(ctx, deviceID); err != nil {
		return s.abortLocked(sess, err)
	}

	sess.state = relay.AgentStarting
	proc, err := s.launcher.Launch(ctx, deviceID, sess.id.Hex())
	if err != nil {
		return s.abortLocked(sess, err)
	}
	sess.agent = proc
	go s.watchAgent(sess, proc)

	var rl *relay.Relay
	rl = relay.New(relay.Options{
		Host:           s.cfg.TransportHost,
		Port:           s.cfg.TransportPort,
		DeviceAddr:     fmt.Sprintf("%s:%d", s.cfg.ForwardHost, s.cfg.ForwardPort),
		SettleDelay:    s.cfg.SettleDelay,
		ReadBufferSize: s.cfg.ReadBufferSize,
		Dial:           s.cfg.Dial,
		CheckOrigin:    s.cfg.CheckOrigin,
		Authorize:      s.cfg.Authorize,
		Logger:         log.With().Str("component", "relay").Logger(),
	}, relay.Hooks{
		OnClosed: func(reason string) { s.end(sess, reason) },
		OnCommand: func(cmd wire.Command) {
			s.dispatcher.Dispatch(context.Background(), rl, deviceID, cmd)
		},
	})
	sess.relay = rl

	port, err := rl.Listen()
	if err != nil {
		return s.abortLocked(sess, err)
	}
	sess.port = port
	sess.state = relay.TransportListening
	sess.started = true
	sess.startedAt = time.Now()

	log.Info().Int("port", port).Msg("session started")
	s.emitLocked(Event{Type: EventStarted, DeviceID: deviceID, SessionID: sess.id.Hex(), Port: port})
	return StartResult{Success: true, Port: port}, nil
}

func (s *Supervisor) abortLocked(sess *Session, err error) (StartResult, error) {
	s.log.Error().Err(err).Str("device", sess.deviceID).Stringer("stage", sess.state).Msg("session start failed")
	s.teardownLocked(sess, "start failed")
	return StartResult{}, err
}

func (s *Supervisor) watchAgent(sess *Session, proc *agent.Process) {
	<-proc.Done()
	reason := "agent exited"
	if err := proc.Err(); err != nil {
		reason = fmt.Sprintf("agent exited: %v", err)
	}
	s.end(sess, reason)
}

// end tears sess down after a terminal event, unless it is no longer the
// current session.
func (s *Supervisor) end(sess *Session, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != sess {
		return
	}
	s.log.Warn().Str("device", sess.deviceID).Str("reason", reason).Msg("session ended")
	s.teardownLocked(sess, reason)
}

// teardownLocked releases everything sess holds. The forward rule is always
// removed, even if binding failed part way.
func (s *Supervisor) teardownLocked(sess *Session, reason string) {
	if s.cur != sess {
		return
	}
	s.cur = nil

	if sess.relay != nil {
		sess.relay.Close(reason)
		sess.relay.Wait()
	}
	if sess.agent != nil {
		sess.agent.Kill()
		select {
		case <-sess.agent.Done():
		case <-time.After(agentExitWait):
			s.log.Warn().Str("device", sess.deviceID).Msg("agent did not exit after kill")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	s.fwd.Unbind(ctx, s.cfg.ForwardPort)

	sess.state = relay.Closed
	if sess.started {
		s.log.Info().Str("device", sess.deviceID).Str("reason", reason).Msg("session stopped")
		s.emitLocked(Event{
			Type:      EventStopped,
			DeviceID:  sess.deviceID,
			SessionID: sess.id.Hex(),
			Port:      sess.port,
			Reason:    reason,
		})
	}
}

// Stop ends the current session, if any.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		s.teardownLocked(s.cur, "stopped")
	}
}

// StopDevice ends the current session only if it mirrors deviceID.
func (s *Supervisor) StopDevice(deviceID, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.cur.deviceID != deviceID {
		return false
	}
	s.teardownLocked(s.cur, reason)
	return true
}

// Dispatch routes cmd to the current session. deviceID may be empty to mean
// the session's device. Agent commands for any other device are dropped.
func (s *Supervisor) Dispatch(ctx context.Context, deviceID string, cmd wire.Command) control.Result {
	s.mu.Lock()
	sess := s.cur
	s.mu.Unlock()

	var w control.Writer
	if sess != nil && sess.relay != nil && (deviceID == "" || deviceID == sess.deviceID) {
		w = sess.relay
		deviceID = sess.deviceID
	}
	return s.dispatcher.Dispatch(ctx, w, deviceID, cmd)
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.cur
	if sess == nil {
		return Status{State: relay.Idle}
	}

	st := Status{
		Active:    true,
		DeviceID:  sess.deviceID,
		SessionID: sess.id.Hex(),
		Port:      sess.port,
		State:     sess.state,
	}
	if sess.started {
		t := sess.startedAt
		st.StartedAt = &t
	}
	if sess.relay != nil {
		stats := sess.relay.Stats()
		st.Relay = &stats
		if sess.started {
			st.State = stats.State
		}
	}
	return st
}

// Close stops the current session and refuses further starts. Pending
// events are delivered before Close returns.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.cur != nil {
		s.teardownLocked(s.cur, "shutting down")
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	<-s.eventsDone
	s.dispatcher.Wait()
}
