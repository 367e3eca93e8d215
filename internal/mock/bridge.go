// Package mock simulates adb and the on-device agent so the relay can run
// without hardware.
package mock

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirror-relay/relay/internal/bridge"
)

type Device struct {
	ID    string
	Model string
	State string
}

// DefaultDevices are attached when a Bridge is created with no devices.
var DefaultDevices = []Device{
	{ID: "emulator-5554", Model: "sdk_gphone64_x86_64", State: bridge.StateDevice},
	{ID: "R58M123ABC", Model: "SM_G973F", State: bridge.StateDevice},
}

type forwardRule struct {
	serial string
	socket string
	ln     net.Listener
}

// Bridge implements bridge.Runner against simulated devices. Forward rules
// bind real loopback listeners; connections reaching them are routed to the
// simulated agent owning the rule's socket.
type Bridge struct {
	log           zerolog.Logger
	frameInterval time.Duration

	mu       sync.Mutex
	devices  []Device
	forwards map[int]*forwardRule
	agents   map[string]*Agent
	failures map[string]string
	calls    []string
}

type Option func(*Bridge)

// WithFrameInterval sets how often simulated agents emit a video frame.
func WithFrameInterval(d time.Duration) Option {
	return func(b *Bridge) { b.frameInterval = d }
}

func WithDevices(devices ...Device) Option {
	return func(b *Bridge) { b.devices = append([]Device(nil), devices...) }
}

// NewBridge returns a simulated bridge with two online devices.
func NewBridge(log zerolog.Logger, opts ...Option) *Bridge {
	b := &Bridge{
		log:           log,
		frameInterval: 33 * time.Millisecond,
		devices:       append([]Device(nil), DefaultDevices...),
		forwards:      make(map[int]*forwardRule),
		agents:        make(map[string]*Agent),
		failures:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Fail makes commands containing substr exit 1 with stderr.
func (b *Bridge) Fail(substr, stderr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[substr] = stderr
}

func (b *Bridge) SetDevices(devices ...Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices = append([]Device(nil), devices...)
}

// Unplug removes a device and stops its agents.
func (b *Bridge) Unplug(serial string) {
	b.mu.Lock()
	kept := b.devices[:0]
	for _, d := range b.devices {
		if d.ID != serial {
			kept = append(kept, d)
		}
	}
	b.devices = kept
	agents := b.agentsForLocked(serial)
	b.mu.Unlock()

	for _, a := range agents {
		a.stop(fmt.Errorf("device %s disconnected", serial))
	}
}

// Calls returns every command run so far.
func (b *Bridge) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// Forwards returns the locally bound forward ports.
func (b *Bridge) Forwards() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	ports := make([]int, 0, len(b.forwards))
	for p := range b.forwards {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// Agents returns the running simulated agents.
func (b *Bridge) Agents() []*Agent {
	b.mu.Lock()
	defer b.mu.Unlock()
	agents := make([]*Agent, 0, len(b.agents))
	for _, a := range b.agents {
		agents = append(agents, a)
	}
	return agents
}

// Close removes every forward and stops every agent.
func (b *Bridge) Close() {
	b.mu.Lock()
	forwards := b.forwards
	agents := b.agents
	b.forwards = make(map[int]*forwardRule)
	b.agents = make(map[string]*Agent)
	b.mu.Unlock()

	for _, f := range forwards {
		f.ln.Close()
	}
	for _, a := range agents {
		a.stop(nil)
	}
}

func (b *Bridge) Run(ctx context.Context, args ...string) (bridge.Result, error) {
	if err := ctx.Err(); err != nil {
		return bridge.Result{ExitCode: -1}, err
	}
	joined := strings.Join(args, " ")

	b.mu.Lock()
	b.calls = append(b.calls, joined)
	for substr, stderr := range b.failures {
		if strings.Contains(joined, substr) {
			b.mu.Unlock()
			return bridge.Result{Stderr: stderr, ExitCode: 1}, nil
		}
	}
	b.mu.Unlock()

	serial, rest := splitSerial(args)
	if len(rest) == 0 {
		return usage()
	}
	if serial != "" && !b.hasDevice(serial) {
		return bridge.Result{Stderr: fmt.Sprintf("adb: device '%s' not found\n", serial), ExitCode: 1}, nil
	}

	switch rest[0] {
	case "devices":
		return bridge.Result{Stdout: b.listing()}, nil
	case "forward":
		return b.forward(serial, rest[1:])
	case "push":
		if len(rest) != 3 {
			return usage()
		}
		return bridge.Result{Stdout: fmt.Sprintf("%s: 1 file pushed, 0 skipped.\n", rest[1])}, nil
	case "shell":
		return b.shell(serial, strings.Join(rest[1:], " "))
	}
	return usage()
}

func (b *Bridge) Start(stdout, stderr io.Writer, args ...string) (bridge.Process, error) {
	joined := strings.Join(args, " ")
	b.mu.Lock()
	b.calls = append(b.calls, joined)
	b.mu.Unlock()

	serial, rest := splitSerial(args)
	if serial == "" || len(rest) < 2 || rest[0] != "shell" {
		return nil, fmt.Errorf("mock: unsupported long-running command %q", joined)
	}
	if !b.hasDevice(serial) {
		return exitedProcess(fmt.Errorf("exit status 1")), nil
	}

	scid := ""
	for _, a := range rest[1:] {
		if v, ok := strings.CutPrefix(a, "scid="); ok {
			scid = v
		}
	}
	if !strings.Contains(joined, "app_process") || scid == "" {
		return exitedProcess(nil), nil
	}

	a := newAgent(serial, "scrcpy_"+scid, b.frameInterval, stdout, b.log)
	b.mu.Lock()
	if prev, ok := b.agents[a.socket]; ok {
		defer prev.stop(fmt.Errorf("replaced"))
	}
	b.agents[a.socket] = a
	b.mu.Unlock()

	go func() {
		<-a.done
		b.mu.Lock()
		if b.agents[a.socket] == a {
			delete(b.agents, a.socket)
		}
		b.mu.Unlock()
	}()
	return a, nil
}

func (b *Bridge) forward(serial string, args []string) (bridge.Result, error) {
	if len(args) == 2 && args[0] == "--remove" {
		port, ok := parseTCP(args[1])
		if !ok {
			return usage()
		}
		b.mu.Lock()
		rule, found := b.forwards[port]
		delete(b.forwards, port)
		b.mu.Unlock()
		if !found {
			return bridge.Result{Stderr: fmt.Sprintf("adb: error: listener '%s' not found\n", args[1]), ExitCode: 1}, nil
		}
		rule.ln.Close()
		return bridge.Result{}, nil
	}

	if len(args) != 2 || serial == "" {
		return usage()
	}
	port, ok := parseTCP(args[0])
	socket, isAbstract := strings.CutPrefix(args[1], "localabstract:")
	if !ok || !isAbstract {
		return usage()
	}

	b.mu.Lock()
	if prev, exists := b.forwards[port]; exists {
		prev.ln.Close()
		delete(b.forwards, port)
	}
	b.mu.Unlock()

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return bridge.Result{Stderr: fmt.Sprintf("adb: error: cannot bind listener: %v\n", err), ExitCode: 1}, nil
	}
	rule := &forwardRule{serial: serial, socket: socket, ln: ln}
	b.mu.Lock()
	b.forwards[port] = rule
	b.mu.Unlock()

	go b.acceptLoop(rule)
	if port == 0 {
		return bridge.Result{Stdout: fmt.Sprintf("%d\n", ln.Addr().(*net.TCPAddr).Port)}, nil
	}
	return bridge.Result{}, nil
}

// acceptLoop hands forwarded connections to the agent listening on the
// rule's socket. Without one the connection is dropped, as adb does.
func (b *Bridge) acceptLoop(rule *forwardRule) {
	for {
		conn, err := rule.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		a := b.agents[rule.socket]
		b.mu.Unlock()
		if a == nil {
			conn.Close()
			continue
		}
		a.accept(conn)
	}
}

func (b *Bridge) shell(serial, cmd string) (bridge.Result, error) {
	switch {
	case strings.HasPrefix(cmd, "pkill"):
		b.mu.Lock()
		agents := b.agentsForLocked(serial)
		b.mu.Unlock()
		if len(agents) == 0 {
			return bridge.Result{ExitCode: 1}, nil
		}
		for _, a := range agents {
			a.stop(fmt.Errorf("killed"))
		}
		return bridge.Result{}, nil
	case strings.HasPrefix(cmd, "dumpsys window"):
		return bridge.Result{Stdout: "    mShowingLockscreen=false mShowingDream=false mDreamingLockscreen=false\n"}, nil
	case strings.HasPrefix(cmd, "input "):
		return bridge.Result{}, nil
	}
	return bridge.Result{Stderr: "/system/bin/sh: " + cmd + ": inaccessible or not found\n", ExitCode: 127}, nil
}

func (b *Bridge) agentsForLocked(serial string) []*Agent {
	var agents []*Agent
	for _, a := range b.agents {
		if a.serial == serial {
			agents = append(agents, a)
		}
	}
	return agents
}

func (b *Bridge) hasDevice(serial string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.devices {
		if d.ID == serial && d.State == bridge.StateDevice {
			return true
		}
	}
	return false
}

func (b *Bridge) listing() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sb strings.Builder
	sb.WriteString("List of devices attached\n")
	for i, d := range b.devices {
		state := d.State
		if state == "" {
			state = bridge.StateDevice
		}
		fmt.Fprintf(&sb, "%-22s %s", d.ID, state)
		if d.Model != "" {
			fmt.Fprintf(&sb, " product:%s model:%s", strings.ToLower(d.Model), d.Model)
		}
		fmt.Fprintf(&sb, " transport_id:%d\n", i+1)
	}
	sb.WriteString("\n")
	return sb.String()
}

func splitSerial(args []string) (string, []string) {
	if len(args) >= 2 && args[0] == "-s" {
		return args[1], args[2:]
	}
	return "", args
}

func parseTCP(spec string) (int, bool) {
	v, ok := strings.CutPrefix(spec, "tcp:")
	if !ok {
		return 0, false
	}
	port, err := strconv.Atoi(v)
	return port, err == nil && port >= 0
}

func usage() (bridge.Result, error) {
	return bridge.Result{Stderr: "adb: usage: unknown command\n", ExitCode: 1}, nil
}

// WritePayload creates a placeholder agent payload in dir and returns its path.
func WritePayload(dir string) (string, error) {
	path := filepath.Join(dir, "scrcpy-server.jar")
	if err := os.WriteFile(path, []byte("PK\x03\x04mock-agent"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
