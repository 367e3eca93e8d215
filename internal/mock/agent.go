package mock

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Agent simulates the on-device agent for one session socket. The first
// connection it accepts receives video; the second is the control channel.
type Agent struct {
	serial   string
	socket   string
	interval time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	conns    []net.Conn
	control  bytes.Buffer
	frames   int
	accepted int

	done     chan struct{}
	stopOnce sync.Once
	err      error
}

func newAgent(serial, socket string, interval time.Duration, stdout io.Writer, log zerolog.Logger) *Agent {
	a := &Agent{
		serial:   serial,
		socket:   socket,
		interval: interval,
		log:      log.With().Str("mock_agent", socket).Logger(),
		done:     make(chan struct{}),
	}
	if stdout != nil {
		fmt.Fprintf(stdout, "[server] INFO: Device: mock %s (Android 14)\n", serial)
	}
	return a
}

func (a *Agent) Socket() string { return a.socket }

func (a *Agent) Serial() string { return a.serial }

// Pid is 0: there is no host process behind a simulated agent.
func (a *Agent) Pid() int { return 0 }

func (a *Agent) Wait() error {
	<-a.done
	return a.err
}

func (a *Agent) Kill() error {
	a.stop(fmt.Errorf("signal: killed"))
	return nil
}

// Stop ends the agent as if it crashed on the device.
func (a *Agent) Stop() { a.stop(fmt.Errorf("exit status 1")) }

func (a *Agent) stop(err error) {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.err = err
		conns := a.conns
		a.conns = nil
		a.mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
		close(a.done)
	})
}

// Control returns the bytes received on the control connection so far.
func (a *Agent) Control() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]byte(nil), a.control.Bytes()...)
}

// Frames is the number of video frames sent.
func (a *Agent) Frames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames
}

func (a *Agent) accept(conn net.Conn) {
	a.mu.Lock()
	select {
	case <-a.done:
		a.mu.Unlock()
		conn.Close()
		return
	default:
	}
	a.accepted++
	n := a.accepted
	a.conns = append(a.conns, conn)
	a.mu.Unlock()

	switch n {
	case 1:
		go a.streamVideo(conn)
	case 2:
		go a.readControl(conn)
	default:
		conn.Close()
	}
}

func (a *Agent) streamVideo(conn net.Conn) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		if _, err := conn.Write(frame(i)); err != nil {
			a.log.Debug().Err(err).Msg("video consumer gone")
			return
		}
		a.mu.Lock()
		a.frames++
		a.mu.Unlock()

		select {
		case <-a.done:
			return
		case <-ticker.C:
		}
	}
}

func (a *Agent) readControl(conn net.Conn) {
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			a.mu.Lock()
			a.control.Write(buf[:n])
			a.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// frame renders a synthetic Annex-B access unit. The first carries SPS and
// PPS ahead of an IDR slice; the rest are P slices with a keyframe every 60.
func frame(i int) []byte {
	startCode := []byte{0, 0, 0, 1}
	var b bytes.Buffer
	if i == 0 {
		b.Write(startCode)
		b.Write([]byte{0x67, 0x42, 0xc0, 0x1f, 0xda, 0x01, 0x40, 0x16, 0xe8})
		b.Write(startCode)
		b.Write([]byte{0x68, 0xce, 0x3c, 0x80})
	}
	b.Write(startCode)
	if i%60 == 0 {
		b.WriteByte(0x65)
	} else {
		b.WriteByte(0x41)
	}
	b.Write([]byte{0x88, byte(i >> 8), byte(i)})
	b.Write(bytes.Repeat([]byte{0xa5}, 64))
	return b.Bytes()
}

// exitedProcess returns a process that has already finished with err.
func exitedProcess(err error) *exitedProc { return &exitedProc{err: err} }

type exitedProc struct{ err error }

func (p *exitedProc) Pid() int    { return 0 }
func (p *exitedProc) Wait() error { return p.err }
func (p *exitedProc) Kill() error { return nil }
