package agent

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/mirror-relay/relay/internal/bridge"
)

// Process is a running agent.
type Process struct {
	proc bridge.Process
	out  *lineLogger
	log  zerolog.Logger

	done     chan struct{}
	err      error
	killOnce sync.Once
}

func newProcess(proc bridge.Process, out *lineLogger, log zerolog.Logger) *Process {
	p := &Process{proc: proc, out: out, log: log, done: make(chan struct{})}
	go p.wait()
	return p
}

func (p *Process) wait() {
	err := p.proc.Wait()
	p.out.Flush()
	p.log.Info().AnErr("exit", err).Msg("agent exited")
	p.err = err
	close(p.done)
}

// Done is closed once the agent has exited for any reason.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err is the exit cause. Only meaningful after Done is closed.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Kill terminates the host-side bridge process and everything it spawned.
// Safe to call more than once.
func (p *Process) Kill() {
	p.killOnce.Do(func() {
		if p.Exited() {
			return
		}
		killChildren(p.proc.Pid(), p.log)
		if err := p.proc.Kill(); err != nil {
			p.log.Debug().Err(err).Msg("kill agent")
		}
	})
}

func killChildren(pid int, log zerolog.Logger) {
	if pid <= 0 {
		return
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}
	children, err := proc.Children()
	if err != nil {
		return
	}
	for _, c := range children {
		killChildren(int(c.Pid), log)
		if err := c.Kill(); err != nil {
			log.Debug().Err(err).Int32("pid", c.Pid).Msg("kill agent child")
		}
	}
}
