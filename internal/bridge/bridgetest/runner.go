// Package bridgetest provides a scripted bridge.Runner for tests.
package bridgetest

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/mirror-relay/relay/internal/bridge"
)

// ErrKilled is returned by Wait on a fake process that was killed.
var ErrKilled = errors.New("killed")

type rule struct {
	substr string
	res    bridge.Result
	err    error
}

// Runner answers commands from registered rules. Commands with no matching
// rule succeed with empty output.
type Runner struct {
	mu       sync.Mutex
	rules    []rule
	calls    []string
	procs    []*Process
	startErr error
}

func New() *Runner { return &Runner{} }

// On scripts the result for any command whose space-joined args contain
// substr. Later rules take precedence.
func (r *Runner) On(substr string, res bridge.Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{substr: substr, res: res, err: err})
}

// Fail scripts a non-zero exit with stderr for matching commands.
func (r *Runner) Fail(substr, stderr string) {
	r.On(substr, bridge.Result{Stderr: stderr, ExitCode: 1}, nil)
}

// FailStart makes every Start return err.
func (r *Runner) FailStart(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startErr = err
}

func (r *Runner) Run(ctx context.Context, args ...string) (bridge.Result, error) {
	joined := strings.Join(args, " ")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, joined)

	if err := ctx.Err(); err != nil {
		return bridge.Result{ExitCode: -1}, err
	}
	for i := len(r.rules) - 1; i >= 0; i-- {
		if strings.Contains(joined, r.rules[i].substr) {
			return r.rules[i].res, r.rules[i].err
		}
	}
	return bridge.Result{}, nil
}

func (r *Runner) Start(stdout, stderr io.Writer, args ...string) (bridge.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, strings.Join(args, " "))
	if r.startErr != nil {
		return nil, r.startErr
	}
	p := &Process{Stdout: stdout, Stderr: stderr, done: make(chan struct{})}
	r.procs = append(r.procs, p)
	return p, nil
}

// Calls returns every command issued so far, args joined by spaces.
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Called reports whether any issued command contains substr.
func (r *Runner) Called(substr string) bool {
	for _, c := range r.Calls() {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

// Processes returns the fake processes started so far.
func (r *Runner) Processes() []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Process(nil), r.procs...)
}

// Process is a fake long-running command that runs until killed or exited.
type Process struct {
	Stdout io.Writer
	Stderr io.Writer

	once sync.Once
	done chan struct{}
	err  error
}

// Pid is always 0 so no host process is ever signalled.
func (p *Process) Pid() int { return 0 }

func (p *Process) Wait() error {
	<-p.done
	return p.err
}

func (p *Process) Kill() error {
	p.Exit(ErrKilled)
	return nil
}

// Exit ends the process with err.
func (p *Process) Exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Exited reports whether the process has ended.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
