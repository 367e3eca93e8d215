package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
)

// Result is the captured outcome of a finished bridge command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Process is a long-running bridge command.
type Process interface {
	Pid() int
	Wait() error
	Kill() error
}

// Runner executes bridge commands. Run returns a non-nil error only when the
// command could not be spawned or was interrupted; a non-zero exit is
// reported through Result.ExitCode.
type Runner interface {
	Run(ctx context.Context, args ...string) (Result, error)
	Start(stdout, stderr io.Writer, args ...string) (Process, error)
}

// ExecRunner runs the bridge binary at Path.
type ExecRunner struct {
	Path string
}

func (r ExecRunner) Run(ctx context.Context, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, r.Path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		res.ExitCode = -1
		return res, err
	}
	return res, nil
}

// Start spawns a command that outlives any request context; callers end it
// with Kill.
func (r ExecRunner) Start(stdout, stderr io.Writer, args ...string) (Process, error) {
	cmd := exec.Command(r.Path, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error { return p.cmd.Wait() }

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

// ResolvePath picks the bridge binary: the configured path when set,
// otherwise adb from PATH, otherwise the bare name.
func ResolvePath(configured string) string {
	if configured != "" {
		return configured
	}
	if path, err := exec.LookPath("adb"); err == nil {
		return path
	}
	return "adb"
}
