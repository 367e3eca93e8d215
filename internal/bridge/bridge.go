// Package bridge wraps the adb command line.
package bridge

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// Client issues device bridge commands through a Runner.
type Client struct {
	runner  Runner
	timeout time.Duration
}

// New returns a client issuing commands through r. A zero timeout uses 30s.
func New(r Runner, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{runner: r, timeout: timeout}
}

// Runner exposes the underlying runner.
func (c *Client) Runner() Runner { return c.runner }

// exec runs args and returns the result without judging the exit code.
func (c *Client) exec(ctx context.Context, args ...string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.runner.Run(ctx, args...)
	if err != nil {
		return res, &Error{Args: args, ExitCode: -1, Stderr: res.Stderr, Err: err}
	}
	return res, nil
}

// run is exec plus a non-zero exit check.
func (c *Client) run(ctx context.Context, args ...string) (Result, error) {
	res, err := c.exec(ctx, args...)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, &Error{Args: args, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, nil
}

// ListDevices returns the devices in the "device" state.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	res, err := c.run(ctx, "devices", "-l")
	if err != nil {
		return nil, err
	}
	var online []Device
	for _, d := range parseDevices(res.Stdout) {
		if d.Online() {
			online = append(online, d)
		}
	}
	return online, nil
}

// Forward binds tcp:localPort on the host to the abstract socket on serial.
func (c *Client) Forward(ctx context.Context, serial string, localPort int, socket string) error {
	_, err := c.run(ctx, "-s", serial, "forward",
		fmt.Sprintf("tcp:%d", localPort), "localabstract:"+socket)
	return err
}

// RemoveForward removes the rule on tcp:localPort, whichever device owns it.
func (c *Client) RemoveForward(ctx context.Context, localPort int) error {
	_, err := c.run(ctx, "forward", "--remove", fmt.Sprintf("tcp:%d", localPort))
	return err
}

func (c *Client) Push(ctx context.Context, serial, local, remote string) error {
	_, err := c.run(ctx, "-s", serial, "push", local, remote)
	return err
}

// Shell runs a short command on the device and captures its output.
func (c *Client) Shell(ctx context.Context, serial string, args ...string) (Result, error) {
	return c.run(ctx, append([]string{"-s", serial, "shell"}, args...)...)
}

// StartShell launches a long-running device command.
func (c *Client) StartShell(serial string, stdout, stderr io.Writer, args ...string) (Process, error) {
	full := append([]string{"-s", serial, "shell"}, args...)
	p, err := c.runner.Start(stdout, stderr, full...)
	if err != nil {
		return nil, &Error{Args: full, ExitCode: -1, Err: err}
	}
	return p, nil
}

// KillPattern kills device processes whose command line matches pattern.
func (c *Client) KillPattern(ctx context.Context, serial, pattern string) error {
	_, err := c.Shell(ctx, serial, "pkill", "-f", pattern)
	return err
}

// LockScreen reports whether the device keyguard is showing. grep exiting 1
// with no output means nothing matched and the device is unlocked.
func (c *Client) LockScreen(ctx context.Context, serial string) (LockState, error) {
	args := []string{"-s", serial, "shell", `dumpsys window | grep "Lockscreen"`}
	res, err := c.exec(ctx, args...)
	if err != nil {
		return LockState{}, err
	}
	noMatch := res.ExitCode == 1 && strings.TrimSpace(res.Stdout) == ""
	if res.ExitCode != 0 && !noMatch {
		return LockState{}, &Error{Args: args, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return parseLockState(res.Stdout), nil
}
