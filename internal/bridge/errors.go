package bridge

import (
	"fmt"
	"strings"
)

// Error reports a bridge command that failed to spawn or exited non-zero.
type Error struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("adb ")
	b.WriteString(strings.Join(e.Args, " "))
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	} else {
		fmt.Fprintf(&b, ": exit status %d", e.ExitCode)
	}
	if msg := strings.TrimSpace(e.Stderr); msg != "" {
		fmt.Fprintf(&b, ": %s", msg)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }
