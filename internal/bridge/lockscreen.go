package bridge

import "strings"

// LockState is the result of probing a device's keyguard.
type LockState struct {
	Locked bool   `json:"locked"`
	Raw    string `json:"raw"`
}

var lockedMarkers = []string{
	"mShowingLockscreen=true",
	"mDreamingLockscreen=true",
	"isStatusBarKeyguard=true",
}

func parseLockState(output string) LockState {
	st := LockState{Raw: strings.TrimSpace(output)}
	for _, m := range lockedMarkers {
		if strings.Contains(output, m) {
			st.Locked = true
			break
		}
	}
	return st
}
