package relay

import (
	"errors"
	"fmt"
)

// ErrNoControl is returned by WriteControl when no control connection is open.
var ErrNoControl = errors.New("no control connection")

// ErrClosed is returned by Listen on a closed relay.
var ErrClosed = errors.New("relay closed")

// TransportError reports a failure to bind the client transport listener.
type TransportError struct {
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport listen on %s: %v", e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
