package link

import (
	"errors"
	"fmt"
)

// ErrPeerClosed reports a zero-length read: the sensor closed its end.
var ErrPeerClosed = errors.New("connection closed by peer")

// ConnectivityError describes a failed dial or read. The manager retries all
// of them itself; the type exists so log lines carry the operation and
// address.
type ConnectivityError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}
