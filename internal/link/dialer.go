package link

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"go.bug.st/serial"
)

// DefaultPort is the TCP port the sensor serves its result string on.
const DefaultPort = 3000

// Conn is a connected sensor stream. Close must unblock a pending Read.
type Conn interface {
	io.Reader
	io.Closer
}

// Dialer opens a new sensor stream.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
	// Addr names the remote end for log lines.
	Addr() string
}

// TCPDialer connects to the sensor's TCP result port.
type TCPDialer struct {
	Address string
	// Timeout bounds a single connection attempt. Zero leaves it to the OS.
	Timeout time.Duration
}

// Dial implements Dialer.
func (d TCPDialer) Dial(ctx context.Context) (Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	c, err := nd.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (d TCPDialer) Addr() string {
	return d.Address
}

// SerialDialer opens a serial device for sensors configured to write their
// result string to the RS-232 port instead of TCP.
type SerialDialer struct {
	Path    string
	Options PortOptions
}

// Dial implements Dialer. Opening a serial device cannot be cancelled, so ctx
// is only checked before the attempt.
func (d SerialDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mode, err := d.Options.SerialMode()
	if err != nil {
		return nil, fmt.Errorf("serial options for %s: %w", d.Path, err)
	}
	port, err := serial.Open(d.Path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

func (d SerialDialer) Addr() string {
	return d.Path
}
