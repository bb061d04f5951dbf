// Package native speaks the sensor's telnet "native mode" command protocol.
// Each call opens its own session: log in, send one command, read the reply,
// disconnect.
package native

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/vision-bridge/internal/monitoring"
)

const (
	DefaultPort    = 23
	DefaultUser    = "admin"
	DefaultTimeout = 10 * time.Second

	loggedIn = "User Logged In"

	// largest image size accepted from an RB reply
	maxImageSize = 64 << 20
)

// ErrAuthFailed is returned when the sensor rejects the user or password.
var ErrAuthFailed = errors.New("native login rejected")

// StatusError is a non-success status code returned for a command.
type StatusError struct {
	Command string
	Code    int
}

func (e *StatusError) Error() string {
	var reason string
	switch e.Code {
	case 0:
		reason = "unrecognized command"
	case -1:
		reason = "invalid parameter or out of range"
	case -2:
		reason = "command could not be executed"
	default:
		reason = "device error"
	}
	return fmt.Sprintf("native %s: status %d (%s)", e.Command, e.Code, reason)
}

// DialFunc opens the TCP connection for a session.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Option configures a Client.
type Option func(*Client)

// WithPort sets the telnet port.
func WithPort(port int) Option {
	return func(c *Client) {
		if port > 0 {
			c.port = port
		}
	}
}

// WithUser sets the login user.
func WithUser(user string) Option {
	return func(c *Client) {
		if user != "" {
			c.user = user
		}
	}
}

// WithTimeout bounds a whole session, login included.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithDialer replaces the function used to open sessions.
func WithDialer(dial DialFunc) Option {
	return func(c *Client) {
		if dial != nil {
			c.dial = dial
		}
	}
}

// Client implements command.NativeClient. It holds no connection between
// calls and is safe for concurrent use.
type Client struct {
	port    int
	user    string
	timeout time.Duration
	dial    DialFunc
}

// New returns a Client with the sensor's factory defaults.
func New(opts ...Option) *Client {
	d := &net.Dialer{}
	c := &Client{
		port:    DefaultPort,
		user:    DefaultUser,
		timeout: DefaultTimeout,
		dial:    d.DialContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExecCommand logs in, sends command and checks its status line. With
// expectResponse the following line is returned as the payload.
func (c *Client) ExecCommand(ctx context.Context, host, password, command string, expectResponse bool) ([]byte, error) {
	s, err := c.open(ctx, host, password, command)
	if err != nil {
		return nil, err
	}
	defer s.close()

	if err := s.command(command); err != nil {
		return nil, err
	}
	if !expectResponse {
		return nil, nil
	}
	payload, err := s.rawLine()
	if err != nil {
		return nil, fmt.Errorf("native %s: read response: %w", command, err)
	}
	return []byte(payload), nil
}

// ReadImage sends RB and collects the hex encoded image that follows.
func (c *Client) ReadImage(ctx context.Context, host, password string) ([]byte, error) {
	const cmd = "RB"
	s, err := c.open(ctx, host, password, cmd)
	if err != nil {
		return nil, err
	}
	defer s.close()

	if err := s.command(cmd); err != nil {
		return nil, err
	}

	sizeLine, err := s.line()
	if err != nil {
		return nil, fmt.Errorf("native RB: read size: %w", err)
	}
	size, err := strconv.Atoi(sizeLine)
	if err != nil || size < 0 || size > maxImageSize {
		return nil, fmt.Errorf("native RB: bad size %q", sizeLine)
	}

	var data []byte
	for len(data) < size {
		l, err := s.line()
		if err != nil {
			return nil, fmt.Errorf("native RB: read data after %d of %d bytes: %w", len(data), size, err)
		}
		chunk, err := hex.DecodeString(l)
		if err != nil {
			return nil, fmt.Errorf("native RB: decode data: %w", err)
		}
		data = append(data, chunk...)
	}
	if len(data) > size {
		return nil, fmt.Errorf("native RB: got %d bytes, announced %d", len(data), size)
	}

	// trailing checksum line; the TCP stream is already checked
	if _, err := s.line(); err != nil {
		return nil, fmt.Errorf("native RB: read checksum: %w", err)
	}
	return data, nil
}

type session struct {
	id   string
	conn net.Conn
	r    *bufio.Reader
	stop func() bool
}

func (c *Client) open(ctx context.Context, host, password, command string) (*session, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(c.port))
	conn, err := c.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("native dial %s: %w", addr, err)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, fmt.Errorf("native %s: set deadline: %w", addr, err)
	}

	s := &session{
		id:   uuid.NewString(),
		conn: conn,
		r:    bufio.NewReader(conn),
		// a cancelled ctx unblocks any pending read or write
		stop: context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) }),
	}
	monitoring.Logf("[native] session %s: %s %s", s.id, addr, command)

	if err := s.login(c.user, password); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) login(user, password string) error {
	if err := s.prompt("User:"); err != nil {
		return fmt.Errorf("native login: %w", err)
	}
	if err := s.send(user); err != nil {
		return fmt.Errorf("native login: %w", err)
	}
	if err := s.prompt("Password:"); err != nil {
		return fmt.Errorf("native login: %w", err)
	}
	if err := s.send(password); err != nil {
		return fmt.Errorf("native login: %w", err)
	}
	reply, err := s.line()
	if err != nil {
		return fmt.Errorf("native login: %w", err)
	}
	if !strings.Contains(reply, loggedIn) {
		return fmt.Errorf("%w: %s", ErrAuthFailed, reply)
	}
	return nil
}

// command sends cmd and checks the status line.
func (s *session) command(cmd string) error {
	if err := s.send(cmd); err != nil {
		return fmt.Errorf("native %s: %w", cmd, err)
	}
	status, err := s.line()
	if err != nil {
		return fmt.Errorf("native %s: read status: %w", cmd, err)
	}
	code, err := strconv.Atoi(status)
	if err != nil {
		return fmt.Errorf("native %s: unexpected status %q", cmd, status)
	}
	if code != 1 {
		return &StatusError{Command: cmd, Code: code}
	}
	return nil
}

// prompt reads until the received text ends with want. Prompts are not
// newline terminated.
func (s *session) prompt(want string) error {
	var seen strings.Builder
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return fmt.Errorf("waiting for %q: %w", want, err)
		}
		seen.WriteByte(b)
		if strings.HasSuffix(strings.TrimRight(seen.String(), " "), want) {
			return nil
		}
	}
}

func (s *session) send(line string) error {
	_, err := s.conn.Write([]byte(line + "\r\n"))
	return err
}

// line returns the next non-blank line, trimmed.
func (s *session) line() (string, error) {
	for {
		l, err := s.rawLine()
		if err != nil {
			return "", err
		}
		if l = strings.TrimSpace(l); l != "" {
			return l, nil
		}
	}
}

// rawLine returns the next line without its line ending, possibly empty.
func (s *session) rawLine() (string, error) {
	l, err := s.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(l, "\r\n"), nil
}

func (s *session) close() {
	s.stop()
	s.conn.Close()
}
