// Package link owns the sensor stream connection: it dials, reads until the
// peer goes away, and redials with a fixed backoff until stopped.
package link

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/vision-bridge/internal/monitoring"
	"github.com/banshee-data/vision-bridge/internal/timeutil"
)

const (
	DefaultBackoff        = 500 * time.Millisecond
	DefaultReadBufferSize = 1024
)

// ConnectionState is the manager's view of the sensor stream.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Option configures a Manager.
type Option func(*options)

type options struct {
	backoff       time.Duration
	clock         timeutil.Clock
	readSize      int
	onStateChange func(ConnectionState)
	metrics       *monitoring.Metrics
}

// WithBackoff sets the delay between connection attempts.
func WithBackoff(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.backoff = d
		}
	}
}

// WithClock replaces the clock used for the backoff wait.
func WithClock(c timeutil.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithReadBufferSize sets the maximum number of bytes handed to the handler
// per read.
func WithReadBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.readSize = n
		}
	}
}

// WithOnStateChange registers a hook called on the worker goroutine on every
// transition, before any data from a new connection is delivered.
func WithOnStateChange(f func(ConnectionState)) Option {
	return func(o *options) {
		o.onStateChange = f
	}
}

// WithMetrics records bytes read and connection state.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// Manager runs the single worker goroutine that owns the sensor connection.
type Manager struct {
	dialer  Dialer
	handler func([]byte)
	opts    options

	state atomic.Int32

	// mu guards conn. Whoever swaps conn to nil closes it.
	mu   sync.Mutex
	conn Conn

	lifeMu   sync.Mutex
	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager returns a stopped Manager. handler receives every non-empty
// chunk read from the connection; the slice is reused after handler returns.
func NewManager(dialer Dialer, handler func([]byte), opts ...Option) *Manager {
	o := options{
		backoff:  DefaultBackoff,
		clock:    timeutil.RealClock{},
		readSize: DefaultReadBufferSize,
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dialer:  dialer,
		handler: handler,
		opts:    o,
		stopCh:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// State reports whether the stream is currently connected.
func (m *Manager) State() ConnectionState {
	return ConnectionState(m.state.Load())
}

// Start spawns the worker. Calling it again, or after Stop, does nothing.
func (m *Manager) Start() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.started || m.stopping() {
		return
	}
	m.started = true
	m.wg.Add(1)
	go m.run()
}

// Stop cancels a pending dial, interrupts the backoff wait, closes the
// connection and waits for the worker to exit. It may be called from any
// goroutine except the handler, and more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.lifeMu.Lock()
		close(m.stopCh)
		m.lifeMu.Unlock()
		m.cancel()
		m.release()
	})
	m.wg.Wait()
}

func (m *Manager) stopping() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

func (m *Manager) run() {
	defer m.wg.Done()
	addr := m.dialer.Addr()
	failing := false

	for {
		conn, err := m.dialer.Dial(m.ctx)
		if err != nil {
			if m.stopping() {
				return
			}
			// log only the first failure of a streak
			if !failing {
				monitoring.Warnf("[link] %v, retrying every %s", &ConnectivityError{Op: "dial", Addr: addr, Err: err}, m.opts.backoff)
				failing = true
			}
			if !m.wait() {
				return
			}
			continue
		}
		failing = false

		if !m.install(conn) {
			return
		}
		monitoring.Logf("[link] connected to %s", addr)
		m.setState(Connected)

		err = m.read(conn)
		m.release()
		m.setState(Disconnected)
		if m.stopping() {
			return
		}
		monitoring.Warnf("[link] connection lost: %v", &ConnectivityError{Op: "read", Addr: addr, Err: err})
		if !m.wait() {
			return
		}
	}
}

// read delivers chunks to the handler until the connection fails.
func (m *Manager) read(conn Conn) error {
	buf := make([]byte, m.opts.readSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			m.opts.metrics.Read(n)
			m.handler(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrPeerClosed
			}
			return err
		}
		if n == 0 {
			return ErrPeerClosed
		}
	}
}

// wait sleeps for the backoff interval. It returns false if Stop was called.
func (m *Manager) wait() bool {
	select {
	case <-m.opts.clock.After(m.opts.backoff):
		return true
	case <-m.stopCh:
		return false
	}
}

// install publishes conn so Stop can close it. If Stop already ran, conn is
// closed here instead.
func (m *Manager) install(conn Conn) bool {
	m.mu.Lock()
	if m.stopping() {
		m.mu.Unlock()
		closeConn(conn)
		return false
	}
	m.conn = conn
	m.mu.Unlock()
	return true
}

func (m *Manager) release() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		closeConn(conn)
	}
}

func (m *Manager) setState(s ConnectionState) {
	if ConnectionState(m.state.Swap(int32(s))) == s {
		return
	}
	m.opts.metrics.SetConnected(s == Connected)
	if m.opts.onStateChange != nil {
		m.opts.onStateChange(s)
	}
}

func closeConn(c Conn) {
	if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, os.ErrClosed) {
		monitoring.Warnf("[link] close: %v", err)
	}
}
