package link

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
)

// ErrNoConn is returned by MockDialer when no connection has been queued.
var ErrNoConn = errors.New("no connection queued")

// TestableConn implements Conn with controllable reads for tests. Reads block
// until data, a hangup, an error or Close.
type TestableConn struct {
	mu       sync.Mutex
	readCond *sync.Cond

	buf        bytes.Buffer
	readErr    error
	hangup     bool
	closed     bool
	closeErr   error
	closeCalls int
	readCalls  int
}

// NewTestableConn creates an open TestableConn with nothing to read.
func NewTestableConn() *TestableConn {
	t := &TestableConn{}
	t.readCond = sync.NewCond(&t.mu)
	return t
}

// Read returns queued data first, then a queued error, then a zero-length
// read after Hangup.
func (t *TestableConn) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.readCalls++
	for !t.closed && t.buf.Len() == 0 && t.readErr == nil && !t.hangup {
		t.readCond.Wait()
	}

	switch {
	case t.closed:
		return 0, net.ErrClosed
	case t.buf.Len() > 0:
		return t.buf.Read(p)
	case t.readErr != nil:
		err := t.readErr
		t.readErr = nil
		return 0, err
	default:
		return 0, nil
	}
}

// Close marks the connection closed and wakes a blocked reader. Closing twice
// returns net.ErrClosed.
func (t *TestableConn) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closeCalls++
	if t.closed {
		return net.ErrClosed
	}
	t.closed = true
	t.readCond.Broadcast()
	return t.closeErr
}

// AddReadData queues data for subsequent reads.
func (t *TestableConn) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(data)
	t.readCond.Broadcast()
}

// Hangup makes reads return zero bytes once queued data is consumed, the way
// a socket reports an orderly close by the peer.
func (t *TestableConn) Hangup() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hangup = true
	t.readCond.Broadcast()
}

// FailRead makes the next read (after queued data) return err.
func (t *TestableConn) FailRead(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readErr = err
	t.readCond.Broadcast()
}

// SetCloseError sets the error returned by the first Close.
func (t *TestableConn) SetCloseError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeErr = err
}

// CloseCalls reports how many times Close was called.
func (t *TestableConn) CloseCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

// ReadCalls reports how many times Read was called.
func (t *TestableConn) ReadCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readCalls
}

// MockDialer hands out queued connections in order. Once the queue is empty
// every Dial fails with ErrNoConn.
type MockDialer struct {
	mu      sync.Mutex
	queue   []Conn
	errs    []error
	dials   int
	Address string
}

// NewMockDialer returns a dialer that will return conns in order.
func NewMockDialer(conns ...Conn) *MockDialer {
	return &MockDialer{queue: conns, Address: "mock:3000"}
}

// Push queues another connection.
func (d *MockDialer) Push(c Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, c)
}

// PushError makes the next Dial fail with err before any queued connection
// is handed out.
func (d *MockDialer) PushError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, err)
}

// Dial implements Dialer.
func (d *MockDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	if len(d.queue) == 0 {
		return nil, ErrNoConn
	}
	c := d.queue[0]
	d.queue = d.queue[1:]
	return c, nil
}

func (d *MockDialer) Addr() string {
	return d.Address
}

// Dials reports how many times Dial was called.
func (d *MockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
