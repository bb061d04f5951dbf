// Package bridge wires the sensor link to the parse pipeline:
// link -> framer -> parser -> publisher.
package bridge

import (
	"time"

	"github.com/banshee-data/vision-bridge/internal/detection"
	"github.com/banshee-data/vision-bridge/internal/framer"
	"github.com/banshee-data/vision-bridge/internal/link"
	"github.com/banshee-data/vision-bridge/internal/monitoring"
	"github.com/banshee-data/vision-bridge/internal/state"
	"github.com/banshee-data/vision-bridge/internal/timeutil"
)

// Config is fixed for the lifetime of a Bridge.
type Config struct {
	Policy         framer.Policy
	Backoff        time.Duration
	ReadBufferSize int
}

// Option configures a Bridge.
type Option func(*options)

type options struct {
	clock   timeutil.Clock
	metrics *monitoring.Metrics
	onState func(link.ConnectionState)
}

// WithClock sets the clock used for both the reconnect backoff and batch
// timestamps.
func WithClock(c timeutil.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithMetrics records link, framer and parser counters.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithOnStateChange is called on the worker goroutine whenever the link
// connects or disconnects.
func WithOnStateChange(f func(link.ConnectionState)) Option {
	return func(o *options) {
		o.onState = f
	}
}

// Bridge owns one sensor connection and the latest state parsed from it.
type Bridge struct {
	cfg       Config
	opts      options
	framer    *framer.Framer
	parser    *detection.Parser
	publisher *state.Publisher
	manager   *link.Manager
}

// New builds a stopped Bridge reading from dialer.
func New(cfg Config, dialer link.Dialer, device detection.DeviceInfo, opts ...Option) *Bridge {
	o := options{clock: timeutil.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Bridge{
		cfg:       cfg,
		opts:      o,
		framer:    framer.New(),
		parser:    detection.NewParser(device, detection.WithClock(o.clock)),
		publisher: state.NewPublisher(),
	}
	b.manager = link.NewManager(dialer, b.handle,
		link.WithBackoff(cfg.Backoff),
		link.WithReadBufferSize(cfg.ReadBufferSize),
		link.WithClock(o.clock),
		link.WithMetrics(o.metrics),
		link.WithOnStateChange(b.stateChanged),
	)
	return b
}

// Start begins connecting in the background. It is idempotent.
func (b *Bridge) Start() {
	monitoring.Logf("[bridge] starting, burst policy %s", b.cfg.Policy)
	b.manager.Start()
}

// Stop closes the connection and waits for the worker to exit. The last
// published state stays readable.
func (b *Bridge) Stop() {
	b.manager.Stop()
}

// Publisher returns the state cell the bridge publishes into.
func (b *Bridge) Publisher() *state.Publisher {
	return b.publisher
}

// State reports the link's connection state.
func (b *Bridge) State() link.ConnectionState {
	return b.manager.State()
}

// Seq returns the sequence number the next parsed record will carry.
func (b *Bridge) Seq() uint64 {
	return b.parser.Seq()
}

func (b *Bridge) stateChanged(s link.ConnectionState) {
	if s == link.Connected {
		// a fragment from the previous connection can never complete
		b.framer.Reset()
	}
	if b.opts.onState != nil {
		b.opts.onState(s)
	}
}

// handle runs on the link worker goroutine for every chunk read.
func (b *Bridge) handle(chunk []byte) {
	records := b.framer.Feed(chunk)
	selected := framer.Select(b.cfg.Policy, records)
	b.opts.metrics.Skipped(len(records) - len(selected))

	for _, rec := range selected {
		batch, set, err := b.parser.Parse(rec)
		if err != nil {
			b.opts.metrics.ParseError()
			monitoring.Warnf("[bridge] dropping record: %v", err)
			continue
		}
		b.opts.metrics.RecordParsed()
		b.publisher.Publish(batch, set)
	}
}
