package state

import (
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/vision-bridge/internal/detection"
	"github.com/banshee-data/vision-bridge/internal/monitoring"
)

var (
	_ Wire = (*Hub)(nil)
	_ Pipe = (*Hub)(nil)
)

// DefaultPipeBuffer is the per-subscriber queue length of the streamed channel.
const DefaultPipeBuffer = 32

// fanout delivers values to a dynamic set of subscriber channels without ever
// blocking the sender.
type fanout[T any] struct {
	mu     sync.Mutex
	subs   map[string]chan T
	buffer int
	// latest subscribers keep only the newest value; otherwise a full channel
	// drops the new value.
	latest bool
	closed bool
	clone  func(T) T
	onDrop func()
}

func newFanout[T any](buffer int, latest bool, clone func(T) T, onDrop func()) *fanout[T] {
	return &fanout[T]{
		subs:   make(map[string]chan T),
		buffer: buffer,
		latest: latest,
		clone:  clone,
		onDrop: onDrop,
	}
}

func (f *fanout[T]) subscribe() (string, <-chan T) {
	id := uuid.NewString()
	ch := make(chan T, f.buffer)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		// closing: hand back a closed channel so callers don't block
		close(ch)
		return id, ch
	}
	f.subs[id] = ch
	return id, ch
}

func (f *fanout[T]) unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[id]; ok {
		close(ch)
		delete(f.subs, id)
	}
}

func (f *fanout[T]) send(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		value := f.clone(v)
		select {
		case ch <- value:
			continue
		default:
		}
		if !f.latest {
			f.onDrop()
			continue
		}
		// replace the stale value with the new one
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- value:
		default:
			f.onDrop()
		}
	}
}

func (f *fanout[T]) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fanout[T]) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
}

// Hub is the hosting-side implementation of Wire and Pipe. It keeps the
// latest wire value and fans both channels out to any number of subscribers
// (SSE clients, gRPC streams, the history recorder).
type Hub struct {
	mu     sync.Mutex
	value  detection.Set
	wire   *fanout[detection.Set]
	pipe   *fanout[detection.RecognizedObjects]
	metric *monitoring.Metrics
}

// HubOption configures a Hub.
type HubOption func(*hubConfig)

type hubConfig struct {
	pipeBuffer int
	metrics    *monitoring.Metrics
}

// WithPipeBuffer sets the per-subscriber queue length for streamed batches.
func WithPipeBuffer(n int) HubOption {
	return func(c *hubConfig) {
		if n > 0 {
			c.pipeBuffer = n
		}
	}
}

// WithHubMetrics counts dropped updates.
func WithHubMetrics(m *monitoring.Metrics) HubOption {
	return func(c *hubConfig) {
		c.metrics = m
	}
}

// NewHub returns an empty Hub.
func NewHub(opts ...HubOption) *Hub {
	cfg := hubConfig{pipeBuffer: DefaultPipeBuffer}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &Hub{value: detection.Set{}, metric: cfg.metrics}
	h.wire = newFanout(1, true, detection.Set.Clone, h.dropped)
	h.pipe = newFanout(cfg.pipeBuffer, false, detection.RecognizedObjects.Clone, h.dropped)
	return h
}

func (h *Hub) dropped() {
	h.metric.Dropped()
}

// SetOutValue implements Wire.
func (h *Hub) SetOutValue(set detection.Set) {
	h.mu.Lock()
	h.value = set.Clone()
	h.mu.Unlock()
	h.wire.send(set)
}

// SendPacket implements Pipe.
func (h *Hub) SendPacket(batch detection.RecognizedObjects) {
	h.pipe.send(batch)
}

// OutValue returns a copy of the most recent wire value.
func (h *Hub) OutValue() detection.Set {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value.Clone()
}

// Subscribe returns a channel receiving every streamed batch. Batches are
// dropped for a subscriber whose queue is full. The id is passed to
// Unsubscribe.
func (h *Hub) Subscribe() (string, <-chan detection.RecognizedObjects) {
	return h.pipe.subscribe()
}

// Unsubscribe closes and removes a batch subscription.
func (h *Hub) Unsubscribe(id string) {
	h.pipe.unsubscribe(id)
}

// SubscribeWire returns a channel that always holds the newest wire value.
func (h *Hub) SubscribeWire() (string, <-chan detection.Set) {
	return h.wire.subscribe()
}

// UnsubscribeWire closes and removes a wire subscription.
func (h *Hub) UnsubscribeWire(id string) {
	h.wire.unsubscribe(id)
}

// Subscribers reports the number of batch and wire subscribers.
func (h *Hub) Subscribers() (pipe, wire int) {
	return h.pipe.len(), h.wire.len()
}

// Close closes every subscriber channel. Later subscriptions receive an
// already closed channel.
func (h *Hub) Close() {
	h.pipe.close()
	h.wire.close()
}
