// Package state holds the most recent detection snapshot and forwards each
// new one to the output channels of the hosting layer.
package state

import (
	"sync"
	"sync/atomic"

	"github.com/banshee-data/vision-bridge/internal/detection"
)

// Wire is the "latest value" output channel. It receives the flat detection
// set of every parsed record.
type Wire interface {
	SetOutValue(detection.Set)
}

// Pipe is the streamed output channel. It receives every structured batch in
// sequence order.
type Pipe interface {
	SendPacket(detection.RecognizedObjects)
}

type outputs struct {
	wire Wire
	pipe Pipe
}

// Publisher is the single-writer, multi-reader snapshot cell between the
// link's reader goroutine and everything else. The mutex is held only while
// copying in or out, never while forwarding to outputs.
type Publisher struct {
	mu        sync.Mutex
	batch     detection.RecognizedObjects
	set       detection.Set
	published bool

	out atomic.Pointer[outputs]
}

// NewPublisher returns a Publisher with nothing published and no outputs
// attached.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// Attach connects the output channels. The hosting layer usually attaches
// after the bridge has started; publishes before that only update the
// internal snapshot. Either argument may be nil.
func (p *Publisher) Attach(wire Wire, pipe Pipe) {
	p.out.Store(&outputs{wire: wire, pipe: pipe})
}

// Publish stores copies of batch and set as the latest snapshot and then
// forwards them to any attached outputs.
func (p *Publisher) Publish(batch detection.RecognizedObjects, set detection.Set) {
	stored := batch.Clone()
	storedSet := set.Clone()

	p.mu.Lock()
	p.batch = stored
	p.set = storedSet
	p.published = true
	p.mu.Unlock()

	out := p.out.Load()
	if out == nil {
		return
	}
	if out.wire != nil {
		out.wire.SetOutValue(set.Clone())
	}
	if out.pipe != nil {
		out.pipe.SendPacket(batch.Clone())
	}
}

// Read returns a copy of the latest structured batch, or an empty batch when
// nothing has been published yet.
func (p *Publisher) Read() detection.RecognizedObjects {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.published {
		return detection.EmptyRecognizedObjects()
	}
	return p.batch.Clone()
}

// Detections returns a copy of the latest flat detection set, empty when
// nothing has been published yet.
func (p *Publisher) Detections() detection.Set {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.set.Clone()
}

// Snapshot returns copies of the latest batch and set, taken together so
// that both always describe the same record.
func (p *Publisher) Snapshot() (detection.RecognizedObjects, detection.Set) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.published {
		return detection.EmptyRecognizedObjects(), detection.Set{}
	}
	return p.batch.Clone(), p.set.Clone()
}
