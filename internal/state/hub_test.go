package state

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vision-bridge/internal/detection"
	"github.com/banshee-data/vision-bridge/internal/monitoring"
)

func TestHub_SubscribeReceivesBatchesInOrder(t *testing.T) {
	h := NewHub()
	id, ch := h.Subscribe()
	defer h.Unsubscribe(id)

	for i := uint64(0); i < 3; i++ {
		b, _ := snapshot(i, "A")
		h.SendPacket(b)
	}

	for want := uint64(0); want < 3; want++ {
		select {
		case got := <-ch:
			assert.Equal(t, want, got.Header.Seq)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for batch %d", want)
		}
	}
}

func TestHub_FullPipeDropsWithoutBlocking(t *testing.T) {
	m := monitoring.NewMetrics(nil)
	h := NewHub(WithPipeBuffer(1), WithHubMetrics(m))
	_, ch := h.Subscribe()

	b0, _ := snapshot(0, "A")
	b1, _ := snapshot(1, "A")
	h.SendPacket(b0)
	h.SendPacket(b1) // must not block

	got := <-ch
	assert.Equal(t, uint64(0), got.Header.Seq)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UpdatesDropped))
}

func TestHub_WireKeepsLatestValue(t *testing.T) {
	h := NewHub()
	id, ch := h.SubscribeWire()
	defer h.UnsubscribeWire(id)

	_, s0 := snapshot(0, "A")
	_, s1 := snapshot(1, "B")
	h.SetOutValue(s0)
	h.SetOutValue(s1)

	got := <-ch
	assert.Contains(t, got, "B")
	assert.NotContains(t, got, "A")
	assert.Contains(t, h.OutValue(), "B")
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	id, ch := h.Subscribe()
	pipe, wire := h.Subscribers()
	require.Equal(t, 1, pipe)
	require.Equal(t, 0, wire)

	h.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)

	// unknown ids are ignored
	h.Unsubscribe("nope")
}

func TestHub_CloseClosesAllAndLaterSubscriptions(t *testing.T) {
	h := NewHub()
	_, a := h.Subscribe()
	_, w := h.SubscribeWire()

	h.Close()
	_, ok := <-a
	assert.False(t, ok)
	_, ok = <-w
	assert.False(t, ok)

	_, late := h.Subscribe()
	_, ok = <-late
	assert.False(t, ok)

	h.Close() // idempotent
}

func TestHub_SubscribersGetIndependentCopies(t *testing.T) {
	h := NewHub()
	_, a := h.Subscribe()
	_, b := h.Subscribe()

	batch, _ := snapshot(0, "A")
	h.SendPacket(batch)

	first := <-a
	second := <-b
	first.Objects[0].Name = "changed"
	assert.Equal(t, "A", second.Objects[0].Name)
	assert.Equal(t, "A", batch.Objects[0].Name)
}

func TestHub_AsPublisherOutputs(t *testing.T) {
	p := NewPublisher()
	h := NewHub()
	p.Attach(h, h)
	_, ch := h.Subscribe()

	b, s := snapshot(9, "A")
	p.Publish(b, s)

	got := <-ch
	assert.Equal(t, uint64(9), got.Header.Seq)
	assert.Equal(t, detection.Set{"A": s["A"]}, h.OutValue())
}
