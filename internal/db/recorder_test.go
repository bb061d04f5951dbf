package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vision-bridge/internal/detection"
	"github.com/banshee-data/vision-bridge/internal/state"
)

func TestRecorder_StoresStreamedBatches(t *testing.T) {
	db := newTestDB(t)
	hub := state.NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewRecorder(db, hub, 0).Run(ctx) }()

	require.Eventually(t, func() bool {
		pipe, _ := hub.Subscribers()
		return pipe == 1
	}, 2*time.Second, time.Millisecond)

	for i := uint64(0); i < 3; i++ {
		hub.SendPacket(testBatch(i, time.Unix(100+int64(i), 0), detection.DetectedObject{Name: "A", X: float64(i)}))
	}

	require.Eventually(t, func() bool {
		n, err := db.CountRecords(context.Background())
		return err == nil && n == 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	pipe, _ := hub.Subscribers()
	assert.Zero(t, pipe, "recorder unsubscribes on exit")
}

func TestRecorder_StopsWhenSourceCloses(t *testing.T) {
	db := newTestDB(t)
	hub := state.NewHub()
	hub.Close()

	err := NewRecorder(db, hub, 10).Run(context.Background())
	assert.NoError(t, err)
}
