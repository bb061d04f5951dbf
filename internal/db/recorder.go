package db

import (
	"context"

	"github.com/banshee-data/vision-bridge/internal/detection"
	"github.com/banshee-data/vision-bridge/internal/monitoring"
)

// BatchSource is the streamed output the recorder listens to, usually a
// *state.Hub.
type BatchSource interface {
	Subscribe() (string, <-chan detection.RecognizedObjects)
	Unsubscribe(id string)
}

// pruneEvery is how many inserts pass between retention sweeps.
const pruneEvery = 256

// Recorder writes every streamed batch to the database.
type Recorder struct {
	db     *DB
	source BatchSource
	keep   int
}

// NewRecorder returns a Recorder. keep > 0 limits the history to the newest
// keep batches.
func NewRecorder(db *DB, source BatchSource, keep int) *Recorder {
	return &Recorder{db: db, source: source, keep: keep}
}

// Run records batches until ctx is cancelled or the source closes. Write
// failures are logged and the batch is dropped.
func (r *Recorder) Run(ctx context.Context) error {
	id, ch := r.source.Subscribe()
	defer r.source.Unsubscribe(id)
	monitoring.Logf("[recorder] recording detection history")

	inserted := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case batch, ok := <-ch:
			if !ok {
				return nil
			}
			if _, err := r.db.RecordBatch(ctx, batch); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				monitoring.Warnf("[recorder] seq %d not stored: %v", batch.Header.Seq, err)
				continue
			}
			inserted++
			if r.keep > 0 && inserted%pruneEvery == 0 {
				if _, err := r.db.Prune(ctx, r.keep); err != nil {
					monitoring.Warnf("[recorder] %v", err)
				}
			}
		}
	}
}
