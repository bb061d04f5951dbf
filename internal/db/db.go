// Package db stores the history of published detection batches in sqlite.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/vision-bridge/internal/detection"
)

type DB struct {
	*sql.DB
}

// OpenDB opens (creating if needed) the sqlite database at path. Migrations
// are not applied; call MigrateUp.
func OpenDB(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &DB{db}, nil
}

// NewDB opens the database at path and brings its schema up to date.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// HistoryRecord is one stored batch. Objects are rebuilt from the batch
// poses, so Angle is the pose heading in degrees normalised to (-180, 180]
// rather than the sensor's raw value: 270 is stored as -90.
type HistoryRecord struct {
	ID         int64                      `json:"id"`
	Seq        uint64                     `json:"seq"`
	CapturedAt time.Time                  `json:"captured_at"`
	Device     string                     `json:"device"`
	Objects    []detection.DetectedObject `json:"objects"`
}

// RecordBatch stores one batch and its objects in a single transaction.
func (db *DB) RecordBatch(ctx context.Context, batch detection.RecognizedObjects) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO records (seq, captured_at, device, object_count) VALUES (?, ?, ?, ?)`,
		int64(batch.Header.Seq), batch.Header.Timestamp.UnixNano(), batch.Header.Device.Name, len(batch.Objects),
	)
	if err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for i, o := range batch.Objects {
		pos := o.Pose.Pose.Position
		// heading of the stored pose, normalised to (-180, 180]
		angle := o.Pose.Pose.Yaw() * 180 / math.Pi
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO detections (record_id, position, name, x, y, angle, confidence) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, i, o.Name, pos.X, pos.Y, angle, o.Confidence,
		); err != nil {
			return 0, fmt.Errorf("insert detection %q: %w", o.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// RecentDetections returns up to limit stored batches, newest first.
func (db *DB) RecentDetections(ctx context.Context, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT r.record_id, r.seq, r.captured_at, r.device,
		       d.name, d.x, d.y, d.angle, d.confidence
		FROM (SELECT * FROM records ORDER BY record_id DESC LIMIT ?) r
		LEFT JOIN detections d ON d.record_id = r.record_id
		ORDER BY r.record_id DESC, d.position ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		var (
			id         int64
			seq        int64
			capturedAt int64
			device     string
			name       sql.NullString
			x, y       sql.NullFloat64
			angle      sql.NullFloat64
			confidence sql.NullFloat64
		)
		if err := rows.Scan(&id, &seq, &capturedAt, &device, &name, &x, &y, &angle, &confidence); err != nil {
			return nil, err
		}

		if len(out) == 0 || out[len(out)-1].ID != id {
			out = append(out, HistoryRecord{
				ID:         id,
				Seq:        uint64(seq),
				CapturedAt: time.Unix(0, capturedAt).UTC(),
				Device:     device,
				Objects:    []detection.DetectedObject{},
			})
		}
		if !name.Valid {
			continue
		}
		rec := &out[len(out)-1]
		rec.Objects = append(rec.Objects, detection.DetectedObject{
			Name:       name.String,
			X:          x.Float64,
			Y:          y.Float64,
			Angle:      angle.Float64,
			Confidence: confidence.Float64,
			Detected:   true,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CountRecords returns the number of stored batches.
func (db *DB) CountRecords(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n)
	return n, err
}

// Prune deletes all but the newest keep batches.
func (db *DB) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM records WHERE record_id NOT IN (
			SELECT record_id FROM records ORDER BY record_id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}
