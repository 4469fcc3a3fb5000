// Package sqlite persists tracker output so runs can be inspected after
// the fact. The schema is created inline on open; there is a single small
// table and no migration history to manage.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/metro-edge/fusionkit/internal/radar"
)

// TrackStore writes one row per ACTIVE track per frame.
type TrackStore struct {
	db *sql.DB
}

// Open opens (or creates) the store at path. Use ":memory:" in tests.
func Open(path string) (*TrackStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open track store: %w", err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS radar_track_observations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stream_id INTEGER NOT NULL,
			frame_id INTEGER NOT NULL,
			tracker_id INTEGER NOT NULL,
			state TEXT NOT NULL,
			x DOUBLE NOT NULL,
			y DOUBLE NOT NULL,
			vx DOUBLE NOT NULL,
			vy DOUBLE NOT NULL,
			x_size DOUBLE NOT NULL,
			y_size DOUBLE NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_track_obs_stream_frame
			ON radar_track_observations(stream_id, frame_id);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create track store schema: %w", err)
	}
	return &TrackStore{db: db}, nil
}

// Close releases the database handle.
func (s *TrackStore) Close() error { return s.db.Close() }

// Observation is one persisted track sample.
type Observation struct {
	StreamID  uint32
	FrameID   uint32
	TrackerID int
	State     string
	X, Y      float64
	VX, VY    float64
	XSize     float64
	YSize     float64
}

// InsertFrame writes every reported track of one frame.
func (s *TrackStore) InsertFrame(streamID, frameID uint32, out *radar.TrackerOutput) error {
	if out == nil || len(out.Tracks) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin insert frame: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO radar_track_observations (
			stream_id, frame_id, tracker_id, state, x, y, vx, vy, x_size, y_size
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, tr := range out.Tracks {
		if _, err := stmt.Exec(
			streamID, frameID, tr.TrackerID, tr.State.String(),
			tr.S[0], tr.S[1], tr.S[2], tr.S[3], tr.XSize, tr.YSize,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert track observation: %w", err)
		}
	}
	return tx.Commit()
}

// ObservationsInRange returns observations for a stream between two frame
// ids inclusive, ordered by frame then tracker.
func (s *TrackStore) ObservationsInRange(streamID, fromFrame, toFrame uint32, limit int) ([]Observation, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(`
		SELECT stream_id, frame_id, tracker_id, state, x, y, vx, vy, x_size, y_size
		FROM radar_track_observations
		WHERE stream_id = ? AND frame_id BETWEEN ? AND ?
		ORDER BY frame_id, tracker_id
		LIMIT ?
	`, streamID, fromFrame, toFrame, limit)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var o Observation
		if err := rows.Scan(
			&o.StreamID, &o.FrameID, &o.TrackerID, &o.State,
			&o.X, &o.Y, &o.VX, &o.VY, &o.XSize, &o.YSize,
		); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// PruneBefore removes observations older than the given frame id on every
// stream, bounding storage growth on long captures.
func (s *TrackStore) PruneBefore(frameID uint32) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM radar_track_observations WHERE frame_id < ?`, frameID)
	if err != nil {
		return 0, fmt.Errorf("prune observations: %w", err)
	}
	return res.RowsAffected()
}
