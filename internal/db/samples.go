package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fleettrack/internal/ingest"
)

var ErrNoSample = errors.New("no position sample")

// SaveSample stores an accepted sample. Replays of the same id are ignored.
func (s *Store) SaveSample(ctx context.Context, p ingest.PositionSample) error {
	_, err := s.exec(ctx, `
INSERT INTO position_samples (id, vehicle_id, trip_id, lat, lng, speed_mps, heading, altitude, accuracy, captured_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`,
		p.ID, p.VehicleID, p.TripID, p.Latitude, p.Longitude, p.SpeedMps, p.Heading, p.Altitude, p.Accuracy, fmtTime(p.CapturedAt))
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// LatestSample returns the most recent sample of a vehicle.
func (s *Store) LatestSample(ctx context.Context, vehicleID string) (ingest.PositionSample, error) {
	var p ingest.PositionSample
	var captured string
	err := s.db.QueryRowContext(ctx, s.q(`
SELECT id, vehicle_id, trip_id, lat, lng, speed_mps, heading, altitude, accuracy, captured_at
FROM position_samples WHERE vehicle_id = ? ORDER BY captured_at DESC LIMIT 1`), vehicleID).
		Scan(&p.ID, &p.VehicleID, &p.TripID, &p.Latitude, &p.Longitude, &p.SpeedMps, &p.Heading, &p.Altitude, &p.Accuracy, &captured)
	if errors.Is(err, sql.ErrNoRows) {
		return ingest.PositionSample{}, ErrNoSample
	}
	if err != nil {
		return ingest.PositionSample{}, fmt.Errorf("query latest sample: %w", err)
	}
	if p.CapturedAt, err = parseTime(captured); err != nil {
		return ingest.PositionSample{}, fmt.Errorf("parse captured_at %q: %w", captured, err)
	}
	return p, nil
}
