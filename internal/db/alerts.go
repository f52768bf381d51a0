package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fleettrack/internal/alert"
)

const alertCols = `id, kind, severity, state, vehicle_id, stop_key, level, distance_km, eta_minutes, title, message,
meta, recipients, deliveries, delivery_pending, attempts, raised_at, updated_at, acknowledged_at, acknowledged_by,
closed_at, closed_by`

func scanAlert(r rowScanner) (alert.Record, error) {
	var (
		a                    alert.Record
		meta, rcpts, dels    string
		raised, updated      string
		acknowledged, closed sql.NullString
	)
	err := r.Scan(&a.ID, &a.Kind, &a.Severity, &a.State, &a.VehicleID, &a.StopKey, &a.Level, &a.DistanceKm, &a.ETAMinutes,
		&a.Title, &a.Message, &meta, &rcpts, &dels, &a.DeliveryPending, &a.Attempts, &raised, &updated,
		&acknowledged, &a.AcknowledgedBy, &closed, &a.ClosedBy)
	if err != nil {
		return a, err
	}
	if err := fromJSON(meta, &a.Meta); err != nil {
		return a, fmt.Errorf("decode meta: %w", err)
	}
	if err := fromJSON(rcpts, &a.Recipients); err != nil {
		return a, fmt.Errorf("decode recipients: %w", err)
	}
	if err := fromJSON(dels, &a.Deliveries); err != nil {
		return a, fmt.Errorf("decode deliveries: %w", err)
	}
	if a.RaisedAt, err = parseTime(raised); err != nil {
		return a, err
	}
	if a.UpdatedAt, err = parseTime(updated); err != nil {
		return a, err
	}
	if a.AcknowledgedAt, err = parseTimePtr(acknowledged); err != nil {
		return a, err
	}
	if a.ClosedAt, err = parseTimePtr(closed); err != nil {
		return a, err
	}
	return a, nil
}

func alertArgs(a alert.Record) ([]any, error) {
	meta, err := toJSON(a.Meta)
	if err != nil {
		return nil, err
	}
	rcpts, err := toJSON(a.Recipients)
	if err != nil {
		return nil, err
	}
	dels, err := toJSON(a.Deliveries)
	if err != nil {
		return nil, err
	}
	return []any{
		a.ID, string(a.Kind), string(a.Severity), string(a.State), a.VehicleID, a.StopKey, string(a.Level),
		a.DistanceKm, a.ETAMinutes, a.Title, a.Message, meta, rcpts, dels, a.DeliveryPending, a.Attempts,
		fmtTime(a.RaisedAt), fmtTime(a.UpdatedAt), fmtTimePtr(a.AcknowledgedAt), a.AcknowledgedBy,
		fmtTimePtr(a.ClosedAt), a.ClosedBy,
	}, nil
}

func (s *Store) CreateAlert(ctx context.Context, a alert.Record) error {
	args, err := alertArgs(a)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO alerts (`+alertCols+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *Store) SaveAlert(ctx context.Context, a alert.Record) error {
	args, err := alertArgs(a)
	if err != nil {
		return err
	}
	// id moves from the front to the WHERE clause
	args = append(args[1:], a.ID)
	res, err := s.exec(ctx, `
UPDATE alerts SET kind = ?, severity = ?, state = ?, vehicle_id = ?, stop_key = ?, level = ?, distance_km = ?,
eta_minutes = ?, title = ?, message = ?, meta = ?, recipients = ?, deliveries = ?, delivery_pending = ?, attempts = ?,
raised_at = ?, updated_at = ?, acknowledged_at = ?, acknowledged_by = ?, closed_at = ?, closed_by = ?
WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("alert %s: %w", a.ID, alert.ErrNotFound)
	}
	return nil
}

func (s *Store) GetAlert(ctx context.Context, id string) (alert.Record, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx, s.q(`SELECT `+alertCols+` FROM alerts WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("alert %s: %w", id, alert.ErrNotFound)
	}
	if err != nil {
		return a, fmt.Errorf("query alert: %w", err)
	}
	return a, nil
}

// ListPendingDeliveries returns records still owed a delivery attempt, oldest first.
func (s *Store) ListPendingDeliveries(ctx context.Context, maxAttempts, limit int) ([]alert.Record, error) {
	return s.queryAlerts(ctx, `SELECT `+alertCols+` FROM alerts
WHERE delivery_pending = ? AND attempts < ? ORDER BY raised_at LIMIT ?`, true, maxAttempts, limit)
}

// AlertFilter narrows ListAlerts. Zero fields match everything.
type AlertFilter struct {
	VehicleID string
	State     alert.State
	Limit     int
}

// ListAlerts returns the newest alerts matching f.
func (s *Store) ListAlerts(ctx context.Context, f AlertFilter) ([]alert.Record, error) {
	query := `SELECT ` + alertCols + ` FROM alerts WHERE 1 = 1`
	var args []any
	if f.VehicleID != "" {
		query += ` AND vehicle_id = ?`
		args = append(args, f.VehicleID)
	}
	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, string(f.State))
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	query += ` ORDER BY raised_at DESC LIMIT ?`
	args = append(args, f.Limit)
	return s.queryAlerts(ctx, query, args...)
}

func (s *Store) queryAlerts(ctx context.Context, query string, args ...any) ([]alert.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()
	var out []alert.Record
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
