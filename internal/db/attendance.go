package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fleettrack/internal/attendance"
	"fleettrack/internal/geo"
)

const eventCols = `id, student_id, route_id, assignment_id, event_date, session, event_type, scheduled_time, actual_time,
present, status, location, coordinates, notes, notification_sent, updated_at`

func (s *Store) GetEvent(ctx context.Context, id string) (attendance.Event, error) {
	var (
		e                        attendance.Event
		date, updated, notes     string
		scheduled, actual, coord sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT `+eventCols+` FROM attendance_events WHERE id = ?`), id).
		Scan(&e.ID, &e.StudentID, &e.RouteID, &e.AssignmentID, &date, &e.Session, &e.EventType, &scheduled, &actual,
			&e.Present, &e.Status, &e.Location, &coord, &notes, &e.NotificationSent, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("event %s: %w", id, attendance.ErrNotFound)
	}
	if err != nil {
		return e, fmt.Errorf("query event: %w", err)
	}
	if e.Date, err = time.Parse(time.DateOnly, date); err != nil {
		return e, fmt.Errorf("parse event_date %q: %w", date, err)
	}
	if e.ScheduledTime, err = parseTimePtr(scheduled); err != nil {
		return e, err
	}
	if e.ActualTime, err = parseTimePtr(actual); err != nil {
		return e, err
	}
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return e, err
	}
	if coord.Valid && coord.String != "" {
		var c geo.LatLng
		if err := fromJSON(coord.String, &c); err != nil {
			return e, fmt.Errorf("decode coordinates: %w", err)
		}
		e.Coordinates = &c
	}
	if err := fromJSON(notes, &e.Notes); err != nil {
		return e, fmt.Errorf("decode notes: %w", err)
	}
	if len(e.Notes) == 0 {
		e.Notes = nil
	}
	return e, nil
}

func eventArgs(e attendance.Event) ([]any, error) {
	notes, err := toJSON(e.Notes)
	if err != nil {
		return nil, err
	}
	if e.Notes == nil {
		notes = "[]"
	}
	var coord sql.NullString
	if e.Coordinates != nil {
		c, err := toJSON(e.Coordinates)
		if err != nil {
			return nil, err
		}
		coord = sql.NullString{String: c, Valid: true}
	}
	return []any{
		e.ID, e.StudentID, e.RouteID, e.AssignmentID, fmtDate(e.Date), string(e.Session), string(e.EventType),
		fmtTimePtr(e.ScheduledTime), fmtTimePtr(e.ActualTime), e.Present, string(e.Status), e.Location, coord, notes,
		e.NotificationSent, fmtTime(e.UpdatedAt),
	}, nil
}

// CreateEvent inserts a materialized event. It fails with
// attendance.ErrDuplicateEvent when the assignment already has an event of
// that type on that date and session.
func (s *Store) CreateEvent(ctx context.Context, e attendance.Event) error {
	args, err := eventArgs(e)
	if err != nil {
		return err
	}
	args = append(args, string(e.EventType))
	res, err := s.exec(ctx, `INSERT INTO attendance_events (`+eventCols+`, planned_type)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (assignment_id, event_date, session, planned_type) DO NOTHING`, args...)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return attendance.ErrDuplicateEvent
	}
	return nil
}

// SaveEvent rewrites the mutable columns of an existing event.
func (s *Store) SaveEvent(ctx context.Context, e attendance.Event) error {
	args, err := eventArgs(e)
	if err != nil {
		return err
	}
	// drop identity columns, keep the mutable tail
	mutable := append(args[6:], e.ID)
	res, err := s.exec(ctx, `
UPDATE attendance_events SET event_type = ?, scheduled_time = ?, actual_time = ?, present = ?, status = ?,
location = ?, coordinates = ?, notes = ?, notification_sent = ?, updated_at = ?
WHERE id = ?`, mutable...)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("event %s: %w", e.ID, attendance.ErrNotFound)
	}
	return nil
}

func (s *Store) GetStudentProfile(ctx context.Context, studentID string) (attendance.StudentProfile, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT profile FROM student_profiles WHERE student_id = ?`), studentID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.StudentProfile{}, fmt.Errorf("profile %s: %w", studentID, attendance.ErrNotFound)
	}
	if err != nil {
		return attendance.StudentProfile{}, fmt.Errorf("query profile: %w", err)
	}
	var p attendance.StudentProfile
	if err := fromJSON(raw, &p); err != nil {
		return p, fmt.Errorf("decode profile %s: %w", studentID, err)
	}
	return p, nil
}

// PutStudentProfile inserts or replaces a profile.
func (s *Store) PutStudentProfile(ctx context.Context, p attendance.StudentProfile) error {
	if p.SchemaVersion == 0 {
		p.SchemaVersion = attendance.ProfileSchemaVersion
	}
	raw, err := toJSON(p)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
INSERT INTO student_profiles (student_id, profile) VALUES (?, ?)
ON CONFLICT (student_id) DO UPDATE SET profile = excluded.profile`, p.StudentID, raw)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}
