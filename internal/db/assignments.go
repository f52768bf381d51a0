package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fleettrack/internal/assignment"
)

const assignmentCols = `id, student_id, route_id, effective_date, end_date, status, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssignment(r rowScanner) (assignment.Assignment, error) {
	var a assignment.Assignment
	var eff, created, updated string
	var end sql.NullString
	if err := r.Scan(&a.ID, &a.StudentID, &a.RouteID, &eff, &end, &a.Status, &a.Version, &created, &updated); err != nil {
		return a, err
	}
	var err error
	if a.EffectiveDate, err = time.Parse(time.DateOnly, eff); err != nil {
		return a, fmt.Errorf("parse effective_date %q: %w", eff, err)
	}
	if a.EndDate, err = parseDatePtr(end); err != nil {
		return a, fmt.Errorf("parse end_date %q: %w", end.String, err)
	}
	if a.CreatedAt, err = parseTime(created); err != nil {
		return a, err
	}
	if a.UpdatedAt, err = parseTime(updated); err != nil {
		return a, err
	}
	return a, nil
}

func (s *Store) GetAssignment(ctx context.Context, id string) (assignment.Assignment, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+assignmentCols+` FROM assignments WHERE id = ?`), id)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("assignment %s: %w", id, assignment.ErrNotFound)
	}
	if err != nil {
		return a, fmt.Errorf("query assignment: %w", err)
	}
	return a, nil
}

func (s *Store) ListAssignmentsByStudent(ctx context.Context, studentID string) ([]assignment.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+assignmentCols+` FROM assignments WHERE student_id = ? ORDER BY effective_date, id`), studentID)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()
	var out []assignment.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) CreateAssignment(ctx context.Context, a assignment.Assignment) error {
	_, err := s.exec(ctx, `INSERT INTO assignments (`+assignmentCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.StudentID, a.RouteID, fmtDate(a.EffectiveDate), fmtDatePtr(a.EndDate), string(a.Status), a.Version,
		fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

// UpdateAssignment writes a only if the stored version is still expectedVersion.
func (s *Store) UpdateAssignment(ctx context.Context, a assignment.Assignment, expectedVersion int) error {
	res, err := s.exec(ctx, `
UPDATE assignments SET route_id = ?, effective_date = ?, end_date = ?, status = ?, version = ?, updated_at = ?
WHERE id = ? AND version = ?`,
		a.RouteID, fmtDate(a.EffectiveDate), fmtDatePtr(a.EndDate), string(a.Status), a.Version, fmtTime(a.UpdatedAt),
		a.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update assignment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetAssignment(ctx, a.ID); err != nil {
			return err
		}
		return assignment.ErrVersionConflict
	}
	return nil
}
