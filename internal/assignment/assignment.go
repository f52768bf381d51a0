// Package assignment binds students to routes over date ranges and detects
// overlapping bindings before they are committed.
package assignment

import "time"

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Assignment is a time-bounded binding of a student to a route. A nil
// EndDate is open-ended. Dates are whole UTC days, both ends inclusive.
type Assignment struct {
	ID            string     `json:"id"`
	StudentID     string     `json:"studentId"`
	RouteID       string     `json:"routeId"`
	EffectiveDate time.Time  `json:"effectiveDate"`
	EndDate       *time.Time `json:"endDate,omitempty"`
	Status        Status     `json:"status"`
	Version       int        `json:"version"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Overlaps reports whether a and b share at least one day. Student and
// status are not considered.
func (a Assignment) Overlaps(b Assignment) bool {
	return !a.EffectiveDate.After(endOf(b)) && !b.EffectiveDate.After(endOf(a))
}

var forever = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

func endOf(a Assignment) time.Time {
	if a.EndDate == nil {
		return forever
	}
	return *a.EndDate
}

// FindConflicts returns every existing active assignment of the candidate's
// student whose range overlaps the candidate. The candidate's own record is
// skipped so an update does not conflict with itself. Only active
// assignments conflict, on either side of the pair.
func FindConflicts(candidate Assignment, existing []Assignment) []Assignment {
	if candidate.Status == StatusInactive {
		return nil
	}
	var out []Assignment
	for _, e := range existing {
		if e.StudentID != candidate.StudentID {
			continue
		}
		if e.Status == StatusInactive || (candidate.ID != "" && e.ID == candidate.ID) {
			continue
		}
		if candidate.Overlaps(e) {
			out = append(out, e)
		}
	}
	return out
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
