package attendance

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"fleettrack/internal/geo"
)

type Session string

const (
	SessionMorning   Session = "morning"
	SessionAfternoon Session = "afternoon"
)

type EventType string

const (
	EventPickup         EventType = "pickup"
	EventDropoff        EventType = "dropoff"
	EventNoShow         EventType = "no_show"
	EventEarlyDismissal EventType = "early_dismissal"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusMissed    Status = "missed"
	StatusCancelled Status = "cancelled"
)

var (
	ErrNotFound       = errors.New("attendance event not found")
	ErrDuplicateEvent = errors.New("attendance event already materialized")
	ErrImmutable      = errors.New("attendance event is final")
	ErrInvalidReason  = errors.New("invalid absence reason")
)

// Event is one scheduled pickup or dropoff and its observed outcome.
type Event struct {
	ID               string      `json:"id"`
	StudentID        string      `json:"studentId"`
	RouteID          string      `json:"routeId"`
	AssignmentID     string      `json:"assignmentId"`
	Date             time.Time   `json:"date"`
	Session          Session     `json:"session"`
	EventType        EventType   `json:"eventType"`
	ScheduledTime    *time.Time  `json:"scheduledTime,omitempty"`
	ActualTime       *time.Time  `json:"actualTime,omitempty"`
	Present          bool        `json:"present"`
	Status           Status      `json:"status"`
	Location         string      `json:"location,omitempty"`
	Coordinates      *geo.LatLng `json:"coordinates,omitempty"`
	Notes            []string    `json:"notes,omitempty"` // append-only audit trail
	NotificationSent bool        `json:"notificationSent"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// Classification derives the delay label from the event's times.
func (e *Event) Classification() Classification {
	return Classify(e.ScheduledTime, e.ActualTime)
}

// MarkPresent records the student as present at now. Marking an already
// completed event again overwrites ActualTime and reports repeated=true.
func (e *Event) MarkPresent(now time.Time, location string, coords *geo.LatLng) (repeated bool, err error) {
	if e.Status == StatusCancelled {
		return false, fmt.Errorf("mark present %s: %w", e.ID, ErrImmutable)
	}
	repeated = e.Status == StatusCompleted
	t := now.UTC()
	e.Present = true
	e.ActualTime = &t
	e.Status = StatusCompleted
	if location != "" {
		e.Location = location
	}
	if coords != nil {
		c := *coords
		e.Coordinates = &c
	}
	e.UpdatedAt = t
	return repeated, nil
}

// MarkAbsent records a no-show (the default) or an early dismissal.
func (e *Event) MarkAbsent(now time.Time, reason EventType) error {
	if reason == "" {
		reason = EventNoShow
	}
	if reason != EventNoShow && reason != EventEarlyDismissal {
		return fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}
	if e.Status == StatusCompleted || e.Status == StatusCancelled {
		return fmt.Errorf("mark absent %s (%s): %w", e.ID, e.Status, ErrImmutable)
	}
	e.Present = false
	e.EventType = reason
	e.Status = StatusMissed
	e.AppendNote(string(reason))
	e.UpdatedAt = now.UTC()
	return nil
}

// Cancel makes the event terminal.
func (e *Event) Cancel(now time.Time, reason string) error {
	if e.Status == StatusCompleted || e.Status == StatusCancelled {
		return fmt.Errorf("cancel %s (%s): %w", e.ID, e.Status, ErrImmutable)
	}
	e.Status = StatusCancelled
	if reason = strings.TrimSpace(reason); reason != "" {
		e.AppendNote("cancelled: " + reason)
	}
	e.UpdatedAt = now.UTC()
	return nil
}

// AppendNote adds to the audit trail. Notes are allowed in every status.
func (e *Event) AppendNote(note string) {
	note = strings.TrimSpace(note)
	if note == "" {
		return
	}
	e.Notes = append(e.Notes, note)
}

// AffectsSafetyCompliance is true for an absent special-needs student whose
// guardians have not been told yet. Computed on read, never stored.
func (e *Event) AffectsSafetyCompliance(p StudentProfile) bool {
	return p.HasSpecialNeeds && !e.Present && !e.NotificationSent
}

// NotificationWarranted reports whether guardians should hear about the event.
func NotificationWarranted(e *Event) bool {
	switch {
	case e.Status == StatusCancelled || e.Status == StatusScheduled:
		return false
	case e.Status == StatusMissed, e.EventType == EventEarlyDismissal:
		return true
	}
	l := e.Classification().Label
	return l == LabelLate || l == LabelVeryLate
}

// Record is an event with its derived fields, as served to clients.
type Record struct {
	Event
	Classification
	DisplayLabel            string `json:"displayLabel"`
	AffectsSafetyCompliance bool   `json:"affectsSafetyCompliance"`
}

// NewRecord derives the read model of e for the given student profile.
func NewRecord(e Event, p StudentProfile) Record {
	c := e.Classification()
	return Record{
		Event:                   e,
		Classification:          c,
		DisplayLabel:            c.DisplayLabel(),
		AffectsSafetyCompliance: e.AffectsSafetyCompliance(p),
	}
}
