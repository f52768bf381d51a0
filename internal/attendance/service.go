package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fleettrack/internal/geo"
	"fleettrack/internal/keylock"
)

// Repository persists events and looks up student profiles.
type Repository interface {
	GetEvent(ctx context.Context, id string) (Event, error)
	CreateEvent(ctx context.Context, e Event) error
	SaveEvent(ctx context.Context, e Event) error
	GetStudentProfile(ctx context.Context, studentID string) (StudentProfile, error)
}

// Alerter turns attendance outcomes into alerts and guardian notifications.
// notified reports whether at least one guardian was reached.
type Alerter interface {
	AttendanceOutcome(ctx context.Context, e Event, p StudentProfile) (notified bool, err error)
}

// Planned is one event of a materialized trip schedule.
type Planned struct {
	AssignmentID  string    `json:"assignmentId" validate:"required"`
	StudentID     string    `json:"studentId" validate:"required"`
	RouteID       string    `json:"routeId" validate:"required"`
	EventType     EventType `json:"eventType" validate:"required,oneof=pickup dropoff"`
	ScheduledTime time.Time `json:"scheduledTime" validate:"required"`
}

type Service struct {
	repo     Repository
	alerts   Alerter
	log      logrus.FieldLogger
	now      func() time.Time
	validate *validator.Validate
	locks    keylock.Map
}

func NewService(repo Repository, alerts Alerter, log logrus.FieldLogger) *Service {
	return &Service{repo: repo, alerts: alerts, log: log, now: time.Now, validate: validator.New()}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Get returns the event with its derived classification.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	e, err := s.repo.GetEvent(ctx, id)
	if err != nil {
		return Record{}, err
	}
	return NewRecord(e, s.profile(ctx, e.StudentID)), nil
}

func (s *Service) MarkPresent(ctx context.Context, id, location string, coords *geo.LatLng) (Record, error) {
	return s.apply(ctx, id, true, func(e *Event) error {
		repeated, err := e.MarkPresent(s.now(), location, coords)
		if err != nil {
			return err
		}
		if repeated {
			s.log.WithFields(logrus.Fields{
				"event_id":   e.ID,
				"student_id": e.StudentID,
			}).Warn("event already completed; actual time overwritten")
		}
		return nil
	})
}

func (s *Service) MarkAbsent(ctx context.Context, id string, reason EventType) (Record, error) {
	return s.apply(ctx, id, true, func(e *Event) error {
		return e.MarkAbsent(s.now(), reason)
	})
}

func (s *Service) Cancel(ctx context.Context, id, reason string) (Record, error) {
	return s.apply(ctx, id, true, func(e *Event) error {
		return e.Cancel(s.now(), reason)
	})
}

// AddNote appends to the event's audit trail regardless of status.
func (s *Service) AddNote(ctx context.Context, id, note string) (Record, error) {
	return s.apply(ctx, id, false, func(e *Event) error {
		e.AppendNote(note)
		e.UpdatedAt = s.now().UTC()
		return nil
	})
}

// apply loads, mutates and saves one event. Outcome alerts are only
// considered when alert is set.
func (s *Service) apply(ctx context.Context, id string, alert bool, mutate func(*Event) error) (Record, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	e, err := s.repo.GetEvent(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if err := mutate(&e); err != nil {
		return Record{}, err
	}
	if err := s.repo.SaveEvent(ctx, e); err != nil {
		return Record{}, fmt.Errorf("save event %s: %w", id, err)
	}

	p := s.profile(ctx, e.StudentID)
	if alert && s.alerts != nil && !e.NotificationSent && (NotificationWarranted(&e) || e.AffectsSafetyCompliance(p)) {
		notified, err := s.alerts.AttendanceOutcome(ctx, e, p)
		if err != nil {
			s.log.WithError(err).WithField("event_id", e.ID).Error("attendance alert failed")
		}
		if notified {
			e.NotificationSent = true
			if err := s.repo.SaveEvent(ctx, e); err != nil {
				s.log.WithError(err).WithField("event_id", e.ID).Error("record notification sent")
			}
		}
	}
	return NewRecord(e, p), nil
}

func (s *Service) profile(ctx context.Context, studentID string) StudentProfile {
	p, err := s.repo.GetStudentProfile(ctx, studentID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.WithError(err).WithField("student_id", studentID).Warn("load student profile")
		}
		return StudentProfile{SchemaVersion: ProfileSchemaVersion, StudentID: studentID}
	}
	return p
}

// Materialize creates scheduled events for one trip date and session.
// Events that already exist are skipped, so re-running is harmless.
func (s *Service) Materialize(ctx context.Context, date time.Time, session Session, planned []Planned) ([]Event, error) {
	if session != SessionMorning && session != SessionAfternoon {
		return nil, fmt.Errorf("invalid session %q", session)
	}
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	var created []Event
	for i, p := range planned {
		if err := s.validate.Struct(p); err != nil {
			return created, fmt.Errorf("planned event %d: %w", i, err)
		}
		scheduled := p.ScheduledTime.UTC()
		e := Event{
			ID:            uuid.NewString(),
			StudentID:     p.StudentID,
			RouteID:       p.RouteID,
			AssignmentID:  p.AssignmentID,
			Date:          day,
			Session:       session,
			EventType:     p.EventType,
			ScheduledTime: &scheduled,
			Status:        StatusScheduled,
			UpdatedAt:     s.now().UTC(),
		}
		if err := s.repo.CreateEvent(ctx, e); err != nil {
			if errors.Is(err, ErrDuplicateEvent) {
				continue
			}
			return created, fmt.Errorf("create event for assignment %s: %w", p.AssignmentID, err)
		}
		created = append(created, e)
	}
	return created, nil
}
