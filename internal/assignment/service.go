package assignment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fleettrack/internal/keylock"
)

var (
	ErrConflictDetected = errors.New("assignment conflict detected")
	ErrNotFound         = errors.New("assignment not found")
	ErrVersionConflict  = errors.New("assignment was modified concurrently")
	ErrInactive         = errors.New("assignment is inactive")
	ErrInvalidRange     = errors.New("end date before effective date")
)

// ConflictError carries the complete list of overlapping assignments.
type ConflictError struct {
	Candidate Assignment
	Conflicts []Assignment
}

func (e *ConflictError) Error() string {
	ids := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		ids[i] = c.ID
	}
	return fmt.Sprintf("%s: student %s overlaps %s", ErrConflictDetected, e.Candidate.StudentID, strings.Join(ids, ","))
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflictDetected }

// Policy decides what a detected conflict does to the write.
type Policy string

const (
	PolicyBlock Policy = "block"
	PolicyWarn  Policy = "warn"
)

// Repository stores assignments. UpdateAssignment must fail with
// ErrVersionConflict when the stored version differs from expectedVersion.
type Repository interface {
	GetAssignment(ctx context.Context, id string) (Assignment, error)
	ListAssignmentsByStudent(ctx context.Context, studentID string) ([]Assignment, error)
	CreateAssignment(ctx context.Context, a Assignment) error
	UpdateAssignment(ctx context.Context, a Assignment, expectedVersion int) error
}

// Observer counts detected conflicts; may be nil.
type Observer interface {
	ObserveConflicts(policy string, n int)
}

// Input is the user-editable part of an assignment.
type Input struct {
	StudentID     string     `json:"studentId" validate:"required"`
	RouteID       string     `json:"routeId" validate:"required"`
	EffectiveDate time.Time  `json:"effectiveDate" validate:"required"`
	EndDate       *time.Time `json:"endDate,omitempty"`
}

// Result is a committed assignment plus the conflicts tolerated under PolicyWarn.
type Result struct {
	Assignment Assignment   `json:"assignment"`
	Conflicts  []Assignment `json:"conflicts,omitempty"`
}

// Service runs the save workflow. Writes for one student are serialized in
// process; the repository's version check covers other processes.
type Service struct {
	repo     Repository
	policy   Policy
	log      logrus.FieldLogger
	observer Observer
	now      func() time.Time
	validate *validator.Validate
	locks    keylock.Map
}

func NewService(repo Repository, policy Policy, log logrus.FieldLogger, observer Observer) *Service {
	if policy != PolicyWarn {
		policy = PolicyBlock
	}
	return &Service{repo: repo, policy: policy, log: log, observer: observer, now: time.Now, validate: validator.New()}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Create(ctx context.Context, in Input) (Result, error) {
	if err := s.validate.Struct(in); err != nil {
		return Result{}, fmt.Errorf("invalid assignment: %w", err)
	}
	now := s.now().UTC()
	a := Assignment{
		ID:            uuid.NewString(),
		StudentID:     strings.TrimSpace(in.StudentID),
		RouteID:       strings.TrimSpace(in.RouteID),
		EffectiveDate: Day(in.EffectiveDate),
		EndDate:       dayPtr(in.EndDate),
		Status:        StatusActive,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := checkRange(a); err != nil {
		return Result{}, err
	}

	unlock := s.locks.Lock(a.StudentID)
	defer unlock()

	conflicts, err := s.check(ctx, a)
	if err != nil {
		return Result{}, err
	}
	if err := s.repo.CreateAssignment(ctx, a); err != nil {
		return Result{}, fmt.Errorf("create assignment: %w", err)
	}
	return Result{Assignment: a, Conflicts: conflicts}, nil
}

// Update replaces route and dates of an assignment. The student cannot change.
func (s *Service) Update(ctx context.Context, id string, in Input, version int) (Result, error) {
	if err := s.validate.Struct(in); err != nil {
		return Result{}, fmt.Errorf("invalid assignment: %w", err)
	}
	return s.modify(ctx, id, version, func(a *Assignment) error {
		if strings.TrimSpace(in.StudentID) != a.StudentID {
			return fmt.Errorf("assignment %s belongs to student %s", a.ID, a.StudentID)
		}
		a.RouteID = strings.TrimSpace(in.RouteID)
		a.EffectiveDate = Day(in.EffectiveDate)
		a.EndDate = dayPtr(in.EndDate)
		return nil
	})
}

// Extend moves the end date; nil makes the assignment open-ended.
func (s *Service) Extend(ctx context.Context, id string, end *time.Time, version int) (Result, error) {
	return s.modify(ctx, id, version, func(a *Assignment) error {
		if a.Status == StatusInactive {
			return fmt.Errorf("extend %s: %w", a.ID, ErrInactive)
		}
		a.EndDate = dayPtr(end)
		return nil
	})
}

// Deactivate ends the soft lifecycle of an assignment. It never conflicts.
func (s *Service) Deactivate(ctx context.Context, id string, version int) (Assignment, error) {
	res, err := s.modify(ctx, id, version, func(a *Assignment) error {
		a.Status = StatusInactive
		return nil
	})
	return res.Assignment, err
}

func (s *Service) modify(ctx context.Context, id string, version int, mutate func(*Assignment) error) (Result, error) {
	current, err := s.repo.GetAssignment(ctx, id)
	if err != nil {
		return Result{}, err
	}
	unlock := s.locks.Lock(current.StudentID)
	defer unlock()

	// reload under the lock
	current, err = s.repo.GetAssignment(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if version != 0 && version != current.Version {
		return Result{}, fmt.Errorf("assignment %s at version %d, got %d: %w", id, current.Version, version, ErrVersionConflict)
	}
	next := current
	if err := mutate(&next); err != nil {
		return Result{}, err
	}
	if err := checkRange(next); err != nil {
		return Result{}, err
	}

	var conflicts []Assignment
	if next.Status == StatusActive {
		if conflicts, err = s.check(ctx, next); err != nil {
			return Result{}, err
		}
	}
	next.Version = current.Version + 1
	next.UpdatedAt = s.now().UTC()
	if err := s.repo.UpdateAssignment(ctx, next, current.Version); err != nil {
		return Result{}, fmt.Errorf("update assignment %s: %w", id, err)
	}
	return Result{Assignment: next, Conflicts: conflicts}, nil
}

// check loads the student's snapshot and applies the conflict policy.
func (s *Service) check(ctx context.Context, a Assignment) ([]Assignment, error) {
	existing, err := s.repo.ListAssignmentsByStudent(ctx, a.StudentID)
	if err != nil {
		return nil, fmt.Errorf("list assignments for %s: %w", a.StudentID, err)
	}
	conflicts := FindConflicts(a, existing)
	if len(conflicts) == 0 {
		return nil, nil
	}
	if s.observer != nil {
		s.observer.ObserveConflicts(string(s.policy), len(conflicts))
	}
	fields := logrus.Fields{"student_id": a.StudentID, "route_id": a.RouteID, "conflicts": len(conflicts)}
	if s.policy == PolicyWarn {
		s.log.WithFields(fields).Warn("saving overlapping assignment")
		return conflicts, nil
	}
	s.log.WithFields(fields).Info("assignment blocked by conflict")
	return nil, &ConflictError{Candidate: a, Conflicts: conflicts}
}

func checkRange(a Assignment) error {
	if a.EndDate != nil && a.EndDate.Before(a.EffectiveDate) {
		return fmt.Errorf("%w: %s < %s", ErrInvalidRange, a.EndDate.Format(time.DateOnly), a.EffectiveDate.Format(time.DateOnly))
	}
	return nil
}

func dayPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	d := Day(*t)
	return &d
}
