// Package alert turns proximity, attendance and safety conditions into alert
// records with a small lifecycle, and hands notification delivery to a
// notify.Sender without coupling the two.
package alert

import (
	"errors"
	"fmt"
	"time"

	"fleettrack/internal/attendance"
	"fleettrack/internal/eta"
	"fleettrack/internal/notify"
)

type Kind string

const (
	KindProximity  Kind = "proximity"
	KindAttendance Kind = "attendance"
	KindSafety     Kind = "safety"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type State string

const (
	StatePending      State = "pending"
	StateAcknowledged State = "acknowledged"
	StateResolved     State = "resolved"
	StateDismissed    State = "dismissed"
)

// Safety conditions.
const (
	ConditionEmergency        = "emergency"
	ConditionCritical         = "critical"
	ConditionSafetyCompliance = "safety_compliance"
)

var (
	ErrNotFound          = errors.New("alert not found")
	ErrInvalidTransition = errors.New("invalid alert transition")
	ErrLevelMismatch     = errors.New("proximity level does not match distance and eta")
)

// TransitionError names the rejected state change.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

var transitions = map[State][]State{
	StatePending:      {StateAcknowledged, StateDismissed},
	StateAcknowledged: {StateResolved, StateDismissed},
}

// Open reports whether the state is non-terminal.
func (s State) Open() bool { return s == StatePending || s == StateAcknowledged }

// Trigger is one of ProximityTrigger, AttendanceTrigger or SafetyTrigger.
type Trigger interface {
	Kind() Kind
}

// ProximityTrigger reports a vehicle's proximity to a stop. Level must come
// from eta.ClassifyProximity.
type ProximityTrigger struct {
	VehicleID  string
	StopKey    string
	Level      eta.Level
	DistanceKm float64
	ETAMinutes float64
	Recipients []notify.Target
	At         time.Time
}

func (ProximityTrigger) Kind() Kind { return KindProximity }

type AttendanceTrigger struct {
	Event   attendance.Event
	Profile attendance.StudentProfile
	At      time.Time
}

func (AttendanceTrigger) Kind() Kind { return KindAttendance }

type SafetyTrigger struct {
	Condition   string
	VehicleID   string
	StudentID   string
	RouteID     string
	EventID     string
	Description string
	Recipients  []notify.Target
	At          time.Time
}

func (SafetyTrigger) Kind() Kind { return KindSafety }

// SeverityOf is the static severity mapping.
func SeverityOf(t Trigger) Severity {
	switch t := t.(type) {
	case SafetyTrigger:
		switch t.Condition {
		case ConditionEmergency, ConditionCritical:
			return SeverityCritical
		case ConditionSafetyCompliance:
			return SeverityHigh
		}
	case AttendanceTrigger:
		switch t.Event.Classification().Label {
		case attendance.LabelVeryLate:
			return SeverityHigh
		case attendance.LabelLate:
			return SeverityMedium
		}
	}
	return SeverityLow
}

// MetaSchemaVersion is the current layout of Meta.
const MetaSchemaVersion = 1

// Meta holds the typed context of a record; Extra is the escape hatch.
type Meta struct {
	SchemaVersion int               `json:"schemaVersion"`
	StudentID     string            `json:"studentId,omitempty"`
	RouteID       string            `json:"routeId,omitempty"`
	EventID       string            `json:"eventId,omitempty"`
	Label         string            `json:"label,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Record is a persisted alert.
type Record struct {
	ID              string                  `json:"id"`
	Kind            Kind                    `json:"kind"`
	Severity        Severity                `json:"severity"`
	State           State                   `json:"state"`
	VehicleID       string                  `json:"vehicleId,omitempty"`
	StopKey         string                  `json:"stopKey,omitempty"`
	Level           eta.Level               `json:"level,omitempty"`
	DistanceKm      float64                 `json:"distanceKm,omitempty"`
	ETAMinutes      float64                 `json:"etaMinutes,omitempty"`
	Title           string                  `json:"title"`
	Message         string                  `json:"message"`
	Meta            Meta                    `json:"meta"`
	Recipients      []notify.Target         `json:"recipients,omitempty"`
	Deliveries      []notify.DeliveryResult `json:"deliveries,omitempty"`
	DeliveryPending bool                    `json:"deliveryPending"`
	Attempts        int                     `json:"attempts"`
	RaisedAt        time.Time               `json:"raisedAt"`
	UpdatedAt       time.Time               `json:"updatedAt"`
	AcknowledgedAt  *time.Time              `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy  string                  `json:"acknowledgedBy,omitempty"`
	ClosedAt        *time.Time              `json:"closedAt,omitempty"`
	ClosedBy        string                  `json:"closedBy,omitempty"`
}

// Transition moves the record to state to, stamping who and when.
func (r *Record) Transition(to State, actor string, now time.Time) error {
	allowed := false
	for _, s := range transitions[r.State] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return &TransitionError{From: r.State, To: to}
	}
	t := now.UTC()
	r.State = to
	r.UpdatedAt = t
	if to == StateAcknowledged {
		r.AcknowledgedAt = &t
		r.AcknowledgedBy = actor
	} else {
		r.ClosedAt = &t
		r.ClosedBy = actor
	}
	return nil
}

// Undelivered lists recipients that no delivery attempt has reached yet.
func (r *Record) Undelivered() []notify.Target {
	reached := make(map[notify.Target]bool)
	for _, d := range r.Deliveries {
		if d.Delivered {
			reached[notify.Target{Channel: d.Channel, Recipient: d.Recipient}] = true
		}
	}
	var out []notify.Target
	for _, t := range r.Recipients {
		if !reached[t] {
			out = append(out, t)
		}
	}
	return out
}

// Notified reports whether at least one recipient was reached.
func (r *Record) Notified() bool {
	for _, d := range r.Deliveries {
		if d.Delivered {
			return true
		}
	}
	return false
}
