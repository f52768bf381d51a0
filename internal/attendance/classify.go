// Package attendance models scheduled pickup/dropoff events, classifies their
// delay against the schedule and decides when guardians should be told.
package attendance

import (
	"math"
	"time"
)

// Label is the delay classification of an attendance event.
type Label string

const (
	LabelEarly    Label = "early"
	LabelOnTime   Label = "on_time"
	LabelLate     Label = "late"
	LabelVeryLate Label = "very_late"
	LabelUnknown  Label = "unknown"
)

// Delay thresholds in minutes.
const (
	EarlyBelow    = -2
	OnTimeUpTo    = 5
	LateUpTo      = 15
	notRecordedUI = "not yet recorded"
)

// Classification is the pure result of Classify. DelayMinutes is nil when
// either time is missing.
type Classification struct {
	DelayMinutes *int  `json:"delayMinutes"`
	Label        Label `json:"label"`
}

// Classify compares actual against scheduled. It depends only on its inputs.
func Classify(scheduled, actual *time.Time) Classification {
	if scheduled == nil || actual == nil || scheduled.IsZero() || actual.IsZero() {
		return Classification{Label: LabelUnknown}
	}
	d := int(math.Round(actual.Sub(*scheduled).Minutes()))
	return Classification{DelayMinutes: &d, Label: LabelFor(d)}
}

// LabelFor maps a delay in minutes onto a Label.
func LabelFor(delayMinutes int) Label {
	switch {
	case delayMinutes < EarlyBelow:
		return LabelEarly
	case delayMinutes <= OnTimeUpTo:
		return LabelOnTime
	case delayMinutes <= LateUpTo:
		return LabelLate
	default:
		return LabelVeryLate
	}
}

// DisplayLabel is the text shown to users.
func (c Classification) DisplayLabel() string {
	if c.Label == LabelUnknown || c.Label == "" {
		return notRecordedUI
	}
	return string(c.Label)
}
