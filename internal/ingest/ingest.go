// Package ingest validates and normalizes raw GPS reports into PositionSamples.
package ingest

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"fleettrack/internal/geo"
)

// RejectReason names why a raw report was not accepted.
type RejectReason string

const (
	InvalidCoordinates RejectReason = "invalid_coordinates"
	Malformed          RejectReason = "malformed"
)

var (
	ErrInvalidCoordinates = errors.New("invalid coordinates")
	ErrMalformed          = errors.New("malformed position report")
)

// RejectError carries the reason and offending field of a rejected report.
type RejectError struct {
	Reason RejectReason
	Field  string
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("position rejected (%s) %s: %s", e.Reason, e.Field, e.Detail)
	}
	return fmt.Sprintf("position rejected (%s) %s", e.Reason, e.Field)
}

func (e *RejectError) Is(target error) bool {
	switch target {
	case ErrInvalidCoordinates:
		return e.Reason == InvalidCoordinates
	case ErrMalformed:
		return e.Reason == Malformed
	}
	return false
}

// RawPosition is a telemetry report as received from a device or feed.
// Coordinates are pointers so a missing value is distinguishable from 0.
type RawPosition struct {
	VehicleID  string    `json:"vehicleId" validate:"required"`
	TripID     string    `json:"tripId,omitempty"`
	Latitude   *float64  `json:"lat"`
	Longitude  *float64  `json:"lng"`
	Speed      *float64  `json:"speed,omitempty"`
	SpeedUnit  string    `json:"speedUnit,omitempty" validate:"omitempty,oneof=m/s km/h mph knots"`
	Heading    *float64  `json:"heading,omitempty"`
	Altitude   *float64  `json:"altitude,omitempty"`
	Accuracy   *float64  `json:"accuracy,omitempty" validate:"omitempty,gte=0"`
	CapturedAt time.Time `json:"capturedAt"`
}

// PositionSample is an accepted, normalized report. Immutable once returned.
type PositionSample struct {
	ID         string    `json:"id"`
	VehicleID  string    `json:"vehicleId"`
	TripID     string    `json:"tripId,omitempty"`
	Latitude   float64   `json:"lat"`
	Longitude  float64   `json:"lng"`
	SpeedMps   float64   `json:"speedMps"`
	Heading    float64   `json:"heading"`
	Altitude   float64   `json:"altitude"`
	Accuracy   float64   `json:"accuracy"`
	CapturedAt time.Time `json:"capturedAt"`
}

func (s PositionSample) LatLng() geo.LatLng {
	return geo.LatLng{Lat: s.Latitude, Lng: s.Longitude}
}

// Ingestor turns RawPositions into PositionSamples. It holds no per-call state.
type Ingestor struct {
	validate *validator.Validate
	now      func() time.Time
	newID    func() string
}

func New() *Ingestor {
	return &Ingestor{
		validate: validator.New(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// WithClock overrides the clock used when a report carries no capture time.
func (in *Ingestor) WithClock(now func() time.Time) *Ingestor {
	in.now = now
	return in
}

// Accept validates raw and returns the normalized sample, or a *RejectError.
func (in *Ingestor) Accept(raw RawPosition) (PositionSample, error) {
	raw.VehicleID = strings.TrimSpace(raw.VehicleID)
	if err := in.validate.Struct(raw); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return PositionSample{}, &RejectError{Reason: Malformed, Field: verrs[0].Field(), Detail: verrs[0].Tag()}
		}
		return PositionSample{}, &RejectError{Reason: Malformed, Detail: err.Error()}
	}

	if raw.Latitude == nil || !geo.ValidLatitude(*raw.Latitude) {
		return PositionSample{}, &RejectError{Reason: InvalidCoordinates, Field: "lat"}
	}
	if raw.Longitude == nil || !geo.ValidLongitude(*raw.Longitude) {
		return PositionSample{}, &RejectError{Reason: InvalidCoordinates, Field: "lng"}
	}

	s := PositionSample{
		ID:         in.newID(),
		VehicleID:  raw.VehicleID,
		TripID:     raw.TripID,
		Latitude:   *raw.Latitude,
		Longitude:  *raw.Longitude,
		CapturedAt: raw.CapturedAt,
	}
	if s.CapturedAt.IsZero() {
		s.CapturedAt = in.now()
	}
	s.CapturedAt = s.CapturedAt.UTC()
	if raw.Speed != nil {
		s.SpeedMps = SpeedToMps(*raw.Speed, raw.SpeedUnit)
	}
	if raw.Heading != nil {
		s.Heading = geo.NormalizeHeading(*raw.Heading)
	}
	if raw.Altitude != nil && !math.IsNaN(*raw.Altitude) {
		s.Altitude = *raw.Altitude
	}
	if raw.Accuracy != nil && !math.IsNaN(*raw.Accuracy) {
		s.Accuracy = *raw.Accuracy
	}
	return s, nil
}

// SpeedToMps converts v from unit to meters per second. An empty unit means m/s.
// Negative or non-finite speeds are reported as 0.
func SpeedToMps(v float64, unit string) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	switch unit {
	case "km/h":
		return v / 3.6
	case "mph":
		return v * 0.44704
	case "knots":
		return v * 0.514444
	default:
		return v
	}
}
