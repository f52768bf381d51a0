package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"fleettrack/internal/eta"
	"fleettrack/internal/geo"
	"fleettrack/internal/livemap"
	"fleettrack/internal/notify"
	"fleettrack/internal/tracking"
)

// File is the static part of the deployment: which stop each vehicle heads
// to, who is told about it, and the route outlines drawn on the map.
type File struct {
	Vehicles []VehicleFile `yaml:"vehicles" validate:"dive"`
	Routes   []RouteFile   `yaml:"routes" validate:"dive"`
}

type VehicleFile struct {
	ID       string    `yaml:"id" validate:"required"`
	NextStop *StopFile `yaml:"nextStop" validate:"omitempty"`
}

type StopFile struct {
	Key         string               `yaml:"key" validate:"required"`
	Name        string               `yaml:"name"`
	Lat         float64              `yaml:"lat" validate:"gte=-90,lte=90"`
	Lng         float64              `yaml:"lng" validate:"gte=-180,lte=180"`
	Subscribers []notify.Preferences `yaml:"subscribers"`
}

type RouteFile struct {
	ID    string      `yaml:"id" validate:"required"`
	Stops []PointFile `yaml:"stops" validate:"min=2,dive"`
}

type PointFile struct {
	Lat float64 `yaml:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `yaml:"lng" validate:"gte=-180,lte=180"`
}

var validate = validator.New()

func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	f, err := ParseFile(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return f, nil
}

// ParseFile decodes and validates a YAML document. Unknown keys are errors.
func ParseFile(data []byte) (*File, error) {
	f := &File{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := validate.Struct(f); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	seen := make(map[string]bool, len(f.Vehicles))
	for _, v := range f.Vehicles {
		if seen[v.ID] {
			return nil, fmt.Errorf("duplicate vehicle %q", v.ID)
		}
		seen[v.ID] = true
	}
	return f, nil
}

// Stop converts the vehicle's next stop. Subscribers resolve to their
// deliverable targets.
func (v VehicleFile) Stop() (tracking.Stop, bool) {
	if v.NextStop == nil {
		return tracking.Stop{}, false
	}
	s := v.NextStop
	out := tracking.Stop{Stop: eta.Stop{
		Key:      s.Key,
		Name:     s.Name,
		Position: geo.LatLng{Lat: s.Lat, Lng: s.Lng},
	}}
	for _, p := range s.Subscribers {
		out.Recipients = append(out.Recipients, p.Targets()...)
	}
	return out, true
}

func (r RouteFile) Event() livemap.RouteEvent {
	coords := make([]geo.LatLng, len(r.Stops))
	for i, p := range r.Stops {
		coords[i] = geo.LatLng{Lat: p.Lat, Lng: p.Lng}
	}
	return livemap.RouteEvent{RouteID: r.ID, StopCoordinates: coords}
}
