// Package livemap keeps one marker per vehicle and one polyline per route on
// a map view, applying a stream of position, route and remove events in
// place.
package livemap

import (
	"time"

	"fleettrack/internal/geo"
)

// Status is the tracking state shown on a marker.
type Status string

const (
	StatusActive      Status = "active"
	StatusIdle        Status = "idle"
	StatusUnavailable Status = "unavailable"
)

// TrackingUnavailable replaces the popup of a marker without a recent fix.
const TrackingUnavailable = "tracking unavailable"

// Event is a position/status update of one vehicle.
type Event struct {
	VehicleID    string    `json:"vehicleId"`
	Lat          float64   `json:"lat"`
	Lng          float64   `json:"lng"`
	Status       Status    `json:"status"`
	PopupContent string    `json:"popupContent"`
	At           time.Time `json:"at"`
}

func (e Event) LatLng() geo.LatLng { return geo.LatLng{Lat: e.Lat, Lng: e.Lng} }

// RouteEvent redraws a route polyline wholesale.
type RouteEvent struct {
	RouteID         string       `json:"routeId"`
	StopCoordinates []geo.LatLng `json:"stopCoordinates"`
}

// RemoveEvent drops a vehicle's marker, e.g. at trip end.
type RemoveEvent struct {
	VehicleID string `json:"vehicleId"`
}

// Marker is a live map object owned by a View.
type Marker interface {
	SetPosition(geo.LatLng)
	SetPopup(content string)
	SetStatus(Status)
}

// Polyline is a drawn route. Routes are redrawn by replacing the polyline,
// never by editing its path.
type Polyline interface {
	Path() []geo.LatLng
}

// View is the presentation surface the reconciler drives.
type View interface {
	AddMarker(vehicleID string, pos geo.LatLng, status Status, popup string) Marker
	RemoveMarker(vehicleID string, m Marker)
	AddPolyline(routeID string, path []geo.LatLng) Polyline
	RemovePolyline(routeID string, p Polyline)
	FitBounds(b geo.Bounds)
}

// EventSource delivers events until the returned stop func is called.
type EventSource interface {
	Subscribe(h Handler) (stop func() error, err error)
}

// Handler receives decoded events from an EventSource.
type Handler interface {
	HandleVehicle(Event)
	HandleRoute(RouteEvent)
	HandleRemove(RemoveEvent)
}
