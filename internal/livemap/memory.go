package livemap

import (
	"sort"
	"sync"

	"fleettrack/internal/geo"
)

// MemoryView is a server-side view model. Browser clients poll its Snapshot
// instead of owning live map objects.
type MemoryView struct {
	mu        sync.RWMutex
	markers   map[string]*memMarker
	polylines map[string]*memPolyline
	bounds    *geo.Bounds
	version   uint64
	stats     ViewStats
}

// ViewStats counts view mutations.
type ViewStats struct {
	MarkersAdded     int `json:"markersAdded"`
	MarkersRemoved   int `json:"markersRemoved"`
	MarkerUpdates    int `json:"markerUpdates"`
	PolylinesAdded   int `json:"polylinesAdded"`
	PolylinesRemoved int `json:"polylinesRemoved"`
	Fits             int `json:"fits"`
}

func NewMemoryView() *MemoryView {
	return &MemoryView{markers: make(map[string]*memMarker), polylines: make(map[string]*memPolyline)}
}

type memMarker struct {
	v      *MemoryView
	id     string
	pos    geo.LatLng
	status Status
	popup  string
}

func (m *memMarker) SetPosition(p geo.LatLng) {
	m.v.mu.Lock()
	m.pos = p
	m.v.touchLocked()
	m.v.mu.Unlock()
}

func (m *memMarker) SetPopup(content string) {
	m.v.mu.Lock()
	m.popup = content
	m.v.touchLocked()
	m.v.mu.Unlock()
}

func (m *memMarker) SetStatus(s Status) {
	m.v.mu.Lock()
	m.status = s
	m.v.touchLocked()
	m.v.mu.Unlock()
}

type memPolyline struct {
	path []geo.LatLng
}

func (p *memPolyline) Path() []geo.LatLng { return p.path }

func (v *MemoryView) touchLocked() {
	v.version++
	v.stats.MarkerUpdates++
}

func (v *MemoryView) AddMarker(vehicleID string, pos geo.LatLng, status Status, popup string) Marker {
	v.mu.Lock()
	defer v.mu.Unlock()
	m := &memMarker{v: v, id: vehicleID, pos: pos, status: status, popup: popup}
	v.markers[vehicleID] = m
	v.version++
	v.stats.MarkersAdded++
	return m
}

func (v *MemoryView) RemoveMarker(vehicleID string, m Marker) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if cur, ok := v.markers[vehicleID]; ok && Marker(cur) == m {
		delete(v.markers, vehicleID)
		v.version++
		v.stats.MarkersRemoved++
	}
}

func (v *MemoryView) AddPolyline(routeID string, path []geo.LatLng) Polyline {
	v.mu.Lock()
	defer v.mu.Unlock()
	p := &memPolyline{path: path}
	v.polylines[routeID] = p
	v.version++
	v.stats.PolylinesAdded++
	return p
}

func (v *MemoryView) RemovePolyline(routeID string, p Polyline) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if cur, ok := v.polylines[routeID]; ok && Polyline(cur) == p {
		delete(v.polylines, routeID)
		v.version++
		v.stats.PolylinesRemoved++
	}
}

func (v *MemoryView) FitBounds(b geo.Bounds) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bounds = &b
	v.version++
	v.stats.Fits++
}

// MarkerView and RouteView are the JSON shape of a snapshot.
type MarkerView struct {
	VehicleID string     `json:"vehicleId"`
	Position  geo.LatLng `json:"position"`
	Status    Status     `json:"status"`
	Popup     string     `json:"popup"`
}

type RouteView struct {
	RouteID string       `json:"routeId"`
	Path    []geo.LatLng `json:"path"`
}

type Snapshot struct {
	Version uint64       `json:"version"`
	Bounds  *geo.Bounds  `json:"bounds,omitempty"`
	Markers []MarkerView `json:"markers"`
	Routes  []RouteView  `json:"routes"`
	Stats   ViewStats    `json:"stats"`
}

// Snapshot copies the view, ordered by id.
func (v *MemoryView) Snapshot() Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s := Snapshot{
		Version: v.version,
		Markers: make([]MarkerView, 0, len(v.markers)),
		Routes:  make([]RouteView, 0, len(v.polylines)),
		Stats:   v.stats,
	}
	if v.bounds != nil {
		b := *v.bounds
		s.Bounds = &b
	}
	for id, m := range v.markers {
		s.Markers = append(s.Markers, MarkerView{VehicleID: id, Position: m.pos, Status: m.status, Popup: m.popup})
	}
	for id, p := range v.polylines {
		s.Routes = append(s.Routes, RouteView{RouteID: id, Path: append([]geo.LatLng(nil), p.path...)})
	}
	sort.Slice(s.Markers, func(i, j int) bool { return s.Markers[i].VehicleID < s.Markers[j].VehicleID })
	sort.Slice(s.Routes, func(i, j int) bool { return s.Routes[i].RouteID < s.Routes[j].RouteID })
	return s
}
