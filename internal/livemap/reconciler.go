package livemap

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"fleettrack/internal/geo"
)

var ErrClosed = errors.New("live map closed")

// markerState is the reconciler's bookkeeping for one vehicle.
type markerState struct {
	marker      Marker
	pos         geo.LatLng
	status      Status
	popupHash   uint64
	lastMovedAt time.Time
	lastSeenAt  time.Time
	stale       bool
}

// Observer is told the marker count after every change; may be nil.
type Observer interface {
	ObserveMarkers(n int)
}

// Reconciler owns every marker and polyline it adds to its View. Methods are
// safe for concurrent use; after Close every call is a no-op.
type Reconciler struct {
	view     View
	observer Observer
	now      func() time.Time

	mu        sync.Mutex
	markers   map[string]*markerState
	removed   map[string]time.Time // last event time of removed vehicles
	polylines map[string]Polyline
	stop      func() error
	closed    bool
}

func NewReconciler(view View, observer Observer) *Reconciler {
	return &Reconciler{
		view:      view,
		observer:  observer,
		now:       time.Now,
		markers:   make(map[string]*markerState),
		removed:   make(map[string]time.Time),
		polylines: make(map[string]Polyline),
	}
}

func hashPopup(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// Upsert creates the vehicle's marker on first sight and updates it in place
// afterwards. Replaying an event changes nothing; an event older than the
// last one applied for the vehicle is dropped. A stale marker only comes
// back to life on a strictly newer event, and a removed vehicle only
// reappears on an event newer than its removal. It reports whether a marker
// was created.
func (r *Reconciler) Upsert(e Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	created := r.upsertLocked(e)
	r.observeLocked()
	return created
}

func (r *Reconciler) upsertLocked(e Event) bool {
	if r.closed || e.VehicleID == "" || !e.LatLng().Valid() {
		return false
	}
	seen := e.At
	if seen.IsZero() {
		seen = r.now()
	}
	if e.Status == "" {
		e.Status = StatusActive
	}
	pos := e.LatLng()
	hash := hashPopup(e.PopupContent)

	st, ok := r.markers[e.VehicleID]
	if !ok {
		if gone, ok := r.removed[e.VehicleID]; ok {
			if !seen.After(gone) {
				return false
			}
			delete(r.removed, e.VehicleID)
		}
		r.markers[e.VehicleID] = &markerState{
			marker:      r.view.AddMarker(e.VehicleID, pos, e.Status, e.PopupContent),
			pos:         pos,
			status:      e.Status,
			popupHash:   hash,
			lastMovedAt: seen,
			lastSeenAt:  seen,
			stale:       e.Status == StatusUnavailable,
		}
		return true
	}
	if seen.Before(st.lastSeenAt) {
		return false
	}
	if st.stale && e.Status != StatusUnavailable && !seen.After(st.lastSeenAt) {
		return false
	}
	if st.pos != pos {
		st.marker.SetPosition(pos)
		st.pos = pos
		st.lastMovedAt = seen
	}
	if st.popupHash != hash {
		st.marker.SetPopup(e.PopupContent)
		st.popupHash = hash
	}
	if st.status != e.Status {
		st.marker.SetStatus(e.Status)
		st.status = e.Status
	}
	st.lastSeenAt = seen
	st.stale = e.Status == StatusUnavailable
	return false
}

// Remove drops the vehicle's marker. Markers are only ever removed here or
// by Close.
func (r *Reconciler) Remove(vehicleID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	st, ok := r.markers[vehicleID]
	if !ok {
		return false
	}
	r.view.RemoveMarker(vehicleID, st.marker)
	delete(r.markers, vehicleID)
	r.removed[vehicleID] = st.lastSeenAt
	r.observeLocked()
	return true
}

// DrawRoute replaces the route's polyline wholesale. An empty stop list
// removes it.
func (r *Reconciler) DrawRoute(e RouteEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || e.RouteID == "" {
		return
	}
	if old, ok := r.polylines[e.RouteID]; ok {
		r.view.RemovePolyline(e.RouteID, old)
		delete(r.polylines, e.RouteID)
	}
	if len(e.StopCoordinates) == 0 {
		return
	}
	path := append([]geo.LatLng(nil), e.StopCoordinates...)
	r.polylines[e.RouteID] = r.view.AddPolyline(e.RouteID, path)
}

// LoadBatch applies an initial set of vehicles and fits the viewport to all
// markers. Single updates never move the viewport.
func (r *Reconciler) LoadBatch(events []Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for _, e := range events {
		r.upsertLocked(e)
	}
	pts := make([]geo.LatLng, 0, len(r.markers))
	for _, st := range r.markers {
		pts = append(pts, st.pos)
	}
	if b, ok := geo.BoundsOf(pts); ok {
		r.view.FitBounds(b)
	}
	r.observeLocked()
}

// MarkStale flags markers with no event for longer than maxAge as
// "tracking unavailable". The markers stay on the map. It returns the
// vehicles that became stale.
func (r *Reconciler) MarkStale(now time.Time, maxAge time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	var out []string
	for id, st := range r.markers {
		if st.stale || now.Sub(st.lastSeenAt) <= maxAge {
			continue
		}
		st.marker.SetPopup(TrackingUnavailable)
		st.popupHash = hashPopup(TrackingUnavailable)
		st.marker.SetStatus(StatusUnavailable)
		st.status = StatusUnavailable
		st.stale = true
		out = append(out, id)
	}
	return out
}

// Attach subscribes the reconciler to src. Only one source may be attached.
func (r *Reconciler) Attach(src EventSource) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.stop != nil {
		r.mu.Unlock()
		return errors.New("live map already attached")
	}
	r.mu.Unlock()

	stop, err := src.Subscribe(r)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.Join(ErrClosed, stop())
	}
	r.stop = stop
	return nil
}

// Close stops the subscription and releases every marker and polyline.
// Events delivered afterwards are ignored.
func (r *Reconciler) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var err error
	if r.stop != nil {
		err = r.stop()
		r.stop = nil
	}
	for id, st := range r.markers {
		r.view.RemoveMarker(id, st.marker)
	}
	for id, p := range r.polylines {
		r.view.RemovePolyline(id, p)
	}
	r.markers = make(map[string]*markerState)
	r.removed = make(map[string]time.Time)
	r.polylines = make(map[string]Polyline)
	r.observeLocked()
	return err
}

// MarkerState is a read-only copy of a vehicle's bookkeeping.
type MarkerState struct {
	VehicleID       string     `json:"vehicleId"`
	LastKnownLatLng geo.LatLng `json:"lastKnownLatLng"`
	Status          Status     `json:"status"`
	LastMovedAt     time.Time  `json:"lastMovedAt"`
	LastSeenAt      time.Time  `json:"lastSeenAt"`
	Stale           bool       `json:"stale"`
}

func (r *Reconciler) State(vehicleID string) (MarkerState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.markers[vehicleID]
	if !ok {
		return MarkerState{}, false
	}
	return MarkerState{
		VehicleID:       vehicleID,
		LastKnownLatLng: st.pos,
		Status:          st.status,
		LastMovedAt:     st.lastMovedAt,
		LastSeenAt:      st.lastSeenAt,
		Stale:           st.stale,
	}, true
}

// Len reports the number of live markers.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.markers)
}

func (r *Reconciler) observeLocked() {
	if r.observer != nil {
		r.observer.ObserveMarkers(len(r.markers))
	}
}

func (r *Reconciler) HandleVehicle(e Event) { r.Upsert(e) }

func (r *Reconciler) HandleRoute(e RouteEvent) { r.DrawRoute(e) }

func (r *Reconciler) HandleRemove(e RemoveEvent) { r.Remove(e.VehicleID) }
