// Package eta derives distance/duration to a vehicle's next stop through an
// injected route provider and classifies the result into proximity levels.
package eta

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"fleettrack/internal/geo"
	"fleettrack/internal/ingest"
)

var (
	ErrProviderUnavailable = errors.New("route provider unavailable")
	ErrNoLiveETA           = errors.New("no live eta for vehicle")
)

// Stop is a destination a vehicle is heading to.
type Stop struct {
	Key      string     `json:"key"`
	Name     string     `json:"name,omitempty"`
	Position geo.LatLng `json:"position"`
}

// Result is the live ETA of one vehicle towards its next stop.
type Result struct {
	VehicleID       string    `json:"vehicleId"`
	OriginSampleID  string    `json:"originSampleId"`
	DestinationKey  string    `json:"destinationKey"`
	DistanceKm      float64   `json:"distanceKm"`
	DurationMinutes float64   `json:"durationMinutes"`
	ComputedAt      time.Time `json:"computedAt"`
	ProviderName    string    `json:"providerName"`
	// Stale is set when a later estimate failed and this result is the last good one.
	Stale bool `json:"stale"`
}

// Proximity classifies the result.
func (r Result) Proximity() (Level, bool) {
	return ClassifyProximity(r.DistanceKm, r.DurationMinutes)
}

// Observer receives per-call outcomes; may be nil.
type Observer interface {
	ObserveEstimate(provider string, d time.Duration, err error)
}

// Estimator keeps at most one live Result per vehicle. It retains no history.
type Estimator struct {
	provider RouteProvider
	timeout  time.Duration
	opts     RouteOptions
	observer Observer
	now      func() time.Time

	mu   sync.RWMutex
	live map[string]Result
}

func NewEstimator(provider RouteProvider, timeout time.Duration, observer Observer) *Estimator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Estimator{
		provider: provider,
		timeout:  timeout,
		observer: observer,
		now:      time.Now,
		live:     make(map[string]Result),
	}
}

// Estimate computes the route from the current sample to dest and makes the
// outcome the vehicle's live ETA. A failed or timed-out provider call returns
// an error wrapping ErrProviderUnavailable and flags the previous result stale.
func (e *Estimator) Estimate(ctx context.Context, vehicleID string, current ingest.PositionSample, dest Stop) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	route, err := e.provider.ComputeRoute(cctx, current.LatLng(), dest.Position, e.opts)
	if err == nil {
		err = checkRoute(route)
	}
	if e.observer != nil {
		e.observer.ObserveEstimate(e.provider.Name(), time.Since(start), err)
	}
	if err != nil {
		e.markStale(vehicleID)
		return Result{}, fmt.Errorf("%w: %s: %w", ErrProviderUnavailable, e.provider.Name(), err)
	}

	res := Result{
		VehicleID:       vehicleID,
		OriginSampleID:  current.ID,
		DestinationKey:  dest.Key,
		DistanceKm:      route.DistanceKm,
		DurationMinutes: route.DurationMinutes,
		ComputedAt:      e.now().UTC(),
		ProviderName:    e.provider.Name(),
	}
	e.mu.Lock()
	e.live[vehicleID] = res
	e.mu.Unlock()
	return res, nil
}

func checkRoute(r Route) error {
	if math.IsNaN(r.DistanceKm) || math.IsNaN(r.DurationMinutes) || r.DistanceKm < 0 || r.DurationMinutes < 0 {
		return fmt.Errorf("invalid route distance=%v duration=%v", r.DistanceKm, r.DurationMinutes)
	}
	return nil
}

func (e *Estimator) markStale(vehicleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.live[vehicleID]; ok {
		r.Stale = true
		e.live[vehicleID] = r
	}
}

// Live returns the vehicle's current result.
func (e *Estimator) Live(vehicleID string) (Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.live[vehicleID]
	if !ok {
		return Result{}, ErrNoLiveETA
	}
	return r, nil
}

// Forget drops the vehicle's live result, e.g. when its trip ends.
func (e *Estimator) Forget(vehicleID string) {
	e.mu.Lock()
	delete(e.live, vehicleID)
	e.mu.Unlock()
}

// ProviderName reports the configured provider.
func (e *Estimator) ProviderName() string { return e.provider.Name() }
