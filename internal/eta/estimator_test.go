package eta

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleettrack/internal/geo"
	"fleettrack/internal/ingest"
)

type fakeProvider struct {
	route Route
	err   error
	block bool
	calls int
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) ComputeRoute(ctx context.Context, _, _ geo.LatLng, _ RouteOptions) (Route, error) {
	p.calls++
	if p.block {
		<-ctx.Done()
		return Route{}, ctx.Err()
	}
	return p.route, p.err
}

type recordingObserver struct {
	mu   sync.Mutex
	errs []error
}

func (o *recordingObserver) ObserveEstimate(_ string, _ time.Duration, err error) {
	o.mu.Lock()
	o.errs = append(o.errs, err)
	o.mu.Unlock()
}

var (
	sample = ingest.PositionSample{ID: "s-1", VehicleID: "bus-1", Latitude: 41.0, Longitude: 2.0}
	stop   = Stop{Key: "stop-9", Position: geo.LatLng{Lat: 41.001, Lng: 2.0}}
)

func TestEstimate_StoresLiveResult(t *testing.T) {
	p := &fakeProvider{route: Route{DistanceKm: 0.15, DurationMinutes: 1}}
	obs := &recordingObserver{}
	e := NewEstimator(p, time.Second, obs)
	now := time.Date(2024, 3, 4, 7, 45, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	res, err := e.Estimate(context.Background(), "bus-1", sample, stop)
	require.NoError(t, err)
	assert.Equal(t, "s-1", res.OriginSampleID)
	assert.Equal(t, "stop-9", res.DestinationKey)
	assert.Equal(t, "fake", res.ProviderName)
	assert.Equal(t, now, res.ComputedAt)
	assert.False(t, res.Stale)

	lvl, ok := res.Proximity()
	assert.True(t, ok)
	assert.Equal(t, LevelImmediate, lvl)

	live, err := e.Live("bus-1")
	require.NoError(t, err)
	assert.Equal(t, res, live)
	assert.Equal(t, []error{nil}, obs.errs)
}

func TestEstimate_Supersedes(t *testing.T) {
	p := &fakeProvider{route: Route{DistanceKm: 3, DurationMinutes: 9}}
	e := NewEstimator(p, time.Second, nil)

	_, err := e.Estimate(context.Background(), "bus-1", sample, stop)
	require.NoError(t, err)

	p.route = Route{DistanceKm: 1, DurationMinutes: 3}
	second := sample
	second.ID = "s-2"
	_, err = e.Estimate(context.Background(), "bus-1", second, stop)
	require.NoError(t, err)

	live, err := e.Live("bus-1")
	require.NoError(t, err)
	assert.Equal(t, "s-2", live.OriginSampleID)
	assert.Equal(t, 1.0, live.DistanceKm)
}

func TestEstimate_ProviderFailureMarksStale(t *testing.T) {
	p := &fakeProvider{route: Route{DistanceKm: 2, DurationMinutes: 6}}
	e := NewEstimator(p, time.Second, nil)

	_, err := e.Estimate(context.Background(), "bus-1", sample, stop)
	require.NoError(t, err)

	p.err = errors.New("connection refused")
	_, err = e.Estimate(context.Background(), "bus-1", sample, stop)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	live, err := e.Live("bus-1")
	require.NoError(t, err)
	assert.True(t, live.Stale)
	assert.Equal(t, 2.0, live.DistanceKm)
}

func TestEstimate_TimeoutIsProviderUnavailable(t *testing.T) {
	p := &fakeProvider{block: true}
	e := NewEstimator(p, 20*time.Millisecond, nil)

	_, err := e.Estimate(context.Background(), "bus-1", sample, stop)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = e.Live("bus-1")
	assert.ErrorIs(t, err, ErrNoLiveETA)
}

func TestEstimate_RejectsInvalidRoute(t *testing.T) {
	p := &fakeProvider{route: Route{DistanceKm: math.NaN(), DurationMinutes: 1}}
	e := NewEstimator(p, time.Second, nil)

	_, err := e.Estimate(context.Background(), "bus-1", sample, stop)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestForget(t *testing.T) {
	e := NewEstimator(&fakeProvider{route: Route{DistanceKm: 1, DurationMinutes: 1}}, time.Second, nil)
	_, err := e.Estimate(context.Background(), "bus-1", sample, stop)
	require.NoError(t, err)

	e.Forget("bus-1")
	_, err = e.Live("bus-1")
	assert.ErrorIs(t, err, ErrNoLiveETA)
}

func TestClassifyProximity(t *testing.T) {
	tests := []struct {
		name        string
		km, minutes float64
		want        Level
		wantOK      bool
	}{
		{"immediate by distance", 0.15, 1, LevelImmediate, true},
		{"immediate boundary", 0.2, 30, LevelImmediate, true},
		{"very close", 0.3, 5, LevelVeryClose, true},
		{"very close boundary", 0.5, 20, LevelVeryClose, true},
		{"close by duration", 0.8, 2, LevelClose, true},
		{"approaching", 3, 7, LevelApproaching, true},
		{"approaching boundary", 3, 10, LevelApproaching, true},
		{"far", 8, 10.5, LevelNone, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ClassifyProximity(tt.km, tt.minutes)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestStraightLineProvider(t *testing.T) {
	p := StraightLineProvider{AverageSpeedKmh: 30}
	r, err := p.ComputeRoute(context.Background(), geo.LatLng{Lat: 0, Lng: 0}, geo.LatLng{Lat: 0.1, Lng: 0}, RouteOptions{})
	require.NoError(t, err)
	assert.InDelta(t, 11.12, r.DistanceKm, 0.01)
	assert.InDelta(t, 22.24, r.DurationMinutes, 0.05)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.ComputeRoute(ctx, geo.LatLng{}, geo.LatLng{}, RouteOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOSRMProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/route/v1/driving/2.000000,41.000000;2.100000,41.100000", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"distance":1500,"duration":240,"legs":[{"distance":1500,"duration":240}]}]}`))
	}))
	defer srv.Close()

	p := NewOSRMProvider(srv.URL+"/", nil)
	r, err := p.ComputeRoute(context.Background(), geo.LatLng{Lat: 41, Lng: 2}, geo.LatLng{Lat: 41.1, Lng: 2.1}, RouteOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1.5, r.DistanceKm)
	assert.Equal(t, 4.0, r.DurationMinutes)
	require.Len(t, r.Legs, 1)
}

func TestOSRMProvider_NoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	_, err := NewOSRMProvider(srv.URL, nil).ComputeRoute(context.Background(), geo.LatLng{}, geo.LatLng{}, RouteOptions{})
	assert.Error(t, err)

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	_, err = NewOSRMProvider(bad.URL, nil).ComputeRoute(context.Background(), geo.LatLng{}, geo.LatLng{}, RouteOptions{})
	assert.Error(t, err)
}
