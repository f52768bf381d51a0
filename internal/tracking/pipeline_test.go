package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleettrack/internal/alert"
	"fleettrack/internal/db"
	"fleettrack/internal/eta"
	"fleettrack/internal/geo"
	"fleettrack/internal/ingest"
	"fleettrack/internal/livemap"
	"fleettrack/internal/notify"
)

type scriptedProvider struct {
	mu    sync.Mutex
	route eta.Route
	errs  []error // consumed one per call before route is returned
	calls int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) ComputeRoute(context.Context, geo.LatLng, geo.LatLng, eta.RouteOptions) (eta.Route, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return eta.Route{}, err
		}
	}
	return p.route, nil
}

type countingObserver struct {
	reasons     []string
	unavailable int
}

func (o *countingObserver) ObserveSample(reason string) { o.reasons = append(o.reasons, reason) }
func (o *countingObserver) ObserveUnavailable(n int)    { o.unavailable = n }

type harness struct {
	p        *Pipeline
	provider *scriptedProvider
	store    *db.MemoryStore
	disp     *alert.Dispatcher
	recon    *livemap.Reconciler
	view     *livemap.MemoryView
	obs      *countingObserver
	delays   []time.Duration
	sent     []string
}

var t0 = time.Date(2024, 3, 4, 7, 30, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	log, _ := test.NewNullLogger()
	h := &harness{
		provider: &scriptedProvider{route: eta.Route{DistanceKm: 5, DurationMinutes: 15}},
		store:    db.NewMemoryStore(),
		view:     livemap.NewMemoryView(),
		obs:      &countingObserver{},
	}
	sender := notify.SenderFunc(func(_ context.Context, ch notify.Channel, rcpt string, _ notify.Message) notify.DeliveryResult {
		h.sent = append(h.sent, rcpt)
		return notify.DeliveryResult{Channel: ch, Recipient: rcpt, Delivered: true, At: t0}
	})
	h.disp = alert.NewDispatcher(h.store, sender, nil, nil, log).WithClock(func() time.Time { return t0 })
	h.recon = livemap.NewReconciler(h.view, nil)
	est := eta.NewEstimator(h.provider, time.Second, nil)
	h.p = NewPipeline(ingest.New().WithClock(func() time.Time { return t0 }), h.store, est, h.disp, h.recon, log,
		Options{RetryAttempts: 3, RetryBase: time.Millisecond, StaleAfter: time.Minute}).
		WithObserver(h.obs).
		WithClock(func() time.Time { return t0 })
	h.p.sleep = func(_ context.Context, d time.Duration) error {
		h.delays = append(h.delays, d)
		return nil
	}
	return h
}

func raw(vehicle string, lat, lng float64, at time.Time) ingest.RawPosition {
	speed := 8.0
	return ingest.RawPosition{VehicleID: vehicle, Latitude: &lat, Longitude: &lng, Speed: &speed, CapturedAt: at}
}

var stop9 = Stop{
	Stop:       eta.Stop{Key: "stop-9", Name: "Main St", Position: geo.LatLng{Lat: 40.41, Lng: -3.70}},
	Recipients: []notify.Target{{Channel: notify.ChannelEmail, Recipient: "guardian@example.com"}},
}

func TestProcess_RejectsInvalidCoordinates(t *testing.T) {
	h := newHarness(t)
	_, err := h.p.Process(context.Background(), raw("bus-1", 91, 0, t0))
	require.ErrorIs(t, err, ingest.ErrInvalidCoordinates)

	assert.Equal(t, []string{"invalid_coordinates"}, h.obs.reasons)
	assert.Equal(t, 0, h.recon.Len())
	_, err = h.store.LatestSample(context.Background(), "bus-1")
	assert.ErrorIs(t, err, db.ErrNoSample)
	_, ok := h.p.Status("bus-1")
	assert.False(t, ok)
}

func TestProcess_WithoutStop(t *testing.T) {
	h := newHarness(t)
	out, err := h.p.Process(context.Background(), raw("bus-1", 40.4, -3.7, t0))
	require.NoError(t, err)
	assert.Nil(t, out.ETA)
	assert.Equal(t, 0, h.provider.calls)

	saved, err := h.store.LatestSample(context.Background(), "bus-1")
	require.NoError(t, err)
	assert.Equal(t, out.Sample, saved)

	snap := h.view.Snapshot()
	require.Len(t, snap.Markers, 1)
	assert.Equal(t, "bus-1", snap.Markers[0].Popup)
	assert.Equal(t, livemap.StatusActive, snap.Markers[0].Status)
	assert.Equal(t, []string{""}, h.obs.reasons)
}

func TestProcess_ImmediateProximityWithoutDuplicate(t *testing.T) {
	h := newHarness(t)
	h.provider.route = eta.Route{DistanceKm: 0.15, DurationMinutes: 1}
	require.NoError(t, h.p.SetStop("bus-1", stop9))

	first, err := h.p.Process(context.Background(), raw("bus-1", 40.409, -3.70, t0))
	require.NoError(t, err)
	require.NotNil(t, first.ETA)
	assert.Equal(t, eta.LevelImmediate, first.Proximity)
	require.NotNil(t, first.Alert)
	assert.False(t, first.Alert.Suppressed)
	assert.Equal(t, []string{"guardian@example.com"}, h.sent)

	second, err := h.p.Process(context.Background(), raw("bus-1", 40.4091, -3.70, t0.Add(10*time.Second)))
	require.NoError(t, err)
	require.NotNil(t, second.Alert)
	assert.True(t, second.Alert.Suppressed)
	assert.Equal(t, first.Alert.Record.ID, second.Alert.Record.ID)
	assert.Len(t, h.sent, 1, "no second notification")

	snap := h.view.Snapshot()
	require.Len(t, snap.Markers, 1)
	assert.Contains(t, snap.Markers[0].Popup, "1 min to Main St")
}

func TestProcess_RetriesWithBackoff(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("connection reset")
	h.provider.errs = []error{boom, boom}
	require.NoError(t, h.p.SetStop("bus-1", stop9))

	out, err := h.p.Process(context.Background(), raw("bus-1", 40.4, -3.7, t0))
	require.NoError(t, err)
	require.NotNil(t, out.ETA)
	assert.Empty(t, out.ETAError)
	assert.Equal(t, 3, h.provider.calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, h.delays)
	assert.Equal(t, eta.LevelNone, out.Proximity, "15 minutes away")
	assert.Nil(t, out.Alert)
}

func TestProcess_ProviderDownKeepsStaleETA(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.p.SetStop("bus-1", stop9))
	_, err := h.p.Process(context.Background(), raw("bus-1", 40.4, -3.7, t0))
	require.NoError(t, err)

	boom := errors.New("503")
	h.provider.errs = []error{boom, boom, boom}
	out, err := h.p.Process(context.Background(), raw("bus-1", 40.401, -3.7, t0.Add(time.Minute)))
	require.NoError(t, err)
	assert.Contains(t, out.ETAError, eta.ErrProviderUnavailable.Error())
	require.NotNil(t, out.ETA)
	assert.True(t, out.ETA.Stale)
	assert.Equal(t, 4, h.provider.calls)

	snap := h.view.Snapshot()
	assert.Contains(t, snap.Markers[0].Popup, "stale")
}

func TestProcess_OutOfOrderSampleIsPersistedOnly(t *testing.T) {
	h := newHarness(t)
	_, err := h.p.Process(context.Background(), raw("bus-1", 40.40, -3.70, t0))
	require.NoError(t, err)
	_, err = h.p.Process(context.Background(), raw("bus-1", 40.30, -3.60, t0.Add(-time.Minute)))
	require.NoError(t, err)

	st, ok := h.p.Status("bus-1")
	require.True(t, ok)
	assert.Equal(t, 40.40, st.LastSample.Latitude)
	ms, ok := h.recon.State("bus-1")
	require.True(t, ok)
	assert.Equal(t, geo.LatLng{Lat: 40.40, Lng: -3.70}, ms.LastKnownLatLng)
}

func TestSweep_TrackingUnavailable(t *testing.T) {
	h := newHarness(t)
	_, err := h.p.Process(context.Background(), raw("bus-1", 40.40, -3.70, t0))
	require.NoError(t, err)
	_, err = h.p.Process(context.Background(), raw("bus-2", 40.50, -3.70, t0.Add(50*time.Second)))
	require.NoError(t, err)

	assert.Empty(t, h.p.Sweep(t0.Add(time.Minute)))
	assert.Equal(t, []string{"bus-1"}, h.p.Sweep(t0.Add(61*time.Second)))
	assert.Empty(t, h.p.Sweep(t0.Add(62*time.Second)), "flagged once")
	assert.Equal(t, 1, h.obs.unavailable)

	ms, ok := h.recon.State("bus-1")
	require.True(t, ok)
	assert.Equal(t, livemap.StatusUnavailable, ms.Status)
	assert.True(t, ms.Stale)
	for _, m := range h.view.Snapshot().Markers {
		if m.VehicleID == "bus-1" {
			assert.Equal(t, livemap.TrackingUnavailable, m.Popup)
		}
	}

	_, err = h.p.Process(context.Background(), raw("bus-1", 40.41, -3.70, t0.Add(2*time.Minute)))
	require.NoError(t, err)
	st, _ := h.p.Status("bus-1")
	assert.False(t, st.Unavailable)
	ms, _ = h.recon.State("bus-1")
	assert.Equal(t, livemap.StatusActive, ms.Status)
}

func TestEndTrip(t *testing.T) {
	h := newHarness(t)
	h.provider.route = eta.Route{DistanceKm: 0.4, DurationMinutes: 2}
	require.NoError(t, h.p.SetStop("bus-1", stop9))
	_, err := h.p.Process(context.Background(), raw("bus-1", 40.40, -3.70, t0))
	require.NoError(t, err)
	_, open := h.disp.OpenLevel("bus-1", "stop-9")
	require.True(t, open)

	h.p.EndTrip("bus-1")

	assert.Equal(t, 0, h.recon.Len())
	_, err = h.p.est.Live("bus-1")
	assert.ErrorIs(t, err, eta.ErrNoLiveETA)
	_, open = h.disp.OpenLevel("bus-1", "stop-9")
	assert.False(t, open)
	_, ok := h.p.Status("bus-1")
	assert.False(t, ok)
}

func TestSetStop_Validation(t *testing.T) {
	h := newHarness(t)
	assert.Error(t, h.p.SetStop("", stop9))
	bad := stop9
	bad.Position = geo.LatLng{Lat: 95}
	assert.ErrorIs(t, h.p.SetStop("bus-1", bad), ingest.ErrInvalidCoordinates)

	require.NoError(t, h.p.SetStop("bus-1", stop9))
	st, ok := h.p.Status("bus-1")
	require.True(t, ok)
	require.NotNil(t, st.Stop)
	assert.Equal(t, "stop-9", st.Stop.Key)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.p.opts.SweepInterval = time.Millisecond
	h.p.opts.RetryInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	ticks := make(chan struct{}, 1)
	h.p.Run(ctx, func(time.Time) {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})
	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper never ticked")
	}
	cancel()

	done := make(chan struct{})
	go func() {
		h.p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
