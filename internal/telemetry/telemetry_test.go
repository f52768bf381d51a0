package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"fleettrack/internal/gtfs"
	"fleettrack/internal/ingest"
	"fleettrack/internal/tracking"
)

type recordingProcessor struct {
	mu  sync.Mutex
	in  *ingest.Ingestor
	got []ingest.RawPosition
}

func (p *recordingProcessor) Process(_ context.Context, raw ingest.RawPosition) (tracking.Outcome, error) {
	p.mu.Lock()
	p.got = append(p.got, raw)
	p.mu.Unlock()
	s, err := p.in.Accept(raw)
	return tracking.Outcome{Sample: s}, err
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.got)
}

func newProcessor() *recordingProcessor { return &recordingProcessor{in: ingest.New()} }

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		fallback string
		wantID   string
		wantErr  bool
	}{
		{"body id wins", `{"vehicleId":"bus-1","lat":40.1,"lng":-3.7}`, "bus-9", "bus-1", false},
		{"fallback id", `{"lat":40.1,"lng":-3.7}`, "bus-9", "bus-9", false},
		{"not json", `lat=40`, "bus-9", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := DecodeJSON([]byte(tt.body), tt.fallback)
			if tt.wantErr {
				assert.ErrorIs(t, err, ingest.ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, raw.VehicleID)
			require.NotNil(t, raw.Latitude)
			assert.Equal(t, 40.1, *raw.Latitude)
		})
	}
}

func TestVehicleFromSubject(t *testing.T) {
	assert.Equal(t, "bus-1", VehicleFromSubject("telemetry.bus-1"))
	assert.Equal(t, "bus-1", VehicleFromSubject("telemetry.bus-1.gps"))
	assert.Equal(t, "", VehicleFromSubject("map.vehicle.bus-1"))
	assert.Equal(t, "", VehicleFromSubject("telemetry"))
}

func TestHandleLogsByOutcome(t *testing.T) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	p := newProcessor()

	handle(context.Background(), p, log, "nats", []byte(`{"lat":40.1,"lng":-3.7}`), "bus-1")
	assert.Empty(t, hook.AllEntries())

	handle(context.Background(), p, log, "nats", []byte(`{"lat":91,"lng":0}`), "bus-1")
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.DebugLevel, hook.LastEntry().Level)

	handle(context.Background(), p, log, "nats", []byte(`{`), "bus-1")
	assert.Equal(t, logrus.DebugLevel, hook.LastEntry().Level)
	assert.Equal(t, 2, p.count(), "undecodable body never reaches the processor")
}

func feedServer(t *testing.T) *httptest.Server {
	t.Helper()
	feed := &gtfsrt.FeedMessage{
		Header: &gtfsrt.FeedHeader{GtfsRealtimeVersion: proto.String("2.0"), Timestamp: proto.Uint64(1709537400)},
		Entity: []*gtfsrt.FeedEntity{
			{Id: proto.String("1"), Vehicle: &gtfsrt.VehiclePosition{
				Vehicle:  &gtfsrt.VehicleDescriptor{Id: proto.String("bus-1")},
				Position: &gtfsrt.Position{Latitude: proto.Float32(40.4), Longitude: proto.Float32(-3.7)},
			}},
			{Id: proto.String("2"), Vehicle: &gtfsrt.VehiclePosition{
				Vehicle:  &gtfsrt.VehicleDescriptor{Id: proto.String("bus-2")},
				Position: &gtfsrt.Position{Latitude: proto.Float32(95), Longitude: proto.Float32(-3.7)},
			}},
		},
	}
	body, err := proto.Marshal(feed)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGTFSRTSourcePoll(t *testing.T) {
	srv := feedServer(t)
	log, _ := test.NewNullLogger()
	src := NewGTFSRTSource(gtfs.NewClient(srv.URL, srv.Client()), time.Minute, log)

	p := newProcessor()
	n, err := src.Poll(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "out-of-range latitude rejected")
	assert.Equal(t, 2, p.count())
	assert.Equal(t, "gtfsrt", src.Name())
}

func TestGTFSRTSourceRunStops(t *testing.T) {
	srv := feedServer(t)
	log, _ := test.NewNullLogger()
	src := NewGTFSRTSource(gtfs.NewClient(srv.URL, srv.Client()), 5*time.Millisecond, log)
	p := newProcessor()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, p) }()

	require.Eventually(t, func() bool { return p.count() >= 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
