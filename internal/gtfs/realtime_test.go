package gtfs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func sampleFeed() *gtfsrt.FeedMessage {
	return &gtfsrt.FeedMessage{
		Header: &gtfsrt.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(1709537400),
		},
		Entity: []*gtfsrt.FeedEntity{
			{
				Id: proto.String("1"),
				Vehicle: &gtfsrt.VehiclePosition{
					Trip:      &gtfsrt.TripDescriptor{TripId: proto.String("trip-7")},
					Vehicle:   &gtfsrt.VehicleDescriptor{Id: proto.String("bus-7")},
					Position:  &gtfsrt.Position{Latitude: proto.Float32(40.5), Longitude: proto.Float32(-3.5), Speed: proto.Float32(6), Bearing: proto.Float32(90)},
					Timestamp: proto.Uint64(1709537390),
				},
			},
			{
				Id: proto.String("2"),
				Vehicle: &gtfsrt.VehiclePosition{
					Vehicle:  &gtfsrt.VehicleDescriptor{Label: proto.String("Bus 8")},
					Position: &gtfsrt.Position{Latitude: proto.Float32(40.25), Longitude: proto.Float32(-3.25)},
				},
			},
			{
				Id:      proto.String("3"),
				Vehicle: &gtfsrt.VehiclePosition{},
			},
			{
				Id: proto.String("4"), // trip update only
			},
		},
	}
}

func TestVehiclePositions(t *testing.T) {
	got := VehiclePositions(sampleFeed())
	require.Len(t, got, 3)

	assert.Equal(t, "bus-7", got[0].VehicleID)
	assert.Equal(t, "trip-7", got[0].TripID)
	require.NotNil(t, got[0].Latitude)
	assert.InDelta(t, 40.5, *got[0].Latitude, 1e-6)
	assert.InDelta(t, 6, *got[0].Speed, 1e-6)
	assert.Equal(t, "m/s", got[0].SpeedUnit)
	assert.Equal(t, time.Unix(1709537390, 0).UTC(), got[0].CapturedAt)

	assert.Equal(t, "Bus 8", got[1].VehicleID)
	assert.Equal(t, time.Unix(1709537400, 0).UTC(), got[1].CapturedAt, "falls back to header time")
	assert.Nil(t, got[1].Speed)

	assert.Equal(t, "entity:3", got[2].VehicleID)
	assert.Nil(t, got[2].Latitude, "ingest rejects it later")
}

func TestClientFetch(t *testing.T) {
	body, err := proto.Marshal(sampleFeed())
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/vp" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/x-protobuf")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	feed, err := NewClient(srv.URL+"/vp", srv.Client()).Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, feed.GetEntity(), 4)

	_, err = NewClient(srv.URL+"/missing", nil).Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}
