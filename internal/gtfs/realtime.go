// Package gtfs reads GTFS-Realtime VehiclePositions feeds and turns their
// entities into raw position reports.
package gtfs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"fleettrack/internal/ingest"
)

// Client fetches a feed over HTTP.
type Client struct {
	url    string
	client *http.Client
}

func NewClient(url string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{url: url, client: client}
}

func (c *Client) URL() string { return c.url }

// Fetch downloads and decodes the feed.
func (c *Client) Fetch(ctx context.Context) (*gtfsrt.FeedMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/x-protobuf")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}
	return Decode(body)
}

func Decode(data []byte) (*gtfsrt.FeedMessage, error) {
	feed := &gtfsrt.FeedMessage{}
	if err := proto.Unmarshal(data, feed); err != nil {
		return nil, fmt.Errorf("parse protobuf: %w", err)
	}
	return feed, nil
}

// VehiclePositions converts every vehicle entity of feed. Entities without
// a vehicle, or without any identifier, are skipped. Missing coordinates
// are passed through as nil so ingest rejects them.
func VehiclePositions(feed *gtfsrt.FeedMessage) []ingest.RawPosition {
	var headerTS time.Time
	if h := feed.GetHeader(); h != nil && h.Timestamp != nil {
		headerTS = time.Unix(int64(h.GetTimestamp()), 0).UTC()
	}
	var out []ingest.RawPosition
	for _, entity := range feed.GetEntity() {
		v := entity.GetVehicle()
		if v == nil {
			continue
		}
		raw := ingest.RawPosition{
			VehicleID: vehicleKey(entity),
			TripID:    v.GetTrip().GetTripId(),
		}
		if raw.VehicleID == "" {
			continue
		}
		if pos := v.GetPosition(); pos != nil {
			if pos.Latitude != nil {
				lat := float64(pos.GetLatitude())
				raw.Latitude = &lat
			}
			if pos.Longitude != nil {
				lng := float64(pos.GetLongitude())
				raw.Longitude = &lng
			}
			if pos.Speed != nil {
				speed := float64(pos.GetSpeed())
				raw.Speed = &speed
				raw.SpeedUnit = "m/s"
			}
			if pos.Bearing != nil {
				bearing := float64(pos.GetBearing())
				raw.Heading = &bearing
			}
		}
		switch {
		case v.Timestamp != nil:
			raw.CapturedAt = time.Unix(int64(v.GetTimestamp()), 0).UTC()
		default:
			raw.CapturedAt = headerTS
		}
		out = append(out, raw)
	}
	return out
}

func vehicleKey(e *gtfsrt.FeedEntity) string {
	d := e.GetVehicle().GetVehicle()
	if id := d.GetId(); id != "" {
		return id
	}
	if label := d.GetLabel(); label != "" {
		return label
	}
	if id := e.GetId(); id != "" {
		return "entity:" + id
	}
	return ""
}
