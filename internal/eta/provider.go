package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fleettrack/internal/geo"
)

// RouteOptions are passed through to the route provider.
type RouteOptions struct {
	Profile string // e.g. "driving"; empty uses the provider default
}

// Leg is one section of a computed route.
type Leg struct {
	DistanceKm      float64 `json:"distanceKm"`
	DurationMinutes float64 `json:"durationMinutes"`
}

// Route is the answer of a route provider.
type Route struct {
	DistanceKm      float64 `json:"distanceKm"`
	DurationMinutes float64 `json:"durationMinutes"`
	Legs            []Leg   `json:"legs,omitempty"`
}

// RouteProvider computes a drivable route between two points. Implementations
// may block on the network and must honor ctx cancellation.
type RouteProvider interface {
	Name() string
	ComputeRoute(ctx context.Context, origin, destination geo.LatLng, opts RouteOptions) (Route, error)
}

// OSRMProvider queries an OSRM server's route service.
type OSRMProvider struct {
	baseURL string
	client  *http.Client
}

func NewOSRMProvider(baseURL string, client *http.Client) *OSRMProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &OSRMProvider{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (p *OSRMProvider) Name() string { return "osrm" }

func (p *OSRMProvider) ComputeRoute(ctx context.Context, origin, destination geo.LatLng, opts RouteOptions) (Route, error) {
	profile := opts.Profile
	if profile == "" {
		profile = "driving"
	}
	url := fmt.Sprintf("%s/route/v1/%s/%f,%f;%f,%f?overview=false",
		p.baseURL, profile, origin.Lng, origin.Lat, destination.Lng, destination.Lat)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Route{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Route{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Route{}, fmt.Errorf("osrm status %d", resp.StatusCode)
	}

	var result struct {
		Code   string `json:"code"`
		Routes []struct {
			Distance float64 `json:"distance"` // meters
			Duration float64 `json:"duration"` // seconds
			Legs     []struct {
				Distance float64 `json:"distance"`
				Duration float64 `json:"duration"`
			} `json:"legs"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Route{}, fmt.Errorf("decode osrm response: %w", err)
	}
	if result.Code != "Ok" || len(result.Routes) == 0 {
		return Route{}, fmt.Errorf("no route found (code %q)", result.Code)
	}

	r := result.Routes[0]
	out := Route{DistanceKm: r.Distance / 1000, DurationMinutes: r.Duration / 60}
	for _, l := range r.Legs {
		out.Legs = append(out.Legs, Leg{DistanceKm: l.Distance / 1000, DurationMinutes: l.Duration / 60})
	}
	return out, nil
}

// StraightLineProvider estimates a route as the great-circle distance driven
// at a constant average speed. It never fails and needs no network.
type StraightLineProvider struct {
	AverageSpeedKmh float64
}

func (p StraightLineProvider) Name() string { return "straight_line" }

func (p StraightLineProvider) ComputeRoute(ctx context.Context, origin, destination geo.LatLng, _ RouteOptions) (Route, error) {
	if err := ctx.Err(); err != nil {
		return Route{}, err
	}
	speed := p.AverageSpeedKmh
	if speed <= 0 {
		speed = 25
	}
	km := geo.DistanceKM(origin, destination)
	minutes := km / speed * 60
	return Route{
		DistanceKm:      km,
		DurationMinutes: minutes,
		Legs:            []Leg{{DistanceKm: km, DurationMinutes: minutes}},
	}, nil
}
