package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceMeters(t *testing.T) {
	// one degree of latitude is ~111.19 km on the haversine sphere
	d := DistanceMeters(LatLng{Lat: 0, Lng: 0}, LatLng{Lat: 1, Lng: 0})
	assert.InDelta(t, 111195, d, 50)

	assert.Zero(t, DistanceMeters(LatLng{Lat: 41.38, Lng: 2.17}, LatLng{Lat: 41.38, Lng: 2.17}))
}

func TestBearing(t *testing.T) {
	tests := []struct {
		name string
		to   LatLng
		want float64
	}{
		{"north", LatLng{Lat: 1, Lng: 0}, 0},
		{"east", LatLng{Lat: 0, Lng: 1}, 90},
		{"south", LatLng{Lat: -1, Lng: 0}, 180},
		{"west", LatLng{Lat: 0, Lng: -1}, 270},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Bearing(LatLng{}, tt.to), 0.001)
		})
	}
}

func TestNormalizeHeading(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{359.5, 359.5},
		{360, 0},
		{725, 5},
		{-90, 270},
		{-720, 0},
		{math.NaN(), 0},
		{math.Inf(1), 0},
	}
	for _, tt := range tests {
		got := NormalizeHeading(tt.in)
		assert.InDelta(t, tt.want, got, 1e-9, "NormalizeHeading(%v)", tt.in)
		assert.True(t, got >= 0 && got < 360)
	}
}

func TestValid(t *testing.T) {
	assert.True(t, LatLng{Lat: 90, Lng: 180}.Valid())
	assert.True(t, LatLng{Lat: -90, Lng: -180}.Valid())
	assert.False(t, LatLng{Lat: 91, Lng: 0}.Valid())
	assert.False(t, LatLng{Lat: 0, Lng: -180.01}.Valid())
	assert.False(t, LatLng{Lat: math.NaN(), Lng: 0}.Valid())
}

func TestBoundsOf(t *testing.T) {
	_, ok := BoundsOf(nil)
	assert.False(t, ok)

	b, ok := BoundsOf([]LatLng{{Lat: 1, Lng: 5}, {Lat: -2, Lng: 7}, {Lat: 3, Lng: 6}})
	assert.True(t, ok)
	assert.Equal(t, LatLng{Lat: -2, Lng: 5}, b.SouthWest)
	assert.Equal(t, LatLng{Lat: 3, Lng: 7}, b.NorthEast)
}
