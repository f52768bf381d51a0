package geo

import "math"

const earthRadiusM = 6371000.0

// LatLng is a WGS84 coordinate in decimal degrees.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate is inside the WGS84 range.
func (p LatLng) Valid() bool {
	return ValidLatitude(p.Lat) && ValidLongitude(p.Lng)
}

func ValidLatitude(lat float64) bool {
	return !math.IsNaN(lat) && lat >= -90 && lat <= 90
}

func ValidLongitude(lng float64) bool {
	return !math.IsNaN(lng) && lng >= -180 && lng <= 180
}

func toRad(d float64) float64 { return d * math.Pi / 180 }

// DistanceMeters returns the haversine distance between a and b in meters.
func DistanceMeters(a, b LatLng) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusM * c
}

// DistanceKM is DistanceMeters in kilometers.
func DistanceKM(a, b LatLng) float64 {
	return DistanceMeters(a, b) / 1000
}

// Bearing returns the initial bearing from a to b in degrees, [0,360).
func Bearing(a, b LatLng) float64 {
	y := math.Sin(toRad(b.Lng-a.Lng)) * math.Cos(toRad(b.Lat))
	x := math.Cos(toRad(a.Lat))*math.Sin(toRad(b.Lat)) - math.Sin(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Cos(toRad(b.Lng-a.Lng))
	return NormalizeHeading(math.Atan2(y, x) * 180 / math.Pi)
}

// NormalizeHeading wraps any heading in degrees into [0,360).
func NormalizeHeading(h float64) float64 {
	if math.IsNaN(h) || math.IsInf(h, 0) {
		return 0
	}
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	// math.Mod of a tiny negative value can round up to exactly 360
	if h >= 360 {
		h = 0
	}
	return h
}

// Bounds is an axis-aligned lat/lng box.
type Bounds struct {
	SouthWest LatLng `json:"southWest"`
	NorthEast LatLng `json:"northEast"`
}

// BoundsOf returns the bounding box of pts. ok is false when pts is empty.
func BoundsOf(pts []LatLng) (b Bounds, ok bool) {
	if len(pts) == 0 {
		return Bounds{}, false
	}
	b.SouthWest, b.NorthEast = pts[0], pts[0]
	for _, p := range pts[1:] {
		b.SouthWest.Lat = math.Min(b.SouthWest.Lat, p.Lat)
		b.SouthWest.Lng = math.Min(b.SouthWest.Lng, p.Lng)
		b.NorthEast.Lat = math.Max(b.NorthEast.Lat, p.Lat)
		b.NorthEast.Lng = math.Max(b.NorthEast.Lng, p.Lng)
	}
	return b, true
}
