package geo

import (
	"context"
	"math"
)

// Coordinates is a WGS84 point.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Checker decides whether a sampled position is close enough to the
// classroom. Implementations must respect ctx cancellation.
type Checker interface {
	Check(ctx context.Context, sample, classroom Coordinates, toleranceMeters float64) (bool, error)
}

// HaversineChecker evaluates proximity with a great-circle distance.
type HaversineChecker struct{}

// Check reports whether sample is within toleranceMeters of classroom.
func (HaversineChecker) Check(ctx context.Context, sample, classroom Coordinates, toleranceMeters float64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return Distance(sample, classroom) <= toleranceMeters, nil
}

const earthRadiusMeters = 6371000

// Distance returns the great-circle distance between two points in meters.
func Distance(a, b Coordinates) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
