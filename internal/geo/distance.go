// Package geo computes delivery distances from the kitchen.
package geo

import (
	"math"

	"mealbox/internal/apperr"

	"github.com/shopspring/decimal"
)

const (
	// OriginLat / OriginLng locate the kitchen every delivery starts from.
	OriginLat = 12.9352
	OriginLng = 77.6245

	earthRadiusKm = 6371.0
	// roadFactor converts straight-line distance into an approximate city road distance.
	roadFactor = 1.3
)

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate reports InvalidCoordinates for out-of-range or non-finite values.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || math.IsNaN(p.Lng) || math.IsInf(p.Lng, 0) {
		return apperr.New(apperr.ErrInvalidCoordinates, "coordinates must be finite")
	}
	if p.Lat < -90 || p.Lat > 90 {
		return apperr.New(apperr.ErrInvalidCoordinates, "latitude %v out of range [-90, 90]", p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return apperr.New(apperr.ErrInvalidCoordinates, "longitude %v out of range [-180, 180]", p.Lng)
	}
	return nil
}

// DistanceKm returns the adjusted road distance in km from the kitchen to
// (lat, lng), rounded to 2 decimals. Rounding happens exactly once.
func DistanceKm(lat, lng float64) (float64, error) {
	p := Point{Lat: lat, Lng: lng}
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if lat == OriginLat && lng == OriginLng {
		return 0, nil
	}

	phi1 := toRadians(OriginLat)
	phi2 := toRadians(lat)
	dPhi := toRadians(lat - OriginLat)
	dLambda := toRadians(lng - OriginLng)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	km := earthRadiusKm * c * roadFactor
	return decimal.NewFromFloat(km).Round(2).InexactFloat64(), nil
}

// Distance is DistanceKm for a Point.
func Distance(p Point) (float64, error) {
	return DistanceKm(p.Lat, p.Lng)
}

func toRadians(deg float64) float64 {
	return deg * (math.Pi / 180)
}
