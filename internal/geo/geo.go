// Package geo contains pure geographic computation helpers.
package geo

import (
	"math"

	"rickqueue/internal/types"
)

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees.
func DistanceKm(a, b types.Point) float64 {
	dLat := degreesToRadians(b.Lat - a.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)

	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

// DistanceMeters is DistanceKm rounded to whole metres.
func DistanceMeters(a, b types.Point) int {
	return int(math.Round(DistanceKm(a, b) * 1000))
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
