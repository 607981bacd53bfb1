package geo

import (
	"math"

	"github.com/example/driver-dispatch/internal/models"
)

const earthRadiusM = 6371000.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// Meters between two coordinates.
func Meters(a, b models.Coord) float64 { return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) }

// DistanceKm is the great-circle distance in kilometers.
func DistanceKm(a, b models.Coord) float64 { return Meters(a, b) / 1000 }

// Within reports whether b lies inside radiusKm of a.
func Within(a, b models.Coord, radiusKm float64) bool {
	return DistanceKm(a, b) <= radiusKm
}
