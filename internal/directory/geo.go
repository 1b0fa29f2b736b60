package directory

import (
	"math"

	"github.com/joshuamckenty/anthill/internal/models"
)

// earthRadiusKm is the mean Earth radius. All distances in this package
// are great-circle kilometers on a sphere of this radius.
const earthRadiusKm = 6371.0

// DistanceKm returns the haversine distance between two points in km.
func DistanceKm(a, b models.Coordinates) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := radians(b.Lat - a.Lat)
	dLon := radians(b.Lon - a.Lon)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	if h > 1 {
		// Float drift near antipodal points; Asin needs h <= 1.
		h = 1
	}
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
