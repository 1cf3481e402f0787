package registry

import (
	"errors"
	"math"

	"siren-signal/internal/models"
)

// ErrNoResponders is returned when no responder has a live presence entry.
var ErrNoResponders = errors.New("no responders available")

const earthRadiusMeters = 6371000

// Distance returns the great-circle distance in meters between two
// WGS84 coordinates (haversine formula).
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := rad(lat2 - lat1)
	dLng := rad(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Nearest returns the responder with the minimum distance to the given
// position. A plain O(n) scan; responder counts are small.
func Nearest(responders []models.Responder, lat, lng float64) (models.Responder, error) {
	if len(responders) == 0 {
		return models.Responder{}, ErrNoResponders
	}

	best := responders[0]
	bestDist := Distance(lat, lng, best.Latitude, best.Longitude)
	for _, resp := range responders[1:] {
		d := Distance(lat, lng, resp.Latitude, resp.Longitude)
		if d < bestDist {
			best = resp
			bestDist = d
		}
	}
	return best, nil
}
