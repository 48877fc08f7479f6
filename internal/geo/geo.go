// Package geo computes great-circle distances and classifies an agent's
// proximity to a customer location.
package geo

import "math"

// earthRadiusMeters is the mean Earth radius used by the Haversine formula.
const earthRadiusMeters = 6371000.0

// Proximity is the discrete classification of an agent's distance to a
// location.
type Proximity string

const (
	ProximityAtLocation  Proximity = "at-location"
	ProximityWithinRange Proximity = "within-range"
	ProximityOutOfRange  Proximity = "out-of-range"
	ProximityUnavailable Proximity = "unavailable"
)

// Distance thresholds encode the product's business distance policy and
// are deliberately not configurable.
const (
	atLocationMaxMeters  = 15.0
	withinRangeMaxMeters = 50.0
)

// Distance returns the Haversine great-circle distance in meters between
// two coordinates given in decimal degrees.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	const degToRad = math.Pi / 180.0

	dLat := (lat2 - lat1) * degToRad
	dLon := (lon2 - lon1) * degToRad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*degToRad)*math.Cos(lat2*degToRad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// Classify maps a distance in meters to a proximity status.
func Classify(meters float64) Proximity {
	switch {
	case meters <= atLocationMaxMeters:
		return ProximityAtLocation
	case meters <= withinRangeMaxMeters:
		return ProximityWithinRange
	default:
		return ProximityOutOfRange
	}
}

// ClassifyMeasured classifies an optional distance, returning
// ProximityUnavailable when no distance could be computed.
func ClassifyMeasured(meters *float64) Proximity {
	if meters == nil {
		return ProximityUnavailable
	}
	return Classify(*meters)
}
