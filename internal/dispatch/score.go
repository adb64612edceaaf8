package dispatch

import "math"

// DefaultWorkloadWeightKm one extra active task weighs as much as this many kilometres
const DefaultWorkloadWeightKm = 50.0

const earthRadiusKm = 6371.0

// Haversine great-circle distance in kilometres
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Score d + 50w; lower is better
func Score(distanceKm float64, workload int) float64 {
	return WeightedScore(distanceKm, workload, DefaultWorkloadWeightKm)
}

// WeightedScore d + weightKm*w
func WeightedScore(distanceKm float64, workload int, weightKm float64) float64 {
	return distanceKm + weightKm*float64(workload)
}
