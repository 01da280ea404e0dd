// README: Batch sequencer; orders one courier's stops (urgent by distance, then nearest neighbour).
package sequencing

import (
	"parcelnet/internal/geo"
	"parcelnet/internal/types"
)

// Sequence returns a visiting order for stops starting at origin.
// Urgent stops come first, ascending by distance from origin. The rest follow
// by greedy nearest neighbour from the last urgent stop (or origin); equal
// distances resolve to the earliest remaining input stop.
// The input slice is not modified.
func Sequence(origin types.Point, stops []Stop) []Stop {
	urgent := make([]Stop, 0, len(stops))
	normal := make([]Stop, 0, len(stops))
	for _, s := range stops {
		if s.Urgent() {
			urgent = append(urgent, s)
		} else {
			normal = append(normal, s)
		}
	}

	geo.SortByDistance(urgent, func(s Stop) float64 {
		return geo.HaversineKm(origin, s.Position)
	})

	out := make([]Stop, 0, len(stops))
	out = append(out, urgent...)

	cursor := origin
	if len(urgent) > 0 {
		cursor = urgent[len(urgent)-1].Position
	}
	for len(normal) > 0 {
		best := 0
		bestDist := geo.HaversineKm(cursor, normal[0].Position)
		for i := 1; i < len(normal); i++ {
			if d := geo.HaversineKm(cursor, normal[i].Position); d < bestDist {
				best, bestDist = i, d
			}
		}
		next := normal[best]
		out = append(out, next)
		cursor = next.Position
		normal = append(normal[:best], normal[best+1:]...)
	}
	return out
}

// TourLengthKm is the length of origin -> stops[0] -> ... -> stops[n-1].
func TourLengthKm(origin types.Point, stops []Stop) float64 {
	points := make([]types.Point, 0, len(stops)+1)
	points = append(points, origin)
	for _, s := range stops {
		points = append(points, s.Position)
	}
	return geo.PathLengthKm(points)
}
