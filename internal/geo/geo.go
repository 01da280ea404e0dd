// Package geo contains pure geographic computation helpers.
package geo

import (
	"math"

	"parcelnet/internal/types"
)

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance in kilometres between two points.
func HaversineKm(a, b types.Point) float64 {
	dLat := degreesToRadians(b.Lat - a.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)

	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// Interpolate returns the point a fraction t of the way from a to b.
// Linear in lat/lng, which is close enough for the distances we simulate.
func Interpolate(a, b types.Point, t float64) types.Point {
	return types.Point{
		Lat: a.Lat + (b.Lat-a.Lat)*t,
		Lng: a.Lng + (b.Lng-a.Lng)*t,
	}
}

// Densify inserts intermediate points so that no two consecutive points are
// more than stepKm apart. The input endpoints are always kept.
func Densify(points []types.Point, stepKm float64) []types.Point {
	if len(points) < 2 || stepKm <= 0 {
		out := make([]types.Point, len(points))
		copy(out, points)
		return out
	}
	out := make([]types.Point, 0, len(points))
	out = append(out, points[0])
	for i := 1; i < len(points); i++ {
		a, b := points[i-1], points[i]
		n := int(math.Ceil(HaversineKm(a, b) / stepKm))
		for j := 1; j < n; j++ {
			out = append(out, Interpolate(a, b, float64(j)/float64(n)))
		}
		out = append(out, b)
	}
	return out
}

// PathLengthKm sums the great-circle length of a polyline.
func PathLengthKm(points []types.Point) float64 {
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += HaversineKm(points[i-1], points[i])
	}
	return total
}

// SortByDistance performs an insertion sort (fine for small N) on any slice
// where each element exposes a distance via the accessor function.
// Equal distances keep their input order.
func SortByDistance[T any](items []T, dist func(T) float64) {
	for i := 1; i < len(items); i++ {
		key := items[i]
		j := i - 1
		for j >= 0 && dist(items[j]) > dist(key) {
			items[j+1] = items[j]
			j--
		}
		items[j+1] = key
	}
}
