// README: Capacity-balanced spatial partition of a dispatch batch into per-courier groups.
package sequencing

import (
	"sort"

	"parcelnet/internal/geo"
	"parcelnet/internal/types"
)

const maxPartitionIterations = 20

// Partition splits stops into min(k, len(stops)) proximity groups of nearly
// equal size: every group holds floor(n/k) or ceil(n/k) stops.
// The result is deterministic for a given input order; each group keeps the
// input order of its members.
func Partition(origin types.Point, stops []Stop, k int) [][]Stop {
	n := len(stops)
	if n == 0 || k <= 0 {
		return nil
	}
	if k > n {
		k = n
	}

	centroids := seedCentroids(origin, stops, k)
	assign := balancedAssign(stops, centroids)
	for iter := 0; iter < maxPartitionIterations; iter++ {
		centroids = recomputeCentroids(stops, assign, k)
		next := balancedAssign(stops, centroids)
		if equalAssignments(assign, next) {
			break
		}
		assign = next
	}

	groups := make([][]Stop, k)
	for i, c := range assign {
		groups[c] = append(groups[c], stops[i])
	}
	return groups
}

// seedCentroids starts from the stop nearest origin, then repeatedly adds the
// stop farthest from every chosen seed. Ties go to the lower input index.
func seedCentroids(origin types.Point, stops []Stop, k int) []types.Point {
	first := 0
	bestDist := geo.HaversineKm(origin, stops[0].Position)
	for i := 1; i < len(stops); i++ {
		if d := geo.HaversineKm(origin, stops[i].Position); d < bestDist {
			first, bestDist = i, d
		}
	}

	chosen := map[int]bool{first: true}
	centroids := []types.Point{stops[first].Position}
	for len(centroids) < k {
		pick, pickDist := -1, -1.0
		for i, s := range stops {
			if chosen[i] {
				continue
			}
			nearest := -1.0
			for _, c := range centroids {
				if d := geo.HaversineKm(c, s.Position); nearest < 0 || d < nearest {
					nearest = d
				}
			}
			if nearest > pickDist {
				pick, pickDist = i, nearest
			}
		}
		chosen[pick] = true
		centroids = append(centroids, stops[pick].Position)
	}
	return centroids
}

type candidate struct {
	stop    int
	cluster int
	dist    float64
}

// balancedAssign greedily binds the globally closest (stop, cluster) pairs.
// Each cluster takes floor(n/k) stops; the n mod k spare slots go one per
// cluster to whichever clusters reach them first.
func balancedAssign(stops []Stop, centroids []types.Point) []int {
	n, k := len(stops), len(centroids)
	base := n / k
	spare := n % k

	pairs := make([]candidate, 0, n*k)
	for i, s := range stops {
		for c, p := range centroids {
			pairs = append(pairs, candidate{stop: i, cluster: c, dist: geo.HaversineKm(s.Position, p)})
		}
	}
	sort.SliceStable(pairs, func(a, b int) bool {
		return pairs[a].dist < pairs[b].dist
	})

	assign := make([]int, n)
	for i := range assign {
		assign[i] = -1
	}
	size := make([]int, k)
	for _, p := range pairs {
		if assign[p.stop] >= 0 {
			continue
		}
		switch {
		case size[p.cluster] < base:
		case size[p.cluster] == base && spare > 0:
			spare--
		default:
			continue
		}
		assign[p.stop] = p.cluster
		size[p.cluster]++
	}
	return assign
}

func recomputeCentroids(stops []Stop, assign []int, k int) []types.Point {
	sum := make([]types.Point, k)
	count := make([]int, k)
	for i, c := range assign {
		sum[c].Lat += stops[i].Position.Lat
		sum[c].Lng += stops[i].Position.Lng
		count[c]++
	}
	out := make([]types.Point, k)
	for c := range out {
		if count[c] == 0 {
			continue
		}
		out[c] = types.Point{Lat: sum[c].Lat / float64(count[c]), Lng: sum[c].Lng / float64(count[c])}
	}
	return out
}

func equalAssignments(a, b []int) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
