// Package proximity merges candidate detections that lie close to each other
// in physical space.
//
// Candidates are linked when their anisotropic Euclidean distance is at most
// the merge distance; linked candidates form connected components, so chains
// of near neighbours merge even when their ends are far apart. Every
// component collapses to the arithmetic mean of its members.
package proximity

import (
	"errors"
	"fmt"
	"math"

	"cellfinder/internal/models"
)

// ErrInvalidDistance is returned for a negative or NaN merge distance
var ErrInvalidDistance = errors.New("invalid proximity distance")

// KDTreeThreshold is the candidate count from which neighbours are looked up
// in a k-d tree instead of by scanning every remaining candidate
const KDTreeThreshold = 256

// Distance returns the physical distance between a and b:
//
//	sqrt((Δz·s.Z)² + (Δy·s.Y)² + (Δx·s.X)²)
func Distance(a, b models.Point3D, s models.PhysicalScale) float64 {
	dz := (a.Z - b.Z) * s.Z
	dy := (a.Y - b.Y) * s.Y
	dx := (a.X - b.X) * s.X
	return math.Sqrt(dz*dz + dy*dy + dx*dx)
}

// Merge collapses every group of transitively connected candidates into its
// centroid. Output order follows the order in which clusters are discovered,
// which is the input order of their first member. The input is not modified.
func Merge(candidates []models.Point3D, maxDist float64, scale models.PhysicalScale) ([]models.Point3D, error) {
	clusters, err := Clusters(candidates, maxDist, scale)
	if err != nil {
		return nil, err
	}

	merged := make([]models.Point3D, len(clusters))
	for i, members := range clusters {
		merged[i] = Centroid(candidates, members)
	}
	return merged, nil
}

// Clusters returns the partition of candidate indices into connected
// components. Each component lists its seed first, followed by members in
// breadth-first discovery order.
func Clusters(candidates []models.Point3D, maxDist float64, scale models.PhysicalScale) ([][]int, error) {
	if math.IsNaN(maxDist) || maxDist < 0 {
		return nil, fmt.Errorf("%w: %g", ErrInvalidDistance, maxDist)
	}
	if err := scale.Validate(); err != nil {
		return nil, err
	}
	return grow(candidates, newIndex(candidates, maxDist, scale, len(candidates) >= KDTreeThreshold)), nil
}

// Centroid returns the arithmetic mean of the selected points
func Centroid(points []models.Point3D, members []int) models.Point3D {
	var c models.Point3D
	for _, m := range members {
		c.X += points[m].X
		c.Y += points[m].Y
		c.Z += points[m].Z
	}
	n := float64(len(members))
	return models.Point3D{X: c.X / n, Y: c.Y / n, Z: c.Z / n}
}

// grow runs breadth-first region growing. Seeds are taken in input order;
// visited tracks which candidates already belong to a cluster so the
// candidate list itself is never mutated.
func grow(candidates []models.Point3D, index neighbourIndex) [][]int {
	visited := make([]bool, len(candidates))
	var clusters [][]int
	var queue, neighbours []int

	for seed := range candidates {
		if visited[seed] {
			continue
		}
		visited[seed] = true
		members := []int{seed}
		queue = append(queue[:0], seed)

		for len(queue) > 0 {
			parent := queue[0]
			queue = queue[1:]

			neighbours = index.neighbours(parent, visited, neighbours[:0])
			for _, n := range neighbours {
				if visited[n] {
					continue
				}
				visited[n] = true
				members = append(members, n)
				queue = append(queue, n)
			}
		}

		clusters = append(clusters, members)
	}
	return clusters
}
