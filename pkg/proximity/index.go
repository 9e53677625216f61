package proximity

import (
	"gonum.org/v1/gonum/spatial/kdtree"

	"cellfinder/internal/models"
)

// neighbourIndex finds the unvisited candidates within the merge distance
// of a given candidate
type neighbourIndex interface {
	neighbours(i int, visited []bool, dst []int) []int
}

// newIndex builds the lookup structure. Both implementations apply the same
// Distance <= maxDist predicate, so they produce identical components.
func newIndex(candidates []models.Point3D, maxDist float64, scale models.PhysicalScale, useTree bool) neighbourIndex {
	if useTree {
		return newTreeIndex(candidates, maxDist, scale)
	}
	return &scanIndex{candidates: candidates, maxDist: maxDist, scale: scale}
}

// scanIndex compares against every remaining candidate
type scanIndex struct {
	candidates []models.Point3D
	maxDist    float64
	scale      models.PhysicalScale
}

func (s *scanIndex) neighbours(i int, visited []bool, dst []int) []int {
	p := s.candidates[i]
	for j, q := range s.candidates {
		if visited[j] {
			continue
		}
		if Distance(p, q, s.scale) <= s.maxDist {
			dst = append(dst, j)
		}
	}
	return dst
}

// treeIndex answers radius queries from a k-d tree built over the
// candidates in physical coordinates
type treeIndex struct {
	candidates []models.Point3D
	maxDist    float64
	scale      models.PhysicalScale
	points     scaledPoints
	tree       *kdtree.Tree

	// radiusSq is padded slightly so boundary pairs reach the exact check
	radiusSq float64
}

func newTreeIndex(candidates []models.Point3D, maxDist float64, scale models.PhysicalScale) *treeIndex {
	points := make(scaledPoints, len(candidates))
	for i, c := range candidates {
		points[i] = newScaledPoint(c, scale, i)
	}
	t := &treeIndex{
		candidates: candidates,
		maxDist:    maxDist,
		scale:      scale,
		points:     make(scaledPoints, len(points)),
		radiusSq:   maxDist * maxDist * (1 + 1e-9),
	}
	// The query points keep input order; the tree reorders its own copy
	copy(t.points, points)
	t.tree = kdtree.New(points, false)
	return t
}

func (t *treeIndex) neighbours(i int, visited []bool, dst []int) []int {
	keep := kdtree.NewDistKeeper(t.radiusSq)
	t.tree.NearestSet(keep, t.points[i])

	p := t.candidates[i]
	for _, c := range keep.Heap {
		if c.Comparable == nil {
			continue
		}
		j := c.Comparable.(scaledPoint).idx
		if visited[j] {
			continue
		}
		if Distance(p, t.candidates[j], t.scale) <= t.maxDist {
			dst = append(dst, j)
		}
	}
	return dst
}

// scaledPoint is a candidate in physical coordinates (z, y, x) together
// with its index in the candidate list
type scaledPoint struct {
	coord [3]float64
	idx   int
}

func newScaledPoint(p models.Point3D, s models.PhysicalScale, idx int) scaledPoint {
	return scaledPoint{
		coord: [3]float64{p.Z * s.Z, p.Y * s.Y, p.X * s.X},
		idx:   idx,
	}
}

// Compare implements the kdtree.Comparable interface
func (p scaledPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(scaledPoint)
	return p.coord[d] - q.coord[d]
}

// Dims returns the number of dimensions for the k-d tree
func (p scaledPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p scaledPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(scaledPoint)
	var sum float64
	for d := range p.coord {
		diff := p.coord[d] - q.coord[d]
		sum += diff * diff
	}
	return sum
}

// scaledPoints is a collection of scaledPoint that satisfies kdtree.Interface
type scaledPoints []scaledPoint

func (p scaledPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p scaledPoints) Len() int                              { return len(p) }
func (p scaledPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p scaledPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pointPlane{scaledPoints: p, Dim: d}, kdtree.MedianOfRandoms(pointPlane{scaledPoints: p, Dim: d}, 100))
}

// pointPlane implements sort.Interface and kdtree.SortSlicer for scaledPoints
type pointPlane struct {
	scaledPoints
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	return p.scaledPoints[i].coord[p.Dim] < p.scaledPoints[j].coord[p.Dim]
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{scaledPoints: p.scaledPoints[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.scaledPoints[i], p.scaledPoints[j] = p.scaledPoints[j], p.scaledPoints[i]
}
