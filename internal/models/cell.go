package models

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidScale is returned for physical scales with a non-positive axis
var ErrInvalidScale = errors.New("invalid physical scale")

// Point3D is a position in voxel index space
type Point3D struct {
	X, Y, Z float64
}

// CellType is the classification label of a candidate. The numeric values
// are the ones used in persisted cell lists.
type CellType int

const (
	TypeUnclassified CellType = 0
	TypeNonCell      CellType = 1
	TypeCell         CellType = 2
)

func (t CellType) String() string {
	switch t {
	case TypeNonCell:
		return "non_cell"
	case TypeCell:
		return "cell"
	default:
		return "unclassified"
	}
}

// ParseCellType maps a persisted type code to a CellType
func ParseCellType(code int) (CellType, error) {
	switch CellType(code) {
	case TypeUnclassified, TypeNonCell, TypeCell:
		return CellType(code), nil
	}
	return TypeUnclassified, fmt.Errorf("unknown cell type %d", code)
}

// Cell is a detected candidate together with its classification label.
// Identity is positional.
type Cell struct {
	Point3D
	Type CellType
}

// NewCell creates a cell record at p with type t
func NewCell(p Point3D, t CellType) Cell {
	return Cell{Point3D: p, Type: t}
}

// IsCell reports whether the candidate has been labelled as a cell
func (c Cell) IsCell() bool {
	return c.Type == TypeCell
}

// Points returns the positions of the given cells
func Points(cells []Cell) []Point3D {
	pts := make([]Point3D, len(cells))
	for i, c := range cells {
		pts[i] = c.Point3D
	}
	return pts
}

// PhysicalScale holds the real-world distance per voxel along each axis.
// Voxel spacing is usually anisotropic, with Z coarser than X and Y.
type PhysicalScale struct {
	Z, Y, X float64
}

// Isotropic returns a unit scale
func Isotropic() PhysicalScale {
	return PhysicalScale{Z: 1, Y: 1, X: 1}
}

// Validate checks that every axis is finite and positive
func (s PhysicalScale) Validate() error {
	for _, v := range []float64{s.Z, s.Y, s.X} {
		if !(v > 0) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: (z=%g, y=%g, x=%g)", ErrInvalidScale, s.Z, s.Y, s.X)
		}
	}
	return nil
}
