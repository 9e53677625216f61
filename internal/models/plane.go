package models

import (
	"errors"
	"fmt"
)

// ErrInvalidPlaneShape is returned for planes that are empty or whose data
// length does not match their declared extent.
var ErrInvalidPlaneShape = errors.New("invalid plane shape")

// Plane represents a single z-slice of a volume
type Plane struct {
	// ID is the position of this plane in the z stack
	ID int

	// Width and Height are the in-plane dimensions in pixels
	Width  int
	Height int

	// Data holds the intensities in row-major order (y*Width + x)
	Data []float64
}

// NewPlane allocates a zeroed plane with the given extent
func NewPlane(id, width, height int) *Plane {
	return &Plane{
		ID:     id,
		Width:  width,
		Height: height,
		Data:   make([]float64, width*height),
	}
}

// Validate checks that the plane is a non-empty 2-D array
func (p *Plane) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil plane", ErrInvalidPlaneShape)
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("%w: plane %d has extent %dx%d", ErrInvalidPlaneShape, p.ID, p.Width, p.Height)
	}
	if len(p.Data) != p.Width*p.Height {
		return fmt.Errorf("%w: plane %d has %d values for extent %dx%d",
			ErrInvalidPlaneShape, p.ID, len(p.Data), p.Width, p.Height)
	}
	return nil
}

// At returns the intensity at (x, y)
func (p *Plane) At(x, y int) float64 {
	return p.Data[y*p.Width+x]
}

// Set stores the intensity at (x, y)
func (p *Plane) Set(x, y int, v float64) {
	p.Data[y*p.Width+x] = v
}

// TileMask marks which tiles of a plane lie inside tissue.
// Tiles are TileSize x TileSize pixels; edge tiles may be smaller.
type TileMask struct {
	Cols     int
	Rows     int
	TileSize int

	// Inside is row-major (row*Cols + col); true means inside tissue
	Inside []bool
}

// NewTileMask allocates a mask covering a width x height plane
func NewTileMask(width, height, tileSize int) *TileMask {
	cols := (width + tileSize - 1) / tileSize
	rows := (height + tileSize - 1) / tileSize
	return &TileMask{
		Cols:     cols,
		Rows:     rows,
		TileSize: tileSize,
		Inside:   make([]bool, cols*rows),
	}
}

// InsideAt reports whether the tile covering pixel (x, y) is inside tissue
func (m *TileMask) InsideAt(x, y int) bool {
	return m.Inside[(y/m.TileSize)*m.Cols+x/m.TileSize]
}

// CountInside returns the number of tiles inside tissue
func (m *TileMask) CountInside() int {
	n := 0
	for _, in := range m.Inside {
		if in {
			n++
		}
	}
	return n
}

// FilteredPlane is one element of the ordered plane stream handed to the
// ball filter. Err is set when the plane could not be produced; in that case
// Plane and Mask are nil and no further elements follow.
type FilteredPlane struct {
	Plane *Plane
	Mask  *TileMask
	Err   error
}

// ID returns the plane id, or -1 when the plane is missing
func (f FilteredPlane) ID() int {
	if f.Plane == nil {
		return -1
	}
	return f.Plane.ID
}
