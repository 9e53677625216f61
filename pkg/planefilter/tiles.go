package planefilter

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"cellfinder/internal/models"
)

// TileWalker classifies square tiles of a plane as inside or outside the
// tissue. The background level is estimated from the top-left corner tile,
// which is assumed to lie outside the sample.
type TileWalker struct {
	plane    *models.Plane
	tileSize int

	// outOfBrainThreshold is the corner mean plus two standard deviations,
	// plus one so that it is never zero
	outOfBrainThreshold float64

	buf []float64
}

// NewTileWalker creates a walker with tiles of 2*somaDiameter pixels
func NewTileWalker(p *models.Plane, somaDiameter int) *TileWalker {
	w := &TileWalker{
		plane:    p,
		tileSize: 2 * somaDiameter,
	}
	w.buf = make([]float64, 0, w.tileSize*w.tileSize)

	mean, std := popMeanStd(w.tile(0, 0))
	w.outOfBrainThreshold = mean + 2*std + 1
	return w
}

// TileSize returns the tile edge length in pixels
func (w *TileWalker) TileSize() int {
	return w.tileSize
}

// Threshold returns the mean intensity below which a tile is outside tissue
func (w *TileWalker) Threshold() float64 {
	return w.outOfBrainThreshold
}

// WalkOutOfBrainOnly visits every tile and returns the mask of tiles that
// are inside tissue
func (w *TileWalker) WalkOutOfBrainOnly() *models.TileMask {
	mask := models.NewTileMask(w.plane.Width, w.plane.Height, w.tileSize)
	for row := 0; row < mask.Rows; row++ {
		for col := 0; col < mask.Cols; col++ {
			if !w.isOutOfBrain(w.tile(col*w.tileSize, row*w.tileSize)) {
				mask.Inside[row*mask.Cols+col] = true
			}
		}
	}
	return mask
}

func (w *TileWalker) isOutOfBrain(tile []float64) bool {
	mean := stat.Mean(tile, nil)
	return mean == 0 || mean < w.outOfBrainThreshold
}

// tile copies the tile starting at (x0, y0) into the walker's buffer
func (w *TileWalker) tile(x0, y0 int) []float64 {
	p := w.plane
	x1 := min(x0+w.tileSize, p.Width)
	y1 := min(y0+w.tileSize, p.Height)

	w.buf = w.buf[:0]
	for y := y0; y < y1; y++ {
		w.buf = append(w.buf, p.Data[y*p.Width+x0:y*p.Width+x1]...)
	}
	return w.buf
}

// popMeanStd returns the mean and population standard deviation of x
func popMeanStd(x []float64) (mean, std float64) {
	n := len(x)
	if n == 0 {
		return 0, 0
	}
	if n == 1 {
		return x[0], 0
	}
	mean, variance := stat.MeanVariance(x, nil)
	// MeanVariance is the unbiased estimate; rescale to the population variance
	variance *= float64(n-1) / float64(n)
	if variance <= 0 {
		return mean, 0
	}
	return mean, math.Sqrt(variance)
}
