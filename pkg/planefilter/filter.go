// Package planefilter implements the per-plane transform applied to every
// z-slice before 3-D detection: intensity clipping, tissue tile
// classification and adaptive thresholding of the clipped plane. The
// peak-enhanced response is available separately through Filter.Response.
//
// A Filter holds no mutable state and can be shared by concurrent workers;
// each call to Apply works in place on the plane it is given.
package planefilter

import (
	"errors"
	"fmt"

	"cellfinder/internal/models"
)

// ErrInvalidParams is returned for filter parameters that cannot be applied
var ErrInvalidParams = errors.New("invalid plane filter parameters")

// Params holds the plane filter parameters
type Params struct {
	// SomaDiameter is the expected soma diameter in pixels
	SomaDiameter int

	// LogSigmaFactor scales SomaDiameter into the Gaussian sigma of the
	// peak enhancement
	LogSigmaFactor float64

	// ClippingValue is the upper intensity bound
	ClippingValue float64

	// ThresholdValue is written into foreground pixels
	ThresholdValue float64

	// NSDsAboveMean is the local threshold in standard deviations
	NSDsAboveMean float64

	// AdaptiveWindow is the edge length of the thresholding windows
	AdaptiveWindow int
}

// DefaultParams returns the parameters used for 16-bit data
func DefaultParams() Params {
	return Params{
		SomaDiameter:   16,
		LogSigmaFactor: 0.2,
		ClippingValue:  65535,
		ThresholdValue: 65535,
		NSDsAboveMean:  10,
		AdaptiveWindow: 80,
	}
}

// Validate checks the parameters
func (p Params) Validate() error {
	if p.SomaDiameter <= 0 {
		return fmt.Errorf("%w: soma diameter %d", ErrInvalidParams, p.SomaDiameter)
	}
	if p.LogSigmaFactor < 0 {
		return fmt.Errorf("%w: log sigma factor %g", ErrInvalidParams, p.LogSigmaFactor)
	}
	if p.ClippingValue <= 0 {
		return fmt.Errorf("%w: clipping value %g", ErrInvalidParams, p.ClippingValue)
	}
	if p.AdaptiveWindow <= 0 {
		return fmt.Errorf("%w: adaptive window %d", ErrInvalidParams, p.AdaptiveWindow)
	}
	return nil
}

// Sigma returns the Gaussian sigma of the peak enhancement
func (p Params) Sigma() float64 {
	return p.LogSigmaFactor * float64(p.SomaDiameter)
}

// Filter applies the plane transform
type Filter struct {
	params Params
}

// New creates a filter with validated parameters
func New(params Params) (*Filter, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Filter{params: params}, nil
}

// Params returns the parameters the filter was built with
func (f *Filter) Params() Params {
	return f.params
}

// Apply filters the plane in place and returns its tile mask.
//
// The steps are:
//  1. clip intensities to [0, ClippingValue]
//  2. classify tiles of 2*SomaDiameter pixels as inside/outside tissue
//  3. adaptively threshold the clipped plane and write ThresholdValue
//     into its foreground pixels
//
// The peak-enhanced response is not part of the published plane; use
// Response to inspect it.
func (f *Filter) Apply(p *models.Plane) (*models.TileMask, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	Clip(p.Data, 0, f.params.ClippingValue)

	walker := NewTileWalker(p, f.params.SomaDiameter)
	mask := walker.WalkOutOfBrainOnly()

	foreground, err := AdaptiveThreshold(p.Data, p.Width, p.Height, f.params.AdaptiveWindow, f.params.NSDsAboveMean)
	if err != nil {
		return nil, fmt.Errorf("plane %d: %w", p.ID, err)
	}
	for i, fg := range foreground {
		if fg {
			p.Data[i] = f.params.ThresholdValue
		}
	}

	return mask, nil
}

// Response returns the Laplacian-of-Gaussian peak response of the clipped
// plane, zeroed outside tissue, together with the tile mask. The plane is
// left untouched.
func (f *Filter) Response(p *models.Plane) ([]float64, *models.TileMask, error) {
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}

	clipped := &models.Plane{ID: p.ID, Width: p.Width, Height: p.Height, Data: append([]float64(nil), p.Data...)}
	Clip(clipped.Data, 0, f.params.ClippingValue)

	mask := NewTileWalker(clipped, f.params.SomaDiameter).WalkOutOfBrainOnly()
	response := EnhancePeaks(clipped.Data, clipped.Width, clipped.Height, f.params.ClippingValue, f.params.Sigma())
	zeroOutsideTiles(response, clipped.Width, clipped.Height, mask)
	return response, mask, nil
}

// Clip limits every value to [lo, hi] in place
func Clip(data []float64, lo, hi float64) {
	for i, v := range data {
		if v < lo {
			data[i] = lo
		} else if v > hi {
			data[i] = hi
		}
	}
}

// zeroOutsideTiles clears the response of tiles outside tissue
func zeroOutsideTiles(response []float64, width, height int, mask *models.TileMask) {
	for y := 0; y < height; y++ {
		row := response[y*width : (y+1)*width]
		for x := range row {
			if !mask.InsideAt(x, y) {
				row[x] = 0
			}
		}
	}
}
