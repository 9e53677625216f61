package classify

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"log"
	"math"
	"sort"

	"golang.org/x/image/draw"

	"cellfinder/internal/models"
)

// ErrNotExtractable is returned for candidates whose cube leaves the volume
var ErrNotExtractable = errors.New("cube extends beyond the volume")

// Volume gives access to the planes of one channel, indexed by z
type Volume interface {
	Len() int
	Load(z int) (*models.Plane, error)
}

// Cube is the two-channel sub-volume around one candidate, in network
// voxels. Both channels are stored z-major (z*Height*Width + y*Width + x).
type Cube struct {
	Cell       models.Cell
	Width      int
	Height     int
	Depth      int
	Signal     []float64
	Background []float64
}

// At returns the signal and background values at (x, y, z)
func (c *Cube) At(x, y, z int) (signal, background float64) {
	i := (z*c.Height+y)*c.Width + x
	return c.Signal[i], c.Background[i]
}

// CubeParams describes the cube shape and the voxel sizes it is rescaled
// between
type CubeParams struct {
	// Width, Height and Depth are in network voxels
	Width  int
	Height int
	Depth  int

	// Raw is the voxel size of the data, Network the voxel size the
	// classifier was trained on
	Raw     models.PhysicalScale
	Network models.PhysicalScale
}

// RawExtent returns the cube size in raw voxels
func (p CubeParams) RawExtent() (width, height, depth int) {
	width = rawLength(p.Width, p.Network.X, p.Raw.X)
	height = rawLength(p.Height, p.Network.Y, p.Raw.Y)
	depth = rawLength(p.Depth, p.Network.Z, p.Raw.Z)
	return width, height, depth
}

func rawLength(n int, network, raw float64) int {
	l := int(math.Round(float64(n) * network / raw))
	if l < 1 {
		l = 1
	}
	return l
}

// Validate checks the cube shape and scales
func (p CubeParams) Validate() error {
	if p.Width <= 0 || p.Height <= 0 || p.Depth <= 0 {
		return fmt.Errorf("invalid cube size %dx%dx%d", p.Width, p.Height, p.Depth)
	}
	if err := p.Raw.Validate(); err != nil {
		return fmt.Errorf("raw voxel size: %w", err)
	}
	if err := p.Network.Validate(); err != nil {
		return fmt.Errorf("network voxel size: %w", err)
	}
	return nil
}

// CubeExtractor cuts cubes out of a signal and a background volume.
// Candidates are visited in z order and planes are cached while they are
// still needed, so each plane is loaded once per extraction.
type CubeExtractor struct {
	signal     Volume
	background Volume
	params     CubeParams
	logger     *log.Logger

	rawWidth, rawHeight, rawDepth int

	cache map[int][2]*models.Plane
}

// NewCubeExtractor creates an extractor over two volumes of equal depth
func NewCubeExtractor(signal, background Volume, params CubeParams, logger *log.Logger) (*CubeExtractor, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if signal.Len() != background.Len() {
		return nil, fmt.Errorf("signal has %d planes but background has %d", signal.Len(), background.Len())
	}
	if logger == nil {
		logger = log.Default()
	}
	e := &CubeExtractor{
		signal:     signal,
		background: background,
		params:     params,
		logger:     logger,
		cache:      make(map[int][2]*models.Plane),
	}
	e.rawWidth, e.rawHeight, e.rawDepth = params.RawExtent()
	return e, nil
}

// ExtractAll returns the cubes of every extractable candidate, ordered by
// z. Candidates that are not extractable are skipped and counted; any
// other error aborts the extraction.
func (e *CubeExtractor) ExtractAll(candidates []models.Cell) ([]Cube, int, error) {
	ordered := append([]models.Cell(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Z < ordered[j].Z })

	defer e.evict(math.MaxInt)

	cubes := make([]Cube, 0, len(ordered))
	skipped := 0
	for _, c := range ordered {
		z0, _, _ := e.origin(c)
		e.evict(z0)

		cube, err := e.Extract(c)
		if errors.Is(err, ErrNotExtractable) {
			skipped++
			continue
		}
		if err != nil {
			return nil, skipped, err
		}
		cubes = append(cubes, *cube)
	}

	if skipped > 0 {
		e.logger.Printf("Skipped %d candidates too close to the edge of the volume", skipped)
	}
	return cubes, skipped, nil
}

// origin returns the first raw voxel of the cube around c
func (e *CubeExtractor) origin(c models.Cell) (z0, y0, x0 int) {
	x0 = int(math.Round(c.X)) - e.rawWidth/2
	y0 = int(math.Round(c.Y)) - e.rawHeight/2
	z0 = int(math.Round(c.Z)) - e.rawDepth/2
	return z0, y0, x0
}

// Extract cuts the cube around a single candidate
func (e *CubeExtractor) Extract(c models.Cell) (*Cube, error) {
	z0, y0, x0 := e.origin(c)
	if z0 < 0 || z0+e.rawDepth > e.signal.Len() {
		return nil, fmt.Errorf("%w: candidate at z=%g", ErrNotExtractable, c.Z)
	}

	p := e.params
	cube := &Cube{
		Cell:       c,
		Width:      p.Width,
		Height:     p.Height,
		Depth:      p.Depth,
		Signal:     make([]float64, p.Width*p.Height*p.Depth),
		Background: make([]float64, p.Width*p.Height*p.Depth),
	}

	// Rescale every raw plane in x and y
	area := p.Width * p.Height
	sig := make([]float64, area*e.rawDepth)
	bg := make([]float64, area*e.rawDepth)
	for dz := 0; dz < e.rawDepth; dz++ {
		planes, err := e.planes(z0 + dz)
		if err != nil {
			return nil, err
		}
		for ch, plane := range planes {
			if x0 < 0 || y0 < 0 || x0+e.rawWidth > plane.Width || y0+e.rawHeight > plane.Height {
				return nil, fmt.Errorf("%w: candidate at (%g, %g)", ErrNotExtractable, c.X, c.Y)
			}
			dst := sig
			if ch == 1 {
				dst = bg
			}
			e.resampleXY(dst[dz*area:(dz+1)*area], plane, x0, y0)
		}
	}

	resampleZ(cube.Signal, sig, area, e.rawDepth, p.Depth)
	resampleZ(cube.Background, bg, area, e.rawDepth, p.Depth)
	return cube, nil
}

// planes returns the signal and background plane at z, loading them once
func (e *CubeExtractor) planes(z int) ([2]*models.Plane, error) {
	if cached, ok := e.cache[z]; ok {
		return cached, nil
	}
	sig, err := e.signal.Load(z)
	if err != nil {
		return [2]*models.Plane{}, fmt.Errorf("loading signal plane %d: %w", z, err)
	}
	bg, err := e.background.Load(z)
	if err != nil {
		return [2]*models.Plane{}, fmt.Errorf("loading background plane %d: %w", z, err)
	}
	if sig.Width != bg.Width || sig.Height != bg.Height {
		return [2]*models.Plane{}, fmt.Errorf("%w: signal and background plane %d differ in size",
			models.ErrInvalidPlaneShape, z)
	}
	planes := [2]*models.Plane{sig, bg}
	e.cache[z] = planes
	return planes, nil
}

// evict drops cached planes below z
func (e *CubeExtractor) evict(z int) {
	for k := range e.cache {
		if k < z {
			delete(e.cache, k)
		}
	}
}

// resampleXY crops the raw region at (x0, y0) and scales it to the network
// width and height. Equal sizes are copied exactly.
func (e *CubeExtractor) resampleXY(dst []float64, plane *models.Plane, x0, y0 int) {
	w, h := e.params.Width, e.params.Height
	if e.rawWidth == w && e.rawHeight == h {
		for y := 0; y < h; y++ {
			copy(dst[y*w:(y+1)*w], plane.Data[(y0+y)*plane.Width+x0:(y0+y)*plane.Width+x0+w])
		}
		return
	}

	src := image.NewGray16(image.Rect(0, 0, e.rawWidth, e.rawHeight))
	for y := 0; y < e.rawHeight; y++ {
		for x := 0; x < e.rawWidth; x++ {
			v := math.Max(0, math.Min(65535, math.Round(plane.At(x0+x, y0+y))))
			src.SetGray16(x, y, color.Gray16{Y: uint16(v)})
		}
	}

	scaled := image.NewGray16(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(scaled, scaled.Bounds(), src, src.Bounds(), draw.Src, nil)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst[y*w+x] = float64(scaled.Gray16At(x, y).Y)
		}
	}
}

// resampleZ linearly interpolates srcDepth slabs of area values onto
// dstDepth slabs, sampling at slab centres
func resampleZ(dst, src []float64, area, srcDepth, dstDepth int) {
	if srcDepth == dstDepth {
		copy(dst, src)
		return
	}
	ratio := float64(srcDepth) / float64(dstDepth)
	for k := 0; k < dstDepth; k++ {
		pos := (float64(k)+0.5)*ratio - 0.5
		pos = math.Max(0, math.Min(float64(srcDepth-1), pos))
		lo := int(math.Floor(pos))
		hi := lo + 1
		if hi >= srcDepth {
			hi = srcDepth - 1
		}
		frac := pos - float64(lo)

		out := dst[k*area : (k+1)*area]
		a := src[lo*area : (lo+1)*area]
		b := src[hi*area : (hi+1)*area]
		for i := range out {
			out[i] = a[i]*(1-frac) + b[i]*frac
		}
	}
}
