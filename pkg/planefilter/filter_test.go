package planefilter

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"cellfinder/internal/models"
)

// referenceThreshold reconstructs the foreground mask the direct way: every
// patch is thresholded independently and the decisions are averaged back
// onto the image
func referenceThreshold(values []float64, width, height, window int, nSDs float64) []bool {
	ww, wh := min(window, width), min(window, height)
	acc := make([]float64, width*height)
	cnt := make([]float64, width*height)
	n := float64(ww * wh)

	for py := 0; py <= height-wh; py++ {
		for px := 0; px <= width-ww; px++ {
			var s, s2 float64
			for y := py; y < py+wh; y++ {
				for x := px; x < px+ww; x++ {
					v := values[y*width+x]
					s += v
					s2 += v * v
				}
			}
			mean := s / n
			variance := s2/n - mean*mean
			std := 0.0
			if variance > 0 {
				std = math.Sqrt(variance)
			}
			thr := mean + nSDs*std
			for y := py; y < py+wh; y++ {
				for x := px; x < px+ww; x++ {
					i := y*width + x
					if values[i] > thr {
						acc[i]++
					}
					cnt[i]++
				}
			}
		}
	}

	out := make([]bool, width*height)
	for i := range out {
		out[i] = acc[i]/cnt[i] > 0
	}
	return out
}

func randomImage(rng *rand.Rand, width, height, levels int) []float64 {
	data := make([]float64, width*height)
	for i := range data {
		data[i] = float64(rng.Intn(levels))
	}
	return data
}

// TestAdaptiveThresholdMatchesReference pins the fast reconstruction to the
// patch-by-patch definition, including windows at and beyond the image edge
func TestAdaptiveThresholdMatchesReference(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	tests := []struct {
		name          string
		width, height int
		window        int
		nSDs          float64
	}{
		{"small window", 12, 9, 3, 0.5},
		{"square window", 16, 16, 5, 1},
		{"window equals width", 8, 13, 8, 0.25},
		{"window larger than image", 7, 5, 10, 0.5},
		{"window larger than height only", 20, 4, 6, 1.5},
		{"single pixel window", 6, 6, 1, 0},
		{"zero sds", 10, 10, 4, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			values := randomImage(rng, tc.width, tc.height, 1000)

			got, err := AdaptiveThreshold(values, tc.width, tc.height, tc.window, tc.nSDs)
			if err != nil {
				t.Fatalf("AdaptiveThreshold failed: %v", err)
			}
			want := referenceThreshold(values, tc.width, tc.height, tc.window, tc.nSDs)

			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("pixel (%d,%d): got %v, want %v", i%tc.width, i/tc.width, got[i], want[i])
				}
			}
		})
	}
}

// TestAdaptiveThresholdStrictBoundary checks that a pixel equal to its
// local threshold is not foreground: on an all-zero plane with zero SDs
// every window has mean 0 and std 0, and 0 > 0 is false
func TestAdaptiveThresholdStrictBoundary(t *testing.T) {
	width, height := 32, 24

	for _, level := range []float64{0, 250} {
		values := make([]float64, width*height)
		for i := range values {
			values[i] = level
		}

		fg, err := AdaptiveThreshold(values, width, height, 8, 0)
		if err != nil {
			t.Fatalf("AdaptiveThreshold failed: %v", err)
		}
		for i, v := range fg {
			if v {
				t.Fatalf("level %g: pixel %d marked foreground on a constant plane", level, i)
			}
		}
	}
}

// TestAdaptiveThresholdSinglePeak verifies an isolated peak is the only
// foreground pixel
func TestAdaptiveThresholdSinglePeak(t *testing.T) {
	width, height := 9, 9
	values := make([]float64, width*height)
	values[4*width+4] = 100

	fg, err := AdaptiveThreshold(values, width, height, 3, 1)
	if err != nil {
		t.Fatalf("AdaptiveThreshold failed: %v", err)
	}
	for i, v := range fg {
		want := i == 4*width+4
		if v != want {
			t.Errorf("pixel (%d,%d): got %v, want %v", i%width, i/width, v, want)
		}
	}
}

// TestAdaptiveThresholdInvalidInput checks the error paths
func TestAdaptiveThresholdInvalidInput(t *testing.T) {
	if _, err := AdaptiveThreshold(nil, 0, 0, 3, 1); !errors.Is(err, models.ErrInvalidPlaneShape) {
		t.Errorf("Expected ErrInvalidPlaneShape for empty image, got %v", err)
	}
	if _, err := AdaptiveThreshold(make([]float64, 5), 2, 2, 3, 1); !errors.Is(err, models.ErrInvalidPlaneShape) {
		t.Errorf("Expected ErrInvalidPlaneShape for ragged image, got %v", err)
	}
	if _, err := AdaptiveThreshold(make([]float64, 4), 2, 2, 0, 1); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("Expected ErrInvalidParams for zero window, got %v", err)
	}
}

// TestClip verifies values are limited to the range
func TestClip(t *testing.T) {
	data := []float64{-5, 0, 10, 70000, 65535}
	Clip(data, 0, 65535)

	want := []float64{0, 0, 10, 65535, 65535}
	for i := range want {
		if data[i] != want[i] {
			t.Errorf("index %d: got %g, want %g", i, data[i], want[i])
		}
	}
}

// TestReflect verifies the mirrored border indexing
func TestReflect(t *testing.T) {
	tests := []struct{ i, n, want int }{
		{-1, 4, 0},
		{-2, 4, 1},
		{4, 4, 3},
		{5, 4, 2},
		{2, 4, 2},
		{-9, 4, 0},
		{3, 1, 0},
	}
	for _, tc := range tests {
		if got := reflect(tc.i, tc.n); got != tc.want {
			t.Errorf("reflect(%d, %d) = %d, want %d", tc.i, tc.n, got, tc.want)
		}
	}
}

// TestEnhancePeaksFlat verifies a flat image has no response
func TestEnhancePeaksFlat(t *testing.T) {
	width, height := 10, 10
	data := make([]float64, width*height)
	for i := range data {
		data[i] = 300
	}

	out := EnhancePeaks(data, width, height, 65535, 1.5)
	for i, v := range out {
		if v != 0 {
			t.Fatalf("pixel %d: expected 0 response, got %g", i, v)
		}
	}
	if data[0] != 300 {
		t.Errorf("input should not be modified")
	}
}

// TestEnhancePeaksBlob verifies a blob yields the strongest response at its centre
func TestEnhancePeaksBlob(t *testing.T) {
	width, height := 32, 32
	data := make([]float64, width*height)
	cx, cy := 16, 12
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dx, dy := float64(x-cx), float64(y-cy)
			if dx*dx+dy*dy <= 9 {
				data[y*width+x] = 1000
			}
		}
	}

	clip := 4095.0
	out := EnhancePeaks(data, width, height, clip, 2.1)

	best, bestIdx := -1.0, -1
	for i, v := range out {
		if v < 0 || v > clip {
			t.Fatalf("pixel %d: response %g outside [0, %g]", i, v, clip)
		}
		if v > best {
			best, bestIdx = v, i
		}
	}
	if best != clip {
		t.Errorf("Expected peak response %g, got %g", clip, best)
	}
	bx, by := bestIdx%width, bestIdx/width
	if abs(bx-cx) > 1 || abs(by-cy) > 1 {
		t.Errorf("Expected peak near (%d,%d), got (%d,%d)", cx, cy, bx, by)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// TestTileWalker verifies tiles darker than the corner background are outside
func TestTileWalker(t *testing.T) {
	p := models.NewPlane(0, 40, 24)
	// Tissue occupies x >= 16
	for y := 0; y < p.Height; y++ {
		for x := 16; x < p.Width; x++ {
			p.Set(x, y, 500)
		}
	}

	walker := NewTileWalker(p, 4)
	if walker.TileSize() != 8 {
		t.Fatalf("Expected tile size 8, got %d", walker.TileSize())
	}
	if walker.Threshold() != 1 {
		t.Errorf("Expected threshold 1 for a black corner, got %g", walker.Threshold())
	}

	mask := walker.WalkOutOfBrainOnly()
	if mask.Cols != 5 || mask.Rows != 3 {
		t.Fatalf("Expected 5x3 tiles, got %dx%d", mask.Cols, mask.Rows)
	}
	for row := 0; row < mask.Rows; row++ {
		for col := 0; col < mask.Cols; col++ {
			want := col >= 2
			if got := mask.Inside[row*mask.Cols+col]; got != want {
				t.Errorf("tile (%d,%d): inside=%v, want %v", col, row, got, want)
			}
		}
	}
	if mask.CountInside() != 9 {
		t.Errorf("Expected 9 inside tiles, got %d", mask.CountInside())
	}
}

// TestFilterApply runs the whole transform on a synthetic plane
func TestFilterApply(t *testing.T) {
	params := Params{
		SomaDiameter:   4,
		LogSigmaFactor: 0.5,
		ClippingValue:  4095,
		ThresholdValue: 4095,
		NSDsAboveMean:  2,
		AdaptiveWindow: 16,
	}
	f, err := New(params)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	p := models.NewPlane(3, 64, 64)
	for y := 0; y < p.Height; y++ {
		for x := 16; x < p.Width; x++ {
			p.Set(x, y, 100)
		}
	}
	cx, cy := 40, 40
	for y := cy - 2; y <= cy+2; y++ {
		for x := cx - 2; x <= cx+2; x++ {
			p.Set(x, y, 1000)
		}
	}
	// Saturated pixel far from the blob is clipped
	p.Set(60, 5, 10000)

	mask, err := f.Apply(p)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if len(p.Data) != 64*64 || p.ID != 3 {
		t.Errorf("plane shape or id changed")
	}
	if mask.Cols != 8 || mask.Rows != 8 {
		t.Errorf("Expected 8x8 tile mask, got %dx%d", mask.Cols, mask.Rows)
	}
	if mask.InsideAt(0, 0) {
		t.Errorf("corner tile should be outside tissue")
	}
	if !mask.InsideAt(cx, cy) {
		t.Errorf("blob tile should be inside tissue")
	}
	if p.At(cx, cy) != params.ThresholdValue {
		t.Errorf("blob centre should be foreground, got %g", p.At(cx, cy))
	}
	if p.At(2, 2) != 0 {
		t.Errorf("background pixel should be untouched, got %g", p.At(2, 2))
	}
	for i, v := range p.Data {
		if v > params.ClippingValue {
			t.Fatalf("pixel %d above clipping value: %g", i, v)
		}
	}
}

// TestFilterApplyZeroPlane checks the all-zero plane leaves no foreground
func TestFilterApplyZeroPlane(t *testing.T) {
	params := DefaultParams()
	params.NSDsAboveMean = 0
	params.AdaptiveWindow = 8
	params.SomaDiameter = 2
	f, err := New(params)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	p := models.NewPlane(0, 20, 20)
	mask, err := f.Apply(p)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if mask.CountInside() != 0 {
		t.Errorf("Expected no tissue tiles, got %d", mask.CountInside())
	}
	for i, v := range p.Data {
		if v != 0 {
			t.Fatalf("pixel %d set to %g on an all-zero plane", i, v)
		}
	}
}

// TestFilterApplyInvalidShape verifies malformed planes are rejected
func TestFilterApplyInvalidShape(t *testing.T) {
	f, err := New(DefaultParams())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tests := []struct {
		name  string
		plane *models.Plane
	}{
		{"nil", nil},
		{"empty", &models.Plane{}},
		{"ragged", &models.Plane{Width: 4, Height: 4, Data: make([]float64, 15)}},
		{"one dimensional", &models.Plane{Width: 16, Height: 0, Data: make([]float64, 16)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.Apply(tc.plane); !errors.Is(err, models.ErrInvalidPlaneShape) {
				t.Errorf("Expected ErrInvalidPlaneShape, got %v", err)
			}
		})
	}
}

// TestNewInvalidParams verifies parameter validation
func TestNewInvalidParams(t *testing.T) {
	params := DefaultParams()
	params.SomaDiameter = 0
	if _, err := New(params); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("Expected ErrInvalidParams, got %v", err)
	}
}

// TestFilterApplyThresholdsClippedPlane checks that the foreground is the
// adaptive threshold of the clipped raw plane, not of the peak response
func TestFilterApplyThresholdsClippedPlane(t *testing.T) {
	params := Params{
		SomaDiameter:   4,
		LogSigmaFactor: 0.2,
		ClippingValue:  4000,
		ThresholdValue: 5000, // above the clipping value, so foreground is unambiguous
		NSDsAboveMean:  1,
		AdaptiveWindow: 16,
	}
	f, err := New(params)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	const width, height = 64, 64
	rng := rand.New(rand.NewSource(1))
	p := models.NewPlane(0, width, height)
	copy(p.Data, randomImage(rng, width, height, 4500))

	clipped := append([]float64(nil), p.Data...)
	Clip(clipped, 0, params.ClippingValue)
	want := referenceThreshold(clipped, width, height, params.AdaptiveWindow, params.NSDsAboveMean)

	if _, err := f.Apply(p); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	nForeground := 0
	for i, v := range p.Data {
		got := v == params.ThresholdValue
		if got != want[i] {
			t.Fatalf("pixel (%d,%d): foreground %v, want %v", i%width, i/width, got, want[i])
		}
		if !got && v != clipped[i] {
			t.Fatalf("pixel (%d,%d): background changed from %g to %g", i%width, i/width, clipped[i], v)
		}
		if got {
			nForeground++
		}
	}
	if nForeground == 0 {
		t.Errorf("expected some foreground on a random plane")
	}
}

// TestFilterResponse checks the peak response is masked to tissue and
// leaves the plane untouched
func TestFilterResponse(t *testing.T) {
	f, err := New(Params{
		SomaDiameter:   4,
		LogSigmaFactor: 0.5,
		ClippingValue:  4095,
		ThresholdValue: 4095,
		NSDsAboveMean:  2,
		AdaptiveWindow: 16,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	p := models.NewPlane(1, 32, 32)
	for y := 0; y < p.Height; y++ {
		for x := 8; x < p.Width; x++ {
			p.Set(x, y, 100)
		}
	}
	for y := 18; y <= 22; y++ {
		for x := 18; x <= 22; x++ {
			p.Set(x, y, 1000)
		}
	}
	before := append([]float64(nil), p.Data...)

	response, mask, err := f.Response(p)
	if err != nil {
		t.Fatalf("Response failed: %v", err)
	}
	for i := range before {
		if p.Data[i] != before[i] {
			t.Fatalf("pixel %d modified by Response", i)
		}
	}
	if mask.InsideAt(0, 0) {
		t.Errorf("corner tile should be outside tissue")
	}
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if response[y*p.Width+x] != 0 {
				t.Fatalf("response at (%d,%d) outside tissue is %g", x, y, response[y*p.Width+x])
			}
		}
	}
	if response[20*p.Width+20] <= 0 {
		t.Errorf("blob centre should have a positive response")
	}

	if _, _, err := f.Response(nil); !errors.Is(err, models.ErrInvalidPlaneShape) {
		t.Errorf("Expected ErrInvalidPlaneShape, got %v", err)
	}
}
