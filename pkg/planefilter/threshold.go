package planefilter

import (
	"fmt"
	"math"

	"cellfinder/internal/models"
)

// AdaptiveThreshold marks locally bright pixels.
//
// Every window x window patch of the image (all offsets, stride 1) marks the
// pixels that are strictly greater than mean + nSDs*std of that patch, using
// the population standard deviation. The per-patch decisions are averaged
// back onto the image and a pixel is foreground when the average over the
// patches covering it is positive, i.e. when at least one covering patch
// marked it. When the image is smaller than the window along an axis the
// window is clamped to the image along that axis.
//
// Patch statistics come from summed-area tables and the reconstruction uses a
// separable sliding minimum over the patch thresholds, so the cost does not
// depend on the window size.
func AdaptiveThreshold(values []float64, width, height, window int, nSDs float64) ([]bool, error) {
	if width <= 0 || height <= 0 || len(values) != width*height {
		return nil, fmt.Errorf("%w: %d values for extent %dx%d", models.ErrInvalidPlaneShape, len(values), width, height)
	}
	if window <= 0 {
		return nil, fmt.Errorf("%w: adaptive window %d", ErrInvalidParams, window)
	}

	ww := min(window, width)
	wh := min(window, height)
	thresholds := patchThresholds(values, width, height, ww, wh, nSDs)

	// A pixel is marked by some covering patch iff its value exceeds the
	// smallest threshold among the patches covering it.
	lowest := coveringMinimum(thresholds, width, height, ww, wh)

	foreground := make([]bool, len(values))
	for i, v := range values {
		foreground[i] = v > lowest[i]
	}
	return foreground, nil
}

// patchThresholds returns mean + nSDs*std for every patch position, as a
// (height-wh+1) x (width-ww+1) row-major grid
func patchThresholds(values []float64, width, height, ww, wh int, nSDs float64) []float64 {
	sum, sumSq := summedAreaTables(values, width, height)
	stride := width + 1

	px := width - ww + 1
	py := height - wh + 1
	n := float64(ww * wh)

	thresholds := make([]float64, px*py)
	for y := 0; y < py; y++ {
		for x := 0; x < px; x++ {
			a := y*stride + x
			b := y*stride + x + ww
			c := (y+wh)*stride + x
			d := (y+wh)*stride + x + ww

			s := sum[d] - sum[b] - sum[c] + sum[a]
			s2 := sumSq[d] - sumSq[b] - sumSq[c] + sumSq[a]

			mean := s / n
			variance := s2/n - mean*mean
			std := 0.0
			if variance > 0 {
				std = math.Sqrt(variance)
			}
			thresholds[y*px+x] = mean + nSDs*std
		}
	}
	return thresholds
}

// summedAreaTables returns (width+1) x (height+1) tables of the running sum
// of values and of squared values
func summedAreaTables(values []float64, width, height int) (sum, sumSq []float64) {
	stride := width + 1
	sum = make([]float64, stride*(height+1))
	sumSq = make([]float64, stride*(height+1))
	for y := 0; y < height; y++ {
		var rowSum, rowSq float64
		for x := 0; x < width; x++ {
			v := values[y*width+x]
			rowSum += v
			rowSq += v * v
			sum[(y+1)*stride+x+1] = sum[y*stride+x+1] + rowSum
			sumSq[(y+1)*stride+x+1] = sumSq[y*stride+x+1] + rowSq
		}
	}
	return sum, sumSq
}

// coveringMinimum returns, for every pixel, the minimum of the patch grid
// over the patches whose window covers that pixel
func coveringMinimum(grid []float64, width, height, ww, wh int) []float64 {
	px := width - ww + 1
	py := height - wh + 1

	// Horizontal pass: rows of the patch grid expanded to image width
	rows := make([]float64, py*width)
	deque := make([]int, 0, px)
	for y := 0; y < py; y++ {
		deque = slidingMin(rows[y*width:(y+1)*width], grid[y*px:(y+1)*px], ww, deque)
	}

	// Vertical pass
	out := make([]float64, width*height)
	col := make([]float64, py)
	res := make([]float64, height)
	for x := 0; x < width; x++ {
		for y := 0; y < py; y++ {
			col[y] = rows[y*width+x]
		}
		deque = slidingMin(res, col, wh, deque)
		for y := 0; y < height; y++ {
			out[y*width+x] = res[y]
		}
	}
	return out
}

// slidingMin sets dst[i] to the minimum of src over [i-w+1, i] clipped to
// the valid range of src. len(dst) must equal len(src)+w-1. The deque
// buffer is returned for reuse.
func slidingMin(dst, src []float64, w int, deque []int) []int {
	deque = deque[:0]
	for i := range dst {
		if i < len(src) {
			for len(deque) > 0 && src[deque[len(deque)-1]] >= src[i] {
				deque = deque[:len(deque)-1]
			}
			deque = append(deque, i)
		}
		for deque[0] < i-w+1 {
			deque = deque[1:]
		}
		dst[i] = src[deque[0]]
	}
	return deque
}
