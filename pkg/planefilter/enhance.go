package planefilter

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

const (
	// gaussianTruncate is the number of sigmas covered by the Gaussian kernel
	gaussianTruncate = 4.0

	// flatResponse is the dynamic range below which the response is treated
	// as flat; it absorbs rounding left by the blur on constant regions
	flatResponse = 1e-6
)

// EnhancePeaks returns a response image in which blob-like structures of
// roughly sigma radius are bright.
//
// The plane is median filtered (3x3), smoothed with a Gaussian of the given
// sigma and passed through a 5-point Laplacian. The negated Laplacian is
// rescaled to [0, clippingValue] and truncated to integer levels, matching
// the integer storage of the input. A flat response rescales to zero.
//
// The input is not modified.
func EnhancePeaks(data []float64, width, height int, clippingValue, sigma float64) []float64 {
	out := medianFilter3x3(data, width, height)
	if sigma > 0 {
		gaussianBlur(out, width, height, sigma)
	}
	out = laplace(out, width, height)
	floats.Scale(-1, out)

	lo := floats.Min(out)
	floats.AddConst(-lo, out)
	hi := floats.Max(out)
	if !(hi > flatResponse) {
		for i := range out {
			out[i] = 0
		}
		return out
	}
	for i, v := range out {
		out[i] = math.Trunc(v / hi * clippingValue)
	}
	return out
}

// medianFilter3x3 applies a 3x3 median filter with reflected borders
func medianFilter3x3(data []float64, width, height int) []float64 {
	out := make([]float64, len(data))
	var window [9]float64
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			n := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					window[n] = data[reflect(y+dy, height)*width+reflect(x+dx, width)]
					n++
				}
			}
			sort.Float64s(window[:])
			out[y*width+x] = window[4]
		}
	}
	return out
}

// gaussianKernel returns a normalised 1-D Gaussian kernel
func gaussianKernel(sigma float64) []float64 {
	radius := int(gaussianTruncate*sigma + 0.5)
	kernel := make([]float64, 2*radius+1)
	for i := -radius; i <= radius; i++ {
		kernel[i+radius] = math.Exp(-0.5 * float64(i*i) / (sigma * sigma))
	}
	floats.Scale(1/floats.Sum(kernel), kernel)
	return kernel
}

// gaussianBlur smooths data in place with a separable Gaussian and
// reflected borders
func gaussianBlur(data []float64, width, height int, sigma float64) {
	kernel := gaussianKernel(sigma)
	radius := len(kernel) / 2

	line := make([]float64, max(width, height))

	// Rows
	for y := 0; y < height; y++ {
		row := data[y*width : (y+1)*width]
		copy(line, row)
		for x := 0; x < width; x++ {
			var acc float64
			for k, w := range kernel {
				acc += w * line[reflect(x+k-radius, width)]
			}
			row[x] = acc
		}
	}

	// Columns
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			line[y] = data[y*width+x]
		}
		for y := 0; y < height; y++ {
			var acc float64
			for k, w := range kernel {
				acc += w * line[reflect(y+k-radius, height)]
			}
			data[y*width+x] = acc
		}
	}
}

// laplace returns the 5-point discrete Laplacian with reflected borders
func laplace(data []float64, width, height int) []float64 {
	out := make([]float64, len(data))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := data[y*width+x]
			l := data[y*width+reflect(x-1, width)]
			r := data[y*width+reflect(x+1, width)]
			u := data[reflect(y-1, height)*width+x]
			d := data[reflect(y+1, height)*width+x]
			out[y*width+x] = l + r + u + d - 4*c
		}
	}
	return out
}

// reflect maps an index outside [0, n) back into range by mirroring about
// the edge, repeating the edge sample (d c b a | a b c d | d c b a)
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i - 1
	}
	return i
}
