// Package planeio reads z stacks stored as one TIFF file per plane and
// writes the ordered output of the plane pipeline back to disk.
package planeio

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/image/tiff"

	"cellfinder/internal/models"
)

// ErrNoPlanes is returned when a directory holds no TIFF files
var ErrNoPlanes = errors.New("no TIFF planes found")

// DirSource loads planes lazily from a directory of TIFF files, one file per
// plane. Files are ordered by the number in their name, then by name.
type DirSource struct {
	dir   string
	files []string
}

// NewDirSource lists the TIFF files in dir
func NewDirSource(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".tif" || ext == ".tiff" {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoPlanes, dir)
	}

	SortPlaneFiles(files)
	return &DirSource{dir: dir, files: files}, nil
}

// SortPlaneFiles orders file names by their numeric part, falling back to
// lexicographic order for equal numbers
func SortPlaneFiles(files []string) {
	sort.SliceStable(files, func(i, j int) bool {
		numI := extractNumber(files[i])
		numJ := extractNumber(files[j])
		if numI != numJ {
			return numI < numJ
		}
		return files[i] < files[j]
	})
}

// extractNumber extracts the digits of a file name as one number
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	var digits strings.Builder
	for _, c := range base {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}

	if digits.Len() > 0 {
		num, err := strconv.Atoi(digits.String())
		if err == nil {
			return num
		}
	}
	return 0
}

// Len returns the number of planes
func (s *DirSource) Len() int {
	return len(s.files)
}

// Files returns the ordered file paths
func (s *DirSource) Files() []string {
	paths := make([]string, len(s.files))
	for i, f := range s.files {
		paths[i] = filepath.Join(s.dir, f)
	}
	return paths
}

// Load decodes plane id
func (s *DirSource) Load(id int) (*models.Plane, error) {
	if id < 0 || id >= len(s.files) {
		return nil, fmt.Errorf("plane %d out of range [0, %d)", id, len(s.files))
	}
	plane, err := ReadPlane(filepath.Join(s.dir, s.files[id]))
	if err != nil {
		return nil, err
	}
	plane.ID = id
	return plane, nil
}

// ReadPlane decodes a single TIFF file into a plane of raw intensities
func ReadPlane(path string) (*models.Plane, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, err := tiff.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return imageToPlane(img), nil
}

// imageToPlane converts an image to raw intensities. 16-bit and 8-bit
// grayscale keep their stored values; other models are converted to Gray16.
func imageToPlane(img image.Image) *models.Plane {
	bounds := img.Bounds()
	p := models.NewPlane(0, bounds.Dx(), bounds.Dy())

	switch src := img.(type) {
	case *image.Gray16:
		for y := 0; y < p.Height; y++ {
			for x := 0; x < p.Width; x++ {
				p.Set(x, y, float64(src.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y))
			}
		}
	case *image.Gray:
		for y := 0; y < p.Height; y++ {
			for x := 0; x < p.Width; x++ {
				p.Set(x, y, float64(src.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y))
			}
		}
	default:
		for y := 0; y < p.Height; y++ {
			for x := 0; x < p.Width; x++ {
				g := color.Gray16Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
				p.Set(x, y, float64(g.Y))
			}
		}
	}
	return p
}

// MemorySource serves planes held in memory. Load returns copies so that
// in-place filtering leaves the source intact.
type MemorySource struct {
	planes []*models.Plane
}

// NewMemorySource creates a source over the given planes, in z order
func NewMemorySource(planes ...*models.Plane) *MemorySource {
	return &MemorySource{planes: planes}
}

// Len returns the number of planes
func (s *MemorySource) Len() int {
	return len(s.planes)
}

// Load returns a copy of plane id
func (s *MemorySource) Load(id int) (*models.Plane, error) {
	if id < 0 || id >= len(s.planes) {
		return nil, fmt.Errorf("plane %d out of range [0, %d)", id, len(s.planes))
	}
	src := s.planes[id]
	if src == nil {
		return nil, fmt.Errorf("%w: plane %d is missing", models.ErrInvalidPlaneShape, id)
	}
	p := &models.Plane{
		ID:     id,
		Width:  src.Width,
		Height: src.Height,
		Data:   append([]float64(nil), src.Data...),
	}
	return p, nil
}
