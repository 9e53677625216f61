package planeio

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/tiff"

	"cellfinder/internal/models"
)

// Writer persists the ordered plane stream as plane_%05d.tif files together
// with their tile masks, for consumption by the 3-D detection step.
//
// Files are written to a hidden staging directory inside the output
// directory and only appear under their final names on Commit, so a failed
// run never leaves a shorter stack that looks complete.
type Writer struct {
	dir       string
	staging   string
	saveMasks bool
	staged    []string
}

// NewWriter creates the output directory and its staging directory
func NewWriter(dir string, saveMasks bool) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("error creating output directory: %w", err)
	}
	staging, err := os.MkdirTemp(dir, ".partial-")
	if err != nil {
		return nil, fmt.Errorf("error creating staging directory: %w", err)
	}
	return &Writer{dir: dir, staging: staging, saveMasks: saveMasks}, nil
}

// PlanePath returns the file a plane ends up in after Commit
func (w *Writer) PlanePath(id int) string {
	return filepath.Join(w.dir, planeName(id))
}

// MaskPath returns the file a tile mask ends up in after Commit
func (w *Writer) MaskPath(id int) string {
	return filepath.Join(w.dir, maskName(id))
}

func planeName(id int) string { return fmt.Sprintf("plane_%05d.tif", id) }
func maskName(id int) string  { return fmt.Sprintf("mask_%05d.tif", id) }

// Consume writes every plane received on in until it is closed, and returns
// the number of planes written. It stops writing at the first failed element
// or write error and returns that error, but keeps draining in so the
// producer is never blocked. Nothing is visible until Commit.
func (w *Writer) Consume(in <-chan models.FilteredPlane) (int, error) {
	written := 0
	var firstErr error
	for fp := range in {
		if firstErr != nil {
			continue
		}
		if fp.Err != nil {
			firstErr = fp.Err
			continue
		}
		if err := w.Write(fp); err != nil {
			firstErr = err
			continue
		}
		written++
	}
	return written, firstErr
}

// Write stages one filtered plane and, if enabled, its mask
func (w *Writer) Write(fp models.FilteredPlane) error {
	if w.staging == "" {
		return fmt.Errorf("writer already closed")
	}
	if err := fp.Plane.Validate(); err != nil {
		return err
	}
	name := planeName(fp.Plane.ID)
	if err := WritePlane(filepath.Join(w.staging, name), fp.Plane); err != nil {
		return err
	}
	w.staged = append(w.staged, name)

	if w.saveMasks && fp.Mask != nil {
		name := maskName(fp.Plane.ID)
		if err := writeTIFF(filepath.Join(w.staging, name), maskToImage(fp.Mask)); err != nil {
			return err
		}
		w.staged = append(w.staged, name)
	}
	return nil
}

// Commit moves every staged file to its final name and removes the
// staging directory. It must only be called once the whole stream was
// written successfully.
func (w *Writer) Commit() error {
	if w.staging == "" {
		return fmt.Errorf("writer already closed")
	}
	for _, name := range w.staged {
		if err := os.Rename(filepath.Join(w.staging, name), filepath.Join(w.dir, name)); err != nil {
			return fmt.Errorf("error committing %s: %w", name, err)
		}
	}
	err := os.Remove(w.staging)
	w.staging, w.staged = "", nil
	return err
}

// Abort discards everything staged so far
func (w *Writer) Abort() error {
	if w.staging == "" {
		return nil
	}
	err := os.RemoveAll(w.staging)
	w.staging, w.staged = "", nil
	return err
}

// WritePlane encodes a plane as a 16-bit grayscale TIFF
func WritePlane(path string, p *models.Plane) error {
	return writeTIFF(path, planeToImage(p))
}

func writeTIFF(path string, img image.Image) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := tiff.Encode(file, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		file.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return file.Close()
}

// planeToImage converts raw intensities to Gray16, rounding and clamping to
// the 16-bit range
func planeToImage(p *models.Plane) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, p.Width, p.Height))
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			v := math.Round(p.At(x, y))
			value := uint16(math.Max(0, math.Min(65535, v)))
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	return img
}

// maskToImage renders a tile mask at tile resolution, 255 inside tissue
func maskToImage(m *models.TileMask) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, m.Cols, m.Rows))
	for row := 0; row < m.Rows; row++ {
		for col := 0; col < m.Cols; col++ {
			if m.Inside[row*m.Cols+col] {
				img.SetGray(col, row, color.Gray{Y: 255})
			}
		}
	}
	return img
}
