package curation

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"cellfinder/internal/models"
	"cellfinder/pkg/classify"
	"cellfinder/pkg/planeio"
)

const (
	// TrainingFileName is the training definition written next to the cubes
	TrainingFileName = "training.yml"

	cellsDir    = "cells"
	nonCellsDir = "non_cells"
)

// TrainingSection is one cube directory in training.yml
type TrainingSection struct {
	CubeDir       string `yaml:"cube_dir"`
	CellDef       string `yaml:"cell_def"`
	Type          string `yaml:"type"`
	SignalChannel int    `yaml:"signal_channel"`
	BgChannel     int    `yaml:"bg_channel"`
}

// TrainingFile is the contents of training.yml
type TrainingFile struct {
	Data []TrainingSection `yaml:"data"`
}

// ExtractSummary counts the cubes written per type
type ExtractSummary struct {
	Cells    int
	NonCells int
	Skipped  int
	Empty    int
}

// ExtractTrainingCubes writes a cube for every curated point into
// outDir/cells and outDir/non_cells. Points too close to the volume edge
// are skipped. Cubes without any signal are only written when saveEmpty
// is set.
func (s *Session) ExtractTrainingCubes(outDir string, extractor classify.Extractor, saveEmpty bool) (ExtractSummary, error) {
	var summary ExtractSummary
	cells, nonCells := s.Split()

	for _, group := range []struct {
		dir   string
		cells []models.Cell
		count *int
	}{
		{cellsDir, cells, &summary.Cells},
		{nonCellsDir, nonCells, &summary.NonCells},
	} {
		dir := filepath.Join(outDir, group.dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return summary, fmt.Errorf("error creating cube directory: %w", err)
		}

		cubes, skipped, err := extractor.ExtractAll(group.cells)
		if err != nil {
			return summary, err
		}
		summary.Skipped += skipped

		for i := range cubes {
			if !saveEmpty && isEmpty(&cubes[i]) {
				summary.Empty++
				continue
			}
			if err := writeCube(dir, &cubes[i]); err != nil {
				return summary, err
			}
			*group.count++
		}
	}
	return summary, nil
}

func isEmpty(c *classify.Cube) bool {
	for _, v := range c.Signal {
		if v != 0 {
			return false
		}
	}
	return true
}

// CubeFileName returns the file a cube channel is written to
func CubeFileName(c models.Point3D, channel int) string {
	return fmt.Sprintf("pCellz%dy%dx%dCh%d.tif", int(c.Z), int(c.Y), int(c.X), channel)
}

// writeCube stores each channel as one TIFF with the z slices stacked
// vertically, channel 0 being the signal and channel 1 the background
func writeCube(dir string, c *classify.Cube) error {
	for ch, data := range [][]float64{c.Signal, c.Background} {
		plane := &models.Plane{Width: c.Width, Height: c.Height * c.Depth, Data: data}
		if err := planeio.WritePlane(filepath.Join(dir, CubeFileName(c.Cell.Point3D, ch)), plane); err != nil {
			return err
		}
	}
	return nil
}

// WriteTrainingYAML writes dir/training.yml pointing at the cube
// directories and returns its path
func WriteTrainingYAML(dir string) (string, error) {
	doc := TrainingFile{Data: []TrainingSection{
		{
			CubeDir:       filepath.Join(dir, cellsDir),
			Type:          "cell",
			SignalChannel: 0,
			BgChannel:     1,
		},
		{
			CubeDir:       filepath.Join(dir, nonCellsDir),
			Type:          "no_cell",
			SignalChannel: 0,
			BgChannel:     1,
		},
	}}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("error marshaling training file: %w", err)
	}
	path := filepath.Join(dir, TrainingFileName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("error writing training file: %w", err)
	}
	return path, nil
}
