// Package curation holds the state of a manual curation pass over a
// classified cell list and exports the curated points as training data.
//
// All state lives in a Session, one per curated volume.
package curation

import (
	"fmt"
	"path/filepath"

	"cellfinder/internal/models"
	"cellfinder/pkg/cellio"
)

// CuratedFileName is the file a session is saved to
const CuratedFileName = "curated_cells.xml"

// Session is the list of points being curated
type Session struct {
	cells []models.Cell
}

// NewSession starts a session from an existing cell list. The list is copied.
func NewSession(cells []models.Cell) *Session {
	return &Session{cells: append([]models.Cell(nil), cells...)}
}

// LoadSession starts a session from a cell file
func LoadSession(path string) (*Session, error) {
	cells, err := cellio.LoadCells(path)
	if err != nil {
		return nil, err
	}
	return &Session{cells: cells}, nil
}

// Len returns the number of points
func (s *Session) Len() int {
	return len(s.cells)
}

// Add appends a point and returns its index
func (s *Session) Add(p models.Point3D, t models.CellType) int {
	s.cells = append(s.cells, models.NewCell(p, t))
	return len(s.cells) - 1
}

// SetType relabels point i
func (s *Session) SetType(i int, t models.CellType) error {
	if i < 0 || i >= len(s.cells) {
		return fmt.Errorf("point %d out of range [0, %d)", i, len(s.cells))
	}
	if t != models.TypeCell && t != models.TypeNonCell {
		return fmt.Errorf("cannot label point %d as %s", i, t)
	}
	s.cells[i].Type = t
	return nil
}

// Cells returns a copy of the current points
func (s *Session) Cells() []models.Cell {
	return append([]models.Cell(nil), s.cells...)
}

// Split returns the points labelled as cells and all others
func (s *Session) Split() (cells, nonCells []models.Cell) {
	for _, c := range s.cells {
		if c.IsCell() {
			cells = append(cells, c)
		} else {
			nonCells = append(nonCells, c)
		}
	}
	return cells, nonCells
}

// Save writes the session to dir/curated_cells.xml and returns the path
func (s *Session) Save(dir string) (string, error) {
	path := filepath.Join(dir, CuratedFileName)
	if err := cellio.Save(s.cells, path, false); err != nil {
		return "", err
	}
	return path, nil
}
