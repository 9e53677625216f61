// Package cellio reads and writes cell lists.
//
// The primary format is the CellCounter marker XML, in which markers are
// grouped by type (1 = non-cell, 2 = cell). A CSV copy with the columns
// x,y,z,type can be written alongside.
package cellio

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"cellfinder/internal/models"
)

// ErrInvalidCellFile is returned for cell files that cannot be interpreted
var ErrInvalidCellFile = errors.New("invalid cell file")

// placeholderImage is written as the image file name; readers ignore it
const placeholderImage = "placeholder.tif"

type markerFile struct {
	XMLName         xml.Name        `xml:"CellCounter_Marker_File"`
	ImageProperties imageProperties `xml:"Image_Properties"`
	MarkerData      markerData      `xml:"Marker_Data"`
}

type imageProperties struct {
	ImageFilename string `xml:"Image_Filename"`
}

type markerData struct {
	CurrentType int          `xml:"Current_Type"`
	Types       []markerType `xml:"Marker_Type"`
}

type markerType struct {
	Type    int      `xml:"Type"`
	Markers []marker `xml:"Marker"`
}

type marker struct {
	X coord `xml:"MarkerX"`
	Y coord `xml:"MarkerY"`
	Z coord `xml:"MarkerZ"`
}

// coord is written in the shortest form that round-trips, so integer
// positions appear without a decimal point
type coord float64

func (c coord) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatFloat(float64(c), 'f', -1, 64)), nil
}

func (c *coord) UnmarshalText(text []byte) error {
	v, err := strconv.ParseFloat(strings.TrimSpace(string(text)), 64)
	if err != nil {
		return err
	}
	*c = coord(v)
	return nil
}

// WriteXML encodes cells as a CellCounter marker file. Marker types are
// written in ascending type order; within a type the input order is kept.
func WriteXML(w io.Writer, cells []models.Cell) error {
	byType := make(map[models.CellType][]marker)
	for _, c := range cells {
		byType[c.Type] = append(byType[c.Type], marker{X: coord(c.X), Y: coord(c.Y), Z: coord(c.Z)})
	}

	types := make([]int, 0, len(byType))
	for t := range byType {
		types = append(types, int(t))
	}
	sort.Ints(types)

	doc := markerFile{
		ImageProperties: imageProperties{ImageFilename: placeholderImage},
		MarkerData:      markerData{CurrentType: 1},
	}
	for _, t := range types {
		doc.MarkerData.Types = append(doc.MarkerData.Types, markerType{
			Type:    t,
			Markers: byType[models.CellType(t)],
		})
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("error encoding cells: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// ReadXML decodes a CellCounter marker file
func ReadXML(r io.Reader) ([]models.Cell, error) {
	var doc markerFile
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCellFile, err)
	}

	var cells []models.Cell
	for _, mt := range doc.MarkerData.Types {
		t, err := models.ParseCellType(mt.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCellFile, err)
		}
		for _, m := range mt.Markers {
			cells = append(cells, models.NewCell(models.Point3D{X: float64(m.X), Y: float64(m.Y), Z: float64(m.Z)}, t))
		}
	}
	return cells, nil
}

// LoadCells reads a cell list, choosing the format from the file extension
func LoadCells(path string) ([]models.Cell, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var cells []models.Cell
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xml":
		cells, err = ReadXML(file)
	case ".csv":
		cells, err = ReadCSV(file)
	default:
		return nil, fmt.Errorf("%w: unsupported extension %q", ErrInvalidCellFile, filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return cells, nil
}

// Save writes cells to an XML file at path and, if saveCSV is set, a CSV
// copy with the same base name. Both files are written to temporary files
// first and renamed into place only when every write succeeded; the XML is
// renamed last, so its presence means the save completed.
func Save(cells []models.Cell, path string, saveCSV bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}

	type target struct {
		path  string
		write func(io.Writer) error
	}
	targets := []target{{path, func(w io.Writer) error { return WriteXML(w, cells) }}}
	if saveCSV {
		csvPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".csv"
		targets = append(targets, target{csvPath, func(w io.Writer) error { return WriteCSV(w, cells) }})
	}

	staged := make([]string, 0, len(targets))
	defer func() {
		// Renamed files are gone already
		for _, tmp := range staged {
			os.Remove(tmp)
		}
	}()
	for _, t := range targets {
		tmp, err := writeTemp(t.path, t.write)
		if err != nil {
			return err
		}
		staged = append(staged, tmp)
	}

	for i := len(targets) - 1; i >= 0; i-- {
		if err := os.Rename(staged[i], targets[i].path); err != nil {
			return fmt.Errorf("error saving %s: %w", targets[i].path, err)
		}
	}
	return nil
}

// writeTemp writes to a temporary file next to path and returns its name
func writeTemp(path string, write func(io.Writer) error) (string, error) {
	file, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return "", err
	}
	if err := write(file); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	if err := file.Chmod(0644); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", err
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", err
	}
	return file.Name(), nil
}
