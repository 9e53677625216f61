package cellio

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"cellfinder/internal/models"
)

var csvHeader = []string{"x", "y", "z", "type"}

// WriteCSV writes one row per cell under an x,y,z,type header
func WriteCSV(w io.Writer, cells []models.Cell) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, c := range cells {
		row := []string{
			strconv.FormatFloat(c.X, 'f', -1, 64),
			strconv.FormatFloat(c.Y, 'f', -1, 64),
			strconv.FormatFloat(c.Z, 'f', -1, 64),
			strconv.Itoa(int(c.Type)),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV reads a cell list written by WriteCSV
func ReadCSV(r io.Reader) ([]models.Cell, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvHeader)

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCellFile, err)
	}
	for i, name := range csvHeader {
		if header[i] != name {
			return nil, fmt.Errorf("%w: unexpected header %v", ErrInvalidCellFile, header)
		}
	}

	var cells []models.Cell
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCellFile, err)
		}

		var xyz [3]float64
		for i := range xyz {
			xyz[i], err = strconv.ParseFloat(row[i], 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidCellFile, line, err)
			}
		}
		code, err := strconv.Atoi(row[3])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidCellFile, line, err)
		}
		t, err := models.ParseCellType(code)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidCellFile, line, err)
		}
		cells = append(cells, models.NewCell(models.Point3D{X: xyz[0], Y: xyz[1], Z: xyz[2]}, t))
	}
	return cells, nil
}
