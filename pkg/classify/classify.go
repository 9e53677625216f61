// Package classify turns raw candidate detections into the final annotated
// cell list: it cuts a cube around every candidate, asks a classifier for
// cell / non-cell probabilities, and merges nearby cells.
package classify

import (
	"context"
	"errors"
	"fmt"
	"math"

	"cellfinder/internal/models"
)

var (
	// ErrEmptyCellList is returned by RemovedFraction when no candidate was
	// classified as a cell
	ErrEmptyCellList = errors.New("no cells detected")

	// ErrBatchSize is wrapped by a ClassifierFailure when the classifier
	// returns a different number of results than cubes it was given
	ErrBatchSize = errors.New("classifier returned mismatched batch size")

	// ErrEmptyPrediction is wrapped by a ClassifierFailure for an empty
	// probability vector
	ErrEmptyPrediction = errors.New("classifier returned an empty prediction")
)

// Classifier maps a batch of cubes to one probability vector per cube, in
// batch order. Index 0 is non-cell and index 1 is cell. workers is a hint
// for implementations that parallelise internally.
type Classifier interface {
	ClassifyBatch(ctx context.Context, cubes []Cube, workers int) ([][]float64, error)
}

// ClassifierFunc adapts a function to the Classifier interface
type ClassifierFunc func(ctx context.Context, cubes []Cube, workers int) ([][]float64, error)

// ClassifyBatch calls f
func (f ClassifierFunc) ClassifyBatch(ctx context.Context, cubes []Cube, workers int) ([][]float64, error) {
	return f(ctx, cubes, workers)
}

// ClassifierFailure reports a failed or malformed classifier call
type ClassifierFailure struct {
	// Batch is the index of the failing batch
	Batch int
	Err   error
}

func (e *ClassifierFailure) Error() string {
	return fmt.Sprintf("classifier batch %d: %v", e.Batch, e.Err)
}

func (e *ClassifierFailure) Unwrap() error {
	return e.Err
}

// Label converts a probability vector to a cell type. Probabilities are
// rounded before taking the arg max, so ties resolve to the lowest index,
// and the index is offset by one into the persisted type encoding.
func Label(probs []float64) (models.CellType, error) {
	if len(probs) == 0 {
		return models.TypeUnclassified, ErrEmptyPrediction
	}
	best := 0
	bestValue := math.RoundToEven(probs[0])
	for i := 1; i < len(probs); i++ {
		if v := math.RoundToEven(probs[i]); v > bestValue {
			best, bestValue = i, v
		}
	}
	return models.ParseCellType(best + 1)
}

// RemovedFraction returns the share of raw cell detections removed by
// merging, 1 - merged/raw
func RemovedFraction(raw, merged int) (float64, error) {
	if raw == 0 {
		return 0, ErrEmptyCellList
	}
	return 1 - float64(merged)/float64(raw), nil
}

// Partition splits classified candidates into cells and everything else,
// keeping the input order within each group
func Partition(cells []models.Cell) (positive, negative []models.Cell) {
	for _, c := range cells {
		if c.IsCell() {
			positive = append(positive, c)
		} else {
			negative = append(negative, c)
		}
	}
	return positive, negative
}
