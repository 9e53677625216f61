package classify

import (
	"context"
	"errors"
	"fmt"
	"log"

	"cellfinder/internal/models"
	"cellfinder/pkg/proximity"
)

// Extractor produces the cubes of the extractable candidates in the order
// they should be classified, together with the number of candidates skipped
type Extractor interface {
	ExtractAll(candidates []models.Cell) ([]Cube, int, error)
}

// Params configures an Orchestrator
type Params struct {
	// BatchSize is the number of cubes per classifier call
	BatchSize int

	// Workers is passed to the classifier as a parallelism hint
	Workers int

	// ProximityDistance is the merge distance in physical units; nil
	// disables merging
	ProximityDistance *float64

	// Scale is the raw voxel size used for merge distances
	Scale models.PhysicalScale
}

// Result is the outcome of one classification run
type Result struct {
	// Cells is the final list: merged cells followed by non-cells
	Cells []models.Cell

	// RawCells are the candidates classified as cells before merging
	RawCells []models.Cell

	// NonCells are the candidates classified as non-cells
	NonCells []models.Cell

	// MergedCells is the number of cells after merging
	MergedCells int

	// Skipped is the number of candidates that could not be extracted
	Skipped int
}

// RemovedFraction returns the share of raw cells removed by merging, or
// ErrEmptyCellList when there were none
func (r *Result) RemovedFraction() (float64, error) {
	return RemovedFraction(len(r.RawCells), r.MergedCells)
}

// Orchestrator drives extraction, classification and merging
type Orchestrator struct {
	extractor  Extractor
	classifier Classifier
	params     Params
	logger     *log.Logger
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger for progress and summary output
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(extractor Extractor, classifier Classifier, params Params, opts ...Option) (*Orchestrator, error) {
	if params.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", params.BatchSize)
	}
	if params.Workers < 1 {
		params.Workers = 1
	}
	if params.ProximityDistance != nil {
		if err := params.Scale.Validate(); err != nil {
			return nil, err
		}
	}
	o := &Orchestrator{
		extractor:  extractor,
		classifier: classifier,
		params:     params,
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run classifies the candidates and returns the final annotated list.
// Only extractable candidates appear in the result.
func (o *Orchestrator) Run(ctx context.Context, candidates []models.Cell) (*Result, error) {
	cubes, skipped, err := o.extractor.ExtractAll(candidates)
	if err != nil {
		return nil, fmt.Errorf("extracting cubes: %w", err)
	}

	o.logger.Printf("Running inference on %d cubes", len(cubes))
	classified, err := o.classify(ctx, cubes)
	if err != nil {
		return nil, err
	}

	cells, nonCells := Partition(classified)
	res := &Result{
		RawCells: cells,
		NonCells: nonCells,
		Skipped:  skipped,
	}

	final := cells
	if o.params.ProximityDistance != nil {
		o.logger.Printf("Running proximity filtering")
		merged, err := proximity.Merge(models.Points(cells), *o.params.ProximityDistance, o.params.Scale)
		if err != nil {
			return nil, fmt.Errorf("proximity filtering: %w", err)
		}
		final = make([]models.Cell, len(merged))
		for i, p := range merged {
			final[i] = models.NewCell(p, models.TypeCell)
		}
	}
	res.MergedCells = len(final)

	frac, err := res.RemovedFraction()
	switch {
	case errors.Is(err, ErrEmptyCellList):
		o.logger.Printf("%v, nothing to merge", err)
	case err != nil:
		return nil, err
	default:
		o.logger.Printf("Removed %.0f %% of rois marked as cells", frac*100)
	}

	res.Cells = make([]models.Cell, 0, len(final)+len(nonCells))
	res.Cells = append(res.Cells, final...)
	res.Cells = append(res.Cells, nonCells...)
	return res, nil
}

// classify labels every cube, batch by batch
func (o *Orchestrator) classify(ctx context.Context, cubes []Cube) ([]models.Cell, error) {
	labelled := make([]models.Cell, 0, len(cubes))
	for batch, start := 0, 0; start < len(cubes); batch, start = batch+1, start+o.params.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+o.params.BatchSize, len(cubes))
		chunk := cubes[start:end]

		probs, err := o.classifier.ClassifyBatch(ctx, chunk, o.params.Workers)
		if err != nil {
			return nil, &ClassifierFailure{Batch: batch, Err: err}
		}
		if len(probs) != len(chunk) {
			return nil, &ClassifierFailure{
				Batch: batch,
				Err:   fmt.Errorf("%w: sent %d cubes, got %d results", ErrBatchSize, len(chunk), len(probs)),
			}
		}

		for i, p := range probs {
			t, err := Label(p)
			if err != nil {
				return nil, &ClassifierFailure{Batch: batch, Err: fmt.Errorf("cube %d: %w", start+i, err)}
			}
			c := chunk[i].Cell
			c.Type = t
			labelled = append(labelled, c)
		}
	}
	return labelled, nil
}
