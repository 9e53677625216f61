package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"cellfinder/internal/models"
	"cellfinder/pkg/cellio"
	"cellfinder/pkg/classify"
	"cellfinder/pkg/config"
	"cellfinder/pkg/curation"
	"cellfinder/pkg/pipeline"
	"cellfinder/pkg/planefilter"
	"cellfinder/pkg/planeio"
	"cellfinder/pkg/store"
)

const usage = `Usage: cellfinder <command> [flags]

Commands:
  detect       filter signal planes in order for 3-D detection
  classify     classify candidate cells and merge duplicates
  curate       export curated cells as training cubes
  init-config  write a default configuration file

Run "cellfinder <command> -h" for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch os.Args[1] {
	case "detect":
		err = runDetect(ctx, os.Args[2:])
	case "classify":
		err = runClassify(ctx, os.Args[2:])
	case "curate":
		err = runCurate(os.Args[2:])
	case "init-config":
		err = runInitConfig(os.Args[2:])
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("%s failed: %v", os.Args[1], err)
	}
}

// newLogger returns the run logger; quiet runs only report errors
func newLogger(verbose bool) *log.Logger {
	if !verbose {
		return log.New(io.Discard, "", 0)
	}
	return log.New(os.Stderr, "", log.LstdFlags)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(path)
}

func filterParams(cfg *config.Config) planefilter.Params {
	d := cfg.Detection
	return planefilter.Params{
		SomaDiameter:   d.SomaDiameter,
		LogSigmaFactor: d.LogSigmaFactor,
		ClippingValue:  d.ClippingValue,
		ThresholdValue: d.ThresholdValue,
		NSDsAboveMean:  d.NSDsAboveMean,
		AdaptiveWindow: d.AdaptiveWindow,
	}
}

func runDetect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("detect", flag.ContinueOnError)
	signalDir := fs.String("signal", "", "Directory containing the signal channel planes (one TIFF per plane)")
	outDir := fs.String("out", "", "Directory to write the filtered planes to")
	configPath := fs.String("config", "", "YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *signalDir == "" || *outDir == "" {
		fs.Usage()
		return fmt.Errorf("-signal and -out are required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Output.Verbose)

	src, err := planeio.NewDirSource(*signalDir)
	if err != nil {
		return err
	}
	filter, err := planefilter.New(filterParams(cfg))
	if err != nil {
		return err
	}

	workers := pipeline.WorkerCount(cfg.Workers.MaxWorkers, cfg.Workers.FreeCPUs)
	p := pipeline.New(filter, workers,
		pipeline.WithLogger(logger),
		pipeline.WithProgress(func(published, total int, _ string) {
			logger.Printf("Filtering planes: %.1f%% complete", float64(published)/float64(total)*100)
		}))

	writer, err := planeio.NewWriter(*outDir, cfg.Output.SaveFilteredPlanes)
	if err != nil {
		return err
	}

	fmt.Printf("Filtering %d planes from %s with %d workers\n", src.Len(), *signalDir, workers)
	startTime := time.Now()

	out := make(chan models.FilteredPlane)
	written := make(chan error, 1)
	go func() {
		_, err := writer.Consume(out)
		written <- err
	}()

	runErr := p.Run(ctx, src, out)
	writeErr := <-written
	if runErr != nil || writeErr != nil {
		if err := writer.Abort(); err != nil {
			logger.Printf("Warning: failed to discard partial output: %v", err)
		}
		// A failed plane is reported by both; the pipeline error comes first
		if runErr != nil {
			return runErr
		}
		return writeErr
	}
	if err := writer.Commit(); err != nil {
		return err
	}

	fmt.Printf("Filtered %d planes in %.2f seconds\n", src.Len(), time.Since(startTime).Seconds())
	fmt.Printf("Output saved to: %s\n", *outDir)
	return nil
}

func runClassify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("classify", flag.ContinueOnError)
	signalDir := fs.String("signal", "", "Directory containing the signal channel planes")
	backgroundDir := fs.String("background", "", "Directory containing the background channel planes")
	cellsPath := fs.String("cells", "", "Candidate cells file (XML or CSV)")
	outPath := fs.String("out", "cell_classification.xml", "Classified cells output file")
	configPath := fs.String("config", "", "YAML configuration file")
	modelURL := fs.String("model", "", "Classifier predict URL (overrides the configuration)")
	proxDist := fs.Float64("prox-dist", -1, "Proximity merge distance in microns (negative: use the configuration)")
	noMerge := fs.Bool("no-merge", false, "Disable proximity merging")
	dbPath := fs.String("db", "", "SQLite database to record the run in (overrides the configuration)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *signalDir == "" || *backgroundDir == "" || *cellsPath == "" {
		fs.Usage()
		return fmt.Errorf("-signal, -background and -cells are required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *modelURL != "" {
		cfg.Classification.ModelURL = *modelURL
	}
	if *proxDist >= 0 {
		cfg.Classification.ProximityDistance = proxDist
	}
	if *noMerge {
		cfg.Classification.ProximityDistance = nil
	}
	if *dbPath != "" {
		cfg.Output.Database = *dbPath
	}
	if cfg.Classification.ModelURL == "" {
		return fmt.Errorf("no classifier URL configured")
	}
	logger := newLogger(cfg.Output.Verbose)

	var runs *store.Store
	var runID string
	if cfg.Output.Database != "" {
		runs, err = store.Open(cfg.Output.Database)
		if err != nil {
			return err
		}
		defer runs.Close()

		params, err := cfg.Marshal()
		if err != nil {
			return err
		}
		if runID, err = runs.BeginRun(params); err != nil {
			return err
		}
		logger.Printf("Recording run %s in %s", runID, cfg.Output.Database)
	}

	res, err := classifyCells(ctx, cfg, *signalDir, *backgroundDir, *cellsPath, logger)
	if err == nil {
		logger.Printf("Saving classified cells")
		err = cellio.Save(res.Cells, *outPath, cfg.Output.SaveCSV)
	}
	if err != nil {
		if runs != nil {
			if ferr := runs.FailRun(runID, err); ferr != nil {
				logger.Printf("Warning: failed to record run failure: %v", ferr)
			}
		}
		return err
	}

	if runs != nil {
		summary := store.Summary{
			RawCells:    len(res.RawCells),
			MergedCells: res.MergedCells,
			NonCells:    len(res.NonCells),
		}
		if err := runs.CompleteRun(runID, res.Cells, summary); err != nil {
			// The cell file must not outlive a run that is not complete
			removeCellFiles(*outPath, cfg.Output.SaveCSV, logger)
			if ferr := runs.FailRun(runID, err); ferr != nil {
				logger.Printf("Warning: failed to record run failure: %v", ferr)
			}
			return err
		}
	}

	fmt.Printf("Classified %d candidates: %d cells, %d non-cells (%d skipped)\n",
		len(res.RawCells)+len(res.NonCells), res.MergedCells, len(res.NonCells), res.Skipped)
	fmt.Printf("Output saved to: %s\n", *outPath)
	return nil
}

func removeCellFiles(xmlPath string, withCSV bool, logger *log.Logger) {
	paths := []string{xmlPath}
	if withCSV {
		paths = append(paths, strings.TrimSuffix(xmlPath, filepath.Ext(xmlPath))+".csv")
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Printf("Warning: failed to remove %s: %v", path, err)
		}
	}
}

func classifyCells(ctx context.Context, cfg *config.Config, signalDir, backgroundDir, cellsPath string, logger *log.Logger) (*classify.Result, error) {
	candidates, err := cellio.LoadCells(cellsPath)
	if err != nil {
		return nil, err
	}

	extractor, err := newExtractor(cfg, signalDir, backgroundDir, logger)
	if err != nil {
		return nil, err
	}

	o, err := classify.NewOrchestrator(
		extractor,
		classify.NewTFServingClient(cfg.Classification.ModelURL, nil),
		classify.Params{
			BatchSize:         cfg.Classification.BatchSize,
			Workers:           pipeline.WorkerCount(cfg.Workers.MaxWorkers, cfg.Workers.FreeCPUs),
			ProximityDistance: cfg.Classification.ProximityDistance,
			Scale:             cfg.Voxel.Raw.Scale(),
		},
		classify.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, candidates)
}

func newExtractor(cfg *config.Config, signalDir, backgroundDir string, logger *log.Logger) (*classify.CubeExtractor, error) {
	signalSrc, err := planeio.NewDirSource(signalDir)
	if err != nil {
		return nil, err
	}
	backgroundSrc, err := planeio.NewDirSource(backgroundDir)
	if err != nil {
		return nil, err
	}
	return classify.NewCubeExtractor(signalSrc, backgroundSrc, classify.CubeParams{
		Width:   cfg.Classification.CubeWidth,
		Height:  cfg.Classification.CubeHeight,
		Depth:   cfg.Classification.CubeDepth,
		Raw:     cfg.Voxel.Raw.Scale(),
		Network: cfg.Voxel.Network.Scale(),
	}, logger)
}

func runCurate(args []string) error {
	fs := flag.NewFlagSet("curate", flag.ContinueOnError)
	signalDir := fs.String("signal", "", "Directory containing the signal channel planes")
	backgroundDir := fs.String("background", "", "Directory containing the background channel planes")
	cellsPath := fs.String("cells", "", "Curated cells file (XML or CSV)")
	outDir := fs.String("out", "", "Directory to write curated_cells.xml, the cubes and training.yml to")
	configPath := fs.String("config", "", "YAML configuration file")
	saveEmpty := fs.Bool("save-empty", false, "Also save cubes without any signal")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *signalDir == "" || *backgroundDir == "" || *cellsPath == "" || *outDir == "" {
		fs.Usage()
		return fmt.Errorf("-signal, -background, -cells and -out are required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Output.Verbose)

	session, err := curation.LoadSession(*cellsPath)
	if err != nil {
		return err
	}
	curated, err := session.Save(*outDir)
	if err != nil {
		return err
	}
	fmt.Printf("Saved %d curated points to: %s\n", session.Len(), curated)

	extractor, err := newExtractor(cfg, *signalDir, *backgroundDir, logger)
	if err != nil {
		return err
	}
	fmt.Printf("Saving cubes to: %s\n", *outDir)
	summary, err := session.ExtractTrainingCubes(*outDir, extractor, *saveEmpty)
	if err != nil {
		return err
	}
	fmt.Printf("Saved %d cell and %d non-cell cubes (%d skipped, %d empty)\n",
		summary.Cells, summary.NonCells, summary.Skipped, summary.Empty)

	fmt.Println("Saving yaml file to use for training")
	if _, err := curation.WriteTrainingYAML(*outDir); err != nil {
		return err
	}
	return nil
}

func runInitConfig(args []string) error {
	fs := flag.NewFlagSet("init-config", flag.ContinueOnError)
	configPath := fs.String("config", "cellfinder.yaml", "Configuration file to create")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := config.CreateDefaultConfigFile(*configPath); err != nil {
		return err
	}
	fmt.Printf("Default configuration written to: %s\n", *configPath)
	return nil
}
