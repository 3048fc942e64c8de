// Package fusion runs complete tile fusion jobs: it loads the tiles, computes
// the blending curves, weights and fuses the tiles, and writes the result.
package fusion

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"tilefuse/internal/models"
	"tilefuse/pkg/blending"
	"tilefuse/pkg/stackio"
)

// Params holds the parameters of one fusion job
type Params struct {
	// Inputs lists the tile sources in ascending stacking-axis order
	Inputs []string

	// Ranges holds the position range of each input, in the same order
	Ranges []models.PositionRange

	// OutputFile is the path of the fused multi-page TIFF
	OutputFile string

	// Blending shapes the overlap transitions
	Blending blending.Options

	// NumCores bounds how many tiles are loaded and weighted concurrently
	NumCores int

	// Streaming fuses tiles one at a time into a running sum instead of
	// holding every weighted tile in memory
	Streaming bool

	// SaveIntermediaryResults writes the weight curves and sample weighted
	// planes under IntermediaryDir once the job has succeeded
	SaveIntermediaryResults bool

	// IntermediaryDir is the directory where intermediary results are saved
	IntermediaryDir string
}

// Loader supplies raw volumes
type Loader interface {
	Load(path string) (*models.Volume, error)
}

// LoaderFunc adapts a function to the Loader interface
type LoaderFunc func(path string) (*models.Volume, error)

// Load calls f(path)
func (f LoaderFunc) Load(path string) (*models.Volume, error) { return f(path) }

// Writer consumes the fused volume
type Writer interface {
	Write(path string, v *models.FusedVolume) error
}

// WriterFunc adapts a function to the Writer interface
type WriterFunc func(path string, v *models.FusedVolume) error

// Write calls f(path, v)
func (f WriterFunc) Write(path string, v *models.FusedVolume) error { return f(path, v) }

// Result is the outcome of a successful fusion job
type Result struct {
	Fused  *models.FusedVolume
	Curves []blending.WeightCurve
	Report Report
}

// Fuser runs fusion jobs. It holds only configuration and collaborators;
// every job's data flows through return values.
type Fuser struct {
	params *Params
	loader Loader
	writer Writer
	logger *log.Logger
}

// Option customises a Fuser
type Option func(*Fuser)

// WithLoader replaces the default TIFF/PNG loader
func WithLoader(l Loader) Option {
	return func(f *Fuser) { f.loader = l }
}

// WithWriter replaces the default TIFF writer
func WithWriter(w Writer) Option {
	return func(f *Fuser) { f.writer = w }
}

// WithLogger sets the logger for progress messages. A nil logger silences them.
func WithLogger(l *log.Logger) Option {
	return func(f *Fuser) {
		if l == nil {
			l = log.New(io.Discard, "", 0)
		}
		f.logger = l
	}
}

// NewFuser creates a fuser for the given parameters
func NewFuser(params *Params, opts ...Option) *Fuser {
	f := &Fuser{
		params: params,
		loader: LoaderFunc(stackio.Load),
		writer: WriterFunc(stackio.WriteVolume),
		logger: log.New(os.Stdout, "", 0),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Process runs the complete fusion pipeline and writes the fused volume.
// Nothing is written unless every step succeeds, intermediary results
// included.
func (f *Fuser) Process(ctx context.Context) (*Result, error) {
	p := f.params
	start := time.Now()

	if len(p.Inputs) != len(p.Ranges) {
		return nil, fmt.Errorf("%w: %d inputs but %d ranges", blending.ErrConfiguration, len(p.Inputs), len(p.Ranges))
	}

	// Step 1: weight curves, before touching any image data
	f.logger.Println("Step 1: Computing sigmoid weight curves...")
	curves, err := blending.ComputeWeightCurvesWithOptions(p.Ranges, p.Blending)
	if err != nil {
		return nil, err
	}
	for i, o := range blending.OverlapRegions(p.Ranges) {
		f.logger.Printf("Overlap %d: planes %s (%d planes)\n", i, o, o.Len())
	}

	var staged *stagedResults
	if p.SaveIntermediaryResults {
		staged, err = newStagedResults(p.IntermediaryDir, p.Ranges, f.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create intermediary directory: %w", err)
		}
		defer staged.discard()
		if err := staged.saveCurves(curves); err != nil {
			f.logger.Printf("Warning: Failed to save weight curves: %v\n", err)
		}
	}

	// Step 2 and 3: load, weight and fuse
	var fused *models.FusedVolume
	if p.Streaming {
		fused, err = f.fuseStreaming(ctx, curves, staged)
	} else {
		fused, err = f.fuseBatch(ctx, curves, staged)
	}
	if err != nil {
		return nil, err
	}

	// Step 4: report
	f.logger.Println("Step 4: Evaluating fused volume...")
	report := NewReport(fused, curves, p.Ranges)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 5: write
	f.logger.Printf("Step 5: Writing fused volume to %s...\n", p.OutputFile)
	if err := f.writer.Write(p.OutputFile, fused); err != nil {
		return nil, fmt.Errorf("failed to write fused volume: %w", err)
	}
	if staged != nil {
		if err := staged.commit(); err != nil {
			f.logger.Printf("Warning: Failed to save intermediary results: %v\n", err)
		}
	}

	report.Duration = time.Since(start)
	return &Result{Fused: fused, Curves: curves, Report: report}, nil
}

// fuseBatch loads every tile, weights them concurrently and sums them.
// staged is nil unless intermediary results are kept.
func (f *Fuser) fuseBatch(ctx context.Context, curves []blending.WeightCurve, staged *stagedResults) (*models.FusedVolume, error) {
	f.logger.Printf("Step 2: Loading %d volumes...\n", len(f.params.Inputs))
	volumes, err := f.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	if err := blending.CheckShapes(volumes, curves); err != nil {
		return nil, err
	}

	if staged != nil {
		for i, v := range volumes {
			staged.saveWeightedSamples(i, v, curves[i])
		}
	}

	f.logger.Println("Step 3: Weighting and fusing volumes...")
	weighted, err := blending.ApplyWeightsContext(ctx, volumes, curves, f.workers())
	if err != nil {
		return nil, err
	}
	return blending.Fuse(weighted)
}

// fuseStreaming loads and accumulates one tile at a time
func (f *Fuser) fuseStreaming(ctx context.Context, curves []blending.WeightCurve, staged *stagedResults) (*models.FusedVolume, error) {
	f.logger.Printf("Step 2-3: Streaming %d volumes into the accumulator...\n", len(f.params.Inputs))

	var sum *blending.Accumulator
	for i, path := range f.params.Inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		v, err := f.loader.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		if err := blending.CheckShapes([]*models.Volume{v}, curves[i:i+1]); err != nil {
			return nil, fmt.Errorf("volume %d: %w", i, err)
		}

		if sum == nil {
			sum = blending.NewAccumulator(v.Width, v.Height, v.Depth)
		}
		if err := sum.CheckShape(v); err != nil {
			return nil, fmt.Errorf("volume %d does not match volume 0: %w", i, err)
		}
		if staged != nil {
			staged.saveWeightedSamples(i, v, curves[i])
		}
		if err := sum.AddWeighted(v, curves[i]); err != nil {
			return nil, fmt.Errorf("volume %d: %w", i, err)
		}
		f.logger.Printf("Accumulated volume %d/%d: %s\n", i+1, len(f.params.Inputs), path)
	}

	return sum.Result(), nil
}

// loadAll loads every input concurrently, keeping input order
func (f *Fuser) loadAll(ctx context.Context) ([]*models.Volume, error) {
	volumes := make([]*models.Volume, len(f.params.Inputs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers())
	for i, path := range f.params.Inputs {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			v, err := f.loader.Load(path)
			if err != nil {
				return fmt.Errorf("failed to load %s: %w", path, err)
			}
			volumes[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, v := range volumes {
		f.logger.Printf("Loaded volume %d: %s (%d planes of %dx%d)\n", i, f.params.Inputs[i], v.Depth, v.Width, v.Height)
	}
	return volumes, nil
}

func (f *Fuser) workers() int {
	if f.params.NumCores < 1 {
		return 1
	}
	return f.params.NumCores
}

// Run fuses in-memory volumes without any file I/O
func Run(ctx context.Context, volumes []*models.Volume, ranges []models.PositionRange, opts blending.Options, workers int) (*Result, error) {
	if len(volumes) != len(ranges) {
		return nil, fmt.Errorf("%w: %d volumes but %d ranges", blending.ErrConfiguration, len(volumes), len(ranges))
	}

	curves, err := blending.ComputeWeightCurvesWithOptions(ranges, opts)
	if err != nil {
		return nil, err
	}
	weighted, err := blending.ApplyWeightsContext(ctx, volumes, curves, workers)
	if err != nil {
		return nil, err
	}
	fused, err := blending.Fuse(weighted)
	if err != nil {
		return nil, err
	}

	return &Result{Fused: fused, Curves: curves, Report: NewReport(fused, curves, ranges)}, nil
}
