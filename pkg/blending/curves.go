// Package blending computes sigmoid blending weights for tiles overlapping
// along the stacking axis and fuses the weighted tiles into one volume.
//
// The pipeline is split into three pure stages so each can be tested on its own:
//
//  1. ComputeWeightCurves turns position ranges into one weight curve per tile
//  2. ApplyWeights scales every plane of every tile by its curve value
//  3. Fuse sums the weighted tiles and saturates the result to 16 bits
//
// An Accumulator can replace stages 2 and 3 when only one tile at a time
// should be held in memory.
package blending

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"tilefuse/internal/models"
)

// DefaultSteepness is the half-width of the sigmoid domain sampled across an
// overlap. The transition spans [-DefaultSteepness, DefaultSteepness).
const DefaultSteepness = 6.0

// WeightCurve holds one weight per stacking-axis index, in [0, 1]
type WeightCurve []float64

// Options controls how overlap transitions are shaped
type Options struct {
	// Steepness is the half-width of the sampled sigmoid domain. Larger values
	// give a sharper transition with endpoints closer to 0 and 1.
	Steepness float64

	// SplitDegenerateOverlap turns a single-plane overlap into an even 0.5/0.5
	// split instead of failing with ErrDegenerateOverlap.
	SplitDegenerateOverlap bool
}

// DefaultOptions returns the options that reproduce the standard blend
func DefaultOptions() Options {
	return Options{Steepness: DefaultSteepness}
}

// ValidateRanges checks that ranges are usable for blending: non-empty,
// strictly ascending by start and end, each overlapping its successor, and
// never three ranges covering the same plane.
func ValidateRanges(ranges []models.PositionRange) error {
	if len(ranges) == 0 {
		return fmt.Errorf("%w: at least one position range is required", ErrConfiguration)
	}

	for i, r := range ranges {
		if r.Start < 0 {
			return fmt.Errorf("%w: range %d %s starts before plane 0", ErrConfiguration, i, r)
		}
		if r.End <= r.Start {
			return fmt.Errorf("%w: range %d %s is empty", ErrConfiguration, i, r)
		}
		if i == 0 {
			continue
		}

		prev := ranges[i-1]
		if r.Start <= prev.Start {
			return fmt.Errorf("%w: range %d %s does not start after range %d %s",
				ErrConfiguration, i, r, i-1, prev)
		}
		if r.End <= prev.End {
			return fmt.Errorf("%w: range %d %s does not end after range %d %s",
				ErrConfiguration, i, r, i-1, prev)
		}
		if prev.End <= r.Start {
			return fmt.Errorf("%w: ranges %d %s and %d %s do not overlap",
				ErrConfiguration, i-1, prev, i, r)
		}
		if i >= 2 && ranges[i-2].End > r.Start {
			return fmt.Errorf("%w: ranges %d, %d and %d overlap at plane %d",
				ErrConfiguration, i-2, i-1, i, r.Start)
		}
	}

	return nil
}

// ComputeWeightCurves builds one weight curve per range using DefaultOptions
func ComputeWeightCurves(ranges []models.PositionRange) ([]WeightCurve, error) {
	return ComputeWeightCurvesWithOptions(ranges, DefaultOptions())
}

// ComputeWeightCurvesWithOptions builds one weight curve per range.
//
// Every curve has length equal to the largest range end. A curve is 1 inside
// the part of its range that no neighbour overlaps, 0 outside its range, and
// follows a sigmoid inside each overlap. The curve of the earlier tile falls
// from ~1 to ~0 across an overlap while the later tile's curve is its exact
// complement, so the weights sum to 1 at every covered index.
func ComputeWeightCurvesWithOptions(ranges []models.PositionRange, opts Options) ([]WeightCurve, error) {
	if err := ValidateRanges(ranges); err != nil {
		return nil, err
	}
	if !(opts.Steepness > 0) || math.IsInf(opts.Steepness, 0) {
		return nil, fmt.Errorf("%w: sigmoid steepness must be positive and finite, got %v",
			ErrConfiguration, opts.Steepness)
	}

	length := ranges[len(ranges)-1].End

	curves := make([]WeightCurve, len(ranges))
	for i := range curves {
		curves[i] = make(WeightCurve, length)
		fill(curves[i], 1)
	}

	for i := 0; i < len(ranges)-1; i++ {
		start := ranges[i+1].Start
		end := ranges[i].End

		descending, err := transition(end-start, opts)
		if err != nil {
			return nil, fmt.Errorf("overlap between ranges %d %s and %d %s: %w",
				i, ranges[i], i+1, ranges[i+1], err)
		}

		copy(curves[i][start:end], descending)
		fill(curves[i][end:], 0)

		fill(curves[i+1][:start], 0)
		for k, w := range descending {
			curves[i+1][start+k] = 1 - w
		}
	}

	// Tiles contribute nothing outside their own range.
	for i, r := range ranges {
		fill(curves[i][:r.Start], 0)
		fill(curves[i][r.End:], 0)
	}

	return curves, nil
}

// transition samples the descending sigmoid 1/(1+exp(x)) at n points spaced
// 2*steepness/n apart, starting at -steepness.
func transition(n int, opts Options) ([]float64, error) {
	if n == 1 {
		if opts.SplitDegenerateOverlap {
			return []float64{0.5}, nil
		}
		return nil, fmt.Errorf("%w: a single-plane overlap cannot be blended", ErrDegenerateOverlap)
	}

	step := 2 * opts.Steepness / float64(n)
	out := make([]float64, n)
	for k := range out {
		x := -opts.Steepness + float64(k)*step
		out[k] = Sigmoid(x)
	}
	return out, nil
}

// Sigmoid returns 1/(1+exp(x)), falling from 1 to 0 as x increases
func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(x))
}

// CurveSums returns, for every stacking-axis index, the sum of all curves
func CurveSums(curves []WeightCurve) []float64 {
	if len(curves) == 0 {
		return nil
	}
	sums := make([]float64, len(curves[0]))
	for _, c := range curves {
		floats.Add(sums, c)
	}
	return sums
}

// MaxConservationError returns the largest deviation from 1 of the summed
// weights over every index covered by at least one range
func MaxConservationError(curves []WeightCurve, ranges []models.PositionRange) float64 {
	sums := CurveSums(curves)
	worst := 0.0
	for p, s := range sums {
		if !covered(ranges, p) {
			continue
		}
		worst = math.Max(worst, math.Abs(s-1))
	}
	return worst
}

// OverlapRegions returns the overlap of every consecutive pair of ranges
func OverlapRegions(ranges []models.PositionRange) []models.PositionRange {
	if len(ranges) < 2 {
		return nil
	}
	out := make([]models.PositionRange, 0, len(ranges)-1)
	for i := 0; i < len(ranges)-1; i++ {
		out = append(out, models.PositionRange{Start: ranges[i+1].Start, End: ranges[i].End})
	}
	return out
}

func covered(ranges []models.PositionRange, p int) bool {
	for _, r := range ranges {
		if r.Contains(p) {
			return true
		}
	}
	return false
}

func fill(s []float64, v float64) {
	for i := range s {
		s[i] = v
	}
}
