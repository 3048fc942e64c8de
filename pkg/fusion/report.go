package fusion

import (
	"math"
	"time"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"tilefuse/internal/models"
	"tilefuse/pkg/blending"
)

// Report summarises the quality of a fused volume.
//
// Seams show up as jumps in mean intensity between consecutive planes, so the
// report keeps the per-plane means and statistics of their absolute
// differences ("steps"), both over the whole stack and restricted to the
// overlap regions where tiles were blended.
type Report struct {
	// Volumes is the number of fused tiles
	Volumes int

	// Width, Height, Depth are the dimensions of the fused volume
	Width, Height, Depth int

	// Overlaps lists the blended plane ranges
	Overlaps []models.PositionRange

	// MaxWeightError is the largest deviation from 1 of the summed weights
	MaxWeightError float64

	// SaturatedVoxels counts voxels clamped into the 16-bit range
	SaturatedVoxels int

	// PlaneMeans holds the mean intensity of each fused plane
	PlaneMeans []float64

	// MaxStep, MedianStep and P99Step describe the absolute difference
	// between the means of consecutive planes
	MaxStep    float64
	MedianStep float64
	P99Step    float64

	// MaxOverlapStep is the largest step entering, inside or leaving an overlap
	MaxOverlapStep float64

	// HighFrequencyFraction is the share of the spectral energy of the
	// detrended plane-mean profile in the upper half of its frequencies.
	// A hard seam raises it, a smooth blend does not.
	HighFrequencyFraction float64

	// Duration is the wall time of the job, set by Fuser.Process
	Duration time.Duration
}

// NewReport evaluates a fused volume against the curves and ranges it was built from
func NewReport(fused *models.FusedVolume, curves []blending.WeightCurve, ranges []models.PositionRange) Report {
	r := Report{
		Volumes:         len(curves),
		Width:           fused.Width,
		Height:          fused.Height,
		Depth:           fused.Depth,
		Overlaps:        blending.OverlapRegions(ranges),
		MaxWeightError:  blending.MaxConservationError(curves, ranges),
		SaturatedVoxels: fused.Saturated,
		PlaneMeans:      PlaneMeans(fused),
	}

	steps := planeSteps(r.PlaneMeans)
	if len(steps) == 0 {
		return r
	}

	r.MaxStep = floats.Max(steps)
	if median, err := stats.Median(steps); err == nil {
		r.MedianStep = median
	}
	if p99, err := stats.Percentile(steps, 99); err == nil {
		r.P99Step = p99
	}

	// steps[p-1] is the jump from plane p-1 to plane p.
	for _, o := range r.Overlaps {
		for p := max(o.Start, 1); p <= o.End && p < len(r.PlaneMeans); p++ {
			r.MaxOverlapStep = math.Max(r.MaxOverlapStep, steps[p-1])
		}
	}

	r.HighFrequencyFraction = highFrequencyFraction(detrend(r.PlaneMeans))

	return r
}

// PlaneMeans returns the mean intensity of every plane of a fused volume
func PlaneMeans(fused *models.FusedVolume) []float64 {
	means := make([]float64, fused.Depth)
	buf := make([]float64, fused.PlaneSize())
	for p := range means {
		for i, px := range fused.Plane(p) {
			buf[i] = float64(px)
		}
		means[p] = stat.Mean(buf, nil)
	}
	return means
}

func planeSteps(means []float64) []float64 {
	if len(means) < 2 {
		return nil
	}
	steps := make([]float64, len(means)-1)
	for p := 1; p < len(means); p++ {
		steps[p-1] = math.Abs(means[p] - means[p-1])
	}
	return steps
}

// detrend subtracts the least-squares line through a profile
func detrend(y []float64) []float64 {
	n := len(y)
	out := make([]float64, n)
	if n < 3 {
		return out
	}

	A := mat.NewDense(n, 2, nil)
	for i := 0; i < n; i++ {
		A.Set(i, 0, 1)
		A.Set(i, 1, float64(i))
	}
	b := mat.NewDense(n, 1, append([]float64(nil), y...))

	var qr mat.QR
	qr.Factorize(A)
	coef := mat.NewDense(2, 1, nil)
	if err := qr.SolveTo(coef, false, b); err != nil {
		mean := stat.Mean(y, nil)
		for i, v := range y {
			out[i] = v - mean
		}
		return out
	}

	for i, v := range y {
		out[i] = v - coef.At(0, 0) - coef.At(1, 0)*float64(i)
	}
	return out
}

// highFrequencyFraction returns the share of the non-DC energy of a real
// sequence found in the upper half of its spectrum
func highFrequencyFraction(seq []float64) float64 {
	n := len(seq)
	if n < 4 {
		return 0
	}

	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, seq)

	cutoff := len(coeffs) / 2
	var total, high float64
	for k := 1; k < len(coeffs); k++ {
		e := real(coeffs[k])*real(coeffs[k]) + imag(coeffs[k])*imag(coeffs[k])
		total += e
		if k >= cutoff {
			high += e
		}
	}

	// Rounding noise left after removing an exact line.
	if total <= 1e-12*float64(n) {
		return 0
	}
	return high / total
}
