package blending

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"tilefuse/internal/models"
)

// MaxIntensity is the largest value representable in the fused output
const MaxIntensity = math.MaxUint16

// Fuse sums weighted volumes elementwise and saturates the result into the
// unsigned 16-bit range. All volumes must share the same shape.
func Fuse(weighted []*models.Volume) (*models.FusedVolume, error) {
	if len(weighted) == 0 {
		return nil, fmt.Errorf("%w: no weighted volumes to fuse", ErrConfiguration)
	}

	first := weighted[0]
	acc := NewAccumulator(first.Width, first.Height, first.Depth)
	for i, v := range weighted {
		if err := acc.Add(v); err != nil {
			return nil, fmt.Errorf("weighted volume %d: %w", i, err)
		}
	}

	return acc.Result(), nil
}

// Accumulator keeps a running floating-point sum of volumes of one shape.
// Adding tiles one by one through AddWeighted keeps only the sum and a single
// plane buffer alive, instead of every weighted volume at once.
type Accumulator struct {
	sum     []float64
	scratch []float64
	width   int
	height  int
	depth   int
	count   int
}

// NewAccumulator creates an accumulator for volumes of the given shape
func NewAccumulator(width, height, depth int) *Accumulator {
	return &Accumulator{
		sum:     make([]float64, width*height*depth),
		scratch: make([]float64, width*height),
		width:   width,
		height:  height,
		depth:   depth,
	}
}

// Count returns the number of volumes added so far
func (a *Accumulator) Count() int {
	return a.count
}

// Add adds an already weighted volume to the running sum
func (a *Accumulator) Add(v *models.Volume) error {
	if err := a.CheckShape(v); err != nil {
		return err
	}
	floats.Add(a.sum, v.Data)
	a.count++
	return nil
}

// AddWeighted scales v plane by plane with curve and adds it to the running
// sum. The result is identical to adding WeightVolume(v, curve).
func (a *Accumulator) AddWeighted(v *models.Volume, curve WeightCurve) error {
	if err := a.CheckShape(v); err != nil {
		return err
	}
	if v.Depth > len(curve) {
		return fmt.Errorf("%w: volume has %d planes but its weight curve covers %d",
			ErrShapeMismatch, v.Depth, len(curve))
	}

	size := a.width * a.height
	for p := 0; p < v.Depth; p++ {
		floats.ScaleTo(a.scratch, curve[p], v.Plane(p))
		floats.Add(a.sum[p*size:(p+1)*size], a.scratch)
	}
	a.count++
	return nil
}

// Result rounds the running sum to the nearest integer and clamps it into
// [0, MaxIntensity]. Out of range values saturate; NaN becomes 0.
func (a *Accumulator) Result() *models.FusedVolume {
	out := &models.FusedVolume{
		Data:   make([]uint16, len(a.sum)),
		Width:  a.width,
		Height: a.height,
		Depth:  a.depth,
	}
	for i, s := range a.sum {
		val, clamped := Saturate(s)
		out.Data[i] = val
		if clamped {
			out.Saturated++
		}
	}
	return out
}

// CheckShape returns ErrShapeMismatch unless v has the accumulator's shape
func (a *Accumulator) CheckShape(v *models.Volume) error {
	if err := v.CheckLayout(); err != nil {
		return fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	if v.Width != a.width || v.Height != a.height || v.Depth != a.depth {
		return fmt.Errorf("%w: volume is %dx%dx%d, accumulator is %dx%dx%d",
			ErrShapeMismatch, v.Depth, v.Height, v.Width, a.depth, a.height, a.width)
	}
	return nil
}

// Saturate rounds x half away from zero and clamps it to the uint16 range.
// The second result reports whether clamping was needed.
func Saturate(x float64) (uint16, bool) {
	if math.IsNaN(x) {
		return 0, true
	}
	r := math.Round(x)
	switch {
	case r < 0:
		return 0, true
	case r > MaxIntensity:
		return MaxIntensity, true
	}
	return uint16(r), false
}
