package blending

import (
	"context"
	"errors"
	"math"
	"testing"

	"tilefuse/internal/models"
)

// constantVolume creates a volume filled with a single value
func constantVolume(width, height, depth int, value float64) *models.Volume {
	v := models.NewVolume(width, height, depth)
	for i := range v.Data {
		v.Data[i] = value
	}
	return v
}

// patternVolume creates a volume whose voxels depend on their position
func patternVolume(width, height, depth int) *models.Volume {
	v := models.NewVolume(width, height, depth)
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				v.Data[z*width*height+y*width+x] = float64((x*7 + y*13 + z*31) % 4096)
			}
		}
	}
	return v
}

// TestEndToEndTwoTiles fuses two constant tiles and checks both ends and the
// middle of the overlap
func TestEndToEndTwoTiles(t *testing.T) {
	ranges := []models.PositionRange{rng(0, 300), rng(250, 400)}
	volumes := []*models.Volume{
		constantVolume(10, 10, 400, 1000),
		constantVolume(10, 10, 400, 2000),
	}

	curves, err := ComputeWeightCurves(ranges)
	if err != nil {
		t.Fatalf("ComputeWeightCurves failed: %v", err)
	}
	weighted, err := ApplyWeights(volumes, curves)
	if err != nil {
		t.Fatalf("ApplyWeights failed: %v", err)
	}
	fused, err := Fuse(weighted)
	if err != nil {
		t.Fatalf("Fuse failed: %v", err)
	}

	if fused.Width != 10 || fused.Height != 10 || fused.Depth != 400 {
		t.Fatalf("Unexpected fused shape %dx%dx%d", fused.Depth, fused.Height, fused.Width)
	}

	for _, px := range fused.Plane(0) {
		if px != 1000 {
			t.Fatalf("Plane 0 = %d, expected 1000", px)
		}
	}
	for _, px := range fused.Plane(399) {
		if px != 2000 {
			t.Fatalf("Plane 399 = %d, expected 2000", px)
		}
	}
	for _, px := range fused.Plane(275) {
		if px <= 1000 || px >= 2000 {
			t.Fatalf("Plane 275 = %d, expected strictly between 1000 and 2000", px)
		}
	}

	if s := curves[0][275] + curves[1][275]; math.Abs(s-1) > tolerance {
		t.Errorf("Weights at 275 sum to %v, expected 1", s)
	}
	if fused.Saturated != 0 {
		t.Errorf("Expected no saturated voxels, got %d", fused.Saturated)
	}
}

// TestSingleVolumeIdentity verifies that a single tile over its full range is
// reproduced exactly
func TestSingleVolumeIdentity(t *testing.T) {
	v := patternVolume(6, 5, 12)
	curves, err := ComputeWeightCurves([]models.PositionRange{rng(0, 12)})
	if err != nil {
		t.Fatalf("ComputeWeightCurves failed: %v", err)
	}
	weighted, err := ApplyWeights([]*models.Volume{v}, curves)
	if err != nil {
		t.Fatalf("ApplyWeights failed: %v", err)
	}
	fused, err := Fuse(weighted)
	if err != nil {
		t.Fatalf("Fuse failed: %v", err)
	}

	for i, want := range v.Data {
		if float64(fused.Data[i]) != want {
			t.Fatalf("Voxel %d = %d, expected %v", i, fused.Data[i], want)
		}
	}
}

// TestClamping verifies saturation instead of wraparound
func TestClamping(t *testing.T) {
	a := constantVolume(2, 2, 1, 60000)
	b := constantVolume(2, 2, 1, 60000)

	fused, err := Fuse([]*models.Volume{a, b})
	if err != nil {
		t.Fatalf("Fuse failed: %v", err)
	}
	for i, px := range fused.Data {
		if px != MaxIntensity {
			t.Errorf("Voxel %d = %d, expected %d", i, px, MaxIntensity)
		}
	}
	if fused.Saturated != 4 {
		t.Errorf("Expected 4 saturated voxels, got %d", fused.Saturated)
	}

	neg := constantVolume(2, 2, 1, -12)
	fused, err = Fuse([]*models.Volume{neg})
	if err != nil {
		t.Fatalf("Fuse failed: %v", err)
	}
	for i, px := range fused.Data {
		if px != 0 {
			t.Errorf("Voxel %d = %d, expected 0", i, px)
		}
	}
}

// TestSaturate checks rounding and clamping of single values
func TestSaturate(t *testing.T) {
	cases := []struct {
		in      float64
		want    uint16
		clamped bool
	}{
		{0, 0, false},
		{1.4, 1, false},
		{1.5, 2, false},
		{-0.4, 0, false},
		{-0.6, 0, true},
		{65535, 65535, false},
		{65535.4, 65535, false},
		{65535.5, 65535, true},
		{1e12, 65535, true},
		{math.Inf(-1), 0, true},
		{math.NaN(), 0, true},
	}
	for _, tc := range cases {
		got, clamped := Saturate(tc.in)
		if got != tc.want || clamped != tc.clamped {
			t.Errorf("Saturate(%v) = (%d, %v), expected (%d, %v)", tc.in, got, clamped, tc.want, tc.clamped)
		}
	}
}

// TestApplyWeightsDoesNotMutate ensures inputs stay untouched
func TestApplyWeightsDoesNotMutate(t *testing.T) {
	v := patternVolume(4, 4, 10)
	orig := append([]float64(nil), v.Data...)

	curves, err := ComputeWeightCurves([]models.PositionRange{rng(0, 8), rng(4, 10)})
	if err != nil {
		t.Fatalf("ComputeWeightCurves failed: %v", err)
	}
	other := patternVolume(4, 4, 10)
	weighted, err := ApplyWeights([]*models.Volume{v, other}, curves)
	if err != nil {
		t.Fatalf("ApplyWeights failed: %v", err)
	}

	for i := range orig {
		if v.Data[i] != orig[i] {
			t.Fatalf("Input voxel %d changed from %v to %v", i, orig[i], v.Data[i])
		}
	}
	// Plane 9 lies outside the first range.
	for _, px := range weighted[0].Plane(9) {
		if px != 0 {
			t.Fatalf("Expected zero weight outside range, got %v", px)
		}
	}
	// Plane 2 lies in the un-overlapped part of the first range.
	for i, px := range weighted[0].Plane(2) {
		if px != v.Plane(2)[i] {
			t.Fatalf("Expected unweighted plane, got %v want %v", px, v.Plane(2)[i])
		}
	}
}

// TestShapeMismatch covers every mismatch the weighting and fusion stages reject
func TestShapeMismatch(t *testing.T) {
	curves, err := ComputeWeightCurves([]models.PositionRange{rng(0, 8), rng(4, 10)})
	if err != nil {
		t.Fatalf("ComputeWeightCurves failed: %v", err)
	}

	t.Run("CountMismatch", func(t *testing.T) {
		_, err := ApplyWeights([]*models.Volume{patternVolume(4, 4, 10)}, curves)
		if !errors.Is(err, ErrShapeMismatch) {
			t.Errorf("Expected ErrShapeMismatch, got %v", err)
		}
	})

	t.Run("PlaneSize", func(t *testing.T) {
		vols := []*models.Volume{patternVolume(4, 4, 10), patternVolume(5, 4, 10)}
		_, err := ApplyWeights(vols, curves)
		if !errors.Is(err, ErrShapeMismatch) {
			t.Errorf("Expected ErrShapeMismatch, got %v", err)
		}
	})

	t.Run("TooManyPlanes", func(t *testing.T) {
		vols := []*models.Volume{patternVolume(4, 4, 11), patternVolume(4, 4, 11)}
		_, err := ApplyWeights(vols, curves)
		if !errors.Is(err, ErrShapeMismatch) {
			t.Errorf("Expected ErrShapeMismatch, got %v", err)
		}
	})

	t.Run("DepthMismatch", func(t *testing.T) {
		vols := []*models.Volume{patternVolume(4, 4, 9), patternVolume(4, 4, 10)}
		if err := CheckShapes(vols, curves); !errors.Is(err, ErrShapeMismatch) {
			t.Errorf("CheckShapes: expected ErrShapeMismatch, got %v", err)
		}
		_, err := ApplyWeights(vols, curves)
		if !errors.Is(err, ErrShapeMismatch) {
			t.Errorf("Expected ErrShapeMismatch, got %v", err)
		}
	})

	t.Run("AccumulatorDepth", func(t *testing.T) {
		acc := NewAccumulator(4, 4, 10)
		if err := acc.CheckShape(patternVolume(4, 4, 9)); !errors.Is(err, ErrShapeMismatch) {
			t.Errorf("Expected ErrShapeMismatch, got %v", err)
		}
		if err := acc.CheckShape(patternVolume(4, 4, 10)); err != nil {
			t.Errorf("Unexpected error %v", err)
		}
	})

	t.Run("BrokenLayout", func(t *testing.T) {
		bad := patternVolume(4, 4, 10)
		bad.Data = bad.Data[:10]
		_, err := ApplyWeights([]*models.Volume{patternVolume(4, 4, 10), bad}, curves)
		if !errors.Is(err, ErrShapeMismatch) {
			t.Errorf("Expected ErrShapeMismatch, got %v", err)
		}
	})

	t.Run("FuseDifferentDepth", func(t *testing.T) {
		_, err := Fuse([]*models.Volume{patternVolume(4, 4, 10), patternVolume(4, 4, 9)})
		if !errors.Is(err, ErrShapeMismatch) {
			t.Errorf("Expected ErrShapeMismatch, got %v", err)
		}
	})

	t.Run("FuseNothing", func(t *testing.T) {
		_, err := Fuse(nil)
		if !errors.Is(err, ErrConfiguration) {
			t.Errorf("Expected ErrConfiguration, got %v", err)
		}
	})
}

// TestStreamingMatchesBatch verifies that AddWeighted yields the same result
// as weighting every volume first and fusing afterwards
func TestStreamingMatchesBatch(t *testing.T) {
	ranges := []models.PositionRange{rng(0, 30), rng(20, 55), rng(45, 70)}
	volumes := []*models.Volume{patternVolume(8, 6, 70), patternVolume(8, 6, 70), patternVolume(8, 6, 70)}
	for i := range volumes[1].Data {
		volumes[1].Data[i] += 500
	}

	curves, err := ComputeWeightCurves(ranges)
	if err != nil {
		t.Fatalf("ComputeWeightCurves failed: %v", err)
	}
	weighted, err := ApplyWeightsContext(context.Background(), volumes, curves, 2)
	if err != nil {
		t.Fatalf("ApplyWeightsContext failed: %v", err)
	}
	batch, err := Fuse(weighted)
	if err != nil {
		t.Fatalf("Fuse failed: %v", err)
	}

	acc := NewAccumulator(8, 6, 70)
	for i, v := range volumes {
		if err := acc.AddWeighted(v, curves[i]); err != nil {
			t.Fatalf("AddWeighted %d failed: %v", i, err)
		}
	}
	if acc.Count() != 3 {
		t.Errorf("Expected 3 accumulated volumes, got %d", acc.Count())
	}
	stream := acc.Result()

	for i := range batch.Data {
		if batch.Data[i] != stream.Data[i] {
			t.Fatalf("Voxel %d differs: batch %d, streaming %d", i, batch.Data[i], stream.Data[i])
		}
	}
}

// TestApplyWeightsCancelled verifies that a cancelled context aborts weighting
func TestApplyWeightsCancelled(t *testing.T) {
	curves, err := ComputeWeightCurves([]models.PositionRange{rng(0, 10)})
	if err != nil {
		t.Fatalf("ComputeWeightCurves failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = ApplyWeightsContext(ctx, []*models.Volume{patternVolume(2, 2, 10)}, curves, 1)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
