package blending

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"tilefuse/internal/models"
)

// CheckShapes verifies that volumes and curves can be paired: equal counts,
// identical shapes across volumes, consistent data layout, and no volume
// with more planes than its curve has entries. It touches no voxel data, so
// callers run it before any weighting.
func CheckShapes(volumes []*models.Volume, curves []WeightCurve) error {
	if len(volumes) != len(curves) {
		return fmt.Errorf("%w: %d volumes but %d weight curves", ErrShapeMismatch, len(volumes), len(curves))
	}
	if len(volumes) == 0 {
		return fmt.Errorf("%w: no volumes to weight", ErrConfiguration)
	}

	first := volumes[0]
	for i, v := range volumes {
		if err := v.CheckLayout(); err != nil {
			return fmt.Errorf("%w: volume %d: %v", ErrShapeMismatch, i, err)
		}
		if v.Width != first.Width || v.Height != first.Height {
			return fmt.Errorf("%w: volume %d has planes of %dx%d, volume 0 has %dx%d",
				ErrShapeMismatch, i, v.Height, v.Width, first.Height, first.Width)
		}
		if v.Depth != first.Depth {
			return fmt.Errorf("%w: volume %d has %d planes, volume 0 has %d",
				ErrShapeMismatch, i, v.Depth, first.Depth)
		}
		if v.Depth > len(curves[i]) {
			return fmt.Errorf("%w: volume %d has %d planes but its weight curve covers %d",
				ErrShapeMismatch, i, v.Depth, len(curves[i]))
		}
	}

	return nil
}

// ApplyWeights scales every plane of every volume by the matching weight
// curve value, using all available cores
func ApplyWeights(volumes []*models.Volume, curves []WeightCurve) ([]*models.Volume, error) {
	return ApplyWeightsContext(context.Background(), volumes, curves, runtime.NumCPU())
}

// ApplyWeightsContext is ApplyWeights with cancellation and at most workers
// volumes processed concurrently. Inputs are never modified.
func ApplyWeightsContext(ctx context.Context, volumes []*models.Volume, curves []WeightCurve, workers int) ([]*models.Volume, error) {
	if err := CheckShapes(volumes, curves); err != nil {
		return nil, err
	}
	if workers < 1 {
		workers = 1
	}

	weighted := make([]*models.Volume, len(volumes))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range volumes {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			// Each goroutine writes only its own index.
			weighted[i] = WeightVolume(volumes[i], curves[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return weighted, nil
}

// WeightVolume returns a new volume whose plane p is v's plane p scaled by
// curve[p]. The caller must ensure len(curve) >= v.Depth.
func WeightVolume(v *models.Volume, curve WeightCurve) *models.Volume {
	out := models.NewVolume(v.Width, v.Height, v.Depth)
	out.Source = v.Source
	for p := 0; p < v.Depth; p++ {
		floats.ScaleTo(out.Plane(p), curve[p], v.Plane(p))
	}
	return out
}
