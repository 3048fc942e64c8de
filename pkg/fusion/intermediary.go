package fusion

import (
	"encoding/csv"
	"fmt"
	"image"
	"image/color"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"gonum.org/v1/gonum/floats"

	"tilefuse/internal/models"
	"tilefuse/pkg/blending"
	"tilefuse/pkg/stackio"
)

// WriteCurveTable writes one CSV row per stacking-axis index with the weight
// of every curve followed by their sum
func WriteCurveTable(w io.Writer, curves []blending.WeightCurve) error {
	cw := csv.NewWriter(w)

	header := []string{"plane"}
	for i := range curves {
		header = append(header, fmt.Sprintf("weight_%d", i))
	}
	header = append(header, "sum")
	if err := cw.Write(header); err != nil {
		return err
	}

	sums := blending.CurveSums(curves)
	row := make([]string, len(header))
	for p, s := range sums {
		row[0] = strconv.Itoa(p)
		for i, c := range curves {
			row[i+1] = strconv.FormatFloat(c[p], 'g', -1, 64)
		}
		row[len(row)-1] = strconv.FormatFloat(s, 'g', -1, 64)
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// stagedResults collects a job's intermediary results in a hidden directory
// next to the final one. They are moved into place by commit once the fused
// volume is written; a failed job leaves the final directory untouched.
type stagedResults struct {
	dir    string
	final  string
	ranges []models.PositionRange
	logger *log.Logger
}

func newStagedResults(final string, ranges []models.PositionRange, logger *log.Logger) (*stagedResults, error) {
	parent := filepath.Dir(filepath.Clean(final))
	if err := os.MkdirAll(parent, 0755); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(parent, ".tilefuse-intermediary-*")
	if err != nil {
		return nil, err
	}
	return &stagedResults{dir: dir, final: final, ranges: ranges, logger: logger}, nil
}

// commit replaces each stage directory under the final directory with the
// staged one
func (s *stagedResults) commit() error {
	if err := os.MkdirAll(s.final, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		target := filepath.Join(s.final, e.Name())
		if err := os.RemoveAll(target); err != nil {
			return err
		}
		if err := os.Rename(filepath.Join(s.dir, e.Name()), target); err != nil {
			return err
		}
	}
	return os.RemoveAll(s.dir)
}

// discard removes whatever is still staged. It is a no-op after commit.
func (s *stagedResults) discard() {
	_ = os.RemoveAll(s.dir)
}

// saveCurves writes the weight table
func (s *stagedResults) saveCurves(curves []blending.WeightCurve) (err error) {
	stageDir := filepath.Join(s.dir, "01_weight_curves")
	if err := os.MkdirAll(stageDir, 0755); err != nil {
		return fmt.Errorf("failed to create intermediary directory: %w", err)
	}

	file, err := os.Create(filepath.Join(stageDir, "weights.csv"))
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	return WriteCurveTable(file, curves)
}

// saveWeightedSamples saves the first, middle and last plane of a tile's
// range after weighting. Failures are reported as warnings only.
func (s *stagedResults) saveWeightedSamples(index int, v *models.Volume, curve blending.WeightCurve) {
	stageDir := filepath.Join(s.dir, "02_weighted_volumes", fmt.Sprintf("volume_%d", index))
	if err := os.MkdirAll(stageDir, 0755); err != nil {
		s.logger.Printf("Warning: Failed to create %s: %v\n", stageDir, err)
		return
	}

	r := s.ranges[index]
	samples := []int{r.Start, r.Start + r.Len()/2, r.End - 1}

	buf := make([]float64, v.PlaneSize())
	for _, p := range samples {
		if p >= v.Depth {
			continue
		}
		floats.ScaleTo(buf, curve[p], v.Plane(p))

		img := image.NewGray16(image.Rect(0, 0, v.Width, v.Height))
		for y := 0; y < v.Height; y++ {
			for x := 0; x < v.Width; x++ {
				val, _ := blending.Saturate(buf[y*v.Width+x])
				img.SetGray16(x, y, color.Gray16{Y: val})
			}
		}

		filename := filepath.Join(stageDir, fmt.Sprintf("plane_%03d.png", p))
		if err := stackio.SavePNG(filename, img); err != nil {
			s.logger.Printf("Warning: Failed to save weighted plane %d of volume %d: %v\n", p, index, err)
		}
	}
}
