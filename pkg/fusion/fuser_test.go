package fusion

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"tilefuse/internal/models"
	"tilefuse/pkg/blending"
	"tilefuse/pkg/stackio"
)

// memStore is an in-memory loader and writer used to run jobs without disk I/O
type memStore struct {
	mu      sync.Mutex
	volumes map[string]*models.Volume
	loads   int
	written map[string]*models.FusedVolume
	failOn  string
}

func newMemStore() *memStore {
	return &memStore{
		volumes: make(map[string]*models.Volume),
		written: make(map[string]*models.FusedVolume),
	}
}

func (m *memStore) Load(path string) (*models.Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if path == m.failOn {
		return nil, fmt.Errorf("disk on fire")
	}
	v, ok := m.volumes[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return v, nil
}

func (m *memStore) Write(path string, v *models.FusedVolume) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written[path] = v
	return nil
}

// constantVolume creates a volume filled with a single value
func constantVolume(width, height, depth int, value float64) *models.Volume {
	v := models.NewVolume(width, height, depth)
	for i := range v.Data {
		v.Data[i] = value
	}
	return v
}

func twoTileParams() *Params {
	return &Params{
		Inputs:     []string{"tile0", "tile1"},
		Ranges:     []models.PositionRange{{Start: 0, End: 300}, {Start: 250, End: 400}},
		OutputFile: "fused.tif",
		Blending:   blending.DefaultOptions(),
		NumCores:   2,
	}
}

func twoTileStore() *memStore {
	store := newMemStore()
	store.volumes["tile0"] = constantVolume(10, 10, 400, 1000)
	store.volumes["tile1"] = constantVolume(10, 10, 400, 2000)
	return store
}

// TestProcessTwoTiles runs the full pipeline on two constant tiles
func TestProcessTwoTiles(t *testing.T) {
	store := twoTileStore()
	fuser := NewFuser(twoTileParams(), WithLoader(store), WithWriter(store), WithLogger(nil))

	result, err := fuser.Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	out, ok := store.written["fused.tif"]
	if !ok {
		t.Fatal("Fused volume was not written")
	}
	if out != result.Fused {
		t.Errorf("Written volume differs from the returned one")
	}

	if got := out.Plane(0)[0]; got != 1000 {
		t.Errorf("Plane 0 = %d, expected 1000", got)
	}
	if got := out.Plane(399)[0]; got != 2000 {
		t.Errorf("Plane 399 = %d, expected 2000", got)
	}
	if got := out.Plane(275)[0]; got <= 1000 || got >= 2000 {
		t.Errorf("Plane 275 = %d, expected strictly between 1000 and 2000", got)
	}

	rep := result.Report
	if rep.Volumes != 2 || rep.Depth != 400 {
		t.Errorf("Unexpected report shape: %+v", rep)
	}
	if rep.MaxWeightError > 1e-9 {
		t.Errorf("MaxWeightError = %v", rep.MaxWeightError)
	}
	if len(rep.Overlaps) != 1 || rep.Overlaps[0] != (models.PositionRange{Start: 250, End: 300}) {
		t.Errorf("Unexpected overlaps %v", rep.Overlaps)
	}
}

// TestProcessStreamingMatchesBatch verifies both execution modes agree
func TestProcessStreamingMatchesBatch(t *testing.T) {
	batchStore := twoTileStore()
	batch, err := NewFuser(twoTileParams(), WithLoader(batchStore), WithWriter(batchStore), WithLogger(nil)).
		Process(context.Background())
	if err != nil {
		t.Fatalf("Batch Process failed: %v", err)
	}

	params := twoTileParams()
	params.Streaming = true
	streamStore := twoTileStore()
	stream, err := NewFuser(params, WithLoader(streamStore), WithWriter(streamStore), WithLogger(nil)).
		Process(context.Background())
	if err != nil {
		t.Fatalf("Streaming Process failed: %v", err)
	}

	for i := range batch.Fused.Data {
		if batch.Fused.Data[i] != stream.Fused.Data[i] {
			t.Fatalf("Voxel %d differs: batch %d, streaming %d", i, batch.Fused.Data[i], stream.Fused.Data[i])
		}
	}
}

// TestProcessRejectsBeforeLoading verifies that range errors fail fast
func TestProcessRejectsBeforeLoading(t *testing.T) {
	store := twoTileStore()
	params := twoTileParams()
	params.Ranges = []models.PositionRange{{Start: 0, End: 200}, {Start: 250, End: 400}}

	_, err := NewFuser(params, WithLoader(store), WithWriter(store), WithLogger(nil)).Process(context.Background())
	if !errors.Is(err, blending.ErrConfiguration) {
		t.Fatalf("Expected ErrConfiguration, got %v", err)
	}
	if store.loads != 0 {
		t.Errorf("Expected no loads, got %d", store.loads)
	}
	if len(store.written) != 0 {
		t.Errorf("Expected no output")
	}
}

// TestProcessFailures covers failures after loading starts
func TestProcessFailures(t *testing.T) {
	t.Run("CountMismatch", func(t *testing.T) {
		store := twoTileStore()
		params := twoTileParams()
		params.Inputs = params.Inputs[:1]
		_, err := NewFuser(params, WithLoader(store), WithWriter(store), WithLogger(nil)).Process(context.Background())
		if !errors.Is(err, blending.ErrConfiguration) {
			t.Errorf("Expected ErrConfiguration, got %v", err)
		}
	})

	for _, streaming := range []bool{false, true} {
		t.Run(fmt.Sprintf("LoaderError/streaming=%v", streaming), func(t *testing.T) {
			store := twoTileStore()
			store.failOn = "tile1"
			params := twoTileParams()
			params.Streaming = streaming
			_, err := NewFuser(params, WithLoader(store), WithWriter(store), WithLogger(nil)).Process(context.Background())
			if err == nil {
				t.Fatal("Expected an error")
			}
			if len(store.written) != 0 {
				t.Errorf("Expected no output")
			}
		})

		t.Run(fmt.Sprintf("ShapeMismatch/streaming=%v", streaming), func(t *testing.T) {
			store := twoTileStore()
			store.volumes["tile1"] = constantVolume(12, 10, 400, 2000)
			params := twoTileParams()
			params.Streaming = streaming
			_, err := NewFuser(params, WithLoader(store), WithWriter(store), WithLogger(nil)).Process(context.Background())
			if !errors.Is(err, blending.ErrShapeMismatch) {
				t.Errorf("Expected ErrShapeMismatch, got %v", err)
			}
			if len(store.written) != 0 {
				t.Errorf("Expected no output")
			}
		})

		t.Run(fmt.Sprintf("DepthMismatch/streaming=%v", streaming), func(t *testing.T) {
			store := twoTileStore()
			store.volumes["tile0"] = constantVolume(10, 10, 300, 1000)
			params := twoTileParams()
			params.Streaming = streaming
			_, err := NewFuser(params, WithLoader(store), WithWriter(store), WithLogger(nil)).Process(context.Background())
			if !errors.Is(err, blending.ErrShapeMismatch) {
				t.Errorf("Expected ErrShapeMismatch, got %v", err)
			}
			if len(store.written) != 0 {
				t.Errorf("Expected no output")
			}
		})

		t.Run(fmt.Sprintf("NoIntermediaryOnFailure/streaming=%v", streaming), func(t *testing.T) {
			dir := t.TempDir()
			store := twoTileStore()
			store.failOn = "tile1"
			params := twoTileParams()
			params.Streaming = streaming
			params.SaveIntermediaryResults = true
			params.IntermediaryDir = filepath.Join(dir, "intermediary")

			_, err := NewFuser(params, WithLoader(store), WithWriter(store), WithLogger(nil)).Process(context.Background())
			if err == nil {
				t.Fatal("Expected an error")
			}
			if _, err := os.Stat(params.IntermediaryDir); !os.IsNotExist(err) {
				t.Errorf("Intermediary directory exists after a failed job: %v", err)
			}
			entries, err := os.ReadDir(dir)
			if err != nil {
				t.Fatalf("ReadDir failed: %v", err)
			}
			if len(entries) != 0 {
				t.Errorf("Expected no leftover staging directories, found %d entries", len(entries))
			}
		})

		t.Run(fmt.Sprintf("TooManyPlanes/streaming=%v", streaming), func(t *testing.T) {
			store := twoTileStore()
			store.volumes["tile0"] = constantVolume(10, 10, 401, 1000)
			params := twoTileParams()
			params.Streaming = streaming
			_, err := NewFuser(params, WithLoader(store), WithWriter(store), WithLogger(nil)).Process(context.Background())
			if !errors.Is(err, blending.ErrShapeMismatch) {
				t.Errorf("Expected ErrShapeMismatch, got %v", err)
			}
		})

		t.Run(fmt.Sprintf("Cancelled/streaming=%v", streaming), func(t *testing.T) {
			store := twoTileStore()
			params := twoTileParams()
			params.Streaming = streaming
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err := NewFuser(params, WithLoader(store), WithWriter(store), WithLogger(nil)).Process(ctx)
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Expected context.Canceled, got %v", err)
			}
			if len(store.written) != 0 {
				t.Errorf("Expected no output")
			}
		})
	}
}

// TestRunInMemory fuses a single tile without I/O and gets it back unchanged
func TestRunInMemory(t *testing.T) {
	v := models.NewVolume(3, 4, 5)
	for i := range v.Data {
		v.Data[i] = float64(i * 100)
	}

	result, err := Run(context.Background(), []*models.Volume{v},
		[]models.PositionRange{{Start: 0, End: 5}}, blending.DefaultOptions(), 1)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for i, want := range v.Data {
		if float64(result.Fused.Data[i]) != want {
			t.Fatalf("Voxel %d = %d, expected %v", i, result.Fused.Data[i], want)
		}
	}
	if result.Report.MaxOverlapStep != 0 || len(result.Report.Overlaps) != 0 {
		t.Errorf("Expected no overlaps in report: %+v", result.Report)
	}

	_, err = Run(context.Background(), []*models.Volume{v}, nil, blending.DefaultOptions(), 1)
	if !errors.Is(err, blending.ErrConfiguration) {
		t.Errorf("Expected ErrConfiguration, got %v", err)
	}
}

// TestRunDepthMismatch checks that tiles of different depths are rejected
// by the shape check, not by the final sum
func TestRunDepthMismatch(t *testing.T) {
	volumes := []*models.Volume{constantVolume(2, 2, 300, 1000), constantVolume(2, 2, 400, 2000)}
	ranges := []models.PositionRange{{Start: 0, End: 300}, {Start: 250, End: 400}}

	_, err := Run(context.Background(), volumes, ranges, blending.DefaultOptions(), 2)
	if !errors.Is(err, blending.ErrShapeMismatch) {
		t.Fatalf("Expected ErrShapeMismatch, got %v", err)
	}
	if want := "volume 1 has 400 planes, volume 0 has 300"; !strings.Contains(err.Error(), want) {
		t.Errorf("Error %q does not mention %q", err, want)
	}
}

// TestProcessOnDisk runs a job through the TIFF reader and writer and saves
// intermediary results
func TestProcessOnDisk(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping on-disk fusion test in short mode")
	}

	dir := t.TempDir()
	inputs := []string{filepath.Join(dir, "tile0.tif"), filepath.Join(dir, "tile1.tif")}
	for i, path := range inputs {
		v := &models.FusedVolume{Data: make([]uint16, 8*6*60), Width: 8, Height: 6, Depth: 60}
		for j := range v.Data {
			v.Data[j] = uint16(1000 * (i + 1))
		}
		if err := stackio.WriteVolume(path, v); err != nil {
			t.Fatalf("Failed to write input %d: %v", i, err)
		}
	}

	params := &Params{
		Inputs:                  inputs,
		Ranges:                  []models.PositionRange{{Start: 0, End: 40}, {Start: 25, End: 60}},
		OutputFile:              filepath.Join(dir, "out", "fused.tif"),
		Blending:                blending.DefaultOptions(),
		NumCores:                2,
		SaveIntermediaryResults: true,
		IntermediaryDir:         filepath.Join(dir, "intermediary"),
	}

	var logs bytes.Buffer
	result, err := NewFuser(params, WithLogger(log.New(&logs, "", 0))).Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !bytes.Contains(logs.Bytes(), []byte("Step 5")) {
		t.Errorf("Expected progress output, got %q", logs.String())
	}

	fused, err := stackio.Load(params.OutputFile)
	if err != nil {
		t.Fatalf("Failed to read output: %v", err)
	}
	for i, px := range result.Fused.Data {
		if fused.Data[i] != float64(px) {
			t.Fatalf("Voxel %d on disk = %v, expected %d", i, fused.Data[i], px)
		}
	}

	if _, err := os.Stat(filepath.Join(params.IntermediaryDir, "01_weight_curves", "weights.csv")); err != nil {
		t.Errorf("Weight table not saved: %v", err)
	}
	samples, err := filepath.Glob(filepath.Join(params.IntermediaryDir, "02_weighted_volumes", "volume_1", "*.png"))
	if err != nil || len(samples) != 3 {
		t.Errorf("Expected 3 weighted samples for volume 1, got %d (%v)", len(samples), err)
	}
	if staged, _ := filepath.Glob(filepath.Join(dir, ".tilefuse-intermediary-*")); len(staged) != 0 {
		t.Errorf("Staging directories left behind: %v", staged)
	}

	// A second run replaces the saved results instead of failing on them.
	if _, err := NewFuser(params, WithLogger(nil)).Process(context.Background()); err != nil {
		t.Fatalf("Second Process failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(params.IntermediaryDir, "01_weight_curves", "weights.csv")); err != nil {
		t.Errorf("Weight table missing after second run: %v", err)
	}
}

// TestWriteCurveTable checks the CSV layout of the weight table
func TestWriteCurveTable(t *testing.T) {
	curves, err := blending.ComputeWeightCurves([]models.PositionRange{{Start: 0, End: 6}, {Start: 3, End: 10}})
	if err != nil {
		t.Fatalf("ComputeWeightCurves failed: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteCurveTable(&buf, curves); err != nil {
		t.Fatalf("WriteCurveTable failed: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse CSV: %v", err)
	}
	if len(rows) != 11 {
		t.Fatalf("Expected header and 10 rows, got %d", len(rows))
	}
	if got := rows[0]; len(got) != 4 || got[1] != "weight_0" || got[3] != "sum" {
		t.Errorf("Unexpected header %v", got)
	}
	if rows[1][1] != "1" || rows[1][2] != "0" {
		t.Errorf("Unexpected first row %v", rows[1])
	}
}

// TestReportSteps checks the seam statistics on a known plane profile
func TestReportSteps(t *testing.T) {
	fused := &models.FusedVolume{Width: 1, Height: 1, Depth: 5, Data: []uint16{10, 10, 40, 40, 40}}
	curves, err := blending.ComputeWeightCurves([]models.PositionRange{{Start: 0, End: 4}, {Start: 2, End: 5}})
	if err != nil {
		t.Fatalf("ComputeWeightCurves failed: %v", err)
	}

	rep := NewReport(fused, curves, []models.PositionRange{{Start: 0, End: 4}, {Start: 2, End: 5}})
	if rep.MaxStep != 30 {
		t.Errorf("MaxStep = %v, expected 30", rep.MaxStep)
	}
	if rep.MedianStep != 0 {
		t.Errorf("MedianStep = %v, expected 0", rep.MedianStep)
	}
	if rep.MaxOverlapStep != 30 {
		t.Errorf("MaxOverlapStep = %v, expected 30", rep.MaxOverlapStep)
	}
	if math.Abs(rep.PlaneMeans[2]-40) > 1e-12 {
		t.Errorf("PlaneMeans[2] = %v, expected 40", rep.PlaneMeans[2])
	}
}

// TestHighFrequencyFraction separates hard steps from alternating noise
func TestHighFrequencyFraction(t *testing.T) {
	n := 64
	flat := make([]float64, n)
	ramp := make([]float64, n)
	step := make([]float64, n)
	alternating := make([]float64, n)
	for i := 0; i < n; i++ {
		flat[i] = 500
		ramp[i] = 1000 + 10*float64(i)
		if i >= n/2 {
			step[i] = 1000
		}
		alternating[i] = float64(1000 * (i % 2))
	}

	if got := highFrequencyFraction(detrend(flat)); got != 0 {
		t.Errorf("Flat profile: expected 0, got %v", got)
	}
	if got := highFrequencyFraction(detrend(ramp)); got != 0 {
		t.Errorf("Linear ramp: expected 0, got %v", got)
	}
	if got := highFrequencyFraction(detrend(step)); got > 0.3 {
		t.Errorf("Step profile: expected mostly low frequencies, got %v", got)
	}
	if got := highFrequencyFraction(detrend(alternating)); got < 0.9 {
		t.Errorf("Alternating profile: expected mostly high frequencies, got %v", got)
	}
	if got := highFrequencyFraction([]float64{1, 2}); got != 0 {
		t.Errorf("Short profile: expected 0, got %v", got)
	}
}
