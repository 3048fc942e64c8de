package cli

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"tilefuse/pkg/config"
	"tilefuse/pkg/fusion"
	"tilefuse/pkg/stackio"
	"tilefuse/pkg/visualization"
)

var (
	fuseInputs           []string
	fuseRanges           []string
	fuseOutput           string
	fuseCores            int
	fuseStreaming        bool
	fuseSteepness        float64
	fuseSplitDegenerate  bool
	fuseSaveIntermediary bool
	fuseIntermediaryDir  string
	fuseExtractSlices    bool
	fuseSlicesDir        string
	fuseSlicesFormat     string
	fuseRegion           []int
	fuseRegionOutput     string
	fuseQuiet            bool
)

var fuseCmd = &cobra.Command{
	Use:   "fuse",
	Short: "Fuse overlapping tiles into one volume",
	Long: `Fuse overlapping tiles into a single 16-bit multi-page TIFF.

Tiles are given in ascending stacking-axis order with one --input and one
--range per tile. Every tile must have as many planes as the fused volume
(the largest range end) with zeros outside its own range.

Intermediary results are written only when the job succeeds.

Example:
  tilefuse fuse --input top.tif --range 0:300 --input bottom.tif --range 250:400 -o fused.tif
  tilefuse fuse ... --region 0,0,240,512,512,120 --region-output seam.tif`,
	Args: cobra.NoArgs,
	RunE: runFuse,
}

func init() {
	fuseCmd.Flags().StringArrayVarP(&fuseInputs, "input", "i", nil,
		"Tile volume: multi-page TIFF or directory of PNG planes (repeatable)")
	fuseCmd.Flags().StringArrayVarP(&fuseRanges, "range", "r", nil,
		"Plane range start:end of the matching --input (repeatable)")
	fuseCmd.Flags().StringVarP(&fuseOutput, "output", "o", "", "Output TIFF path")
	fuseCmd.Flags().IntVar(&fuseCores, "cores", 0, "Number of tiles processed concurrently")
	fuseCmd.Flags().BoolVar(&fuseStreaming, "streaming", false, "Accumulate one tile at a time to bound memory")
	fuseCmd.Flags().Float64Var(&fuseSteepness, "steepness", 0, "Half-width of the sampled sigmoid domain")
	fuseCmd.Flags().BoolVar(&fuseSplitDegenerate, "split-degenerate", false,
		"Split single-plane overlaps 0.5/0.5 instead of failing")
	fuseCmd.Flags().BoolVar(&fuseSaveIntermediary, "save-intermediary", false,
		"Save weight curves and sample weighted planes once the job succeeds")
	fuseCmd.Flags().StringVar(&fuseIntermediaryDir, "intermediary-dir", "", "Directory for intermediary results")
	fuseCmd.Flags().BoolVar(&fuseExtractSlices, "extract-slices", false,
		"Export the fused volume as x, y and z slice sequences")
	fuseCmd.Flags().StringVar(&fuseSlicesDir, "slices-dir", "", "Directory for extracted slices")
	fuseCmd.Flags().StringVar(&fuseSlicesFormat, "slices-format", "", "Slice format: png (16-bit) or jpeg (8-bit preview)")
	fuseCmd.Flags().IntSliceVar(&fuseRegion, "region", nil,
		"Also save the subvolume x,y,z,sizeX,sizeY,sizeZ of the fused volume")
	fuseCmd.Flags().StringVar(&fuseRegionOutput, "region-output", "", "Output TIFF path for --region")
	fuseCmd.Flags().BoolVarP(&fuseQuiet, "quiet", "q", false, "Suppress step-by-step progress output")
}

// applyFuseFlags overrides config values with the flags set on the command line
func applyFuseFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()

	if flags.Changed("input") {
		cfg.Fusion.Inputs = fuseInputs
	}
	if flags.Changed("range") {
		ranges, err := parseRanges(fuseRanges)
		if err != nil {
			return err
		}
		cfg.Fusion.Ranges = ranges
	}
	if flags.Changed("output") {
		cfg.Fusion.OutputPath = fuseOutput
	}
	if flags.Changed("cores") {
		cfg.Processing.NumCores = fuseCores
	}
	if flags.Changed("streaming") {
		cfg.Processing.Streaming = fuseStreaming
	}
	if flags.Changed("steepness") {
		cfg.Blending.Steepness = fuseSteepness
	}
	if flags.Changed("split-degenerate") {
		cfg.Blending.SplitDegenerateOverlap = fuseSplitDegenerate
	}
	if flags.Changed("save-intermediary") {
		cfg.Output.SaveIntermediaryResults = fuseSaveIntermediary
	}
	if flags.Changed("intermediary-dir") {
		cfg.Output.IntermediaryDir = fuseIntermediaryDir
	}
	if flags.Changed("extract-slices") {
		cfg.Output.ExtractSlices = fuseExtractSlices
	}
	if flags.Changed("slices-dir") {
		cfg.Output.SlicesDir = fuseSlicesDir
	}
	if flags.Changed("slices-format") {
		cfg.Output.SlicesFormat = fuseSlicesFormat
	}
	if flags.Changed("region") {
		cfg.Output.Region = fuseRegion
	}
	if flags.Changed("region-output") {
		cfg.Output.RegionPath = fuseRegionOutput
	}
	if flags.Changed("quiet") {
		cfg.Output.Verbose = !fuseQuiet
	}
	return nil
}

func runFuse(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyFuseFlags(cmd, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	params := &fusion.Params{
		Inputs:                  cfg.Fusion.Inputs,
		Ranges:                  cfg.PositionRanges(),
		OutputFile:              cfg.Fusion.OutputPath,
		Blending:                cfg.BlendingOptions(),
		NumCores:                cfg.Processing.NumCores,
		Streaming:               cfg.Processing.Streaming,
		SaveIntermediaryResults: cfg.Output.SaveIntermediaryResults,
		IntermediaryDir:         cfg.Output.IntermediaryDir,
	}

	var logger *log.Logger
	if cfg.Output.Verbose {
		logger = log.New(os.Stdout, "", 0)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	PrintSection(fmt.Sprintf("Fusing %s", PrintCount(len(params.Inputs), "volume", "volumes")))
	result, err := fusion.NewFuser(params, fusion.WithLogger(logger)).Process(ctx)
	if err != nil {
		return fmt.Errorf("fusion failed: %w", err)
	}

	PrintSuccess(fmt.Sprintf("Fused volume saved to %s in %.2f seconds",
		params.OutputFile, result.Report.Duration.Seconds()))
	printReport(result.Report)

	viewer := visualization.NewViewer(result.Fused)
	if len(cfg.Output.Region) == 6 {
		if err := saveRegion(viewer, cfg.Output.Region, cfg.Output.RegionPath); err != nil {
			return fmt.Errorf("region export failed: %w", err)
		}
		PrintSuccess(fmt.Sprintf("Region saved to %s", cfg.Output.RegionPath))
	}

	if cfg.Output.ExtractSlices {
		PrintSection("Extracting slices")
		for _, axis := range []string{"x", "y", "z"} {
			axisDir := filepath.Join(cfg.Output.SlicesDir, axis)
			if err := viewer.SaveSliceSequence(axis, axisDir, cfg.Output.SlicesFormat); err != nil {
				PrintWarning(fmt.Sprintf("Failed to save %s-axis slices: %v", axis, err))
				continue
			}
			PrintLabelValue(axis+"-axis", axisDir)
		}
	}

	if cfg.Output.SaveIntermediaryResults {
		PrintSection("Intermediary results")
		PrintLabelValue("Directory", cfg.Output.IntermediaryDir)
		PrintLabelValue("01_weight_curves", "weight table (weights.csv)")
		PrintLabelValue("02_weighted_volumes", "first, middle and last plane of each weighted tile")
	}

	return nil
}

// saveRegion writes the subvolume r = x, y, z, sizeX, sizeY, sizeZ as a TIFF
func saveRegion(viewer *visualization.Viewer, r []int, path string) error {
	region, err := viewer.ExtractRegion(r[0], r[1], r[2], r[3], r[4], r[5])
	if err != nil {
		return err
	}
	return stackio.WriteVolume(path, region)
}

func printReport(rep fusion.Report) {
	PrintSection("Report")
	PrintLabelValue("Volumes", fmt.Sprintf("%d", rep.Volumes))
	PrintLabelValue("Shape (planes x height x width)", fmt.Sprintf("%d x %d x %d", rep.Depth, rep.Height, rep.Width))
	for i, o := range rep.Overlaps {
		PrintLabelValue(fmt.Sprintf("Overlap %d", i), fmt.Sprintf("%s, %s", o, PrintCount(o.Len(), "plane", "planes")))
	}
	PrintLabelValue("Max weight-sum error", fmt.Sprintf("%.3g", rep.MaxWeightError))
	PrintLabelValue("Plane mean step (max / median / p99)",
		fmt.Sprintf("%.2f / %.2f / %.2f", rep.MaxStep, rep.MedianStep, rep.P99Step))
	PrintLabelValue("Max step inside overlaps", fmt.Sprintf("%.2f", rep.MaxOverlapStep))
	PrintLabelValue("High-frequency energy of plane means", fmt.Sprintf("%.1f%%", 100*rep.HighFrequencyFraction))

	if rep.SaturatedVoxels > 0 {
		PrintWarning(fmt.Sprintf("%s clamped to the 16-bit range",
			PrintCount(rep.SaturatedVoxels, "voxel was", "voxels were")))
	}
}
