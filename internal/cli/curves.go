package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"tilefuse/internal/models"
	"tilefuse/pkg/blending"
	"tilefuse/pkg/fusion"
)

var (
	curvesRanges          []string
	curvesSteepness       float64
	curvesSplitDegenerate bool
	curvesCSV             string
	curvesAll             bool
)

var curvesCmd = &cobra.Command{
	Use:   "curves",
	Short: "Print the blending weights for a set of ranges",
	Long: `Compute the sigmoid weight curves for a set of plane ranges without reading
any image data.

By default only the planes around each overlap are printed. Use --all for
every plane, or --csv to write the full table to a file.

Example:
  tilefuse curves --range 0:300 --range 250:400`,
	Args: cobra.NoArgs,
	RunE: runCurves,
}

func init() {
	curvesCmd.Flags().StringArrayVarP(&curvesRanges, "range", "r", nil, "Plane range start:end (repeatable)")
	curvesCmd.Flags().Float64Var(&curvesSteepness, "steepness", 0, "Half-width of the sampled sigmoid domain")
	curvesCmd.Flags().BoolVar(&curvesSplitDegenerate, "split-degenerate", false,
		"Split single-plane overlaps 0.5/0.5 instead of failing")
	curvesCmd.Flags().StringVar(&curvesCSV, "csv", "", "Write the full weight table to this CSV file")
	curvesCmd.Flags().BoolVar(&curvesAll, "all", false, "Print every plane instead of the overlaps only")
}

func runCurves(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("range") {
		ranges, err := parseRanges(curvesRanges)
		if err != nil {
			return err
		}
		cfg.Fusion.Ranges = ranges
	}
	if flags.Changed("steepness") {
		cfg.Blending.Steepness = curvesSteepness
	}
	if flags.Changed("split-degenerate") {
		cfg.Blending.SplitDegenerateOverlap = curvesSplitDegenerate
	}

	ranges := cfg.PositionRanges()
	curves, err := blending.ComputeWeightCurvesWithOptions(ranges, cfg.BlendingOptions())
	if err != nil {
		return err
	}

	if curvesCSV != "" {
		if err := writeCurvesCSV(curvesCSV, curves); err != nil {
			return err
		}
		PrintSuccess(fmt.Sprintf("Weight table written to %s", curvesCSV))
		return nil
	}

	overlaps := blending.OverlapRegions(ranges)
	PrintSection(fmt.Sprintf("Weight curves for %s", PrintCount(len(curves), "range", "ranges")))
	for i, r := range ranges {
		PrintLabelValue(fmt.Sprintf("Range %d", i), r.String())
	}
	for i, o := range overlaps {
		PrintLabelValue(fmt.Sprintf("Overlap %d", i), fmt.Sprintf("%s, %s", o, PrintCount(o.Len(), "plane", "planes")))
	}
	fmt.Println()

	if !curvesAll && len(overlaps) == 0 {
		PrintWarning("No overlaps: every weight is 0 or 1 (use --all to print them)")
		return nil
	}

	headers := []string{"plane"}
	for i := range curves {
		headers = append(headers, fmt.Sprintf("w%d", i))
	}
	headers = append(headers, "sum")

	sums := blending.CurveSums(curves)
	var rows [][]string
	for p := range sums {
		if !curvesAll && !nearOverlap(p, overlaps) {
			continue
		}
		row := []string{strconv.Itoa(p)}
		for _, c := range curves {
			row = append(row, formatFloat(c[p]))
		}
		row = append(row, formatFloat(sums[p]))
		rows = append(rows, row)
	}
	PrintTable(headers, rows)

	return nil
}

// nearOverlap reports whether plane p lies in an overlap or right next to one
func nearOverlap(p int, overlaps []models.PositionRange) bool {
	for _, o := range overlaps {
		if p >= o.Start-1 && p <= o.End {
			return true
		}
	}
	return false
}

func writeCurvesCSV(path string, curves []blending.WeightCurve) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fusion.WriteCurveTable(file, curves)
}
