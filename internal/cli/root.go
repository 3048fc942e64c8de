package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
)

// rootCmd is the root command for tilefuse.
var rootCmd = &cobra.Command{
	Use:     "tilefuse",
	Version: "dev",
	Short:   "Sigmoid-weighted fusion of overlapping volume tiles",
	Long: `tilefuse stitches 3-D image tiles that overlap along the stacking axis into
a single 16-bit volume.

Each tile is assigned a [start, end) plane range in the fused volume. Inside an
overlap the tiles are cross-faded with complementary sigmoid weights, so the
result has no visible seam and the weights sum to one at every plane.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

func SetVersion(v string) {
	if v == "" {
		return
	}
	rootCmd.Version = v
	rootCmd.SetVersionTemplate("{{.Version}}\n")
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"YAML config file (flags override its values)")

	rootCmd.AddGroup(&cobra.Group{
		ID:    "fusion",
		Title: "Fusion:",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "cli-tooling",
		Title: "CLI & Tooling:",
	})

	versionCmd := &cobra.Command{
		Use:     "version",
		Short:   "Print the tilefuse CLI version",
		Args:    cobra.NoArgs,
		GroupID: "cli-tooling",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), rootCmd.Version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	fuseCmd.GroupID = "fusion"
	curvesCmd.GroupID = "fusion"
	configCmd.GroupID = "cli-tooling"
	rootCmd.AddCommand(fuseCmd)
	rootCmd.AddCommand(curvesCmd)
	rootCmd.AddCommand(configCmd)
}

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}
