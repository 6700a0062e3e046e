package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/abworrall/starstack/pkg/starfield"
)

var (
	fConfig       string
	fTrim         bool
	fPreviews     bool
	fSpatialOrder int
)

func stageCommand(use, short string, run func(starfield.Pipeline, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := starfield.LoadConfig(fConfig)
			if err != nil {
				return err
			}

			// Command line overrides, if set
			if cmd.Flags().Changed("trim") {
				cfg.Trim = fTrim
			}
			if cmd.Flags().Changed("previews") {
				cfg.Previews = fPreviews
			}
			if cmd.Flags().Changed("order") {
				cfg.SpatialOrder = fSpatialOrder
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(starfield.NewPipeline(cfg), ctx)
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:   "starstack",
		Short: "Reduce dithered exposures of a stellar field to crowded-field photometry",
		Long: `starstack co-adds dithered exposures into one deep stack, detects
sources on it, drives a constrained simultaneous PSF fit across all
frames, and merges the per-frame results into one catalog.

Each stage can be run on its own: when a run halts, the error names
the file or stage at fault; fix it and resume from that stage.`,
	}

	root.PersistentFlags().StringVar(&fConfig, "config", "starstack.yaml", "run configuration file")
	root.PersistentFlags().BoolVar(&fTrim, "trim", true, "trim the stack to the common frame footprint")
	root.PersistentFlags().BoolVar(&fPreviews, "previews", false, "write grayscale preview PNGs")
	root.PersistentFlags().IntVar(&fSpatialOrder, "order", 2, "spatial PSF variation order for detection")

	root.AddCommand(
		stageCommand("run", "Run the whole pipeline", starfield.Pipeline.Run),
		stageCommand("weights", "Compute per-frame weights, scales and zero offsets", starfield.Pipeline.RunWeights),
		stageCommand("align", "Resample frames onto the reference grid (diagnostic)", starfield.Pipeline.RunAlign),
		stageCommand("stack", "Align and combine frames into the deep stack", starfield.Pipeline.RunStack),
		stageCommand("detect", "Detect sources and model the PSF on the stack", starfield.Pipeline.RunDetect),
		stageCommand("fit", "Run the simultaneous multi-frame PSF fit", starfield.Pipeline.RunFit),
		stageCommand("merge", "Merge per-frame magnitudes into the final catalog", starfield.Pipeline.RunMerge),
	)

	if err := root.Execute(); err != nil {
		logger := starfield.Logger()
		logger.Error().Err(err).Msg("starstack")
		os.Exit(1)
	}
}
