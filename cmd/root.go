// Package cmd defines and implements the CLI commands for the pipeline
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/product-3d-pipeline/internal/config"
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Turns retailer product pages into 3D models.",
		Long: `pipeline scrapes retailer product pages, cuts the product images out of
their backgrounds, and submits them to a 3D generation vendor. Progress is
streamed to websocket observers and persisted per stage.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env PIPELINE_* overrides)")

	load := func() (config.Config, error) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}

	cmd.AddCommand(newServeCmd(load))
	cmd.AddCommand(newProcessCmd(load))
	cmd.AddCommand(newDetectCmd())
	return cmd
}

type configLoader func() (config.Config, error)

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
