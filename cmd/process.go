package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-3d-pipeline/internal/orchestrator"
	"github.com/JakeFAU/product-3d-pipeline/internal/server"
)

// newProcessCmd runs products through the pipeline without the HTTP server.
// A single URL is processed as a product, several as a batch.
func newProcessCmd(load configLoader) *cobra.Command {
	var autoApprove bool
	cmd := &cobra.Command{
		Use:   "process URL [URL...]",
		Short: "Processes product URLs once and prints the result as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("auto-approve") {
				cfg.Pipeline.AutoApprove = autoApprove
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := server.Build(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			defer func() {
				if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
					app.Logger().Warn("close failed", zap.Error(cerr))
				}
			}()

			var result any
			if len(args) == 1 {
				result, err = app.Orchestrator().ProcessProduct(ctx, orchestrator.Request{URL: args[0]})
			} else {
				result, err = app.Orchestrator().ProcessBatch(ctx, "", args)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(result); encErr != nil {
				return fmt.Errorf("encode result: %w", encErr)
			}
			if err != nil {
				return fmt.Errorf("process: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", true, "approve cutouts and continue to 3D generation")
	return cmd
}
