package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/product-3d-pipeline/internal/scraper"
)

func newDetectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect URL [URL...]",
		Short: "Reports the retailer and page type of each URL",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, u := range args {
				if err := enc.Encode(scraper.Detect(u)); err != nil {
					return fmt.Errorf("encode detection: %w", err)
				}
			}
			return nil
		},
	}
}
