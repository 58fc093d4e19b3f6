package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"covermarket/internal/app"
)

var (
	exportCoin      string
	exportRound     string
	exportBefore    int
	exportAfter     int
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the feed rounds around a disputed round as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		round, err := parseRound(exportRound)
		if err != nil {
			return fmt.Errorf("invalid --round value: %w", err)
		}

		opts := app.ExportOptions{
			Coin:      exportCoin,
			Round:     round,
			Before:    exportBefore,
			After:     exportAfter,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportCoin, "coin", "tether", "Feed coin id")
	exportCmd.Flags().StringVar(&exportRound, "round", "", "Center round (packed id or phase:local)")
	exportCmd.Flags().IntVar(&exportBefore, "before", -1, "Rounds before the center (defaults to claim.rounds_before)")
	exportCmd.Flags().IntVar(&exportAfter, "after", -1, "Rounds after the center (defaults to claim.rounds_after)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (0 keeps all)")
}
