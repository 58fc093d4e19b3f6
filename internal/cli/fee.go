package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"covermarket/internal/app"
)

var (
	feeInsuredSum string
	feeSymbol     string
	feePrice      string
	feeRound      string
)

var feeCmd = &cobra.Command{
	Use:   "fee",
	Short: "Quote the listing fee for an insured sum",
	RunE: func(cmd *cobra.Command, args []string) error {
		insured, err := decimal.NewFromString(feeInsuredSum)
		if err != nil {
			return fmt.Errorf("invalid --insured-sum value: %w", err)
		}
		price, err := decimal.NewFromString(feePrice)
		if err != nil {
			return fmt.Errorf("invalid --fee-price value: %w", err)
		}
		if !price.IsPositive() {
			return fmt.Errorf("--fee-price must be greater than zero")
		}
		round, err := parseRound(feeRound)
		if err != nil {
			return fmt.Errorf("invalid --round value: %w", err)
		}

		return getApp().QuoteFee(cmd.Context(), app.QuoteOptions{
			InsuredSum: insured,
			Symbol:     feeSymbol,
			FeePrice:   price,
			Round:      round,
		})
	},
}

func init() {
	feeCmd.Flags().StringVar(&feeInsuredSum, "insured-sum", "", "Insured sum in whole tokens, e.g. 1729.5")
	feeCmd.Flags().StringVar(&feeSymbol, "currency", "USDT", "Insured currency symbol")
	feeCmd.Flags().StringVar(&feePrice, "fee-price", "", "Fee token USD price")
	feeCmd.Flags().StringVar(&feeRound, "round", "", "Reference round (packed id or phase:local); latest when empty")
	_ = feeCmd.MarkFlagRequired("insured-sum")
	_ = feeCmd.MarkFlagRequired("fee-price")
}
