package cli

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"covermarket/internal/app"
)

var (
	assessCoin       string
	assessRound      string
	assessInsuredSum string
	assessSymbol     string
)

var assessCmd = &cobra.Command{
	Use:   "assess",
	Short: "Check one feed round for devaluation against the peg",
	RunE: func(cmd *cobra.Command, args []string) error {
		round, err := parseRound(assessRound)
		if err != nil {
			return fmt.Errorf("invalid --round value: %w", err)
		}
		if round.IsZero() {
			return errors.New("--round is required")
		}
		opts := app.AssessOptions{Coin: assessCoin, Round: round, Symbol: assessSymbol}
		if assessInsuredSum != "" {
			if opts.InsuredSum, err = decimal.NewFromString(assessInsuredSum); err != nil {
				return fmt.Errorf("invalid --insured-sum value: %w", err)
			}
		}
		return getApp().Assess(cmd.Context(), opts)
	},
}

func init() {
	assessCmd.Flags().StringVar(&assessCoin, "coin", "tether", "Feed coin id")
	assessCmd.Flags().StringVar(&assessRound, "round", "", "Disputed round (packed id or phase:local)")
	assessCmd.Flags().StringVar(&assessInsuredSum, "insured-sum", "", "Optional insured sum to price a payout for")
	assessCmd.Flags().StringVar(&assessSymbol, "currency", "USDT", "Currency symbol of --insured-sum")
}
