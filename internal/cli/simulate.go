package cli

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"covermarket/internal/app"
)

var (
	simulateSymbol      string
	simulateInsuredSum  string
	simulateDevaluation string
	simulateFeePrice    string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-claim",
	Short: "在内存中模拟一次脱锚索赔并触发通知",
	RunE: func(cmd *cobra.Command, args []string) error {
		insured, err := decimal.NewFromString(simulateInsuredSum)
		if err != nil || !insured.IsPositive() {
			return errors.New("--insured-sum 必须大于 0")
		}
		devaluation, err := decimal.NewFromString(simulateDevaluation)
		if err != nil {
			return fmt.Errorf("invalid --devaluation value: %w", err)
		}
		feePrice, err := decimal.NewFromString(simulateFeePrice)
		if err != nil {
			return fmt.Errorf("invalid --fee-price value: %w", err)
		}

		_, err = getApp().SimulateClaim(cmd.Context(), app.SimulateOptions{
			Symbol:      simulateSymbol,
			InsuredSum:  insured,
			Devaluation: devaluation,
			FeePrice:    feePrice,
		})
		return err
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "currency", "USDT", "投保币种")
	simulateCmd.Flags().StringVar(&simulateInsuredSum, "insured-sum", "1000", "保额")
	simulateCmd.Flags().StringVar(&simulateDevaluation, "devaluation", "0.3", "相对锚定价的跌幅 (0-1)")
	simulateCmd.Flags().StringVar(&simulateFeePrice, "fee-price", "0.05", "手续费代币的美元价格")
}
