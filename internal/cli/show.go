package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"covermarket/internal/app"
)

var (
	showLimit   int
	showAccount string
)

var showCmd = &cobra.Command{
	Use:       "show [" + strings.Join(app.ShowKinds, "|") + "]",
	Short:     "Display recent marketplace records",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: app.ShowKinds,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		account, err := parseAccount(showAccount)
		if err != nil {
			return err
		}

		opts := app.ShowOptions{
			What:    args[0],
			Limit:   showLimit,
			Account: account,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of records to display")
	showCmd.Flags().StringVar(&showAccount, "account", "", "Only records owned by this address (holder for covers and claims)")
}
