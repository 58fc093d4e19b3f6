package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"covermarket/internal/app"
	"covermarket/internal/config"
	"covermarket/internal/logging"
	"covermarket/internal/roundid"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:   "covermarket",
	Short: "Peer-to-peer stablecoin cover marketplace",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger := logging.NewLogger(cfg.Logging, logging.Market{ChainID: cfg.Ethereum.ChainID, Pool: cfg.Fee.Pool})
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(feeCmd)
	rootCmd.AddCommand(assessCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}

// parseRound accepts a packed decimal round id or "phase:local".
func parseRound(s string) (roundid.ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return roundid.ID{}, nil
	}
	phase, local, ok := strings.Cut(s, ":")
	if !ok {
		return roundid.ParseString(s)
	}
	p, err := strconv.ParseUint(phase, 10, 16)
	if err != nil {
		return roundid.ID{}, fmt.Errorf("invalid phase %q: %w", phase, err)
	}
	l, err := strconv.ParseUint(local, 10, 64)
	if err != nil {
		return roundid.ID{}, fmt.Errorf("invalid local round %q: %w", local, err)
	}
	return roundid.ID{Phase: uint16(p), Local: l}, nil
}

func parseAccount(s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}
