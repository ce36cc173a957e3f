package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ledgerline/receipts-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "receipts-cli",
	Short: "Receipt reconciliation pipeline",
	Long:  "Reads staged receipt images and PDFs, extracts fields via Claude vision, classifies the debit account, and writes balanced ledger entries exactly once per file.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
