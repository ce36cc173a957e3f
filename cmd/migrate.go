package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ledgerline/receipts-cli/internal/ledger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the ledger database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx := cmd.Context()

		ld, err := ledger.New(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer ld.Close()

		if err := ld.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate ledger")
		}
		zap.L().Info("ledger schema up to date", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
