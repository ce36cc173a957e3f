package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/ledgerline/receipts-cli/internal/pipeline"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run one reconciliation pass over pending receipts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		summary, err := env.Coordinator.Run(ctx)
		if err != nil {
			if eris.Is(err, pipeline.ErrLocked) {
				return eris.New("another run is in progress, try again later")
			}
			return err
		}

		out, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return eris.Wrap(err, "marshal summary")
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(processCmd)
}
