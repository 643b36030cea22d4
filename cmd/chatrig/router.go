package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/chatrig/chatrig/internal/config"
	"github.com/chatrig/chatrig/internal/router"
)

var routerCmd = &cobra.Command{
	Use:   "router",
	Short: "Run the command router and points bank",
	Long: `Run the command router and points bank.

The router consumes normalized chat events, awards points, answers
manager commands itself and dispatches bot commands as tasks onto each
bot's inbox. It is the only process that mutates user balances.`,
	Args: cobra.NoArgs,
	RunE: runRouter,
}

func init() {
	rootCmd.AddCommand(routerCmd)
}

func runRouter(cmd *cobra.Command, args []string) error {
	return runService("router", func(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
		r, err := router.New(cfg, log)
		if err != nil {
			return err
		}
		return r.Run(ctx)
	})
}
