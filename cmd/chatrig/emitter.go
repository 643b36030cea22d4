package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/chatrig/chatrig/internal/config"
	"github.com/chatrig/chatrig/internal/emit"
)

var emitterCmd = &cobra.Command{
	Use:   "emitter",
	Short: "Relay outgoing replies to chat, with overlay fallback",
	Args:  cobra.NoArgs,
	RunE:  runEmitter,
}

func init() {
	rootCmd.AddCommand(emitterCmd)
}

func runEmitter(cmd *cobra.Command, args []string) error {
	return runService("emitter", func(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
		e, err := emit.New(cfg, log)
		if err != nil {
			return err
		}
		return e.Run(ctx)
	})
}
