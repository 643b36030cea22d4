package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/chatrig/chatrig/internal/config"
	"github.com/chatrig/chatrig/internal/ingest"
)

var ingestorCmd = &cobra.Command{
	Use:   "ingestor",
	Short: "Tail the chat feed and normalize events onto the inbox bus",
	Args:  cobra.NoArgs,
	RunE:  runIngestor,
}

func init() {
	rootCmd.AddCommand(ingestorCmd)
}

func runIngestor(cmd *cobra.Command, args []string) error {
	return runService("ingestor", func(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
		in, err := ingest.New(cfg, log)
		if err != nil {
			return err
		}
		return in.Run(ctx)
	})
}
