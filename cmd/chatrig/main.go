// Package main is the chatrig entry point. One binary hosts every process
// in the pipeline; the supervisor re-executes it with a subcommand per
// child, so `chatrig supervisor` is usually the only command run by hand.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chatrig/chatrig/internal/config"
	"github.com/chatrig/chatrig/internal/lock"
	"github.com/chatrig/chatrig/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "chatrig",
	Short: "Chat-command orchestration for live streams",
	Long: `chatrig turns live-stream chat commands into bot tasks and replies.

The pipeline is a set of processes talking over append-only JSONL bus
files next to the config: an ingestor tails the chat feed, the router
holds the points bank and dispatches commands, workers run the bots, and
the emitter relays replies out to chat (or the overlay as a fallback).

Run the whole tree:
  chatrig supervisor --config commands.txt`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "commands.txt", "Path to the commands config file")
}

// runService wires the plumbing every long-lived process shares: config,
// per-process logging, the single-instance pidfile lock and signal-driven
// shutdown.
func runService(name string, fn func(ctx context.Context, cfg *config.Config, log *slog.Logger) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logging.Init(name, cfg)
	if err != nil {
		return err
	}

	inst := lock.NewInstance(filepath.Join(cfg.StateDir(), name+".lock"))
	if err := inst.Acquire(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer inst.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting", "config", configPath)
	if err := fn(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("exiting on error", "err", err)
		return err
	}
	log.Info("stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chatrig: %v\n", err)
		if errors.Is(err, fs.ErrNotExist) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
