package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatrig/chatrig/internal/config"
	"github.com/chatrig/chatrig/internal/logging"
	"github.com/chatrig/chatrig/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker <bot>",
	Short: "Run one bot's task loop",
	Long: `Run one bot's task loop.

The worker drains the bot's inbox, executes each task and writes a reply
plus an ack. Locking is handled by the worker itself: a pidfile lock for
a plain bot, or active/standby leader election when the bot is marked ha
in the config.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

// newBotHandler picks the game logic for a bot id. The gamble bot spins
// slots; every other bot is treated as a music bot, which answers with
// "not connected" until a player client is wired in.
func newBotHandler(bot string) worker.Handler {
	if bot == "gamble" {
		return worker.NewSlotsGame(rand.New(rand.NewSource(time.Now().UnixNano())))
	}
	return worker.NewMusicGame(nil)
}

func runWorker(cmd *cobra.Command, args []string) error {
	bot := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logging.Init("worker."+bot, cfg)
	if err != nil {
		return err
	}

	var paths *config.BotPaths
	for _, b := range cfg.EnabledBots() {
		if b.ID == bot {
			bp := b
			paths = &bp
			break
		}
	}
	if paths == nil {
		return fmt.Errorf("bot %q is not enabled in %s", bot, configPath)
	}

	stateDir := filepath.Join(cfg.StateDir(), bot)
	w, err := worker.NewHarness(bot, *paths, stateDir, newBotHandler(bot), log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("worker starting", "bot", bot, "ha", paths.HA)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker exiting on error", "err", err)
		return err
	}
	log.Info("worker stopped", "bot", bot)
	return nil
}
