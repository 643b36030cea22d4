package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/chatrig/chatrig/internal/config"
)

var clearPoints bool

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Reset bus and state files",
	Long: `Reset bus and state files.

Truncates every bus file (events, replies, overlay, per-bot inboxes,
outboxes, acks and deadletters) and removes cursors, the in-flight table
and the gamble queue. User balances and the ledger survive unless
--points is given. Stop the supervisor first; clearing under a running
pipeline loses messages.`,
	Args: cobra.NoArgs,
	RunE: runClear,
}

func init() {
	rootCmd.AddCommand(clearCmd)
	clearCmd.Flags().BoolVar(&clearPoints, "points", false, "Also wipe user balances and the ledger")
}

func runClear(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	truncated := 0
	truncate := func(path string) error {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil
		}
		if err := os.Truncate(path, 0); err != nil {
			return fmt.Errorf("truncate %s: %w", path, err)
		}
		truncated++
		return nil
	}
	removed := 0
	remove := func(path string) error {
		err := os.Remove(path)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		removed++
		return nil
	}

	busFiles := []string{
		cfg.EventsInbox(),
		cfg.RepliesOutbox(),
		cfg.OverlayOutbox(),
	}
	stateFiles := []string{
		cfg.InflightPath(),
		cfg.GambleQueuePath(),
		cfg.OffsetsPath("router"),
		cfg.OffsetsPath("emitter"),
		cfg.OffsetsPath("ingestor"),
	}
	for _, b := range cfg.EnabledBots() {
		busFiles = append(busFiles, b.Inbox, b.Outbox, b.Ack, b.Deadletter)
		stateFiles = append(stateFiles, filepath.Join(cfg.StateDir(), b.ID, "offsets.json"))
	}
	if clearPoints {
		stateFiles = append(stateFiles, cfg.UserStatePath(), cfg.LedgerPath())
	}

	for _, p := range busFiles {
		if err := truncate(p); err != nil {
			return err
		}
	}
	for _, p := range stateFiles {
		if err := remove(p); err != nil {
			return err
		}
	}

	fmt.Printf("Cleared %d bus files, removed %d state files.\n", truncated, removed)
	if !clearPoints {
		fmt.Println("User balances kept. Pass --points to wipe them too.")
	}
	return nil
}
