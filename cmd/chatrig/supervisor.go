package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chatrig/chatrig/internal/config"
	"github.com/chatrig/chatrig/internal/logging"
	"github.com/chatrig/chatrig/internal/supervisor"
)

var supervisorOpts = supervisor.DefaultOptions()

var supervisorCmd = &cobra.Command{
	Use:   "supervisor",
	Short: "Launch and monitor the whole chatrig process tree",
	Long: `Launch and monitor the whole chatrig process tree.

Starts the ingestor, router and emitter plus one worker per enabled bot,
restarts children that crash (or, with --restart-stale, that stop making
progress), serves the overlay and manager directories over HTTP and
writes a status file for inspection.`,
	Args: cobra.NoArgs,
	RunE: runSupervisor,
}

func init() {
	rootCmd.AddCommand(supervisorCmd)

	f := supervisorCmd.Flags()
	f.BoolVar(&supervisorOpts.SameConsole, "same-console", false, "Keep children attached to this console instead of new windows")
	f.BoolVar(&supervisorOpts.NoServers, "no-servers", false, "Do not serve the overlay and manager directories")
	f.BoolVar(&supervisorOpts.SkipWriter, "skip-writer", false, "Assume the chat feed writer is already running")
	f.BoolVar(&supervisorOpts.NoWorkers, "no-workers", false, "Start services only, no bot workers")
	f.IntVar(&supervisorOpts.OverlayPort, "overlay-port", supervisorOpts.OverlayPort, "Port for the overlay HTTP server")
	f.IntVar(&supervisorOpts.ManagerPort, "manager-port", supervisorOpts.ManagerPort, "Port for the manager HTTP server")
	f.BoolVar(&supervisorOpts.RestartStale, "restart-stale", false, "Restart children whose witness files stop moving")
	f.DurationVar(&supervisorOpts.StaleServices, "stale-services", supervisorOpts.StaleServices, "Staleness threshold for services")
	f.DurationVar(&supervisorOpts.StaleWorkers, "stale-workers", supervisorOpts.StaleWorkers, "Staleness threshold for workers")
	f.DurationVar(&supervisorOpts.CheckEvery, "check-every", supervisorOpts.CheckEvery, "Child liveness check interval")
	f.DurationVar(&supervisorOpts.StatusEvery, "status-every", supervisorOpts.StatusEvery, "Status file write interval")
	f.BoolVar(&supervisorOpts.AllowDuplicateInbox, "allow-duplicate-inbox", false, "Allow several non-HA instances to share one inbox")
	f.StringVar(&supervisorOpts.OS, "os", supervisorOpts.OS, "Target platform for console handling (auto, windows, posix)")
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logging.Init("supervisor", cfg)
	if err != nil {
		return err
	}

	s, err := supervisor.New(cfg, configPath, supervisorOpts, log)
	if err != nil {
		return err
	}
	if err := s.Build(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("supervisor exiting on error", "err", err)
		return err
	}
	return nil
}
