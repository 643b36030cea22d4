// Package logging sets up the per-process rotating log files. Every chatrig
// process calls Init once with its own name so supervisor, router, workers
// and friends each get a separate file under the configured log directory.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/chatrig/chatrig/internal/config"
)

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init builds the logger for process, writing to stderr and to a rotating
// <process>.log under the config's logging dir. It also installs the logger
// as the slog default.
func Init(process string, cfg *config.Config) (*slog.Logger, error) {
	dir := cfg.Resolve(cfg.Logging.Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", dir, err)
	}

	maxMB := cfg.Logging.MaxBytes / (1024 * 1024)
	if maxMB < 1 {
		maxMB = 1
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(dir, process+".log"),
		MaxSize:    maxMB,
		MaxBackups: cfg.Logging.BackupCount,
	}

	handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, rotator), &slog.HandlerOptions{
		Level: parseLevel(cfg.Logging.Level),
	})
	log := slog.New(handler).With("proc", process)
	slog.SetDefault(log)
	return log, nil
}
