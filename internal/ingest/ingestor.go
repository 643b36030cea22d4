package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chatrig/chatrig/internal/bus"
	"github.com/chatrig/chatrig/internal/config"
	"github.com/chatrig/chatrig/internal/protocol"
	"github.com/chatrig/chatrig/internal/util"
)

// Ingestor tails the chat feed and appends normalised events to
// bus/events.inbox.jsonl. It polls on the configured interval; an fsnotify
// watch on the feed directory wakes it early when the writer touches the
// file, but the cursor file is the correctness boundary either way.
type Ingestor struct {
	cfg        *config.Config
	log        *slog.Logger
	chatFile   string
	eventsOut  string
	cursorPath string
	cursor     Cursor
}

// New builds an ingestor from the config, seeding the cursor on first run.
func New(cfg *config.Config, log *slog.Logger) (*Ingestor, error) {
	chatFile, err := cfg.ChatFilePath()
	if err != nil {
		return nil, err
	}
	in := &Ingestor{
		cfg:        cfg,
		log:        log,
		chatFile:   chatFile,
		eventsOut:  cfg.EventsInbox(),
		cursorPath: cfg.OffsetsPath("ingestor"),
	}
	if err := util.EnsureFile(in.chatFile); err != nil {
		return nil, fmt.Errorf("ensure chat file: %w", err)
	}
	if err := util.EnsureFile(in.eventsOut); err != nil {
		return nil, fmt.Errorf("ensure events inbox: %w", err)
	}

	if err := util.LoadJSON(in.cursorPath, &in.cursor); err != nil {
		log.Warn("cursor unreadable, reseeding", "path", in.cursorPath, "err", err)
		in.cursor = Cursor{}
	}
	in.cursor.Seed(in.chatFile, cfg.ProcessExistingOnStart)
	if err := util.AtomicWriteJSON(in.cursorPath, in.cursor); err != nil {
		return nil, fmt.Errorf("persist cursor: %w", err)
	}
	return in, nil
}

// Run polls until ctx is cancelled. Iteration errors are logged and the
// loop continues after a short sleep.
func (in *Ingestor) Run(ctx context.Context) error {
	in.log.Info("started", "chat_file", in.chatFile, "events_out", in.eventsOut)

	var wake <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		// Watch the directory: feed writers replace the file by rename,
		// which drops a watch on the file itself.
		if err := watcher.Add(filepath.Dir(in.chatFile)); err == nil {
			wake = watcher.Events
		} else {
			in.log.Warn("feed watch unavailable, polling only", "err", err)
		}
	} else {
		in.log.Warn("fsnotify unavailable, polling only", "err", err)
	}

	poll := time.Duration(in.cfg.PollMS) * time.Millisecond
	if poll < 50*time.Millisecond {
		poll = 50 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if err := in.tick(); err != nil {
			in.log.Error("loop error", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case ev := <-wake:
			if ev.Name != in.chatFile {
				continue
			}
		}
	}
}

func (in *Ingestor) tick() error {
	recs, changed, err := ReadNewRecords(in.chatFile, &in.cursor)
	if err != nil {
		return err
	}
	if changed {
		if err := util.AtomicWriteJSON(in.cursorPath, in.cursor); err != nil {
			return fmt.Errorf("persist cursor: %w", err)
		}
	}

	now := time.Now().Unix()
	for _, m := range recs {
		if m.User.IsBot {
			continue
		}
		ev := Normalise(m, now)
		switch ev.Type {
		case protocol.TypeChat, protocol.TypeLike, protocol.TypeShare:
			if err := bus.Append(in.eventsOut, ev); err != nil {
				return fmt.Errorf("append event: %w", err)
			}
		}
	}
	return nil
}
