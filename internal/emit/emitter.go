// Package emit delivers reply intents and overlay events to their final
// surfaces. Chat replies go out over the SocialStream.Ninja relay when
// configured; anything that cannot or must not be sent over the network is
// appended to the overlay fallback files for the browser source to pick up.
package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/chatrig/chatrig/internal/bus"
	"github.com/chatrig/chatrig/internal/config"
	"github.com/chatrig/chatrig/internal/protocol"
	"github.com/chatrig/chatrig/internal/util"
)

const (
	ssnBaseURL = "https://io.socialstream.ninja"

	// The shipped config carries this placeholder; treat it as unset so a
	// fresh install falls back to overlay instead of spamming a dead relay.
	ssnPlaceholderSession = "PUT_YOUR_SSN_SESSION_HERE"
)

type offsets struct {
	RepliesOffsetBytes int64 `json:"replies_offset_bytes"`
	OverlayOffsetBytes int64 `json:"overlay_offset_bytes"`
}

// overlayUser identifies synthetic records in the overlay files so the
// ingestor never feeds them back into the pipeline.
type overlayUser struct {
	IsBot bool   `json:"isBot"`
	Name  string `json:"name"`
	Key   string `json:"key"`
}

type overlayChatRecord struct {
	Type     string      `json:"type"`
	TS       int64       `json:"ts"`
	Platform string      `json:"platform"`
	Message  string      `json:"message"`
	User     overlayUser `json:"user"`
	Source   string      `json:"source"`
}

type overlayEventRecord struct {
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	Overlay string          `json:"overlay"`
	Event   string          `json:"event"`
	EventID string          `json:"event_id"`
	Payload json.RawMessage `json:"payload"`
	User    overlayUser     `json:"user"`
}

// Emitter drains the replies and overlay outboxes.
type Emitter struct {
	cfg *config.Config
	log *slog.Logger

	repliesIn   string
	overlayIn   string
	offsetsPath string
	offsets     offsets

	overlayChatFile   string
	overlayEventsFile string

	client  *http.Client
	baseURL string
	now     func() int64
}

// New builds the emitter, resolving the overlay fallback files and loading
// the byte cursors.
func New(cfg *config.Config, log *slog.Logger) (*Emitter, error) {
	e := &Emitter{
		cfg:         cfg,
		log:         log,
		repliesIn:   cfg.RepliesOutbox(),
		overlayIn:   cfg.OverlayOutbox(),
		offsetsPath: cfg.OffsetsPath("emitter"),
		client:      &http.Client{Timeout: 2500 * time.Millisecond},
		baseURL:     ssnBaseURL,
		now:         func() int64 { return time.Now().Unix() },
	}

	for _, p := range []string{e.repliesIn, e.overlayIn} {
		if err := util.EnsureFile(p); err != nil {
			return nil, fmt.Errorf("ensure bus file: %w", err)
		}
	}

	if cfg.OverlayFallback.IsEnabled() {
		if raw := strings.TrimSpace(cfg.OverlayFallback.ChatFile); raw != "" {
			e.overlayChatFile = normalizeOverlayPath(cfg.Resolve(raw))
			if err := util.EnsureFile(e.overlayChatFile); err != nil {
				return nil, fmt.Errorf("ensure overlay chat file: %w", err)
			}
		}
		if raw := strings.TrimSpace(cfg.OverlayFallback.OverlayEventsFile); raw != "" {
			e.overlayEventsFile = normalizeOverlayPath(cfg.Resolve(raw))
			if err := util.EnsureFile(e.overlayEventsFile); err != nil {
				return nil, fmt.Errorf("ensure overlay events file: %w", err)
			}
		}
	}

	if err := util.LoadJSON(e.offsetsPath, &e.offsets); err != nil {
		log.Warn("offsets unreadable, starting at zero", "err", err)
		e.offsets = offsets{}
	}
	return e, nil
}

// normalizeOverlayPath redirects .json targets to a sibling JSONL file so a
// misconfigured overlay path can never clobber the SSN feed file itself.
func normalizeOverlayPath(p string) string {
	if strings.EqualFold(filepath.Ext(p), ".json") {
		return filepath.Join(filepath.Dir(p), "overlay_additions.jsonl")
	}
	return p
}

// botPrefix maps a bot id to its chat tag. The spotify prefix comes from
// config so streams can brand it.
func botPrefix(bot, spotifyPrefix string) string {
	switch b := strings.ToLower(bot); {
	case b == "spotify" && spotifyPrefix != "":
		return spotifyPrefix
	case b == "gamble":
		return "[Slots]"
	case b == "manager":
		return "[Manager]"
	case b != "":
		return "[" + strings.ToUpper(b[:1]) + b[1:] + "Bot]"
	}
	return ""
}

// clamp truncates s to n runes, replacing the final rune with an ellipsis
// when truncation happens.
func clamp(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func overlayOnly(platform string, prefixes []string) bool {
	p := strings.ToLower(platform)
	for _, pref := range prefixes {
		if pref != "" && strings.HasPrefix(p, strings.ToLower(pref)) {
			return true
		}
	}
	return false
}

// ssnSend relays one message over the SSN HTTP API. Any failure, including
// an unset session, reports false so the caller can fall back.
func (e *Emitter) ssnSend(platform, text string) bool {
	session := strings.TrimSpace(e.cfg.SSN.Session)
	if session == "" || session == ssnPlaceholderSession {
		return false
	}
	target := strings.TrimSpace(e.cfg.SSN.PlatformMap[platform])
	if target == "" {
		target = "null"
	}
	u := fmt.Sprintf("%s/%s/sendEncodedChat/%s/%s", e.baseURL, session, target, url.PathEscape(text))
	resp, err := e.client.Get(u)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (e *Emitter) appendOverlayChat(platform, msg string) {
	if e.overlayChatFile == "" {
		return
	}
	err := bus.Append(e.overlayChatFile, overlayChatRecord{
		Type:     protocol.TypeChat,
		TS:       e.now(),
		Platform: platform,
		Message:  msg,
		User:     overlayUser{IsBot: true, Name: "ChatManager", Key: "bot:chatmanager"},
		Source:   "chatmanager",
	})
	if err != nil {
		e.log.Error("overlay chat append failed", "err", err)
		return
	}
	if err := bus.Trim(e.overlayChatFile, e.cfg.OverlayFallback.MaxMessages); err != nil {
		e.log.Error("overlay chat trim failed", "err", err)
	}
}

func (e *Emitter) drainOverlayEvents() error {
	raws, off, err := bus.ReadNew(e.overlayIn, e.offsets.OverlayOffsetBytes)
	if err != nil {
		return err
	}
	if off != e.offsets.OverlayOffsetBytes {
		e.offsets.OverlayOffsetBytes = off
		if err := util.AtomicWriteJSON(e.offsetsPath, e.offsets); err != nil {
			return fmt.Errorf("persist offsets: %w", err)
		}
	}
	if len(raws) == 0 || e.overlayEventsFile == "" {
		return nil
	}

	for _, raw := range raws {
		var ev protocol.OverlayEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		ts := ev.TS
		if ts == 0 {
			ts = e.now()
		}
		payload := ev.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		err := bus.Append(e.overlayEventsFile, overlayEventRecord{
			Type:    protocol.TypeOverlayEvent,
			TS:      ts,
			Overlay: ev.Overlay,
			Event:   ev.Event,
			EventID: ev.EventID,
			Payload: payload,
			User:    overlayUser{IsBot: true, Name: "SYSTEM", Key: "bot:system"},
		})
		if err != nil {
			e.log.Error("overlay event append failed", "err", err)
		}
	}
	if err := bus.Trim(e.overlayEventsFile, e.cfg.OverlayFallback.MaxEvents); err != nil {
		e.log.Error("overlay events trim failed", "err", err)
	}
	return nil
}

func (e *Emitter) drainReplies() error {
	raws, off, err := bus.ReadNew(e.repliesIn, e.offsets.RepliesOffsetBytes)
	if err != nil {
		return err
	}
	if off != e.offsets.RepliesOffsetBytes {
		e.offsets.RepliesOffsetBytes = off
		if err := util.AtomicWriteJSON(e.offsetsPath, e.offsets); err != nil {
			return fmt.Errorf("persist offsets: %w", err)
		}
	}

	for _, raw := range raws {
		if protocol.TypeOf(raw) != protocol.TypeReplyIntent {
			continue
		}
		var ri protocol.ReplyIntent
		if err := json.Unmarshal(raw, &ri); err != nil {
			continue
		}
		e.deliver(ri)
	}
	return nil
}

func (e *Emitter) deliver(ri protocol.ReplyIntent) {
	platform := strings.ToLower(ri.Platform)
	if platform == "" {
		platform = "unknown"
	}
	name := ri.ReplyName
	if name == "" {
		name = "User"
	}

	msg := strings.TrimSpace("@" + name + " " + ri.Text)
	if prefix := botPrefix(ri.Bot, strings.TrimSpace(e.cfg.Reply.Prefix)); prefix != "" {
		msg = prefix + " " + msg
	}
	msg = clamp(msg, e.cfg.Reply.MaxLen)

	if overlayOnly(platform, e.cfg.ReplyPolicy.OverlayOnlyPlatformPrefixes) {
		e.appendOverlayChat(platform, msg)
		return
	}

	sent := false
	if e.cfg.SSN.Enabled {
		sent = e.ssnSend(platform, msg)
	}
	if !sent {
		e.appendOverlayChat(platform, msg)
	}
}

// Tick drains both outboxes once: overlay events first, then replies.
func (e *Emitter) Tick() error {
	if err := e.drainOverlayEvents(); err != nil {
		return err
	}
	return e.drainReplies()
}

// Run loops until ctx is cancelled. Iteration errors are logged and the
// loop continues after a short sleep.
func (e *Emitter) Run(ctx context.Context) error {
	e.log.Info("started",
		"replies_in", e.repliesIn,
		"overlay_in", e.overlayIn,
		"overlay_chat_file", e.overlayChatFile,
		"overlay_events_file", e.overlayEventsFile,
		"ssn_enabled", e.cfg.SSN.Enabled)

	poll := time.Duration(e.cfg.PollMS) * time.Millisecond
	if poll < 50*time.Millisecond {
		poll = 50 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if err := e.Tick(); err != nil {
			e.log.Error("loop error", "err", err)
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
		}
	}
}
