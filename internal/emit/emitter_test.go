package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chatrig/chatrig/internal/bus"
	"github.com/chatrig/chatrig/internal/config"
	"github.com/chatrig/chatrig/internal/protocol"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEmitter(t *testing.T, cfgJSON string) *Emitter {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "commands.txt")
	if err := os.WriteFile(cfgPath, []byte(cfgJSON), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	e, err := New(cfg, discard())
	if err != nil {
		t.Fatal(err)
	}
	e.now = func() int64 { return 1234 }
	return e
}

const overlayCfg = `{
  "overlay_fallback": {
    "chat_file": "overlay/additions.jsonl",
    "overlay_events_file": "overlay/events.jsonl"
  }
}`

func intent(platform, name, text, bot string) protocol.ReplyIntent {
	return protocol.ReplyIntent{
		Type: protocol.TypeReplyIntent, TS: 1,
		Platform: platform, ReplyName: name, Text: text, Bot: bot,
	}
}

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	raws, _, err := bus.ReadNew(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]map[string]any, 0, len(raws))
	for _, raw := range raws {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatal(err)
		}
		out = append(out, m)
	}
	return out
}

func TestBotPrefix(t *testing.T) {
	tests := []struct {
		bot, spotify, want string
	}{
		{"spotify", "[DJ]", "[DJ]"},
		{"spotify", "", "[SpotifyBot]"},
		{"gamble", "", "[Slots]"},
		{"manager", "", "[Manager]"},
		{"trivia", "", "[TriviaBot]"},
		{"", "", ""},
	}
	for _, tt := range tests {
		if got := botPrefix(tt.bot, tt.spotify); got != tt.want {
			t.Errorf("botPrefix(%q, %q) = %q, want %q", tt.bot, tt.spotify, got, tt.want)
		}
	}
}

func TestClampCountsRunes(t *testing.T) {
	if got := clamp("hello", 10); got != "hello" {
		t.Errorf("short string changed: %q", got)
	}
	if got := clamp("hello", 5); got != "hello" {
		t.Errorf("exact-length string changed: %q", got)
	}
	got := clamp("🎰🎰🎰🎰🎰", 4)
	if r := []rune(got); len(r) != 4 || r[3] != '…' {
		t.Errorf("clamp emoji = %q", got)
	}
}

func TestOverlayOnly(t *testing.T) {
	prefixes := []string{"tiktok"}
	if !overlayOnly("tiktok", prefixes) {
		t.Error("tiktok should be overlay-only")
	}
	if !overlayOnly("TikTok_Live", prefixes) {
		t.Error("prefix match should be case-insensitive")
	}
	if overlayOnly("twitch", prefixes) {
		t.Error("twitch should not be overlay-only")
	}
}

func TestNormalizeOverlayPath(t *testing.T) {
	got := normalizeOverlayPath(filepath.Join("a", "b", "feed.json"))
	if got != filepath.Join("a", "b", "overlay_additions.jsonl") {
		t.Errorf("json path not redirected: %q", got)
	}
	keep := filepath.Join("a", "b", "additions.jsonl")
	if got := normalizeOverlayPath(keep); got != keep {
		t.Errorf("jsonl path changed: %q", got)
	}
}

func TestDeliverFallsBackToOverlay(t *testing.T) {
	e := newTestEmitter(t, overlayCfg)
	if err := bus.Append(e.repliesIn, intent("twitch", "alice", "hello!", "manager")); err != nil {
		t.Fatal(err)
	}
	if err := e.Tick(); err != nil {
		t.Fatal(err)
	}

	recs := readRecords(t, e.overlayChatFile)
	if len(recs) != 1 {
		t.Fatalf("overlay chat has %d records", len(recs))
	}
	if recs[0]["message"] != "[Manager] @alice hello!" {
		t.Errorf("message = %q", recs[0]["message"])
	}
	user := recs[0]["user"].(map[string]any)
	if user["isBot"] != true || user["key"] != "bot:chatmanager" {
		t.Errorf("user = %v", user)
	}
	if recs[0]["source"] != "chatmanager" {
		t.Errorf("source = %v", recs[0]["source"])
	}
}

func TestDeliverSendsOverSSN(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
	}))
	defer srv.Close()

	e := newTestEmitter(t, `{
	  "ssn": {"enabled": true, "session": "sess123", "platform_map": {"twitch": "twitch"}},
	  "overlay_fallback": {"chat_file": "overlay/additions.jsonl"}
	}`)
	e.baseURL = srv.URL

	bus.Append(e.repliesIn, intent("twitch", "bob", "you won", "gamble"))
	if err := e.Tick(); err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(gotPath, "/sess123/sendEncodedChat/twitch/") {
		t.Errorf("request path = %q", gotPath)
	}
	if !strings.Contains(gotPath, "%5BSlots%5D%20@bob%20you%20won") {
		t.Errorf("message not encoded in path: %q", gotPath)
	}
	if recs := readRecords(t, e.overlayChatFile); len(recs) != 0 {
		t.Errorf("successful send should skip overlay, got %d records", len(recs))
	}
}

func TestDeliverFallsBackWhenSSNFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := newTestEmitter(t, `{
	  "ssn": {"enabled": true, "session": "sess123"},
	  "overlay_fallback": {"chat_file": "overlay/additions.jsonl"}
	}`)
	e.baseURL = srv.URL

	bus.Append(e.repliesIn, intent("twitch", "bob", "hi", "manager"))
	if err := e.Tick(); err != nil {
		t.Fatal(err)
	}
	if recs := readRecords(t, e.overlayChatFile); len(recs) != 1 {
		t.Errorf("failed send should fall back, got %d records", len(recs))
	}
}

func TestPlaceholderSessionNeverSends(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	e := newTestEmitter(t, `{
	  "ssn": {"enabled": true, "session": "PUT_YOUR_SSN_SESSION_HERE"},
	  "overlay_fallback": {"chat_file": "overlay/additions.jsonl"}
	}`)
	e.baseURL = srv.URL

	bus.Append(e.repliesIn, intent("twitch", "bob", "hi", "manager"))
	if err := e.Tick(); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("placeholder session must not hit the relay")
	}
	if recs := readRecords(t, e.overlayChatFile); len(recs) != 1 {
		t.Errorf("expected overlay fallback, got %d records", len(recs))
	}
}

func TestOverlayOnlyPlatformSkipsSSN(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	e := newTestEmitter(t, `{
	  "ssn": {"enabled": true, "session": "sess123"},
	  "overlay_fallback": {"chat_file": "overlay/additions.jsonl"}
	}`)
	e.baseURL = srv.URL

	bus.Append(e.repliesIn, intent("tiktok", "carol", "hi", "manager"))
	if err := e.Tick(); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("tiktok replies must never hit the relay")
	}
	if recs := readRecords(t, e.overlayChatFile); len(recs) != 1 {
		t.Errorf("expected overlay record, got %d", len(recs))
	}
}

func TestJSONOverlayTargetRedirected(t *testing.T) {
	e := newTestEmitter(t, `{
	  "overlay_fallback": {"chat_file": "overlay/ssn_feed.json"}
	}`)
	if filepath.Base(e.overlayChatFile) != "overlay_additions.jsonl" {
		t.Errorf("overlay chat file = %q", e.overlayChatFile)
	}
}

func TestOverlayEventsWritten(t *testing.T) {
	e := newTestEmitter(t, overlayCfg)
	bus.Append(e.overlayIn, protocol.OverlayEvent{
		Type: protocol.TypeOverlayEvent, TS: 99,
		Overlay: "casino", Event: "slots_result", EventID: "evt_g_abc",
		Payload: json.RawMessage(`{"mult":3}`),
	})
	bus.Append(e.overlayIn, protocol.OverlayEvent{
		Type: protocol.TypeOverlayEvent, Overlay: "casino", Event: "ping",
	})
	if err := e.Tick(); err != nil {
		t.Fatal(err)
	}

	recs := readRecords(t, e.overlayEventsFile)
	if len(recs) != 2 {
		t.Fatalf("events file has %d records", len(recs))
	}
	if recs[0]["event_id"] != "evt_g_abc" || recs[0]["overlay"] != "casino" {
		t.Errorf("first event = %v", recs[0])
	}
	user := recs[0]["user"].(map[string]any)
	if user["name"] != "SYSTEM" || user["key"] != "bot:system" {
		t.Errorf("event user = %v", user)
	}
	// Missing ts and payload get defaults.
	if recs[1]["ts"] != float64(1234) {
		t.Errorf("defaulted ts = %v", recs[1]["ts"])
	}
	if _, ok := recs[1]["payload"].(map[string]any); !ok {
		t.Errorf("defaulted payload = %v", recs[1]["payload"])
	}
}

func TestOffsetsPersistAcrossRestart(t *testing.T) {
	e := newTestEmitter(t, overlayCfg)
	bus.Append(e.repliesIn, intent("twitch", "alice", "once", "manager"))
	if err := e.Tick(); err != nil {
		t.Fatal(err)
	}

	e2, err := New(e.cfg, discard())
	if err != nil {
		t.Fatal(err)
	}
	if err := e2.Tick(); err != nil {
		t.Fatal(err)
	}
	if recs := readRecords(t, e.overlayChatFile); len(recs) != 1 {
		t.Errorf("restart redelivered: %d records", len(recs))
	}
}

func TestNonIntentRecordsIgnored(t *testing.T) {
	e := newTestEmitter(t, overlayCfg)
	bus.Append(e.repliesIn, map[string]any{"type": "task", "text": "nope"})
	if err := e.Tick(); err != nil {
		t.Fatal(err)
	}
	if recs := readRecords(t, e.overlayChatFile); len(recs) != 0 {
		t.Errorf("non-intent record delivered: %d", len(recs))
	}
}

func TestOverlayChatTrimmed(t *testing.T) {
	e := newTestEmitter(t, `{
	  "overlay_fallback": {"chat_file": "overlay/additions.jsonl", "max_messages": 10}
	}`)
	for i := 0; i < 70; i++ {
		bus.Append(e.repliesIn, intent("twitch", "alice", fmt.Sprintf("msg %d", i), "manager"))
	}
	if err := e.Tick(); err != nil {
		t.Fatal(err)
	}
	recs := readRecords(t, e.overlayChatFile)
	if len(recs) > 60 {
		t.Errorf("overlay chat never trimmed: %d records", len(recs))
	}
	last := recs[len(recs)-1]["message"].(string)
	if !strings.Contains(last, "msg 69") {
		t.Errorf("newest record lost: %q", last)
	}
}
