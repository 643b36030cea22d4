package worker

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand"
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

func testPaths(t *testing.T) config.BotPaths {
	t.Helper()
	dir := t.TempDir()
	return config.BotPaths{
		ID:         "testbot",
		Inbox:      filepath.Join(dir, "testbot.inbox.jsonl"),
		Outbox:     filepath.Join(dir, "testbot.outbox.jsonl"),
		Ack:        filepath.Join(dir, "testbot.ack.jsonl"),
		Deadletter: filepath.Join(dir, "deadletter.testbot.jsonl"),
	}
}

type scriptedHandler struct {
	fn func(protocol.Task) (protocol.Reply, error)
}

func (h *scriptedHandler) Handle(task protocol.Task) (protocol.Reply, error) {
	return h.fn(task)
}

func (h *scriptedHandler) ErrorReply(task protocol.Task, err error) protocol.Reply {
	return protocol.Reply{Messages: []string{"❌ " + err.Error()}}
}

func newTestHarness(t *testing.T, h Handler) *Harness {
	t.Helper()
	paths := testPaths(t)
	w, err := NewHarness("testbot", paths, t.TempDir(), h, discard())
	if err != nil {
		t.Fatal(err)
	}
	w.now = func() int64 { return 777 }
	return w
}

func readAll[T any](t *testing.T, path string) []T {
	t.Helper()
	raws, _, err := bus.ReadNew(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			t.Fatal(err)
		}
		out = append(out, v)
	}
	return out
}

func TestHarnessRepliesAndAcks(t *testing.T) {
	h := &scriptedHandler{fn: func(task protocol.Task) (protocol.Reply, error) {
		return protocol.Reply{Messages: []string{"done: " + task.Args}}, nil
	}}
	w := newTestHarness(t, h)

	bus.Append(w.Paths.Inbox, protocol.Task{Type: protocol.TypeTask, TaskID: "t_1", Action: "x", Args: "abc"})
	if _, err := w.drainInbox(); err != nil {
		t.Fatal(err)
	}

	reps := readAll[protocol.Reply](t, w.Paths.Outbox)
	if len(reps) != 1 || reps[0].TaskID != "t_1" || reps[0].Messages[0] != "done: abc" {
		t.Fatalf("replies = %+v", reps)
	}
	if reps[0].Type != protocol.TypeReply || reps[0].TS != 777 {
		t.Errorf("reply envelope = %+v", reps[0])
	}
	acks := readAll[protocol.Ack](t, w.Paths.Ack)
	if len(acks) != 1 || acks[0].Status != protocol.AckOK || acks[0].TaskID != "t_1" {
		t.Fatalf("acks = %+v", acks)
	}
}

func TestHarnessErrorStillRepliesAndAcks(t *testing.T) {
	h := &scriptedHandler{fn: func(task protocol.Task) (protocol.Reply, error) {
		return protocol.Reply{}, errors.New("boom")
	}}
	w := newTestHarness(t, h)

	bus.Append(w.Paths.Inbox, protocol.Task{Type: protocol.TypeTask, TaskID: "t_err"})
	if _, err := w.drainInbox(); err != nil {
		t.Fatal(err)
	}

	reps := readAll[protocol.Reply](t, w.Paths.Outbox)
	if len(reps) != 1 || reps[0].Error != "boom" {
		t.Fatalf("replies = %+v", reps)
	}
	if reps[0].Messages[0] != "❌ boom" {
		t.Errorf("error message = %q", reps[0].Messages[0])
	}
	acks := readAll[protocol.Ack](t, w.Paths.Ack)
	if len(acks) != 1 || acks[0].Status != protocol.AckError || acks[0].Error != "boom" {
		t.Fatalf("acks = %+v", acks)
	}
	if acks[0].Trace == "" || len([]rune(acks[0].Trace)) > maxTraceChars {
		t.Errorf("trace missing or unbounded: %d chars", len([]rune(acks[0].Trace)))
	}
}

func TestHarnessPanicBecomesErrorReply(t *testing.T) {
	h := &scriptedHandler{fn: func(task protocol.Task) (protocol.Reply, error) {
		panic("oh no")
	}}
	w := newTestHarness(t, h)

	bus.Append(w.Paths.Inbox, protocol.Task{Type: protocol.TypeTask, TaskID: "t_p"})
	if _, err := w.drainInbox(); err != nil {
		t.Fatal(err)
	}
	acks := readAll[protocol.Ack](t, w.Paths.Ack)
	if len(acks) != 1 || acks[0].Status != protocol.AckError {
		t.Fatalf("acks = %+v", acks)
	}
	if !strings.Contains(acks[0].Error, "oh no") {
		t.Errorf("panic not captured: %q", acks[0].Error)
	}
}

func TestHarnessSkipsNonTasksAndBlankIDs(t *testing.T) {
	calls := 0
	h := &scriptedHandler{fn: func(task protocol.Task) (protocol.Reply, error) {
		calls++
		return protocol.Reply{}, nil
	}}
	w := newTestHarness(t, h)

	bus.Append(w.Paths.Inbox, map[string]any{"type": "reply", "task_id": "t_x"})
	bus.Append(w.Paths.Inbox, protocol.Task{Type: protocol.TypeTask, TaskID: "  "})
	bus.Append(w.Paths.Inbox, protocol.Task{Type: protocol.TypeTask, TaskID: "t_ok"})
	if _, err := w.drainInbox(); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
}

func TestHarnessSeedsOffsetsToInboxSize(t *testing.T) {
	paths := testPaths(t)
	stateDir := t.TempDir()
	bus.Append(paths.Inbox, protocol.Task{Type: protocol.TypeTask, TaskID: "t_old"})

	calls := 0
	h := &scriptedHandler{fn: func(task protocol.Task) (protocol.Reply, error) {
		calls++
		return protocol.Reply{}, nil
	}}
	w, err := NewHarness("testbot", paths, stateDir, h, discard())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.drainInbox(); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Errorf("history replayed %d tasks", calls)
	}

	// New work after seeding is picked up.
	bus.Append(paths.Inbox, protocol.Task{Type: protocol.TypeTask, TaskID: "t_new"})
	if _, err := w.drainInbox(); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("new task not processed, calls=%d", calls)
	}
}

func TestHarnessCursorSurvivesRestart(t *testing.T) {
	paths := testPaths(t)
	stateDir := t.TempDir()
	calls := 0
	mk := func() *Harness {
		h := &scriptedHandler{fn: func(task protocol.Task) (protocol.Reply, error) {
			calls++
			return protocol.Reply{}, nil
		}}
		w, err := NewHarness("testbot", paths, stateDir, h, discard())
		if err != nil {
			t.Fatal(err)
		}
		return w
	}

	w := mk()
	bus.Append(paths.Inbox, protocol.Task{Type: protocol.TypeTask, TaskID: "t_1"})
	w.drainInbox()

	w2 := mk()
	w2.drainInbox()
	if calls != 1 {
		t.Errorf("restart replayed work, calls=%d", calls)
	}
}

func TestClassify(t *testing.T) {
	seven, bar, cherry, lemon := "7️⃣", "🟥", "🍒", "🍋"
	tests := []struct {
		reels []string
		want  string
	}{
		{[]string{seven, seven, seven}, "SLOTS_777"},
		{[]string{bar, bar, bar}, "SLOTS_TRIPLE_BAR"},
		{[]string{cherry, cherry, cherry}, "SLOTS_TRIPLE_CHERRY"},
		{[]string{seven, lemon, seven}, "SLOTS_DOUBLE_7"},
		{[]string{cherry, cherry, lemon}, "SLOTS_DOUBLE_CHERRY"},
		{[]string{lemon, cherry, bar}, "SLOTS_SINGLE_CHERRY"},
		{[]string{lemon, lemon, bar}, "SLOTS_LOSS"},
	}
	for _, tt := range tests {
		if got := classify(tt.reels); got != tt.want {
			t.Errorf("classify(%v) = %q, want %q", tt.reels, got, tt.want)
		}
	}
}

func TestSlotsHandleSpin(t *testing.T) {
	g := NewSlotsGame(rand.New(rand.NewSource(1)))
	rep, err := g.Handle(protocol.Task{
		Type: protocol.TypeTask, TaskID: "g_1", Action: "slots",
		ReplyName: "alice", Bet: 50, AvailablePoints: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Game == nil || rep.Game.Name != "slots" || rep.Game.Bet != 50 {
		t.Fatalf("game = %+v", rep.Game)
	}
	rule, ok := slotsRules[rep.Game.ResultCode]
	if !ok {
		t.Fatalf("unknown result code %q", rep.Game.ResultCode)
	}
	if rep.Game.Payout == nil || *rep.Game.Payout != 50*rule.Mult {
		t.Errorf("payout = %v, want %d", rep.Game.Payout, 50*rule.Mult)
	}
	if rep.BlockingMS != rule.SpinMS {
		t.Errorf("blocking_ms = %d, want %d", rep.BlockingMS, rule.SpinMS)
	}

	var reels []string
	if err := json.Unmarshal(rep.Game.Reels, &reels); err != nil || len(reels) != 3 {
		t.Fatalf("reels = %s", rep.Game.Reels)
	}
	if len(rep.OverlayEvents) != 1 || rep.OverlayEvents[0].Event != "slots_spin" {
		t.Fatalf("overlay events = %+v", rep.OverlayEvents)
	}
	var payload map[string]any
	json.Unmarshal(rep.OverlayEvents[0].Payload, &payload)
	if payload["player_name"] != "alice" || payload["animation"] != rule.Animation {
		t.Errorf("overlay payload = %v", payload)
	}
	if len(rep.Messages) != 1 || !strings.Contains(rep.Messages[0], "alice spun") {
		t.Errorf("messages = %v", rep.Messages)
	}
}

func TestSlotsClampsBetToAvailable(t *testing.T) {
	g := NewSlotsGame(rand.New(rand.NewSource(2)))
	rep, err := g.Handle(protocol.Task{Action: "slots", Bet: 500, AvailablePoints: 80})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Game.Bet != 80 {
		t.Errorf("bet = %d, want 80", rep.Game.Bet)
	}
}

func TestSlotsInvalidBet(t *testing.T) {
	g := NewSlotsGame(rand.New(rand.NewSource(3)))
	rep, err := g.Handle(protocol.Task{Action: "slots", Bet: 0})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Game.ResultCode != "INVALID_BET" || *rep.Game.Payout != 0 {
		t.Errorf("game = %+v", rep.Game)
	}
	if rep.BlockingMS != 0 {
		t.Errorf("invalid bet must not block, blocking_ms=%d", rep.BlockingMS)
	}
}

func TestSlotsUnknownAction(t *testing.T) {
	g := NewSlotsGame(rand.New(rand.NewSource(4)))
	rep, err := g.Handle(protocol.Task{Action: "roulette", Bet: 10})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Game.ResultCode != "UNKNOWN_GAME" {
		t.Errorf("result code = %q", rep.Game.ResultCode)
	}
}

func TestSlotsDistributionCoversCodes(t *testing.T) {
	g := NewSlotsGame(rand.New(rand.NewSource(5)))
	seen := map[string]int{}
	for i := 0; i < 3000; i++ {
		rep, err := g.Handle(protocol.Task{Action: "slots", Bet: 10})
		if err != nil {
			t.Fatal(err)
		}
		seen[rep.Game.ResultCode]++
	}
	if seen["SLOTS_LOSS"] == 0 || seen["SLOTS_SINGLE_CHERRY"] == 0 || seen["SLOTS_DOUBLE_CHERRY"] == 0 {
		t.Errorf("distribution looks broken: %v", seen)
	}
	if seen["SLOTS_LOSS"] < seen["SLOTS_777"] {
		t.Errorf("losses should dominate jackpots: %v", seen)
	}
}

type fakeMusic struct {
	now, url string
	upNext   []string
	queued   string
	volume   int
	err      error
}

func (f *fakeMusic) NowPlaying() (string, string, error) { return f.now, f.url, f.err }
func (f *fakeMusic) Queue(limit int) (string, []string, error) {
	if limit < len(f.upNext) {
		return f.now, f.upNext[:limit], f.err
	}
	return f.now, f.upNext, f.err
}
func (f *fakeMusic) Request(q string) (string, error) { return f.queued, f.err }
func (f *fakeMusic) Skip() error                      { return f.err }
func (f *fakeMusic) Play() error                      { return f.err }
func (f *fakeMusic) Pause() error                     { return f.err }
func (f *fakeMusic) SetVolume(p int) error            { f.volume = p; return f.err }

func TestMusicActions(t *testing.T) {
	fm := &fakeMusic{now: "Song A", url: "http://x", upNext: []string{"B", "C"}, queued: "Song D"}
	g := NewMusicGame(fm)

	tests := []struct {
		action, args, want string
	}{
		{"np", "", "🎶 Now playing: Song A — http://x"},
		{"queue", "", "🎶 Now: Song A | 1) B | 2) C"},
		{"sr", "song d", "✅ Queued: Song D"},
		{"skip", "", "⏭️ Skipped."},
		{"play", "", "▶️ Playback started."},
		{"pause", "", "⏸️ Paused."},
		{"vol", "150", "🔊 Volume set to 100%."},
		{"sr", "", "Usage: sr <song name or link>"},
		{"vol", "junk", "Usage: vol <0-100>"},
	}
	for _, tt := range tests {
		rep, err := g.Handle(protocol.Task{Action: tt.action, Args: tt.args})
		if err != nil {
			t.Fatalf("%s: %v", tt.action, err)
		}
		if len(rep.Messages) != 1 || rep.Messages[0] != tt.want {
			t.Errorf("%s %q = %v, want %q", tt.action, tt.args, rep.Messages, tt.want)
		}
	}
	if fm.volume != 100 {
		t.Errorf("volume = %d", fm.volume)
	}
}

func TestMusicNothingPlaying(t *testing.T) {
	g := NewMusicGame(&fakeMusic{})
	rep, err := g.Handle(protocol.Task{Action: "np"})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Messages[0] != "🎵 Nothing is currently playing." {
		t.Errorf("got %q", rep.Messages[0])
	}
}

func TestMusicDisconnectedClientErrors(t *testing.T) {
	g := NewMusicGame(nil)
	_, err := g.Handle(protocol.Task{Action: "np"})
	if !errors.Is(err, ErrNoClient) {
		t.Errorf("err = %v", err)
	}
	rep := g.ErrorReply(protocol.Task{}, ErrNoClient)
	if !strings.Contains(rep.Messages[0], "music service not connected") {
		t.Errorf("error reply = %v", rep.Messages)
	}
}

func TestMusicUnknownAction(t *testing.T) {
	g := NewMusicGame(&fakeMusic{})
	_, err := g.Handle(protocol.Task{Action: "dance"})
	if err == nil || !strings.Contains(err.Error(), "unknown action") {
		t.Errorf("err = %v", err)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("WORKER_POLL_SEC", "0.25")
	if got := envDuration("WORKER_POLL_SEC", 0); got != 250_000_000 {
		t.Errorf("got %v", got)
	}
	t.Setenv("WORKER_POLL_SEC", "garbage")
	if got := envDuration("WORKER_POLL_SEC", 42); got != 42 {
		t.Errorf("fallback = %v", got)
	}
}

func TestHarnessBusEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	alt := filepath.Join(dir, "alt.inbox.jsonl")
	t.Setenv("BUS_INBOX", alt)
	w, err := NewHarness("testbot", testPaths(t), t.TempDir(), &scriptedHandler{
		fn: func(protocol.Task) (protocol.Reply, error) { return protocol.Reply{}, nil },
	}, discard())
	if err != nil {
		t.Fatal(err)
	}
	if w.Paths.Inbox != alt {
		t.Errorf("inbox = %q, want %q", w.Paths.Inbox, alt)
	}
	if _, err := os.Stat(alt); err != nil {
		t.Errorf("override inbox not ensured: %v", err)
	}
}
