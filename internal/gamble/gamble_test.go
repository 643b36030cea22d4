package gamble

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chatrig/chatrig/internal/protocol"
)

func task(id, user string, bet int64) protocol.Task {
	return protocol.Task{
		Type: protocol.TypeTask, TaskID: id, Action: "slots",
		UserKey: user, Bet: bet,
	}
}

func TestStoreFIFO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gamble_queue.json")
	s := Open(path)

	if s.CanDispatch(100) {
		t.Error("empty queue should not dispatch")
	}

	pos, err := s.Enqueue(task("g_1", "twitch:a", 50))
	if err != nil || pos != 1 {
		t.Fatalf("enqueue #1: pos=%d err=%v", pos, err)
	}
	pos, _ = s.Enqueue(task("g_2", "twitch:b", 100))
	if pos != 2 {
		t.Errorf("enqueue #2 pos = %d", pos)
	}

	if !s.CanDispatch(100) {
		t.Fatal("queue with no active task should dispatch")
	}
	next, err := s.PopNextForDispatch()
	if err != nil {
		t.Fatal(err)
	}
	if next.TaskID != "g_1" {
		t.Errorf("dispatched %s, want g_1", next.TaskID)
	}
	if s.ActiveTaskID() != "g_1" {
		t.Errorf("active = %q", s.ActiveTaskID())
	}
	if s.CanDispatch(100) {
		t.Error("active task must block dispatch")
	}

	// Done with a 3.2s spin: busy until now+3.
	if err := s.MarkDone(100, 3200); err != nil {
		t.Fatal(err)
	}
	if s.ActiveTaskID() != "" {
		t.Error("active should clear on done")
	}
	if s.CanDispatch(102) {
		t.Error("busy window must block dispatch")
	}
	if !s.CanDispatch(103) {
		t.Error("busy window elapsed, should dispatch")
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gamble_queue.json")
	s := Open(path)
	s.Enqueue(task("g_1", "twitch:a", 50))
	s.Enqueue(task("g_2", "twitch:a", 70))
	if _, err := s.PopNextForDispatch(); err != nil {
		t.Fatal(err)
	}

	s2 := Open(path)
	if s2.ActiveTaskID() != "g_1" {
		t.Errorf("reopened active = %q", s2.ActiveTaskID())
	}
	if s2.Len() != 1 {
		t.Errorf("reopened queue len = %d", s2.Len())
	}
	if got := s2.ReservedForUser("twitch:a"); got != 120 {
		t.Errorf("reserved across queue+active = %d, want 120", got)
	}
}

func TestReservedForUser(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "q.json"))
	s.Enqueue(task("g_1", "twitch:a", 50))
	s.Enqueue(task("g_2", "twitch:b", 30))
	s.Enqueue(task("g_3", "twitch:a", 20))

	if got := s.ReservedForUser("twitch:a"); got != 70 {
		t.Errorf("reserved = %d, want 70", got)
	}
	if got := s.ReservedForUser("twitch:c"); got != 0 {
		t.Errorf("reserved for stranger = %d", got)
	}
}

func TestLoadSlotsConfigAutoCreates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "slots_config.json")
	cfg := LoadSlotsConfig(path)
	if len(cfg.Payouts) != 6 {
		t.Errorf("default payout count = %d", len(cfg.Payouts))
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file should be auto-created: %v", err)
	}

	// Second load reads the created file.
	cfg2 := LoadSlotsConfig(path)
	if len(cfg2.Payouts) != len(cfg.Payouts) {
		t.Errorf("reloaded payout count = %d", len(cfg2.Payouts))
	}
}

func TestSlotsLoaderReloadsOnMtimeChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slots_config.json")
	l := NewSlotsLoader(path)
	if got := len(l.Current().Payouts); got != 6 {
		t.Fatalf("initial payout count = %d", got)
	}

	// Rewrite the file with a single rule and push the mtime forward so
	// the change is visible even on coarse filesystem clocks.
	next := SlotsConfig{Payouts: []Payout{{Name: "ONLY", Pattern: []string{"7", "7", "7"}, Mult: 9}}}
	data, err := json.Marshal(next)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	cfg := l.Current()
	if len(cfg.Payouts) != 1 || cfg.Payouts[0].Name != "ONLY" {
		t.Fatalf("config not reloaded: %+v", cfg.Payouts)
	}
	// Unchanged mtime serves the cached config.
	if got := len(l.Current().Payouts); got != 1 {
		t.Errorf("cached payout count = %d", got)
	}
}

func TestNormalizeDropsBadRules(t *testing.T) {
	mult := int64(4)
	cfg := Normalize(SlotsConfig{
		Payouts: []Payout{
			{Name: "short", Pattern: []string{"7", "7"}},
			{Symbols: []string{"X", "X", "X"}, Multiplier: &mult},
		},
	})
	if len(cfg.Payouts) != 1 {
		t.Fatalf("payouts = %d, want 1 (short pattern dropped)", len(cfg.Payouts))
	}
	p := cfg.Payouts[0]
	if p.Name != "PAYOUT" || p.Mult != 4 || len(p.Pattern) != 3 {
		t.Errorf("legacy aliases not normalised: %+v", p)
	}
	if len(cfg.Reels) == 0 {
		t.Error("reels should fall back to defaults")
	}
}

func TestNormalizeEmptyFallsBackToDefaults(t *testing.T) {
	cfg := Normalize(SlotsConfig{})
	if len(cfg.Payouts) != 6 || len(cfg.Reels) != 7 {
		t.Errorf("empty config should take defaults: %d payouts %d reels", len(cfg.Payouts), len(cfg.Reels))
	}
}

func TestEvalFirstMatchWins(t *testing.T) {
	cfg := Normalize(DefaultSlotsConfig())

	tests := []struct {
		syms     []string
		wantMult int64
		wantName string
	}{
		{[]string{"7", "7", "7"}, 25, "777"},
		{[]string{"7", "7", "🍋"}, 3, "DOUBLE_7"},
		{[]string{"🍒", "🍒", "🍒"}, 8, "TRIPLE_CHERRY"},
		{[]string{"🍒", "🍒", "⭐"}, 2, "DOUBLE_CHERRY"},
		{[]string{"🍒", "🍋", "🍇"}, 1, "SINGLE_CHERRY"},
		{[]string{"🍋", "🍇", "⭐"}, 0, "LOSS"},
	}
	for _, tt := range tests {
		mult, name, _, _ := Eval(tt.syms, "", cfg)
		if mult != tt.wantMult || name != tt.wantName {
			t.Errorf("Eval(%v) = %d %q, want %d %q", tt.syms, mult, name, tt.wantMult, tt.wantName)
		}
	}
}

func TestEvalResultCodeFallback(t *testing.T) {
	cfg := Normalize(DefaultSlotsConfig())

	// No symbols at all: legacy result-code mapping.
	mult, name, rc, syms := Eval(nil, "SLOTS_TRIPLE_BAR", cfg)
	if mult != 15 || name != "SLOTS_TRIPLE_BAR" || rc != "SLOTS_TRIPLE_BAR" {
		t.Errorf("code-only eval = %d %q %q", mult, name, rc)
	}
	if len(syms) != 3 || syms[0] != "BAR" {
		t.Errorf("mapped symbols = %v", syms)
	}

	// Unknown symbols but a known code: fall back after rules miss.
	mult, _, _, _ = Eval([]string{"X", "Y", "Z"}, "SLOTS_DOUBLE_7", cfg)
	if mult != 3 {
		t.Errorf("rule-miss code fallback mult = %d, want 3", mult)
	}

	// Nothing known: default loss.
	cfg.DefaultLossMult = 0
	mult, name, rc, _ = Eval([]string{"X", "Y", "Z"}, "", cfg)
	if mult != 0 || name != "LOSS" || rc != "SLOTS_LOSS" {
		t.Errorf("loss eval = %d %q %q", mult, name, rc)
	}
}

func TestEvalPadsShortSymbols(t *testing.T) {
	cfg := Normalize(DefaultSlotsConfig())
	mult, _, _, syms := Eval([]string{"🍒", "🍒"}, "", cfg)
	if len(syms) != 3 || syms[2] != "?" {
		t.Errorf("short spin not padded: %v", syms)
	}
	// 🍒 🍒 ? matches DOUBLE_CHERRY via wildcard.
	if mult != 2 {
		t.Errorf("padded spin mult = %d, want 2", mult)
	}
}

func TestEvalWildcardForms(t *testing.T) {
	cfg := SlotsConfig{Payouts: []Payout{
		{Name: "ANYFORM", Pattern: []string{"7", "ANY", "any"}, Mult: 9},
	}}
	mult, name, _, _ := Eval([]string{"7", "🍋", "⭐"}, "", Normalize(cfg))
	if mult != 9 || name != "ANYFORM" {
		t.Errorf("ANY wildcards = %d %q", mult, name)
	}
}

func TestCoerceSymbols(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{`["7","7","BAR"]`, []string{"7", "7", "BAR"}},
		{`"7|BAR|🍒"`, []string{"7", "BAR", "🍒"}},
		{`"7, BAR , 🍒"`, []string{"7", "BAR", "🍒"}},
		{`"7 BAR 🍒"`, []string{"7", "BAR", "🍒"}},
		{`["a","b","c","d"]`, []string{"a", "b", "c"}},
		{`""`, nil},
		{``, nil},
	}
	for _, tt := range tests {
		got := CoerceSymbols(json.RawMessage(tt.raw))
		if len(got) != len(tt.want) {
			t.Errorf("CoerceSymbols(%s) = %v, want %v", tt.raw, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("CoerceSymbols(%s)[%d] = %q, want %q", tt.raw, i, got[i], tt.want[i])
			}
		}
	}
}

func TestSymbolsFrom(t *testing.T) {
	s1, s2, s3 := "7", "BAR", "🍒"
	g := &protocol.GameResult{S1: &s1, S2: &s2, S3: &s3}
	if got := SymbolsFrom(g); len(got) != 3 || got[1] != "BAR" {
		t.Errorf("s1/s2/s3 fallback = %v", got)
	}

	g2 := &protocol.GameResult{Spin: json.RawMessage(`"7|7|7"`)}
	if got := SymbolsFrom(g2); len(got) != 3 || got[0] != "7" {
		t.Errorf("spin alias = %v", got)
	}

	if got := SymbolsFrom(nil); got != nil {
		t.Errorf("nil result = %v", got)
	}
}
