package gamble

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chatrig/chatrig/internal/protocol"
	"github.com/chatrig/chatrig/internal/util"
)

// resultCodeMult maps legacy result codes to multipliers, used when a reply
// carries a code but no symbols, or when no payout pattern matches.
var resultCodeMult = map[string]int64{
	"SLOTS_777":           25,
	"SLOTS_TRIPLE_BAR":    15,
	"SLOTS_TRIPLE_CHERRY": 8,
	"SLOTS_DOUBLE_7":      3,
	"SLOTS_DOUBLE_CHERRY": 2,
	"SLOTS_SINGLE_CHERRY": 1,
	"SLOTS_LOSS":          0,
}

var resultCodeSymbols = map[string][]string{
	"SLOTS_777":           {"7", "7", "7"},
	"SLOTS_TRIPLE_BAR":    {"BAR", "BAR", "BAR"},
	"SLOTS_TRIPLE_CHERRY": {"🍒", "🍒", "🍒"},
	"SLOTS_DOUBLE_7":      {"7", "7", "*"},
	"SLOTS_DOUBLE_CHERRY": {"🍒", "🍒", "*"},
	"SLOTS_SINGLE_CHERRY": {"🍒", "*", "*"},
	"SLOTS_LOSS":          {"?", "?", "?"},
}

// Payout is one payout rule. Order matters: the first matching rule wins.
// Pattern entries "*", "ANY", "any" and "" match any symbol.
type Payout struct {
	Name       string   `json:"name"`
	Pattern    []string `json:"pattern,omitempty"`
	Symbols    []string `json:"symbols,omitempty"`
	Mult       int64    `json:"mult"`
	Multiplier *int64   `json:"multiplier,omitempty"`
	ResultCode string   `json:"result_code,omitempty"`
}

// SlotsConfig is config/slots_config.json. Multipliers and combinations are
// operator-editable; the file is hot-reloaded on mtime change.
type SlotsConfig struct {
	Reels           []string `json:"reels"`
	Payouts         []Payout `json:"payouts"`
	DefaultLossMult int64    `json:"default_loss_mult"`
}

// DefaultSlotsConfig returns the built-in payout table.
func DefaultSlotsConfig() SlotsConfig {
	return SlotsConfig{
		Reels: []string{"🍒", "🍋", "🍇", "🔔", "⭐", "BAR", "7"},
		Payouts: []Payout{
			{Name: "777", Pattern: []string{"7", "7", "7"}, Mult: 25, ResultCode: "SLOTS_777"},
			{Name: "TRIPLE_BAR", Pattern: []string{"BAR", "BAR", "BAR"}, Mult: 15, ResultCode: "SLOTS_TRIPLE_BAR"},
			{Name: "TRIPLE_CHERRY", Pattern: []string{"🍒", "🍒", "🍒"}, Mult: 8, ResultCode: "SLOTS_TRIPLE_CHERRY"},
			{Name: "DOUBLE_7", Pattern: []string{"7", "7", "*"}, Mult: 3, ResultCode: "SLOTS_DOUBLE_7"},
			{Name: "DOUBLE_CHERRY", Pattern: []string{"🍒", "🍒", "*"}, Mult: 2, ResultCode: "SLOTS_DOUBLE_CHERRY"},
			{Name: "SINGLE_CHERRY", Pattern: []string{"🍒", "*", "*"}, Mult: 1, ResultCode: "SLOTS_SINGLE_CHERRY"},
		},
		DefaultLossMult: 0,
	}
}

// Normalize merges cfg onto the defaults and cleans up rule entries.
// Rules missing a 3-symbol pattern are dropped; an empty rule list falls
// back to the default table.
func Normalize(cfg SlotsConfig) SlotsConfig {
	def := DefaultSlotsConfig()
	if len(cfg.Reels) == 0 {
		cfg.Reels = def.Reels
	}

	var norm []Payout
	for _, p := range cfg.Payouts {
		pat := p.Pattern
		if len(pat) == 0 {
			pat = p.Symbols
		}
		if len(pat) != 3 {
			continue
		}
		mult := p.Mult
		if mult == 0 && p.Multiplier != nil {
			mult = *p.Multiplier
		}
		name := strings.TrimSpace(p.Name)
		if name == "" {
			name = "PAYOUT"
		}
		norm = append(norm, Payout{
			Name:       name,
			Pattern:    pat,
			Mult:       mult,
			ResultCode: strings.TrimSpace(p.ResultCode),
		})
	}
	if len(norm) == 0 {
		norm = def.Payouts
	}
	cfg.Payouts = norm
	if cfg.DefaultLossMult < 0 {
		cfg.DefaultLossMult = 0
	}
	return cfg
}

// LoadSlotsConfig reads the config at path, creating it from defaults when
// missing. Unreadable files fall back to defaults rather than failing.
func LoadSlotsConfig(path string) SlotsConfig {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		def := DefaultSlotsConfig()
		_ = util.AtomicWriteJSON(path, def)
		return Normalize(def)
	}
	var cfg SlotsConfig
	if err := util.LoadJSON(path, &cfg); err != nil {
		return Normalize(DefaultSlotsConfig())
	}
	return Normalize(cfg)
}

// SlotsLoader hot-reloads the slots config when the file's mtime changes.
type SlotsLoader struct {
	Path  string
	mtime time.Time
	cfg   SlotsConfig
}

// NewSlotsLoader loads the config once, creating the file if needed.
func NewSlotsLoader(path string) *SlotsLoader {
	l := &SlotsLoader{Path: path}
	l.cfg = LoadSlotsConfig(path)
	l.mtime = util.Mtime(path)
	return l
}

// Current returns the config, re-reading the file if its mtime moved.
func (l *SlotsLoader) Current() SlotsConfig {
	if m := util.Mtime(l.Path); !m.IsZero() && !m.Equal(l.mtime) {
		l.cfg = LoadSlotsConfig(l.Path)
		l.mtime = m
	}
	return l.cfg
}

// ResultCodeSymbols maps a legacy result code to display symbols, or the
// unknown triple.
func ResultCodeSymbols(code string) []string {
	if syms, ok := resultCodeSymbols[code]; ok {
		return append([]string(nil), syms...)
	}
	return []string{"?", "?", "?"}
}

func patternMatch(pattern, symbols []string) bool {
	if len(pattern) != len(symbols) {
		return false
	}
	for i, p := range pattern {
		if p == "*" || p == "ANY" || p == "any" || p == "" {
			continue
		}
		if p != symbols[i] {
			return false
		}
	}
	return true
}

// CoerceSymbols extracts up to three reel symbols from a raw reply field,
// which may be a JSON list or a pipe/comma/space delimited string.
func CoerceSymbols(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []interface{}
	if err := json.Unmarshal(raw, &list); err == nil {
		out := make([]string, 0, 3)
		for _, v := range list {
			if len(out) == 3 {
				break
			}
			switch x := v.(type) {
			case string:
				out = append(out, x)
			case float64:
				out = append(out, strconv.FormatFloat(x, 'f', -1, 64))
			default:
				out = append(out, strings.TrimSpace(strings.Trim(string(mustJSON(v)), `"`)))
			}
		}
		return out
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return splitSymbols(s)
}

func splitSymbols(s string) []string {
	s = strings.TrimSpace(s)
	var parts []string
	switch {
	case strings.Contains(s, "|"):
		parts = strings.Split(s, "|")
	case strings.Contains(s, ","):
		parts = strings.Split(s, ",")
	default:
		parts = strings.Fields(s)
	}
	out := make([]string, 0, 3)
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
		if len(out) == 3 {
			break
		}
	}
	return out
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// SymbolsFrom pulls the reel symbols out of a worker game result, trying
// the aliased fields in order and falling back to the s1/s2/s3 triple.
func SymbolsFrom(g *protocol.GameResult) []string {
	if g == nil {
		return nil
	}
	for _, raw := range []json.RawMessage{g.Symbols, g.Result, g.Spin, g.Reels} {
		if syms := CoerceSymbols(raw); len(syms) > 0 {
			return syms
		}
	}
	if g.S1 != nil || g.S2 != nil || g.S3 != nil {
		deref := func(p *string) string {
			if p == nil {
				return "?"
			}
			return *p
		}
		return []string{deref(g.S1), deref(g.S2), deref(g.S3)}
	}
	return nil
}

// Eval resolves a spin to its multiplier. Rules are tried in order and the
// first match wins; an unmatched spin falls back to the result-code table
// and finally to the configured loss multiplier. Returns the multiplier,
// the winning rule name, the resolved result code and the resolved symbols.
func Eval(symbols []string, resultCode string, cfg SlotsConfig) (int64, string, string, []string) {
	syms := symbols
	if len(syms) > 3 {
		syms = syms[:3]
	}

	if len(syms) != 3 && resultCode != "" {
		mapped, ok := resultCodeSymbols[resultCode]
		if !ok {
			mapped = []string{"?", "?", "?"}
		}
		return resultCodeMult[resultCode], resultCode, resultCode, append([]string(nil), mapped...)
	}

	for len(syms) < 3 {
		syms = append(syms, "?")
	}

	for _, p := range cfg.Payouts {
		if patternMatch(p.Pattern, syms) {
			name := p.Name
			if name == "" {
				name = "WIN"
			}
			rc := p.ResultCode
			if rc == "" {
				rc = resultCode
			}
			return p.Mult, name, rc, syms
		}
	}

	if mult, ok := resultCodeMult[resultCode]; ok && resultCode != "" {
		mapped, ok := resultCodeSymbols[resultCode]
		if !ok {
			mapped = []string{"?", "?", "?"}
		}
		return mult, resultCode, resultCode, append([]string(nil), mapped...)
	}

	rc := resultCode
	if rc == "" {
		rc = "SLOTS_LOSS"
	}
	return cfg.DefaultLossMult, "LOSS", rc, syms
}
