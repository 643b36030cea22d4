package worker

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"

	"github.com/chatrig/chatrig/internal/protocol"
)

// reelSymbol is one weighted slot face.
type reelSymbol struct {
	Token  string
	Emoji  string
	Weight int
}

var slotsReels = []reelSymbol{
	{"CHERRY", "🍒", 22},
	{"LEMON", "🍋", 18},
	{"GRAPE", "🍇", 16},
	{"DIAMOND", "💎", 8},
	{"BAR", "🟥", 5},
	{"SEVEN", "7️⃣", 3},
}

// slotsRule carries the presentation data for one result code. The router
// re-derives the payout from its own table; mult here only shapes the
// worker's chat message.
type slotsRule struct {
	Mult      int64
	Tier      string
	Animation string
	SpinMS    int64
}

var slotsRules = map[string]slotsRule{
	"SLOTS_777":           {25, "jackpot", "slots_jackpot_v1", 3200},
	"SLOTS_TRIPLE_BAR":    {15, "big_win", "slots_bigwin_v1", 2600},
	"SLOTS_TRIPLE_CHERRY": {8, "big_win", "slots_bigwin_v1", 2400},
	"SLOTS_DOUBLE_7":      {3, "win", "slots_win_v1", 2200},
	"SLOTS_DOUBLE_CHERRY": {2, "win", "slots_win_v1", 2100},
	"SLOTS_SINGLE_CHERRY": {1, "small_win", "slots_small_v1", 1900},
	"SLOTS_LOSS":          {0, "loss", "slots_loss_v1", 1700},
}

// SlotsGame handles gamble tasks. The router remains the bank; this side
// only spins and reports.
type SlotsGame struct {
	rng *rand.Rand
}

// NewSlotsGame builds the game with its own RNG source.
func NewSlotsGame(rng *rand.Rand) *SlotsGame {
	return &SlotsGame{rng: rng}
}

func (g *SlotsGame) spinOne() string {
	total := 0
	for _, s := range slotsReels {
		total += s.Weight
	}
	r := g.rng.Intn(total)
	upto := 0
	for _, s := range slotsReels {
		upto += s.Weight
		if r < upto {
			return s.Emoji
		}
	}
	return slotsReels[0].Emoji
}

// classify maps three reels to a deterministic result code.
func classify(reels []string) string {
	seven, bar, cherry := "7️⃣", "🟥", "🍒"
	count := func(sym string) int {
		n := 0
		for _, x := range reels {
			if x == sym {
				n++
			}
		}
		return n
	}
	switch {
	case count(seven) == 3:
		return "SLOTS_777"
	case count(bar) == 3:
		return "SLOTS_TRIPLE_BAR"
	case count(cherry) == 3:
		return "SLOTS_TRIPLE_CHERRY"
	case count(seven) == 2:
		return "SLOTS_DOUBLE_7"
	case count(cherry) == 2:
		return "SLOTS_DOUBLE_CHERRY"
	case count(cherry) == 1:
		return "SLOTS_SINGLE_CHERRY"
	}
	return "SLOTS_LOSS"
}

// Handle spins for the task's wager. Invalid bets and unknown actions get a
// normal reply rather than an error so the player hears back.
func (g *SlotsGame) Handle(task protocol.Task) (protocol.Reply, error) {
	action := strings.ToLower(strings.TrimSpace(task.Action))
	bet := task.Bet

	if bet <= 0 {
		zero := int64(0)
		return protocol.Reply{
			Game: &protocol.GameResult{
				Name: nonEmpty(action, "unknown"), Bet: bet,
				ResultCode: "INVALID_BET", Payout: &zero,
			},
			Messages: []string{"🎰 Invalid bet. Use `!slots <amount>` or `!slot <amount>` (or `max`)."},
		}, nil
	}
	if task.AvailablePoints > 0 && bet > task.AvailablePoints {
		bet = task.AvailablePoints
	}

	if action != "slots" {
		zero := int64(0)
		return protocol.Reply{
			Game: &protocol.GameResult{
				Name: nonEmpty(action, "unknown"), Bet: bet,
				ResultCode: "UNKNOWN_GAME", Payout: &zero,
			},
			Messages: []string{fmt.Sprintf("🎰 Unknown game action: %s", action)},
		}, nil
	}

	player := task.ReplyName
	if player == "" {
		player = "Player"
	}

	reels := []string{g.spinOne(), g.spinOne(), g.spinOne()}
	code := classify(reels)
	rule := slotsRules[code]
	payout := bet * rule.Mult

	var msg string
	if payout <= 0 {
		msg = fmt.Sprintf("🎰 %s spun %s — no win. (-%d)", player, strings.Join(reels, " "), bet)
	} else {
		msg = fmt.Sprintf("🎰 %s spun %s — %s! (+%d | bet %d)",
			player, strings.Join(reels, " "), strings.ToUpper(rule.Tier), payout, bet)
	}

	reelsJSON, err := json.Marshal(reels)
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("marshal reels: %w", err)
	}
	overlayPayload, err := json.Marshal(map[string]any{
		"player_name": player,
		"bet":         bet,
		"reels":       reels,
		"tier":        rule.Tier,
		"payout":      payout,
		"animation":   rule.Animation,
		"spin_ms":     rule.SpinMS,
	})
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("marshal overlay payload: %w", err)
	}

	return protocol.Reply{
		Game: &protocol.GameResult{
			Name:       "slots",
			Bet:        bet,
			ResultCode: code,
			Payout:     &payout,
			Symbols:    reelsJSON,
			Reels:      reelsJSON,
		},
		Messages: []string{msg},
		OverlayEvents: []protocol.OverlayPayload{
			{Overlay: "casino", Event: "slots_spin", Payload: overlayPayload},
		},
		BlockingMS: rule.SpinMS,
	}, nil
}

// ErrorReply keeps the FIFO moving when a spin fails: the router sees a
// zero-payout ERROR result and refunds nothing beyond the reserved wager.
func (g *SlotsGame) ErrorReply(task protocol.Task, err error) protocol.Reply {
	zero := int64(0)
	name := task.ReplyName
	if name == "" {
		name = "there"
	}
	return protocol.Reply{
		Game: &protocol.GameResult{
			Name: nonEmpty(strings.ToLower(task.Action), "unknown"), Bet: task.Bet,
			ResultCode: "ERROR", Payout: &zero,
		},
		Messages: []string{fmt.Sprintf("🎰 Sorry %s — the casino glitched. Try again.", name)},
	}
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
