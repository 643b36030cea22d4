// Package router consumes normalised chat events, runs the points bank,
// routes commands to workers and folds worker replies back into chat. It is
// the single writer of user_state.json; every other surface (overlay mirror,
// receipts, ledger) derives from it.
package router

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/chatrig/chatrig/internal/bus"
	"github.com/chatrig/chatrig/internal/protocol"
	"github.com/chatrig/chatrig/internal/util"
)

// UserRecord is one user's persisted bank state.
type UserRecord struct {
	Points      int64            `json:"points"`
	LastSeenTS  int64            `json:"last_seen_ts"`
	LastAwardTS int64            `json:"last_award_ts"`
	Cooldowns   map[string]int64 `json:"cooldowns"`
}

// LedgerEntry is one append-only audit line in points_ledger.jsonl.
type LedgerEntry struct {
	TS       int64  `json:"ts"`
	Platform string `json:"platform"`
	UserKey  string `json:"user_key"`
	Command  string `json:"command"`
	Bot      string `json:"bot"`
	Delta    int64  `json:"delta"`
	Before   int64  `json:"before"`
	After    int64  `json:"after"`
	Note     string `json:"note"`
}

// Bank owns user points, cooldowns and the audit ledger. Writes are
// accumulated and flushed once per loop iteration.
type Bank struct {
	path       string
	mirrorPath string
	ledgerPath string
	log        *slog.Logger

	users map[string]*UserRecord
	dirty bool
	now   func() int64
}

// OpenBank loads user state from path. mirrorPath may be empty.
func OpenBank(path, mirrorPath, ledgerPath string, log *slog.Logger) *Bank {
	b := &Bank{
		path:       path,
		mirrorPath: mirrorPath,
		ledgerPath: ledgerPath,
		log:        log,
		users:      map[string]*UserRecord{},
		now:        func() int64 { return time.Now().Unix() },
	}
	if err := util.LoadJSON(path, &b.users); err != nil {
		log.Warn("user state unreadable, starting empty", "path", path, "err", err)
		b.users = map[string]*UserRecord{}
	}
	if b.users == nil {
		b.users = map[string]*UserRecord{}
	}
	return b
}

func (b *Bank) rec(userKey string) *UserRecord {
	r, ok := b.users[userKey]
	if !ok || r == nil {
		r = &UserRecord{LastAwardTS: b.now()}
		b.users[userKey] = r
		b.dirty = true
	}
	if r.Cooldowns == nil {
		r.Cooldowns = map[string]int64{}
	}
	return r
}

// Points returns the user's balance.
func (b *Bank) Points(userKey string) int64 {
	return b.rec(userKey).Points
}

// SetPoints writes the balance, clamped at zero.
func (b *Bank) SetPoints(userKey string, pts int64) {
	if pts < 0 {
		pts = 0
	}
	b.rec(userKey).Points = pts
	b.dirty = true
}

// AddPoints adjusts the balance by delta, clamping at zero.
func (b *Bank) AddPoints(userKey string, delta int64) {
	b.SetPoints(userKey, b.Points(userKey)+delta)
}

// Touch marks the user active now, for the earning window.
func (b *Bank) Touch(userKey string) {
	b.rec(userKey).LastSeenTS = b.now()
	b.dirty = true
}

// CooldownOK reports whether the command may run: no cooldown configured,
// tier at or above the bypass tier, or enough time elapsed.
func (b *Bank) CooldownOK(userKey, cmd string, cooldownSec int, bypass, userTier protocol.Tier) bool {
	if cooldownSec <= 0 {
		return true
	}
	if bypass != "" && userTier.AtLeast(bypass) {
		return true
	}
	last := b.rec(userKey).Cooldowns[cmd]
	return b.now()-last >= int64(cooldownSec)
}

// CooldownRemaining returns the seconds left, floored at zero.
func (b *Bank) CooldownRemaining(userKey, cmd string, cooldownSec int) int64 {
	if cooldownSec <= 0 {
		return 0
	}
	last := b.rec(userKey).Cooldowns[cmd]
	rem := int64(cooldownSec) - (b.now() - last)
	if rem < 0 {
		return 0
	}
	return rem
}

// SetCooldown stamps the command's cooldown start.
func (b *Bank) SetCooldown(userKey, cmd string) {
	b.rec(userKey).Cooldowns[cmd] = b.now()
	b.dirty = true
}

// AwardActive grants points-per-minute to users seen inside the active
// window. The award timestamp advances in whole minutes so partial minutes
// carry over instead of drifting.
func (b *Bank) AwardActive(activeWindowSec int, perMinute int64) {
	now := b.now()
	for _, r := range b.users {
		if r == nil {
			continue
		}
		if now-r.LastSeenTS > int64(activeWindowSec) {
			continue
		}
		lastAward := r.LastAwardTS
		if lastAward == 0 {
			lastAward = now
			r.LastAwardTS = now
		}
		elapsed := now - lastAward
		if elapsed < 60 {
			continue
		}
		minutes := elapsed / 60
		add := minutes * perMinute
		if add > 0 {
			r.Points += add
			if r.Points < 0 {
				r.Points = 0
			}
			r.LastAwardTS = lastAward + minutes*60
			b.dirty = true
		}
	}
}

// RecordLedger appends an audit line. Failures are logged, never fatal.
func (b *Bank) RecordLedger(e LedgerEntry) {
	if e.TS == 0 {
		e.TS = b.now()
	}
	if err := bus.Append(b.ledgerPath, e); err != nil {
		b.log.Error("ledger write failed", "err", err)
	}
}

// Flush persists user state if dirty, mirroring to the overlay copy when
// configured.
func (b *Bank) Flush() error {
	if !b.dirty {
		return nil
	}
	if err := util.AtomicWriteJSON(b.path, b.users); err != nil {
		return fmt.Errorf("flush user state: %w", err)
	}
	if b.mirrorPath != "" {
		if err := util.AtomicWriteJSON(b.mirrorPath, b.users); err != nil {
			b.log.Error("user state mirror failed", "path", b.mirrorPath, "err", err)
		}
	}
	b.dirty = false
	return nil
}
