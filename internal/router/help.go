package router

import (
	"strings"

	"github.com/chatrig/chatrig/internal/config"
	"github.com/chatrig/chatrig/internal/protocol"
)

// collectHelp gathers help lines from the commands the user can see: marked
// for help, tier satisfied, and currently affordable.
func collectHelp(cmds []config.Command, tier protocol.Tier, pts int64) []string {
	var out []string
	seen := map[string]bool{}
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Command))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if !c.ShowInHelp {
			continue
		}
		minTier := c.MinTier
		if minTier == "" {
			minTier = protocol.TierEveryone
		}
		if !tier.AtLeast(minTier) {
			continue
		}
		if c.CostPoints > pts {
			continue
		}
		out = append(out, c.HelpLines...)
	}
	return out
}

// sendHelp emits the !spothelp text as a series of reply intents, chunked
// so each fits a single chat message.
func (r *Router) sendHelp(platform, replyName, userKey string, tier protocol.Tier) {
	pts := r.bank.Points(userKey)

	lines := append([]string{}, r.cfg.Help.HeaderLines...)
	lines = append(lines, "")

	mgrLines := collectHelp(r.cfg.ManagerCommands, tier, pts)
	cmdLines := collectHelp(r.cfg.Commands, tier, pts)

	if len(mgrLines) > 0 {
		lines = append(lines, "Manager commands:")
		lines = append(lines, mgrLines...)
		lines = append(lines, "")
	}
	if len(cmdLines) > 0 {
		lines = append(lines, "Bot commands:")
		lines = append(lines, cmdLines...)
		lines = append(lines, "")
	}

	limit := r.cfg.Help.ChunkChars
	chunk := ""
	chunkRunes := 0
	for _, ln := range strings.Split(strings.TrimSpace(strings.Join(lines, "\n")), "\n") {
		add := ln + "\n"
		addRunes := len([]rune(add))
		if chunkRunes+addRunes > limit && strings.TrimSpace(chunk) != "" {
			r.emitReply(platform, replyName, strings.TrimSpace(chunk), "manager")
			chunk = ""
			chunkRunes = 0
		}
		chunk += add
		chunkRunes += addRunes
	}
	if strings.TrimSpace(chunk) != "" {
		r.emitReply(platform, replyName, strings.TrimSpace(chunk), "manager")
	}
}
