package router

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/chatrig/chatrig/internal/bus"
	"github.com/chatrig/chatrig/internal/config"
	"github.com/chatrig/chatrig/internal/gamble"
	"github.com/chatrig/chatrig/internal/protocol"
	"github.com/chatrig/chatrig/internal/util"
)

// inflightMeta tracks a dispatched task until its reply arrives.
type inflightMeta struct {
	Bot       string `json:"bot"`
	Platform  string `json:"platform"`
	ReplyName string `json:"reply_name"`
	UserKey   string `json:"user_key"`
	CreatedTS int64  `json:"created_ts"`
}

type botCursor struct {
	OutboxOffsetBytes int64 `json:"outbox_offset_bytes"`
	AckOffsetBytes    int64 `json:"ack_offset_bytes"`
}

type cursors struct {
	EventsInOffsetBytes int64                 `json:"events_in_offset_bytes"`
	BotOffsets          map[string]*botCursor `json:"bot_offsets"`
}

// Router is the chat command router and points bank loop.
type Router struct {
	cfg  *config.Config
	log  *slog.Logger
	bank *Bank

	queue *gamble.Store
	slots *gamble.SlotsLoader

	bots        map[string]config.BotPaths
	managerCmds map[string]*config.Command
	botCmds     map[string]*config.Command

	inflight      map[string]inflightMeta
	cursors       cursors
	dirtyInflight bool
	dirtyCursors  bool

	dedup         *dedup
	lastAwardTick int64

	eventsIn     string
	repliesOut   string
	overlayOut   string
	inflightPath string
	cursorsPath  string

	now    func() int64
	taskID func(prefix string, hexLen int) string
}

// New builds the router, loading all persisted state.
func New(cfg *config.Config, log *slog.Logger) (*Router, error) {
	mirror := ""
	if m := strings.TrimSpace(cfg.OverlayFallback.UserStateMirrorFile); m != "" {
		mirror = cfg.Resolve(m)
	}

	r := &Router{
		cfg:          cfg,
		log:          log,
		bank:         OpenBank(cfg.UserStatePath(), mirror, cfg.LedgerPath(), log),
		queue:        gamble.Open(cfg.GambleQueuePath()),
		slots:        gamble.NewSlotsLoader(cfg.SlotsConfigPath()),
		bots:         map[string]config.BotPaths{},
		managerCmds:  config.IndexCommands(cfg.ManagerCommands),
		botCmds:      config.IndexCommands(cfg.Commands),
		inflight:     map[string]inflightMeta{},
		dedup:        newDedup(),
		eventsIn:     cfg.EventsInbox(),
		repliesOut:   cfg.RepliesOutbox(),
		overlayOut:   cfg.OverlayOutbox(),
		inflightPath: cfg.InflightPath(),
		cursorsPath:  cfg.OffsetsPath("router"),
		now:          func() int64 { return time.Now().Unix() },
		taskID: func(prefix string, hexLen int) string {
			u := uuid.New()
			return prefix + hex.EncodeToString(u[:])[:hexLen]
		},
	}
	r.lastAwardTick = r.now()

	for _, p := range []string{r.eventsIn, r.repliesOut, r.overlayOut} {
		if err := util.EnsureFile(p); err != nil {
			return nil, fmt.Errorf("ensure bus file: %w", err)
		}
	}
	for _, b := range cfg.EnabledBots() {
		for _, p := range []string{b.Inbox, b.Outbox, b.Ack, b.Deadletter} {
			if err := util.EnsureFile(p); err != nil {
				return nil, fmt.Errorf("ensure bot bus file: %w", err)
			}
		}
		r.bots[b.ID] = b
	}

	if err := util.LoadJSON(r.inflightPath, &r.inflight); err != nil {
		log.Warn("inflight unreadable, starting empty", "err", err)
		r.inflight = map[string]inflightMeta{}
	}
	if r.inflight == nil {
		r.inflight = map[string]inflightMeta{}
	}
	if err := util.LoadJSON(r.cursorsPath, &r.cursors); err != nil {
		log.Warn("cursors unreadable, starting at zero", "err", err)
		r.cursors = cursors{}
	}
	if r.cursors.BotOffsets == nil {
		r.cursors.BotOffsets = map[string]*botCursor{}
	}
	for id := range r.bots {
		if _, ok := r.cursors.BotOffsets[id]; !ok {
			r.cursors.BotOffsets[id] = &botCursor{}
		}
	}

	if mirror != "" {
		if err := util.AtomicWriteJSON(mirror, r.bank.users); err != nil {
			log.Error("user state mirror init failed", "err", err)
		}
	}
	return r, nil
}

func pluralPts(n int64) string {
	if n == 1 {
		return "pt"
	}
	return "pts"
}

// parseCommand splits a chat line into a lowercased command name and the
// raw argument remainder. ok is false for non-command text.
func parseCommand(text string) (cmd, args string, ok bool) {
	if !strings.HasPrefix(text, "!") {
		return "", "", false
	}
	raw := text[1:]
	if raw == "" {
		return "", "", false
	}
	i := strings.IndexFunc(raw, unicode.IsSpace)
	if i < 0 {
		return strings.ToLower(strings.TrimSpace(raw)), "", true
	}
	cmd = strings.ToLower(strings.TrimSpace(raw[:i]))
	args = strings.TrimLeftFunc(raw[i:], unicode.IsSpace)
	if cmd == "" {
		return "", "", false
	}
	return cmd, args, true
}

// parseBet resolves a wager argument. Empty defaults to min(50, spendable);
// "max"/"all" wager everything spendable; garbage and negatives become 0.
func parseBet(args string, spendable int64) int64 {
	a := strings.ToLower(strings.TrimSpace(args))
	if a == "" {
		if spendable <= 0 {
			return 0
		}
		if spendable < 50 {
			return spendable
		}
		return 50
	}
	if a == "max" || a == "all" {
		return spendable
	}
	n, err := strconv.ParseInt(a, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (r *Router) emitReply(platform, replyName, text, botID string) {
	err := bus.Append(r.repliesOut, protocol.ReplyIntent{
		Type:      protocol.TypeReplyIntent,
		TS:        r.now(),
		Platform:  platform,
		ReplyName: replyName,
		Text:      text,
		Bot:       botID,
	})
	if err != nil {
		r.log.Error("reply emit failed", "err", err)
	}
}

func (r *Router) emitOverlay(overlay, event string, payload json.RawMessage, eventID string) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	err := bus.Append(r.overlayOut, protocol.OverlayEvent{
		Type:    protocol.TypeOverlayEvent,
		TS:      r.now(),
		Overlay: overlay,
		Event:   event,
		EventID: eventID,
		Payload: payload,
	})
	if err != nil {
		r.log.Error("overlay emit failed", "err", err)
	}
}

func (r *Router) emitReceipt(platform, replyName, cmd string, cost, newTotal int64, botID, note string) {
	msg := fmt.Sprintf("Receipt: !%s cost %d %s. New total: %d %s.",
		cmd, cost, pluralPts(cost), newTotal, pluralPts(newTotal))
	if note != "" {
		msg += " " + strings.TrimSpace(note)
	}
	r.emitReply(platform, replyName, msg, botID)
}

// ProcessEvent applies one bus event: activity and earning for every event,
// command routing for chat.
func (r *Router) ProcessEvent(ev protocol.Event) {
	platform := strings.ToLower(ev.Platform)
	if platform == "" {
		platform = "unknown"
	}
	userKey := ev.UserKey
	replyName := ev.ReplyName
	if replyName == "" {
		replyName = "User"
	}
	tier := protocol.Tier(strings.ToUpper(string(ev.Tier)))

	r.bank.Touch(userKey)

	switch strings.ToLower(ev.Type) {
	case protocol.TypeLike:
		r.bank.AddPoints(userKey, r.cfg.Earning.PointsPerLike)
		return
	case protocol.TypeShare:
		r.bank.AddPoints(userKey, r.cfg.Earning.PointsPerShare)
		return
	default:
		// chat falls through
	}

	r.bank.AddPoints(userKey, r.cfg.Earning.PointsPerMessage)

	cmd, args, ok := parseCommand(ev.Text)
	if !ok {
		return
	}
	if r.dedup.Seen(platform, userKey, replyName, cmd, args, ev.TS) {
		return
	}

	if cdef, ok := r.managerCmds[cmd]; ok {
		r.handleManagerCommand(cdef, platform, replyName, userKey, tier)
		return
	}
	if cdef, ok := r.botCmds[cmd]; ok {
		r.handleBotCommand(cdef, platform, replyName, userKey, tier, args)
	}
}

func (r *Router) handleManagerCommand(cdef *config.Command, platform, replyName, userKey string, tier protocol.Tier) {
	if !tier.AtLeast(cdef.MinTier) {
		return
	}
	cost := cdef.CostPoints

	if !r.bank.CooldownOK(userKey, cdef.Command, cdef.CooldownSeconds, cdef.CooldownBypassTier, tier) {
		if rem := r.bank.CooldownRemaining(userKey, cdef.Command, cdef.CooldownSeconds); rem > 0 {
			pts := r.bank.Points(userKey)
			r.emitReply(platform, replyName, fmt.Sprintf("!%s is on cooldown for %ds.", cdef.Command, rem), "manager")
			r.emitReply(platform, replyName,
				fmt.Sprintf("Receipt: !%s cost %d pts (not charged - cooldown). Total: %d pts.", cdef.Command, cost, pts),
				"manager")
		}
		return
	}
	r.bank.SetCooldown(userKey, cdef.Command)

	pts := r.bank.Points(userKey)
	switch cdef.Command {
	case "points":
		// Balance and receipt in one line to cut chat spam.
		r.emitReply(platform, replyName,
			fmt.Sprintf("You have %d points. Receipt: !%s cost %d pts. New total: %d pts.", pts, cdef.Command, cost, pts),
			"manager")
	case "spothelp":
		r.emitReceipt(platform, replyName, cdef.Command, cost, pts, "manager", "")
		r.sendHelp(platform, replyName, userKey, tier)
	}
}

func (r *Router) handleBotCommand(cdef *config.Command, platform, replyName, userKey string, tier protocol.Tier, args string) {
	if !tier.AtLeast(cdef.MinTier) {
		return
	}
	botID := cdef.Bot
	if botID == "" {
		botID = "manager"
	}

	if !r.bank.CooldownOK(userKey, cdef.Command, cdef.CooldownSeconds, cdef.CooldownBypassTier, tier) {
		if rem := r.bank.CooldownRemaining(userKey, cdef.Command, cdef.CooldownSeconds); rem > 0 {
			pts := r.bank.Points(userKey)
			// Gamble sizes its wager dynamically, so a static cost would
			// mislead here.
			cost := cdef.CostPoints
			if botID == "gamble" {
				cost = 0
			}
			r.emitReply(platform, replyName, fmt.Sprintf("!%s is on cooldown for %ds.", cdef.Command, rem), botID)
			r.emitReply(platform, replyName,
				fmt.Sprintf("Receipt: !%s cost %d pts (not charged - cooldown). Total: %d pts.", cdef.Command, cost, pts),
				botID)
		}
		return
	}
	r.bank.SetCooldown(userKey, cdef.Command)

	if botID == "gamble" {
		r.enqueueGamble(cdef, platform, replyName, userKey, args)
		return
	}

	cost := cdef.CostPoints
	before := r.bank.Points(userKey)

	if cost > 0 && before < cost {
		r.emitReply(platform, replyName,
			fmt.Sprintf("You need %d points for that command. You have %d. Receipt: !%s cost %d pts (not charged). Total: %d pts.",
				cost, before, cdef.Command, cost, before),
			botID)
		return
	}

	after := before
	if cost > 0 {
		after = before - cost
		if after < 0 {
			after = 0
		}
		r.bank.SetPoints(userKey, after)
		r.bank.RecordLedger(LedgerEntry{
			Platform: platform, UserKey: userKey, Command: cdef.Command, Bot: botID,
			Delta: -cost, Before: before, After: after, Note: "command_cost",
		})
	}
	r.emitReceipt(platform, replyName, cdef.Command, cost, after, botID, "")

	if _, ok := r.bots[botID]; ok {
		r.dispatchToWorker(botID, cdef, platform, replyName, userKey, tier, args)
	}
}

func (r *Router) enqueueGamble(cdef *config.Command, platform, replyName, userKey, args string) {
	slotsCfg := r.slots.Current()
	points := r.bank.Points(userKey)
	reserved := r.queue.ReservedForUser(userKey)
	spendable := points - reserved
	if spendable < 0 {
		spendable = 0
	}

	cmdName := cdef.Command
	if cmdName == "" {
		cmdName = "slots"
	}
	bet := parseBet(args, spendable)

	if bet <= 0 {
		r.emitReply(platform, replyName, fmt.Sprintf("You have %d points available to wager.", spendable), "gamble")
		r.emitReply(platform, replyName,
			fmt.Sprintf("Receipt: !%s cost 0 pts. New total: %d pts. Available to wager: %d pts.", cmdName, points, spendable),
			"gamble")
		return
	}
	if bet > spendable {
		r.emitReply(platform, replyName, fmt.Sprintf("Max wager is %d.", spendable), "gamble")
		r.emitReply(platform, replyName,
			fmt.Sprintf("Receipt: !%s cost 0 pts. New total: %d pts. Available to wager: %d pts.", cmdName, points, spendable),
			"gamble")
		return
	}

	snapshot, err := json.Marshal(slotsCfg)
	if err != nil {
		snapshot = nil
	}
	action := cdef.Action
	if action == "" {
		action = "slots"
	}
	task := protocol.Task{
		Type:            protocol.TypeTask,
		TaskID:          r.taskID("g_", 10),
		Bot:             "gamble",
		Action:          action,
		Command:         cmdName,
		Platform:        platform,
		ReplyName:       replyName,
		UserKey:         userKey,
		Bet:             bet,
		CreatedTS:       r.now(),
		AvailablePoints: spendable,
		SlotsCfg:        snapshot,
	}

	pos, err := r.queue.Enqueue(task)
	if err != nil {
		r.log.Error("gamble enqueue failed", "err", err)
		return
	}
	availableAfter := points - (reserved + bet)
	if availableAfter < 0 {
		availableAfter = 0
	}

	r.emitReply(platform, replyName, fmt.Sprintf("You’re queued (# %d). Wager: %d.", pos, bet), "gamble")
	r.emitReply(platform, replyName,
		fmt.Sprintf("Receipt: !%s cost %d pts (reserved wager). New total: %d pts. Available to wager: %d pts.",
			cmdName, bet, points, availableAfter),
		"gamble")
	r.bank.RecordLedger(LedgerEntry{
		Platform: platform, UserKey: userKey, Command: cmdName, Bot: "gamble",
		Delta: 0, Before: points, After: points,
		Note: fmt.Sprintf("wager_reserved=%d; available_after=%d", bet, availableAfter),
	})
}

func (r *Router) dispatchToWorker(botID string, cdef *config.Command, platform, replyName, userKey string, tier protocol.Tier, args string) {
	taskID := r.taskID("t_", 12)
	task := protocol.Task{
		Type:      protocol.TypeTask,
		TaskID:    taskID,
		TS:        r.now(),
		Bot:       botID,
		Action:    cdef.Action,
		Command:   cdef.Command,
		Args:      args,
		Platform:  platform,
		ReplyName: replyName,
		UserKey:   userKey,
		UserTier:  tier,
	}
	if err := bus.Append(r.bots[botID].Inbox, task); err != nil {
		r.log.Error("task dispatch failed", "bot", botID, "err", err)
		return
	}
	r.inflight[taskID] = inflightMeta{
		Bot: botID, Platform: platform, ReplyName: replyName,
		UserKey: userKey, CreatedTS: r.now(),
	}
	r.dirtyInflight = true
}

func (r *Router) handleWorkerRecord(botID string, raw json.RawMessage) {
	if protocol.TypeOf(raw) != protocol.TypeReply {
		return
	}
	var rec protocol.Reply
	if err := json.Unmarshal(raw, &rec); err != nil {
		return
	}

	if botID == "gamble" {
		r.handleGambleReply(rec)
		return
	}

	meta, ok := r.inflight[rec.TaskID]
	if !ok {
		err := bus.Append(r.bots[botID].Deadletter, protocol.Deadletter{
			Type: protocol.TypeOrphanReply, TS: r.now(), Record: raw,
		})
		if err != nil {
			r.log.Error("deadletter write failed", "bot", botID, "err", err)
		}
		return
	}

	msgs := rec.Messages
	if len(msgs) > 3 {
		msgs = msgs[:3]
	}
	for _, m := range msgs {
		r.emitReply(meta.Platform, meta.ReplyName, m, botID)
	}
	delete(r.inflight, rec.TaskID)
	r.dirtyInflight = true
}

func (r *Router) handleGambleReply(rec protocol.Reply) {
	active := r.queue.Active()
	if active == nil || rec.TaskID != active.TaskID {
		return
	}

	userKey := active.UserKey
	platform := active.Platform
	replyName := active.ReplyName
	if replyName == "" {
		replyName = "User"
	}
	cmdName := active.Command
	if cmdName == "" || strings.EqualFold(cmdName, "gamble") {
		cmdName = "slots"
	}

	cfg := r.slots.Current()
	if len(active.SlotsCfg) > 0 {
		// Prefer the config snapshot captured at enqueue time.
		var snap gamble.SlotsConfig
		if err := json.Unmarshal(active.SlotsCfg, &snap); err == nil {
			cfg = gamble.Normalize(snap)
		}
	}

	game := rec.Game
	if game == nil {
		game = &protocol.GameResult{}
	}

	bet := active.Bet
	if game.Bet != 0 {
		bet = game.Bet
	}
	resultCode := game.ResultCode
	symbols := gamble.SymbolsFrom(game)

	var multOverride *int64
	if game.Multiplier != nil {
		multOverride = game.Multiplier
	} else if game.Mult != nil {
		multOverride = game.Mult
	}

	var mult int64
	var ruleName, rc string
	var syms []string
	if multOverride != nil {
		mult = *multOverride
		ruleName = game.RuleName
		if ruleName == "" {
			ruleName = game.Rule
		}
		if ruleName == "" {
			ruleName = resultCode
		}
		if ruleName == "" {
			ruleName = "WIN"
		}
		rc = resultCode
		if rc == "" {
			rc = "SLOTS_CUSTOM"
		}
		syms = symbols
		if len(syms) == 0 {
			syms = gamble.ResultCodeSymbols(resultCode)
		}
	} else {
		mult, ruleName, rc, syms = gamble.Eval(symbols, resultCode, cfg)
	}

	var payout int64
	switch {
	case game.Payout != nil:
		payout = *game.Payout
	case game.PayoutPoints != nil:
		payout = *game.PayoutPoints
	case game.WinPoints != nil:
		payout = *game.WinPoints
	default:
		payout = bet * mult
	}
	if payout < 0 {
		payout = 0
	}

	before := r.bank.Points(userKey)
	net := payout - bet
	after := before + net
	if after < 0 {
		after = 0
	}
	r.bank.SetPoints(userKey, after)

	disp := syms
	if len(disp) > 3 {
		disp = disp[:3]
	}
	symDisp := strings.Join(disp, " | ")
	if symDisp == "" {
		symDisp = "? | ? | ?"
	}

	var line string
	if mult > 0 && payout > 0 {
		line = fmt.Sprintf("🎰 Slots: [%s] — WIN x%d! Won %d pts (net +%d pts). Total: %d pts.", symDisp, mult, payout, net, after)
	} else {
		line = fmt.Sprintf("🎰 Slots: [%s] — You lose. Lost %d pts. Total: %d pts.", symDisp, bet, after)
	}
	line += fmt.Sprintf(" Receipt: !%s cost %d pts. New total: %d pts.", cmdName, bet, after)
	r.emitReply(platform, replyName, line, "gamble")

	r.bank.RecordLedger(LedgerEntry{
		Platform: platform, UserKey: userKey, Command: cmdName, Bot: "gamble",
		Delta: net, Before: before, After: after,
		Note: fmt.Sprintf("slots; rule=%s; result_code=%s; symbols=%s; bet=%d; mult=%d; payout=%d; net=%d",
			ruleName, rc, symDisp, bet, mult, payout, net),
	})

	for _, ev := range rec.OverlayEvents {
		overlay := ev.Overlay
		if overlay == "" {
			overlay = "casino"
		}
		r.emitOverlay(overlay, ev.Event, ev.Payload, "evt_"+active.TaskID)
	}

	if err := r.queue.MarkDone(r.now(), rec.BlockingMS); err != nil {
		r.log.Error("gamble mark done failed", "err", err)
	}
}

func (r *Router) maybeDispatchGamble() {
	gb, ok := r.bots["gamble"]
	if !ok {
		return
	}
	if !r.queue.CanDispatch(r.now()) {
		return
	}
	task, err := r.queue.PopNextForDispatch()
	if err != nil {
		r.log.Error("gamble pop failed", "err", err)
		return
	}
	if task == nil {
		return
	}
	if err := bus.Append(gb.Inbox, task); err != nil {
		r.log.Error("gamble dispatch failed", "err", err)
	}
}

func (r *Router) awardActiveTick() {
	now := r.now()
	if now-r.lastAwardTick < 5 {
		return
	}
	r.lastAwardTick = now
	r.bank.AwardActive(r.cfg.Earning.ActiveWindowSeconds, r.cfg.Earning.PointsPerMinuteActive)
}

func (r *Router) pollEvents() error {
	raws, off, err := bus.ReadNew(r.eventsIn, r.cursors.EventsInOffsetBytes)
	if err != nil {
		return err
	}
	if off != r.cursors.EventsInOffsetBytes {
		r.cursors.EventsInOffsetBytes = off
		r.dirtyCursors = true
	}
	for _, raw := range raws {
		var ev protocol.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		r.ProcessEvent(ev)
	}
	return nil
}

func (r *Router) pollBotOutboxes() error {
	for id, paths := range r.bots {
		bc := r.cursors.BotOffsets[id]
		if bc == nil {
			bc = &botCursor{}
			r.cursors.BotOffsets[id] = bc
		}

		raws, off, err := bus.ReadNew(paths.Outbox, bc.OutboxOffsetBytes)
		if err != nil {
			return err
		}
		if off != bc.OutboxOffsetBytes {
			bc.OutboxOffsetBytes = off
			r.dirtyCursors = true
		}
		for _, raw := range raws {
			r.handleWorkerRecord(id, raw)
		}

		// Acks only advance the cursor; the supervisor reads ack mtimes
		// for its backlog check.
		_, ackOff, err := bus.ReadNew(paths.Ack, bc.AckOffsetBytes)
		if err != nil {
			return err
		}
		if ackOff != bc.AckOffsetBytes {
			bc.AckOffsetBytes = ackOff
			r.dirtyCursors = true
		}
	}
	return nil
}

func (r *Router) flush() error {
	if err := r.bank.Flush(); err != nil {
		return err
	}
	if r.dirtyInflight {
		if err := util.AtomicWriteJSON(r.inflightPath, r.inflight); err != nil {
			return fmt.Errorf("flush inflight: %w", err)
		}
		r.dirtyInflight = false
	}
	if r.dirtyCursors {
		if err := util.AtomicWriteJSON(r.cursorsPath, r.cursors); err != nil {
			return fmt.Errorf("flush cursors: %w", err)
		}
		r.dirtyCursors = false
	}
	return nil
}

// Tick runs one loop iteration: earning, event intake, worker replies,
// gamble dispatch, state flush.
func (r *Router) Tick() error {
	r.awardActiveTick()
	if err := r.pollEvents(); err != nil {
		return err
	}
	if err := r.pollBotOutboxes(); err != nil {
		return err
	}
	r.maybeDispatchGamble()
	return r.flush()
}

// Run loops until ctx is cancelled. Iteration errors are logged and the
// loop continues after a short sleep.
func (r *Router) Run(ctx context.Context) error {
	r.log.Info("started",
		"events_in", r.eventsIn,
		"replies_out", r.repliesOut,
		"overlay_out", r.overlayOut,
		"bots", len(r.bots))

	poll := time.Duration(r.cfg.PollMS) * time.Millisecond
	if poll < 50*time.Millisecond {
		poll = 50 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if err := r.Tick(); err != nil {
			r.log.Error("loop error", "err", err)
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
