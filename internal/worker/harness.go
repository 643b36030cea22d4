// Package worker runs bot processes: a shared task loop plus the per-bot
// game logic. The harness owns inbox cursors, locking and the reply/ack
// contract; handlers only turn a task into a reply body.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/chatrig/chatrig/internal/bus"
	"github.com/chatrig/chatrig/internal/config"
	"github.com/chatrig/chatrig/internal/lock"
	"github.com/chatrig/chatrig/internal/protocol"
	"github.com/chatrig/chatrig/internal/util"
)

const maxTraceChars = 2000

// Handler turns one task into a reply body. The harness fills in Type,
// TaskID and TS and always follows the reply with an ack.
type Handler interface {
	Handle(task protocol.Task) (protocol.Reply, error)

	// ErrorReply shapes the user-facing reply for a failed task. The
	// harness still records the error in the ack.
	ErrorReply(task protocol.Task, err error) protocol.Reply
}

type workerOffsets struct {
	InboxOffsetBytes *int64 `json:"inbox_offset_bytes"`
}

// Harness is the shared worker loop over one bot's bus files.
type Harness struct {
	Bot      string
	Paths    config.BotPaths
	StateDir string
	Handler  Handler
	Log      *slog.Logger

	// HA switches the harness from the single-instance pidfile lock to
	// active/standby leader election.
	HA bool

	PollEvery      time.Duration
	HeartbeatEvery time.Duration
	LockTTL        time.Duration

	offsets     workerOffsets
	offsetsPath string
	now         func() int64
}

// NewHarness builds a worker for the bot, reading the poll/lock knobs from
// the environment and seeding the inbox cursor.
func NewHarness(bot string, paths config.BotPaths, stateDir string, h Handler, log *slog.Logger) (*Harness, error) {
	w := &Harness{
		Bot:            bot,
		Paths:          paths,
		StateDir:       stateDir,
		Handler:        h,
		Log:            log,
		HA:             paths.HA,
		PollEvery:      envDuration("WORKER_POLL_SEC", 80*time.Millisecond),
		HeartbeatEvery: envDuration("WORKER_HEARTBEAT_SEC", time.Second),
		LockTTL:        envDuration("WORKER_LOCK_TTL_SEC", 8*time.Second),
		offsetsPath:    filepath.Join(stateDir, "offsets.json"),
		now:            func() int64 { return time.Now().Unix() },
	}
	// Bus file overrides for split deployments.
	if v := strings.TrimSpace(os.Getenv("BUS_INBOX")); v != "" {
		w.Paths.Inbox = v
	}
	if v := strings.TrimSpace(os.Getenv("BUS_OUTBOX")); v != "" {
		w.Paths.Outbox = v
	}
	if v := strings.TrimSpace(os.Getenv("BUS_ACK")); v != "" {
		w.Paths.Ack = v
	}

	for _, p := range []string{w.Paths.Inbox, w.Paths.Outbox, w.Paths.Ack} {
		if err := util.EnsureFile(p); err != nil {
			return nil, fmt.Errorf("ensure bus file: %w", err)
		}
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}

	if err := util.LoadJSON(w.offsetsPath, &w.offsets); err != nil {
		w.offsets = workerOffsets{}
	}
	if w.offsets.InboxOffsetBytes == nil {
		// First run against an existing inbox: skip history, no replay.
		var size int64
		if fi, err := os.Stat(w.Paths.Inbox); err == nil {
			size = fi.Size()
		}
		w.offsets.InboxOffsetBytes = &size
		if err := util.AtomicWriteJSON(w.offsetsPath, w.offsets); err != nil {
			return nil, fmt.Errorf("seed offsets: %w", err)
		}
	}
	return w, nil
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return def
	}
	return time.Duration(f * float64(time.Second))
}

// drainInbox processes every new task once, persisting the cursor after
// each task so a crash never replays completed work.
func (w *Harness) drainInbox() (bool, error) {
	off := *w.offsets.InboxOffsetBytes
	raws, newOff, err := bus.ReadNew(w.Paths.Inbox, off)
	if err != nil {
		return false, err
	}
	if newOff != off {
		*w.offsets.InboxOffsetBytes = newOff
		if err := util.AtomicWriteJSON(w.offsetsPath, w.offsets); err != nil {
			return false, fmt.Errorf("persist offsets: %w", err)
		}
	}

	progressed := false
	for _, raw := range raws {
		if protocol.TypeOf(raw) != protocol.TypeTask {
			continue
		}
		var task protocol.Task
		if err := json.Unmarshal(raw, &task); err != nil {
			continue
		}
		if strings.TrimSpace(task.TaskID) == "" {
			continue
		}
		w.runTask(task)
		progressed = true
	}
	return progressed, nil
}

// runTask executes one task. A reply and an ack are always emitted, even
// when the handler fails.
func (w *Harness) runTask(task protocol.Task) {
	ts := w.now()

	reply, err := w.safeHandle(task)
	if err != nil {
		reply = w.Handler.ErrorReply(task, err)
		reply.Error = err.Error()
	}
	reply.Type = protocol.TypeReply
	reply.TaskID = task.TaskID
	reply.TS = ts
	if aerr := bus.Append(w.Paths.Outbox, reply); aerr != nil {
		w.Log.Error("reply append failed", "task_id", task.TaskID, "err", aerr)
	}

	ack := protocol.Ack{Type: protocol.TypeAck, TaskID: task.TaskID, TS: ts, Status: protocol.AckOK}
	if err != nil {
		ack.Status = protocol.AckError
		ack.Error = err.Error()
		ack.Trace = boundedTrace(err)
	}
	if aerr := bus.Append(w.Paths.Ack, ack); aerr != nil {
		w.Log.Error("ack append failed", "task_id", task.TaskID, "err", aerr)
	}
}

// safeHandle shields the loop from handler panics.
func (w *Harness) safeHandle(task protocol.Task) (reply protocol.Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.Handler.Handle(task)
}

func boundedTrace(err error) string {
	trace := err.Error() + "\n" + string(debug.Stack())
	r := []rune(trace)
	if len(r) > maxTraceChars {
		r = r[:maxTraceChars]
	}
	return string(r)
}

// Run executes the worker loop until ctx is cancelled, choosing the locking
// strategy by the bot's HA flag.
func (w *Harness) Run(ctx context.Context) error {
	if w.HA {
		return w.runLeader(ctx)
	}
	return w.runSingle(ctx)
}

// runSingle holds the pidfile lock for the whole run. A live second worker
// is a startup error.
func (w *Harness) runSingle(ctx context.Context) error {
	inst := lock.NewInstance(filepath.Join(w.StateDir, "worker.lock"))
	if err := inst.Acquire(); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return fmt.Errorf("another %s worker is running: %w", w.Bot, err)
		}
		return err
	}
	defer inst.Release()

	w.Log.Info("started", "bot", w.Bot, "inbox", w.Paths.Inbox)
	return w.pollLoop(ctx)
}

// runLeader competes in the active/standby election. Only the leader
// processes tasks; standbys watch the heartbeat and take over on silence.
func (w *Harness) runLeader(ctx context.Context) error {
	instance := strings.TrimSpace(os.Getenv("CHAT_SUPERVISOR_INSTANCE"))
	if instance == "" {
		instance = "0"
	}
	role := strings.ToLower(strings.TrimSpace(os.Getenv("WORKER_ROLE")))
	if role != "primary" && role != "secondary" {
		if instance == "0" {
			role = "primary"
		} else {
			role = "secondary"
		}
	}
	w.Log.Info("started", "bot", w.Bot, "role", role, "instance", instance, "lock_ttl", w.LockTTL)

	ld := lock.NewLeader(w.StateDir, w.LockTTL, lock.Identity{
		PID: os.Getpid(), Role: role, Instance: instance,
	})
	defer ld.Release()

	// Give the primary a head start so elections settle deterministically.
	if role == "secondary" {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(600 * time.Millisecond):
		}
	}

	isLeader := false
	lastHB := time.Time{}
	for {
		if !isLeader {
			if ld.TryAcquire() || ld.StealIfStale() {
				isLeader = true
				w.Log.Info("leadership acquired", "bot", w.Bot, "role", role)
				if err := ld.Heartbeat(); err != nil {
					w.Log.Error("heartbeat failed", "err", err)
				}
				lastHB = time.Now()
			} else {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(500 * time.Millisecond):
				}
				continue
			}
		}

		if time.Since(lastHB) >= w.HeartbeatEvery {
			if err := ld.Heartbeat(); err != nil {
				w.Log.Error("heartbeat failed", "err", err)
			}
			lastHB = time.Now()
		}
		if !ld.StillLeader() {
			isLeader = false
			w.Log.Warn("leadership lost, dropping to standby", "bot", w.Bot)
			continue
		}

		progressed, err := w.drainInbox()
		if err != nil {
			w.Log.Error("loop error", "err", err)
		}
		sleep := w.PollEvery
		if progressed {
			sleep = 10 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (w *Harness) pollLoop(ctx context.Context) error {
	for {
		progressed, err := w.drainInbox()
		if err != nil {
			w.Log.Error("loop error", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		sleep := w.PollEvery
		if progressed {
			sleep = 10 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}
