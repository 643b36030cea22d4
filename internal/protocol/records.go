// Package protocol defines the JSON records that travel over the chatrig
// bus. Every inter-process channel carries exactly one of these shapes,
// tagged by the "type" field. Decoding is permissive: unknown fields are
// ignored and missing optional fields take their zero value, so a newer
// writer never breaks an older reader.
package protocol

import "encoding/json"

// Record type tags.
const (
	TypeChat         = "chat"
	TypeLike         = "like"
	TypeShare        = "share"
	TypeTask         = "task"
	TypeReply        = "reply"
	TypeAck          = "ack"
	TypeReplyIntent  = "reply_intent"
	TypeOverlayEvent = "overlay_event"
	TypeOrphanReply  = "orphan_reply"
)

// Event is a normalised chat event produced by the ingestor and consumed by
// the router. Type is one of chat/like/share.
type Event struct {
	Type      string `json:"type"`
	TS        int64  `json:"ts"`
	Platform  string `json:"platform"`
	UserKey   string `json:"user_key"`
	ReplyName string `json:"reply_name"`
	Tier      Tier   `json:"tier"`
	Text      string `json:"text"`
	Event     string `json:"event,omitempty"`
}

// Task is a unit of work dispatched by the router to a worker inbox.
// Gamble tasks carry the extra wager fields; for those CreatedTS mirrors TS
// and SlotsCfg snapshots the payout config active at enqueue time.
type Task struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	TS        int64  `json:"ts,omitempty"`
	Bot       string `json:"bot,omitempty"`
	Action    string `json:"action"`
	Command   string `json:"command"`
	Args      string `json:"args,omitempty"`
	Platform  string `json:"platform"`
	ReplyName string `json:"reply_name"`
	UserKey   string `json:"user_key"`
	UserTier  Tier   `json:"user_tier,omitempty"`

	// Gamble extras.
	Bet             int64           `json:"bet,omitempty"`
	CreatedTS       int64           `json:"created_ts,omitempty"`
	AvailablePoints int64           `json:"available_points,omitempty"`
	SlotsCfg        json.RawMessage `json:"slots_cfg,omitempty"`
}

// GameResult is the game-specific portion of a worker reply. Workers differ
// in which of the aliased fields they populate; the router normalises.
type GameResult struct {
	Name       string `json:"name,omitempty"`
	Bet        int64  `json:"bet,omitempty"`
	ResultCode string `json:"result_code,omitempty"`
	RuleName   string `json:"rule_name,omitempty"`
	Rule       string `json:"rule,omitempty"`

	Payout       *int64 `json:"payout,omitempty"`
	PayoutPoints *int64 `json:"payout_points,omitempty"`
	WinPoints    *int64 `json:"win_points,omitempty"`
	Multiplier   *int64 `json:"multiplier,omitempty"`
	Mult         *int64 `json:"mult,omitempty"`

	// Symbol aliases: list-valued or delimited-string-valued.
	Symbols json.RawMessage `json:"symbols,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Spin    json.RawMessage `json:"spin,omitempty"`
	Reels   json.RawMessage `json:"reels,omitempty"`
	S1      *string         `json:"s1,omitempty"`
	S2      *string         `json:"s2,omitempty"`
	S3      *string         `json:"s3,omitempty"`
}

// OverlayPayload is an overlay event as carried inside a worker reply.
type OverlayPayload struct {
	Overlay string          `json:"overlay"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply is a worker's response to a task, appended to the worker's outbox.
type Reply struct {
	Type          string           `json:"type"`
	TaskID        string           `json:"task_id"`
	TS            int64            `json:"ts"`
	Messages      []string         `json:"messages,omitempty"`
	OverlayEvents []OverlayPayload `json:"overlay_events,omitempty"`
	BlockingMS    int64            `json:"blocking_ms,omitempty"`
	Game          *GameResult      `json:"game,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// Ack statuses.
const (
	AckOK    = "ok"
	AckError = "error"
)

// Ack confirms a worker consumed a task. The router only advances its ack
// cursor; acks exist for the supervisor's backlog check and for debugging.
type Ack struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
	TS     int64  `json:"ts"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Trace  string `json:"trace,omitempty"`
}

// ReplyIntent is a user-facing message awaiting delivery by the emitter.
type ReplyIntent struct {
	Type      string `json:"type"`
	TS        int64  `json:"ts"`
	Platform  string `json:"platform"`
	ReplyName string `json:"reply_name"`
	Text      string `json:"text"`
	Bot       string `json:"bot"`
}

// OverlayEvent is an overlay payload on the router→emitter outbox, stamped
// with an event id derived from the originating task.
type OverlayEvent struct {
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	Overlay string          `json:"overlay"`
	Event   string          `json:"event"`
	EventID string          `json:"event_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Deadletter wraps a worker record the router could not match to an
// inflight task.
type Deadletter struct {
	Type   string          `json:"type"`
	TS     int64           `json:"ts"`
	Record json.RawMessage `json:"record"`
}

// TypeOf extracts the "type" tag from a raw bus record. Returns "" when the
// record is malformed or untagged.
func TypeOf(raw json.RawMessage) string {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.Type
}
