package ingest

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/chatrig/chatrig/internal/bus"
)

const (
	recentFPCap    = 500
	recentFPAppend = 200
)

// Cursor is the persisted ingest position, covering both feed modes. The
// pointer fields distinguish "never seeded" from zero so a fresh start can
// skip history unless replay is configured.
type Cursor struct {
	ChatFeedOffsetBytes *int64   `json:"chat_feed_offset_bytes,omitempty"`
	FeedLastTS          *int64   `json:"feed_last_ts,omitempty"`
	FeedRecentFPs       []string `json:"feed_recent_fps,omitempty"`
}

func (c *Cursor) offsetBytes() int64 {
	if c.ChatFeedOffsetBytes == nil {
		return 0
	}
	return *c.ChatFeedOffsetBytes
}

func (c *Cursor) lastTS() int64 {
	if c.FeedLastTS == nil {
		return 0
	}
	return *c.FeedLastTS
}

// Seed initialises missing cursor fields for a fresh start. With
// processExisting false the cursor jumps to the end of the current feed so
// old messages are not replayed.
func (c *Cursor) Seed(chatFile string, processExisting bool) {
	if c.ChatFeedOffsetBytes == nil {
		var off int64
		if !processExisting {
			if info, err := os.Stat(chatFile); err == nil {
				off = info.Size()
			}
		}
		c.ChatFeedOffsetBytes = &off
	}
	if c.FeedLastTS == nil {
		var last int64
		fps := []string{}
		if !processExisting {
			if msgs, ok := readUnifiedFeed(chatFile); ok {
				for _, m := range msgs {
					if ts := int64(m.TS); ts > last {
						last = ts
					}
				}
				// Messages sitting exactly at the watermark must be
				// fingerprinted too, or the first poll replays them.
				for _, m := range msgs {
					if int64(m.TS) == last && last > 0 {
						fps = append(fps, Fingerprint(m))
					}
				}
				if len(fps) > recentFPCap {
					fps = fps[len(fps)-recentFPCap:]
				}
			}
		}
		c.FeedLastTS = &last
		c.FeedRecentFPs = fps
	}
}

// readUnifiedFeed parses chatFile as the unified {messages:[...]} document.
// ok is false when the file is JSONL or unparseable.
func readUnifiedFeed(chatFile string) ([]FeedMessage, bool) {
	data, err := os.ReadFile(chatFile)
	if err != nil {
		return nil, false
	}
	var doc struct {
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &doc); err != nil || len(doc.Messages) == 0 {
		return nil, false
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(doc.Messages, &raws); err != nil {
		return nil, false
	}
	msgs := make([]FeedMessage, 0, len(raws))
	for _, r := range raws {
		var m FeedMessage
		if err := json.Unmarshal(r, &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, true
}

// ReadNewRecords returns feed messages not yet consumed, advancing the
// cursor. Unified feeds dedupe on (ts, fingerprint); JSONL feeds use the
// byte offset. changed reports whether the cursor moved.
func ReadNewRecords(chatFile string, c *Cursor) ([]FeedMessage, bool, error) {
	if msgs, ok := readUnifiedFeed(chatFile); ok {
		out := readFromUnified(msgs, c)
		return out, len(out) > 0, nil
	}

	raws, off, err := bus.ReadNew(chatFile, c.offsetBytes())
	if err != nil {
		return nil, false, err
	}
	changed := off != c.offsetBytes()
	if changed {
		c.ChatFeedOffsetBytes = &off
	}
	var out []FeedMessage
	for _, r := range raws {
		var m FeedMessage
		if err := json.Unmarshal(r, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, changed, nil
}

func readFromUnified(msgs []FeedMessage, c *Cursor) []FeedMessage {
	lastTS := c.lastTS()
	recent := c.FeedRecentFPs
	if len(recent) > recentFPCap {
		recent = recent[len(recent)-recentFPCap:]
	}
	recentSet := make(map[string]struct{}, len(recent))
	for _, fp := range recent {
		recentSet[fp] = struct{}{}
	}

	var out []FeedMessage
	for _, m := range msgs {
		ts := int64(m.TS)
		if ts <= 0 {
			continue
		}
		if ts > lastTS {
			out = append(out, m)
			continue
		}
		if ts == lastTS {
			if _, seen := recentSet[Fingerprint(m)]; !seen {
				out = append(out, m)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return int64(out[i].TS) < int64(out[j].TS) })

	if len(out) > 0 {
		for _, m := range out {
			if ts := int64(m.TS); ts > lastTS {
				lastTS = ts
			}
		}
		tail := out
		if len(tail) > recentFPAppend {
			tail = tail[len(tail)-recentFPAppend:]
		}
		for _, m := range tail {
			recent = append(recent, Fingerprint(m))
		}
		if len(recent) > recentFPCap {
			recent = recent[len(recent)-recentFPCap:]
		}
		c.FeedLastTS = &lastTS
		c.FeedRecentFPs = recent
	}
	return out
}
