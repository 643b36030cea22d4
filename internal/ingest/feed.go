// Package ingest tails the upstream chat feed and normalises raw messages
// into bus events for the router. Two feed shapes are supported: the unified
// JSON document ({updatedTs, messages:[...]}) rewritten in place by the feed
// writer, and a plain append-only JSONL file.
package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/chatrig/chatrig/internal/protocol"
)

// FlexString decodes JSON strings and numbers into one string value. Feed
// user ids show up as either.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FlexString(n.String())
		return nil
	}
	*f = ""
	return nil
}

// FlexInt64 decodes JSON ints, floats and numeric strings.
type FlexInt64 int64

func (f *FlexInt64) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FlexInt64(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			*f = FlexInt64(v)
			return nil
		}
	}
	*f = 0
	return nil
}

// FeedUser is the feed's user object, with every alias the upstream writers
// are known to emit.
type FeedUser struct {
	Key         string     `json:"key,omitempty"`
	Name        string     `json:"name,omitempty"`
	DisplayName string     `json:"displayName,omitempty"`
	Username    string     `json:"username,omitempty"`
	Handle      string     `json:"handle,omitempty"`
	UniqueID    FlexString `json:"uniqueId,omitempty"`
	Nickname    string     `json:"nickname,omitempty"`
	ID          FlexString `json:"id,omitempty"`
	UserID      FlexString `json:"userId,omitempty"`
	UID         FlexString `json:"uid,omitempty"`

	IsBot         bool `json:"isBot,omitempty"`
	IsBroadcaster bool `json:"isBroadcaster,omitempty"`
	IsStreamer    bool `json:"isStreamer,omitempty"`
	IsOwner       bool `json:"isOwner,omitempty"`
	IsMod         bool `json:"isMod,omitempty"`
	IsModerator   bool `json:"isModerator,omitempty"`
	IsVIP         bool `json:"isVip,omitempty"`
	IsSub         bool `json:"isSub,omitempty"`
	IsSubscriber  bool `json:"isSubscriber,omitempty"`
	Subscriber    bool `json:"subscriber,omitempty"`
}

// FeedMessage is one raw feed entry. Message wins over Text when both are
// present, even when empty.
type FeedMessage struct {
	Type     string    `json:"type,omitempty"`
	TS       FlexInt64 `json:"ts,omitempty"`
	Platform string    `json:"platform,omitempty"`
	Source   string    `json:"source,omitempty"`
	Event    string    `json:"event,omitempty"`
	Message  *string   `json:"message,omitempty"`
	Text     *string   `json:"text,omitempty"`
	User     FeedUser  `json:"user,omitempty"`
}

func (m *FeedMessage) text() string {
	if m.Message != nil {
		return *m.Message
	}
	if m.Text != nil {
		return *m.Text
	}
	return ""
}

func (m *FeedMessage) platform() string {
	p := strings.ToLower(strings.TrimSpace(m.Platform))
	if p == "" {
		p = strings.ToLower(strings.TrimSpace(m.Source))
	}
	if p == "" {
		p = "unknown"
	}
	return p
}

// DetectTier maps the feed's role flags to a tier, highest first.
func DetectTier(u FeedUser) protocol.Tier {
	switch {
	case u.IsBroadcaster || u.IsStreamer || u.IsOwner:
		return protocol.TierBroadcaster
	case u.IsMod || u.IsModerator:
		return protocol.TierMod
	case u.IsVIP:
		return protocol.TierVIP
	case u.IsSub || u.IsSubscriber || u.Subscriber:
		return protocol.TierSub
	}
	return protocol.TierEveryone
}

// ChooseReplyName picks the friendliest non-empty name the feed offers,
// falling back to the id fields, then the tail of the user key, then "User".
func ChooseReplyName(u FeedUser) string {
	for _, v := range []string{u.Name, u.DisplayName, u.Username, u.Handle, string(u.UniqueID), u.Nickname} {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	for _, v := range []FlexString{u.ID, u.UserID, u.UID} {
		if s := strings.TrimSpace(string(v)); s != "" {
			return s
		}
	}
	if key := strings.TrimSpace(u.Key); key != "" {
		if _, tail, ok := strings.Cut(key, ":"); ok && tail != "" {
			return tail
		}
		return key
	}
	return "User"
}

// StableUserKey derives the "platform:identity" key points and cooldowns
// hang off. Idempotent: a key already prefixed with this platform is kept
// as-is so re-ingesting never produces twitch:twitch:name.
func StableUserKey(platform string, u FeedUser) string {
	platform = strings.ToLower(strings.TrimSpace(platform))
	if platform == "" {
		platform = "unknown"
	}
	if raw := strings.TrimSpace(u.Key); raw != "" {
		if strings.HasPrefix(strings.ToLower(raw), platform+":") {
			return raw
		}
		return platform + ":" + raw
	}
	for _, v := range []FlexString{u.ID, u.UserID, u.UID, u.UniqueID} {
		if s := strings.TrimSpace(string(v)); s != "" {
			return platform + ":" + s
		}
	}
	for _, v := range []string{u.Name, u.DisplayName, u.Username, u.Handle} {
		if s := strings.TrimSpace(v); s != "" {
			return platform + ":" + s
		}
	}
	return platform + ":unknown"
}

// Fingerprint identifies a feed message for same-timestamp dedup. Truncated
// so pathological texts cannot bloat the cursor file.
func Fingerprint(m FeedMessage) string {
	platform := m.platform()
	fp := fmt.Sprintf("%s|%s|%d|%s", platform, StableUserKey(platform, m.User), int64(m.TS), m.text())
	if len(fp) > 800 {
		fp = fp[:800]
	}
	return fp
}

// Normalise converts a feed message to the bus event shape. now stamps
// messages that carry no timestamp.
func Normalise(m FeedMessage, now int64) protocol.Event {
	platform := m.platform()
	rtype := strings.ToLower(strings.TrimSpace(m.Type))
	if rtype == "" {
		rtype = protocol.TypeChat
	}
	ts := int64(m.TS)
	if ts == 0 {
		ts = now
	}
	return protocol.Event{
		Type:      rtype,
		TS:        ts,
		Platform:  platform,
		UserKey:   StableUserKey(platform, m.User),
		ReplyName: ChooseReplyName(m.User),
		Tier:      DetectTier(m.User),
		Text:      m.text(),
		Event:     strings.ToLower(strings.TrimSpace(m.Event)),
	}
}
