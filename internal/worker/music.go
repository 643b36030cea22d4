package worker

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/chatrig/chatrig/internal/protocol"
)

// ErrNoClient is returned by the disconnected stub for every call.
var ErrNoClient = errors.New("music service not connected")

// MusicClient is the playback service behind the music worker. Implement it
// against the real streaming API; tests and offline runs use Disconnected.
type MusicClient interface {
	// NowPlaying returns the current track description and an optional URL.
	// An empty track means nothing is playing.
	NowPlaying() (track, url string, err error)

	// Queue returns the current track plus up to limit upcoming tracks.
	Queue(limit int) (now string, upNext []string, err error)

	// Request resolves a query to a track and queues it. The returned string
	// describes the queued track.
	Request(query string) (track string, err error)

	Skip() error
	Play() error
	Pause() error
	SetVolume(pct int) error
}

// Disconnected is a MusicClient with no backing service.
type Disconnected struct{}

func (Disconnected) NowPlaying() (string, string, error) { return "", "", ErrNoClient }
func (Disconnected) Queue(int) (string, []string, error) { return "", nil, ErrNoClient }
func (Disconnected) Request(string) (string, error)      { return "", ErrNoClient }
func (Disconnected) Skip() error                         { return ErrNoClient }
func (Disconnected) Play() error                         { return ErrNoClient }
func (Disconnected) Pause() error                        { return ErrNoClient }
func (Disconnected) SetVolume(int) error                 { return ErrNoClient }

// MusicGame maps music actions onto a MusicClient.
type MusicGame struct {
	Client MusicClient
}

// NewMusicGame wraps the client; nil falls back to Disconnected.
func NewMusicGame(c MusicClient) *MusicGame {
	if c == nil {
		c = Disconnected{}
	}
	return &MusicGame{Client: c}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (m *MusicGame) Handle(task protocol.Task) (protocol.Reply, error) {
	action := strings.ToLower(strings.TrimSpace(task.Action))
	args := strings.TrimSpace(task.Args)

	switch action {
	case "np":
		track, url, err := m.Client.NowPlaying()
		if err != nil {
			return protocol.Reply{}, err
		}
		if track == "" {
			return reply("🎵 Nothing is currently playing."), nil
		}
		if url != "" {
			return reply(fmt.Sprintf("🎶 Now playing: %s — %s", track, url)), nil
		}
		return reply(fmt.Sprintf("🎶 Now playing: %s", track)), nil

	case "queue":
		limit := 5
		if args != "" {
			if n, err := strconv.Atoi(args); err == nil {
				limit = clampInt(n, 1, 20)
			}
		}
		now, upNext, err := m.Client.Queue(limit)
		if err != nil {
			return protocol.Reply{}, err
		}
		if now == "" && len(upNext) == 0 {
			return reply("🎵 Nothing is currently playing (or queue not available)."), nil
		}
		if len(upNext) == 0 {
			if now != "" {
				return reply(fmt.Sprintf("🎶 Now playing: %s (queue list not available)", now)), nil
			}
			return reply("Queue list not available."), nil
		}
		parts := []string{"🎶 Now: (unknown)"}
		if now != "" {
			parts[0] = "🎶 Now: " + now
		}
		for i, t := range upNext {
			parts = append(parts, fmt.Sprintf("%d) %s", i+1, t))
		}
		return reply(strings.Join(parts, " | ")), nil

	case "sr":
		if args == "" {
			return reply("Usage: sr <song name or link>"), nil
		}
		track, err := m.Client.Request(args)
		if err != nil {
			return protocol.Reply{}, err
		}
		if track == "" {
			return reply("❌ Couldn’t find that track."), nil
		}
		return reply("✅ Queued: " + track), nil

	case "skip":
		if err := m.Client.Skip(); err != nil {
			return protocol.Reply{}, err
		}
		return reply("⏭️ Skipped."), nil

	case "play":
		if err := m.Client.Play(); err != nil {
			return protocol.Reply{}, err
		}
		return reply("▶️ Playback started."), nil

	case "pause":
		if err := m.Client.Pause(); err != nil {
			return protocol.Reply{}, err
		}
		return reply("⏸️ Paused."), nil

	case "vol":
		n, err := strconv.Atoi(args)
		if err != nil {
			return reply("Usage: vol <0-100>"), nil
		}
		v := clampInt(n, 0, 100)
		if err := m.Client.SetVolume(v); err != nil {
			return protocol.Reply{}, err
		}
		return reply(fmt.Sprintf("🔊 Volume set to %d%%.", v)), nil
	}

	return protocol.Reply{}, fmt.Errorf("unknown action: %s", action)
}

func (m *MusicGame) ErrorReply(task protocol.Task, err error) protocol.Reply {
	return reply(fmt.Sprintf("❌ %v", err))
}

func reply(msgs ...string) protocol.Reply {
	return protocol.Reply{Messages: msgs}
}
