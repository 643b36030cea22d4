// Package config loads and resolves the chatrig JSON configuration file.
// One file drives every process: bus locations, bot registrations, command
// tables, the points economy, reply shaping, and logging. The router refuses
// to start without it; other processes tolerate partial sections.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/chatrig/chatrig/internal/protocol"
)

var envRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${VAR} occurrences in s with the environment value.
// Unset variables expand to the empty string.
func ExpandEnv(s string) string {
	return envRe.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(m[2 : len(m)-1])
	})
}

// Earning controls passive and per-event point accrual.
type Earning struct {
	ActiveWindowSeconds   int   `json:"active_window_seconds"`
	PointsPerMinuteActive int64 `json:"points_per_minute_active"`
	PointsPerMessage      int64 `json:"points_per_message"`
	PointsPerLike         int64 `json:"points_per_like"`
	PointsPerShare        int64 `json:"points_per_share"`
}

// Bot registers a worker and its bus files. Paths default to
// bus/<id>.inbox.jsonl and friends when omitted. Enabled defaults to true.
// HA is a mode string; "active_standby" is the only recognised value.
type Bot struct {
	ID         string `json:"id"`
	Enabled    *bool  `json:"enabled,omitempty"`
	Inbox      string `json:"inbox,omitempty"`
	Outbox     string `json:"outbox,omitempty"`
	Ack        string `json:"ack,omitempty"`
	Deadletter string `json:"deadletter,omitempty"`
	HA         string `json:"ha,omitempty"`
	Instances  int    `json:"instances,omitempty"`
}

// IsEnabled reports whether the bot should be routed to and launched.
func (b Bot) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// IsHA reports whether the bot runs as an active/standby pair.
func (b Bot) IsHA() bool {
	return strings.EqualFold(strings.TrimSpace(b.HA), "active_standby")
}

// Command defines a chat command: either manager-local (Bot empty) or routed
// to a worker by bot id.
type Command struct {
	Command            string        `json:"command"`
	Aliases            []string      `json:"aliases,omitempty"`
	Bot                string        `json:"bot,omitempty"`
	Action             string        `json:"action,omitempty"`
	MinTier            protocol.Tier `json:"min_tier,omitempty"`
	CooldownSeconds    int           `json:"cooldown_seconds,omitempty"`
	CooldownBypassTier protocol.Tier `json:"cooldown_bypass_tier,omitempty"`
	CostPoints         int64         `json:"cost_points,omitempty"`
	HelpLines          []string      `json:"help_lines,omitempty"`
	ShowInHelp         bool          `json:"show_in_help,omitempty"`
}

// Reply shapes outbound chat messages.
type Reply struct {
	Prefix string `json:"prefix,omitempty"`
	MaxLen int    `json:"max_len,omitempty"`
}

// SSN configures the outbound chat relay.
type SSN struct {
	Enabled     bool              `json:"enabled"`
	Session     string            `json:"session,omitempty"`
	PlatformMap map[string]string `json:"platform_map,omitempty"`
}

// ReplyPolicy decides which platforms never get a network send.
type ReplyPolicy struct {
	OverlayOnlyPlatformPrefixes []string `json:"overlay_only_platform_prefixes,omitempty"`
}

// OverlayFallback configures the overlay append-files used when chat cannot
// be delivered over the network, plus the optional user-state mirror.
type OverlayFallback struct {
	Enabled             *bool  `json:"enabled,omitempty"`
	ChatFile            string `json:"chat_file,omitempty"`
	OverlayEventsFile   string `json:"overlay_events_file,omitempty"`
	MaxMessages         int    `json:"max_messages,omitempty"`
	MaxEvents           int    `json:"max_events,omitempty"`
	UserStateMirrorFile string `json:"user_state_mirror_file,omitempty"`
}

// IsEnabled reports whether overlay fallback writes are on. Defaults to true.
func (o OverlayFallback) IsEnabled() bool {
	return o.Enabled == nil || *o.Enabled
}

// Help configures the !spothelp output.
type Help struct {
	HeaderLines []string `json:"header_lines,omitempty"`
	ChunkChars  int      `json:"chunk_chars,omitempty"`
}

// Logging configures the rotating per-process log files.
type Logging struct {
	Dir         string `json:"dir,omitempty"`
	Level       string `json:"level,omitempty"`
	MaxBytes    int    `json:"max_bytes,omitempty"`
	BackupCount int    `json:"backup_count,omitempty"`
}

// State overrides the default state-file locations.
type State struct {
	UserStateFile string `json:"user_state_file,omitempty"`
	InflightFile  string `json:"inflight_file,omitempty"`
}

// Config is the decoded configuration file.
type Config struct {
	PollMS                 int       `json:"poll_ms,omitempty"`
	ChatFile               string    `json:"chat_file,omitempty"`
	ProcessExistingOnStart bool      `json:"process_existing_on_start,omitempty"`
	Earning                Earning   `json:"earning,omitempty"`
	Bots                   []Bot     `json:"bots,omitempty"`
	ManagerCommands        []Command `json:"manager_commands,omitempty"`
	Commands               []Command `json:"commands,omitempty"`

	Reply           Reply           `json:"reply,omitempty"`
	SSN             SSN             `json:"ssn,omitempty"`
	ReplyPolicy     ReplyPolicy     `json:"reply_policy,omitempty"`
	OverlayFallback OverlayFallback `json:"overlay_fallback,omitempty"`
	Help            Help            `json:"help,omitempty"`
	Logging         Logging         `json:"logging,omitempty"`
	State           State           `json:"state,omitempty"`

	baseDir string
}

// Load reads and decodes the configuration at path. A missing or malformed
// file is an error; defaults are applied to omitted sections. Relative paths
// inside the config resolve against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.baseDir = filepath.Dir(abs)
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PollMS <= 0 {
		c.PollMS = 350
	}
	if c.Earning.ActiveWindowSeconds <= 0 {
		c.Earning.ActiveWindowSeconds = 300
	}
	if c.Earning.PointsPerMinuteActive == 0 {
		c.Earning.PointsPerMinuteActive = 1
	}
	if c.Earning.PointsPerMessage == 0 {
		c.Earning.PointsPerMessage = 2
	}
	if c.Earning.PointsPerLike == 0 {
		c.Earning.PointsPerLike = 1
	}
	if c.Earning.PointsPerShare == 0 {
		c.Earning.PointsPerShare = 5
	}
	if c.Reply.MaxLen <= 0 {
		c.Reply.MaxLen = 240
	}
	if len(c.ReplyPolicy.OverlayOnlyPlatformPrefixes) == 0 {
		c.ReplyPolicy.OverlayOnlyPlatformPrefixes = []string{"tiktok"}
	}
	if c.OverlayFallback.MaxMessages <= 0 {
		c.OverlayFallback.MaxMessages = 400
	}
	if c.OverlayFallback.MaxEvents <= 0 {
		c.OverlayFallback.MaxEvents = c.OverlayFallback.MaxMessages
	}
	if len(c.Help.HeaderLines) == 0 {
		c.Help.HeaderLines = []string{
			`Every command starts with "!" and must be at the beginning of your message.`,
			"Commands are case-insensitive.",
		}
	}
	if c.Help.ChunkChars <= 0 {
		c.Help.ChunkChars = 220
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "../logs"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
	if c.Logging.MaxBytes <= 0 {
		c.Logging.MaxBytes = 5 * 1024 * 1024
	}
	if c.Logging.BackupCount <= 0 {
		c.Logging.BackupCount = 5
	}
	if c.State.UserStateFile == "" {
		c.State.UserStateFile = "state/user_state.json"
	}
	if c.State.InflightFile == "" {
		c.State.InflightFile = "state/inflight.json"
	}
	c.SSN.Session = ExpandEnv(c.SSN.Session)
}

// BaseDir returns the directory the config file was loaded from.
func (c *Config) BaseDir() string { return c.baseDir }

// Resolve expands env vars in p and resolves it against the config
// directory. Absolute paths pass through. A legacy "ChatManager/" prefix is
// stripped so configs written for the old layout keep working.
func (c *Config) Resolve(p string) string {
	s := strings.TrimSpace(strings.ReplaceAll(ExpandEnv(p), `\`, "/"))
	if s == "" {
		return filepath.Join(c.baseDir, "state", "missing.json")
	}
	if filepath.IsAbs(s) {
		return filepath.Clean(s)
	}
	if rest, ok := strings.CutPrefix(strings.ToLower(s), "chatmanager/"); ok {
		s = s[len(s)-len(rest):]
	}
	return filepath.Join(c.baseDir, filepath.FromSlash(s))
}

// Well-known file locations under the config directory.

func (c *Config) BusDir() string   { return filepath.Join(c.baseDir, "bus") }
func (c *Config) StateDir() string { return filepath.Join(c.baseDir, "state") }

func (c *Config) EventsInbox() string   { return filepath.Join(c.BusDir(), "events.inbox.jsonl") }
func (c *Config) RepliesOutbox() string { return filepath.Join(c.BusDir(), "replies.outbox.jsonl") }
func (c *Config) OverlayOutbox() string { return filepath.Join(c.BusDir(), "overlay.outbox.jsonl") }

func (c *Config) UserStatePath() string { return c.Resolve(c.State.UserStateFile) }
func (c *Config) InflightPath() string  { return c.Resolve(c.State.InflightFile) }

func (c *Config) GambleQueuePath() string {
	return filepath.Join(c.StateDir(), "gamble_queue.json")
}

func (c *Config) LedgerPath() string {
	return filepath.Join(c.StateDir(), "points_ledger.jsonl")
}

func (c *Config) SlotsConfigPath() string {
	return filepath.Join(c.baseDir, "config", "slots_config.json")
}

func (c *Config) SupervisorStatusPath() string {
	return filepath.Join(c.StateDir(), "supervisor_status.json")
}

// OffsetsPath returns the cursor file for the named process
// (offsets.ingestor.json, offsets.router.json, offsets.emitter.json).
func (c *Config) OffsetsPath(process string) string {
	return filepath.Join(c.StateDir(), "offsets."+process+".json")
}

// ChatFilePath resolves the unified chat feed location. Returns an error
// when the key is missing or its env var expands to nothing.
func (c *Config) ChatFilePath() (string, error) {
	raw := strings.TrimSpace(ExpandEnv(c.ChatFile))
	if raw == "" {
		return "", fmt.Errorf("config missing chat_file (or env var not set)")
	}
	return c.Resolve(raw), nil
}

// BotPaths is a bot's resolved bus file set.
type BotPaths struct {
	ID         string
	Inbox      string
	Outbox     string
	Ack        string
	Deadletter string
	HA         bool
	Instances  int
}

// EnabledBots resolves the bus paths of every enabled bot, applying the
// default bus/<id>.* layout for omitted paths. Bot ids are lowercased.
func (c *Config) EnabledBots() []BotPaths {
	var out []BotPaths
	for _, b := range c.Bots {
		if !b.IsEnabled() {
			continue
		}
		id := strings.ToLower(strings.TrimSpace(b.ID))
		if id == "" {
			continue
		}
		bp := BotPaths{
			ID:         id,
			Inbox:      c.resolveOr(b.Inbox, "bus/"+id+".inbox.jsonl"),
			Outbox:     c.resolveOr(b.Outbox, "bus/"+id+".outbox.jsonl"),
			Ack:        c.resolveOr(b.Ack, "bus/"+id+".ack.jsonl"),
			Deadletter: c.resolveOr(b.Deadletter, "bus/deadletter."+id+".jsonl"),
			HA:         b.IsHA(),
			Instances:  b.Instances,
		}
		out = append(out, bp)
	}
	return out
}

func (c *Config) resolveOr(p, fallback string) string {
	if strings.TrimSpace(p) == "" {
		p = fallback
	}
	return c.Resolve(p)
}

// IndexCommands builds a lookup keyed by lowercased command name, with each
// alias mapping to the same normalised entry.
func IndexCommands(cmds []Command) map[string]*Command {
	idx := make(map[string]*Command)
	for i := range cmds {
		cp := cmds[i]
		name := strings.ToLower(strings.TrimSpace(cp.Command))
		if name == "" {
			continue
		}
		cp.Command = name
		cp.Bot = strings.ToLower(strings.TrimSpace(cp.Bot))
		cp.Action = strings.ToLower(strings.TrimSpace(cp.Action))
		var aliases []string
		for _, a := range cp.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a != "" {
				aliases = append(aliases, a)
			}
		}
		cp.Aliases = aliases
		if cp.MinTier == "" {
			cp.MinTier = protocol.TierEveryone
		}
		idx[name] = &cp
		for _, a := range aliases {
			idx[a] = &cp
		}
	}
	return idx
}
