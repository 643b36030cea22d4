// Package supervisor launches and monitors the chatrig process tree: the
// ingestor, router and emitter services plus one worker process per enabled
// bot (or several, for active/standby bots). Children are restarted on
// crash and, optionally, on staleness of their witness files.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/chatrig/chatrig/internal/config"
	"github.com/chatrig/chatrig/internal/portutil"
	"github.com/chatrig/chatrig/internal/util"
)

// Options are the supervisor's CLI knobs.
type Options struct {
	SameConsole         bool
	NoServers           bool
	SkipWriter          bool
	NoWorkers           bool
	OverlayPort         int
	ManagerPort         int
	RestartStale        bool
	StaleServices       time.Duration
	StaleWorkers        time.Duration
	CheckEvery          time.Duration
	StatusEvery         time.Duration
	AllowDuplicateInbox bool
	OS                  string
}

// DefaultOptions mirrors the shipped defaults.
func DefaultOptions() Options {
	return Options{
		OverlayPort:   8080,
		ManagerPort:   8788,
		StaleServices: 45 * time.Second,
		StaleWorkers:  60 * time.Second,
		CheckEvery:    500 * time.Millisecond,
		StatusEvery:   2 * time.Second,
		OS:            "auto",
	}
}

// Spec describes one child process.
type Spec struct {
	Name          string
	Args          []string
	Dir           string
	Env           []string
	Restart       bool
	MaxRestarts   int
	RestartWindow time.Duration
	Backoff       time.Duration
}

type procState struct {
	spec Spec

	mu         sync.Mutex
	cmd        *exec.Cmd
	startTS    time.Time
	exited     bool
	exitCode   int
	restarts   []time.Time
	lastReason string
}

func (ps *procState) alive() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.cmd != nil && !ps.exited
}

func (ps *procState) pid() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.cmd == nil || ps.cmd.Process == nil {
		return 0
	}
	return ps.cmd.Process.Pid
}

// pruneRestarts drops restart stamps outside the sliding window and reports
// whether another restart is still allowed.
func (ps *procState) pruneRestarts(now time.Time) bool {
	kept := ps.restarts[:0]
	for _, t := range ps.restarts {
		if now.Sub(t) <= ps.spec.RestartWindow {
			kept = append(kept, t)
		}
	}
	ps.restarts = kept
	return len(ps.restarts) < ps.spec.MaxRestarts
}

// Supervisor owns the child process set.
type Supervisor struct {
	cfg     *config.Config
	cfgPath string
	opts    Options
	log     *slog.Logger

	exe        string
	procs      map[string]*procState
	order      []string
	workerMeta map[string]config.BotPaths

	lastActivity map[string]int64
	guard        *flock.Flock
	servers      []*http.Server
	now          func() time.Time
}

// New builds a supervisor for the config at cfgPath.
func New(cfg *config.Config, cfgPath string, opts Options, log *slog.Logger) (*Supervisor, error) {
	switch opts.OS {
	case "", "auto":
	case "windows", "posix":
		// Teardown strategy is compiled in; the flag can only confirm it.
		if opts.OS != buildOS {
			log.Warn("teardown strategy is fixed at build time", "requested", opts.OS, "using", buildOS)
		}
	default:
		return nil, fmt.Errorf("unknown --os value %q (want auto, windows or posix)", opts.OS)
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	abs, err := filepath.Abs(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	return &Supervisor{
		cfg:          cfg,
		cfgPath:      abs,
		opts:         opts,
		log:          log,
		exe:          exe,
		procs:        map[string]*procState{},
		workerMeta:   map[string]config.BotPaths{},
		lastActivity: map[string]int64{},
		now:          time.Now,
	}, nil
}


func (s *Supervisor) addProc(spec Spec) {
	if spec.MaxRestarts == 0 {
		spec.MaxRestarts = 30
	}
	if spec.RestartWindow == 0 {
		spec.RestartWindow = 300 * time.Second
	}
	if spec.Backoff == 0 {
		spec.Backoff = time.Second
	}
	spec.Restart = true
	s.procs[spec.Name] = &procState{spec: spec}
	s.order = append(s.order, spec.Name)
}

// Build assembles the process list from the config: the three services plus
// workers. Static overlay file servers run in-process when their ports are
// free.
func (s *Supervisor) Build() error {
	if err := os.MkdirAll(s.cfg.BusDir(), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(s.cfg.StateDir(), 0o755); err != nil {
		return err
	}
	for _, p := range []string{s.cfg.EventsInbox(), s.cfg.RepliesOutbox(), s.cfg.OverlayOutbox()} {
		if err := util.EnsureFile(p); err != nil {
			return err
		}
	}

	for _, svc := range []string{"ingestor", "router", "emitter"} {
		s.addProc(Spec{
			Name: "CM." + svc,
			Args: []string{svc, "--config", s.cfgPath},
			Dir:  s.cfg.BaseDir(),
		})
	}

	if s.opts.NoWorkers {
		return nil
	}
	for _, b := range s.cfg.EnabledBots() {
		instances := b.Instances
		if instances < 1 {
			instances = 1
		}
		if instances > 16 {
			instances = 16
		}
		if instances > 1 && !b.HA && !s.opts.AllowDuplicateInbox {
			// Two plain workers on one inbox would double-dispatch.
			s.log.Warn("bot has instances but no HA mode, starting one", "bot", b.ID, "instances", instances)
			instances = 1
		}

		for _, p := range []string{b.Inbox, b.Outbox, b.Ack, b.Deadletter} {
			if err := util.EnsureFile(p); err != nil {
				return err
			}
		}
		s.workerMeta[b.ID] = b

		for i := 0; i < instances; i++ {
			env := []string{
				"CHAT_SUPERVISOR_BOT_ID=" + b.ID,
				"CHAT_SUPERVISOR_INSTANCE=" + strconv.Itoa(i),
			}
			if b.HA {
				role := "secondary"
				if i == 0 {
					role = "primary"
				}
				env = append(env, "WORKER_ROLE="+role)
			}
			s.addProc(Spec{
				Name: fmt.Sprintf("W.%s#%d", b.ID, i),
				Args: []string{"worker", b.ID, "--config", s.cfgPath},
				Dir:  s.cfg.BaseDir(),
				Env:  env,
			})
		}
	}
	return nil
}

func (s *Supervisor) startServers() {
	if s.opts.NoServers {
		return
	}
	serve := func(port int, dir, label string) {
		if dir == "" {
			return
		}
		if portutil.InUse(port) {
			s.log.Warn("port already in use, not serving", "port", port, "dir", dir)
			return
		}
		srv := &http.Server{
			Addr:    net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
			Handler: http.FileServer(http.Dir(dir)),
		}
		s.servers = append(s.servers, srv)
		s.log.Info("serving files", "label", label, "port", port, "dir", dir)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Error("file server stopped", "label", label, "err", err)
			}
		}()
	}

	overlayDir := ""
	if raw := strings.TrimSpace(s.cfg.OverlayFallback.ChatFile); raw != "" {
		overlayDir = filepath.Dir(s.cfg.Resolve(raw))
	}
	serve(s.opts.OverlayPort, overlayDir, "overlay")
	serve(s.opts.ManagerPort, s.cfg.BaseDir(), "manager")
}

func (s *Supervisor) start(ps *procState) error {
	cmd := exec.Command(s.exe, ps.spec.Args...)
	cmd.Dir = ps.spec.Dir
	cmd.Env = append(os.Environ(), ps.spec.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	setProcAttrs(cmd)

	s.log.Info("starting", "proc", ps.spec.Name, "args", strings.Join(ps.spec.Args, " "))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", ps.spec.Name, err)
	}

	ps.mu.Lock()
	ps.cmd = cmd
	ps.startTS = s.now()
	ps.exited = false
	ps.exitCode = 0
	ps.mu.Unlock()

	go func() {
		err := cmd.Wait()
		ps.mu.Lock()
		ps.exited = true
		if exitErr, ok := err.(*exec.ExitError); ok {
			ps.exitCode = exitErr.ExitCode()
		} else if err != nil {
			ps.exitCode = -1
		}
		ps.mu.Unlock()
	}()
	return nil
}

func (s *Supervisor) stop(ps *procState) {
	pid := ps.pid()
	if pid == 0 || !ps.alive() {
		return
	}
	killTree(pid, 2*time.Second)
}

func (s *Supervisor) restart(ps *procState, reason string) {
	now := s.now()
	ps.mu.Lock()
	ok := ps.pruneRestarts(now)
	if ok {
		ps.restarts = append(ps.restarts, now)
		ps.lastReason = reason
	}
	ps.mu.Unlock()
	if !ok {
		s.log.Error("restart limit reached, giving up", "proc", ps.spec.Name, "reason", reason)
		return
	}

	s.log.Warn("restarting", "proc", ps.spec.Name, "reason", reason)
	s.stop(ps)
	time.Sleep(ps.spec.Backoff)
	if err := s.start(ps); err != nil {
		s.log.Error("restart failed", "proc", ps.spec.Name, "err", err)
	}
}

// witnessFiles maps each monitored component to the files whose mtime
// proves it is making progress.
func (s *Supervisor) witnessFiles() map[string][]string {
	routerFiles := []string{s.cfg.RepliesOutbox()}
	for _, b := range s.workerMeta {
		routerFiles = append(routerFiles, b.Inbox)
	}

	var emitterFiles []string
	if raw := strings.TrimSpace(s.cfg.OverlayFallback.ChatFile); raw != "" {
		emitterFiles = append(emitterFiles, s.cfg.Resolve(raw))
	}
	if raw := strings.TrimSpace(s.cfg.OverlayFallback.OverlayEventsFile); raw != "" {
		emitterFiles = append(emitterFiles, s.cfg.Resolve(raw))
	}

	out := map[string][]string{
		"CM.ingestor": {s.cfg.EventsInbox()},
		"CM.router":   routerFiles,
		"CM.emitter":  emitterFiles,
	}
	for id, b := range s.workerMeta {
		out["W."+id] = []string{b.Ack, b.Outbox}
	}
	return out
}

// isStale reports whether the newest witness mtime is older than threshold.
// Files that never had activity do not count as stale.
func (s *Supervisor) isStale(key string, paths []string, threshold time.Duration) bool {
	var newest time.Time
	for _, p := range paths {
		if m := util.Mtime(p); m.After(newest) {
			newest = m
		}
	}
	if newest.IsZero() {
		return false
	}
	s.lastActivity[key] = newest.Unix()
	return s.now().Sub(newest) > threshold
}

// workerBacklogStale reports a worker whose inbox keeps growing while its
// ack file stays untouched.
func (s *Supervisor) workerBacklogStale(b config.BotPaths, threshold time.Duration) bool {
	inboxM := util.Mtime(b.Inbox)
	if inboxM.IsZero() {
		return false
	}
	ackM := util.Mtime(b.Ack)
	if !inboxM.After(ackM) {
		return false
	}
	return s.now().Sub(inboxM) > threshold
}

func (s *Supervisor) checkStaleness() {
	witnesses := s.witnessFiles()
	for _, svc := range []string{"CM.ingestor", "CM.router", "CM.emitter"} {
		ps, ok := s.procs[svc]
		if ok && s.isStale(svc, witnesses[svc], s.opts.StaleServices) {
			s.restart(ps, fmt.Sprintf("stale>%s", s.opts.StaleServices))
		}
	}
	for id, b := range s.workerMeta {
		if !s.workerBacklogStale(b, s.opts.StaleWorkers) {
			continue
		}
		prefix := "W." + id + "#"
		for name, ps := range s.procs {
			if strings.HasPrefix(name, prefix) {
				s.restart(ps, fmt.Sprintf("backlog_stale>%s", s.opts.StaleWorkers))
			}
		}
	}
}

type procStatus struct {
	Alive             bool     `json:"alive"`
	PID               int      `json:"pid"`
	StartTS           int64    `json:"start_ts"`
	RestartsInWindow  int      `json:"restarts_in_window"`
	LastRestartReason string   `json:"last_restart_reason"`
	Args              []string `json:"args"`
	Dir               string   `json:"dir"`
}

type statusFile struct {
	TS       int64                 `json:"ts"`
	Procs    map[string]procStatus `json:"procs"`
	Activity map[string]int64      `json:"activity"`
}

func (s *Supervisor) writeStatus() {
	st := statusFile{
		TS:       s.now().UnixMilli(),
		Procs:    map[string]procStatus{},
		Activity: map[string]int64{},
	}
	for k, v := range s.lastActivity {
		st.Activity[k] = v
	}
	for name, ps := range s.procs {
		ps.mu.Lock()
		st.Procs[name] = procStatus{
			Alive:             ps.cmd != nil && !ps.exited,
			PID:               procPID(ps),
			StartTS:           ps.startTS.Unix(),
			RestartsInWindow:  len(ps.restarts),
			LastRestartReason: ps.lastReason,
			Args:              ps.spec.Args,
			Dir:               ps.spec.Dir,
		}
		ps.mu.Unlock()
	}
	if err := util.AtomicWriteJSON(s.cfg.SupervisorStatusPath(), st); err != nil {
		s.log.Error("status write failed", "err", err)
	}
}

func procPID(ps *procState) int {
	if ps.cmd == nil || ps.cmd.Process == nil {
		return 0
	}
	return ps.cmd.Process.Pid
}

// Run starts everything and supervises until ctx is cancelled. Only one
// supervisor may run per state directory.
func (s *Supervisor) Run(ctx context.Context) error {
	s.guard = flock.New(filepath.Join(s.cfg.StateDir(), "supervisor.flock"))
	locked, err := s.guard.TryLock()
	if err != nil {
		return fmt.Errorf("supervisor guard: %w", err)
	}
	if !locked {
		return fmt.Errorf("another supervisor already manages %s", s.cfg.StateDir())
	}
	defer s.guard.Unlock()

	s.startServers()

	for _, name := range s.order {
		if err := s.start(s.procs[name]); err != nil {
			s.stopAll()
			return err
		}
	}

	ticker := time.NewTicker(s.opts.CheckEvery)
	defer ticker.Stop()
	lastStatus := time.Time{}

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return nil
		case <-ticker.C:
		}

		for _, ps := range s.procs {
			ps.mu.Lock()
			crashed := ps.cmd != nil && ps.exited
			code := ps.exitCode
			ps.mu.Unlock()
			if crashed {
				s.restart(ps, fmt.Sprintf("exit_code=%d", code))
			}
		}

		if s.opts.RestartStale {
			s.checkStaleness()
		}
		if s.now().Sub(lastStatus) >= s.opts.StatusEvery {
			s.writeStatus()
			lastStatus = s.now()
		}
	}
}

func (s *Supervisor) stopAll() {
	s.log.Info("stopping all processes")
	for _, srv := range s.servers {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		srv.Shutdown(shutdownCtx)
		cancel()
	}
	for _, ps := range s.procs {
		s.stop(ps)
	}
	s.writeStatus()
	s.log.Info("stopped")
}
