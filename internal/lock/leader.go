package lock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/chatrig/chatrig/internal/util"
)

// Identity names a worker instance competing for leadership. StartMS is
// stamped when the lock is taken.
type Identity struct {
	PID      int    `json:"pid"`
	Role     string `json:"role"`
	Instance string `json:"instance"`
	StartMS  int64  `json:"start_ms"`
}

// heartbeat is the leader_heartbeat.json payload.
type heartbeat struct {
	HeartbeatMS int64  `json:"heartbeat_ms"`
	PID         int    `json:"pid"`
	Role        string `json:"role"`
	Instance    string `json:"instance"`
}

// Leader is the active/standby election over leader.lock plus
// leader_heartbeat.json. Exactly one instance owns the lock; standbys poll
// and steal it once the heartbeat is older than TTL.
type Leader struct {
	LockPath string
	HBPath   string
	TTL      time.Duration
	Self     Identity

	now func() time.Time
}

// NewLeader builds an election over the state dir files.
func NewLeader(stateDir string, ttl time.Duration, self Identity) *Leader {
	return &Leader{
		LockPath: filepath.Join(stateDir, "leader.lock"),
		HBPath:   filepath.Join(stateDir, "leader_heartbeat.json"),
		TTL:      ttl,
		Self:     self,
		now:      time.Now,
	}
}

// TryAcquire attempts the exclusive create of leader.lock. Returns true on
// success; false means another instance holds it.
func (l *Leader) TryAcquire() bool {
	if err := os.MkdirAll(filepath.Dir(l.LockPath), 0o755); err != nil {
		return false
	}
	f, err := os.OpenFile(l.LockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return false
	}
	defer f.Close()
	self := l.Self
	self.StartMS = l.now().UnixMilli()
	data, err := json.Marshal(self)
	if err != nil {
		return false
	}
	_, err = f.Write(data)
	return err == nil
}

// StealIfStale reclaims leadership when the heartbeat has been silent for
// longer than TTL. A missing lock is simply acquired.
func (l *Leader) StealIfStale() bool {
	if _, err := os.Stat(l.LockPath); os.IsNotExist(err) {
		return l.TryAcquire()
	}
	if l.heartbeatAge() <= l.TTL {
		return false
	}
	os.Remove(l.LockPath)
	os.Remove(l.HBPath)
	return l.TryAcquire()
}

// Heartbeat publishes liveness. Called by the leader every heartbeat tick.
func (l *Leader) Heartbeat() error {
	return util.AtomicWriteJSON(l.HBPath, heartbeat{
		HeartbeatMS: l.now().UnixMilli(),
		PID:         l.Self.PID,
		Role:        l.Self.Role,
		Instance:    l.Self.Instance,
	})
}

// StillLeader reports whether the lock still names this process. A lock
// rewritten by someone else means leadership was lost and the caller must
// drop to standby.
func (l *Leader) StillLeader() bool {
	data, err := os.ReadFile(l.LockPath)
	if err != nil {
		return false
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return false
	}
	return id.PID == l.Self.PID
}

// Release gives up leadership. Best effort; files may already be gone.
func (l *Leader) Release() {
	if l.StillLeader() {
		os.Remove(l.LockPath)
		os.Remove(l.HBPath)
	}
}

func (l *Leader) heartbeatAge() time.Duration {
	data, err := os.ReadFile(l.HBPath)
	if err != nil {
		return time.Duration(1<<62 - 1)
	}
	var hb heartbeat
	if err := json.Unmarshal(data, &hb); err != nil || hb.HeartbeatMS <= 0 {
		return time.Duration(1<<62 - 1)
	}
	age := l.now().Sub(time.UnixMilli(hb.HeartbeatMS))
	if age < 0 {
		return 0
	}
	return age
}
