// Package lock provides the two on-disk locks chatrig relies on: a pidfile
// lock that keeps a worker single-instance across crashes, and an
// active/standby leader lock with a heartbeat TTL for HA worker pairs.
//
// The pidfile lock survives hard crashes: it stores the owning PID, and a
// lock whose PID is dead is removed and re-taken on the next start.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

var (
	ErrLocked      = errors.New("lock held by another live process")
	ErrNotLocked   = errors.New("lock not held")
	ErrInvalidLock = errors.New("invalid lock file")
)

// Info is the pidfile lock contents.
type Info struct {
	PID       int   `json:"pid"`
	StartedTS int64 `json:"started_ts"`
}

// IsStale reports whether the owning process is gone.
func (i *Info) IsStale() bool {
	return !pidAlive(i.PID)
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	if err != nil || !running {
		return false
	}
	statuses, err := p.Status()
	if err != nil {
		return true
	}
	for _, s := range statuses {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

// Instance is a single-instance pidfile lock, typically state/worker.lock.
type Instance struct {
	path string
}

// NewInstance creates an Instance lock at path.
func NewInstance(path string) *Instance {
	return &Instance{path: path}
}

// Acquire takes the lock. A lock held by a live process returns ErrLocked.
// A stale lock is removed first; if removal fails the error is returned so
// the caller can exit with a message rather than run doubled.
func (l *Instance) Acquire() error {
	if info, err := l.Read(); err == nil {
		if !info.IsStale() {
			if info.PID == os.Getpid() {
				return nil
			}
			return fmt.Errorf("%w: pid %d", ErrLocked, info.PID)
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale lock: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrLocked, l.path)
		}
		return fmt.Errorf("creating lock file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(Info{PID: os.Getpid(), StartedTS: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("marshaling lock info: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("writing lock file: %w", err)
	}
	return nil
}

// Release removes the lock file. Missing file is not an error.
func (l *Instance) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}

// Read returns the current lock info without modifying it.
func (l *Instance) Read() (*Info, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotLocked
		}
		return nil, fmt.Errorf("reading lock file: %w", err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLock, err)
	}
	return &info, nil
}
