// Package gamble holds the globally-serialized gamble FIFO and the slots
// payout tables. Only one gamble task runs at a time across all users; the
// queue, the active task and the busy-until cooldown live in one JSON state
// file so a router restart resumes exactly where it stopped.
package gamble

import (
	"fmt"

	"github.com/chatrig/chatrig/internal/protocol"
	"github.com/chatrig/chatrig/internal/util"
)

// State is the persisted queue file shape.
type State struct {
	Queue       []protocol.Task `json:"queue"`
	Active      *protocol.Task  `json:"active"`
	BusyUntilTS int64           `json:"busy_until_ts"`
}

// Store is the gamble FIFO backed by state/gamble_queue.json. Not safe for
// concurrent use; the router owns it from a single goroutine.
type Store struct {
	path  string
	state State
}

// Open loads the queue state from path, starting empty when the file is
// missing or unreadable.
func Open(path string) *Store {
	s := &Store{path: path}
	if err := util.LoadJSON(path, &s.state); err != nil {
		s.state = State{}
	}
	return s
}

// Save persists the state atomically.
func (s *Store) Save() error {
	if err := util.AtomicWriteJSON(s.path, s.state); err != nil {
		return fmt.Errorf("save gamble queue: %w", err)
	}
	return nil
}

// ReservedForUser sums the bets the user has queued or active. Those points
// are spoken for and cannot back a new wager.
func (s *Store) ReservedForUser(userKey string) int64 {
	var total int64
	for _, t := range s.state.Queue {
		if t.UserKey == userKey {
			total += t.Bet
		}
	}
	if s.state.Active != nil && s.state.Active.UserKey == userKey {
		total += s.state.Active.Bet
	}
	return total
}

// Enqueue appends the task and returns its 1-based queue position.
func (s *Store) Enqueue(task protocol.Task) (int, error) {
	s.state.Queue = append(s.state.Queue, task)
	if err := s.Save(); err != nil {
		return 0, err
	}
	return len(s.state.Queue), nil
}

// Active returns the currently running task, or nil.
func (s *Store) Active() *protocol.Task {
	return s.state.Active
}

// ActiveTaskID returns the running task's id, or "".
func (s *Store) ActiveTaskID() string {
	if s.state.Active == nil {
		return ""
	}
	return s.state.Active.TaskID
}

// Len returns the number of queued (not active) tasks.
func (s *Store) Len() int {
	return len(s.state.Queue)
}

// BusyUntil returns the timestamp before which no dispatch may happen.
func (s *Store) BusyUntil() int64 {
	return s.state.BusyUntilTS
}

// CanDispatch reports whether the head of the queue may be sent to the
// worker: nothing active, cooldown elapsed, queue non-empty.
func (s *Store) CanDispatch(now int64) bool {
	if s.state.Active != nil {
		return false
	}
	if now < s.state.BusyUntilTS {
		return false
	}
	return len(s.state.Queue) > 0
}

// PopNextForDispatch moves the queue head to active and persists. Returns
// nil when the queue is empty.
func (s *Store) PopNextForDispatch() (*protocol.Task, error) {
	if len(s.state.Queue) == 0 {
		return nil, nil
	}
	next := s.state.Queue[0]
	s.state.Queue = s.state.Queue[1:]
	s.state.Active = &next
	if err := s.Save(); err != nil {
		return nil, err
	}
	return &next, nil
}

// MarkDone clears the active slot and starts the blocking cooldown. With
// blockingMS <= 0 the queue is immediately dispatchable again.
func (s *Store) MarkDone(now int64, blockingMS int64) error {
	s.state.Active = nil
	if blockingMS > 0 {
		s.state.BusyUntilTS = now + blockingMS/1000
	} else {
		s.state.BusyUntilTS = now
	}
	return s.Save()
}
