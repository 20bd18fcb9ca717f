package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the executor for fired jobs.
type Config struct {
	// MaxConcurrent bounds how many tasks run at once. Extra tasks wait for a
	// permit in their own goroutine, so Enqueue never blocks.
	MaxConcurrent int

	// DefaultTimeout is used when Task.Timeout is 0. 0 disables it.
	DefaultTimeout time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 16
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

// RunState gates overlapping runs of the same logical task.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type HistoryItem struct {
	ID        string
	Name      string
	Started   time.Time
	WaitDelay time.Duration
	Duration  time.Duration
	Error     string
}

// TaskEvent is the payload of task.* events.
type TaskEvent struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Started   time.Time     `json:"started"`
	WaitDelay time.Duration `json:"wait_delay"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Task is a unit of work. Tasks are never retried: a repeated broadcast
// would message recipients twice.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Overlap OverlapPolicy
	State   *RunState
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running       bool
	MaxConcurrent int
	InFlight      int
	Waiting       int
	Started       uint64
	Failed        uint64
	Skipped       uint64
	History       []HistoryItem
}
