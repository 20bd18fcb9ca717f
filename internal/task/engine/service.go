package engine

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"funnelbot/internal/eventbus"
	"funnelbot/pkg/logx"
)

// Service runs every enqueued task in its own goroutine, bounded by a
// weighted semaphore. One slow task never delays another.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	sem      *semaphore.Weighted
	running  bool
	stopping bool
	runCtx   context.Context
	cancel   context.CancelFunc

	log   logx.Logger
	bus   eventbus.Bus
	clock clockwork.Clock

	wg sync.WaitGroup

	inFlight atomic.Int32
	waiting  atomic.Int32
	started  atomic.Uint64
	failed   atomic.Uint64
	skipped  atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

type Option func(*Service)

func WithClock(c clockwork.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:   cfg,
		sem:   semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		log:   log.With(logx.String("comp", "taskengine")),
		bus:   bus,
		clock: clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps the config. A new concurrency limit applies to tasks enqueued
// afterwards; running tasks keep the permit they hold.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.MaxConcurrent != s.cfg.MaxConcurrent {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	s.cfg = cfg
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	// Tasks outlive the caller's request context; Stop decides when they end.
	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.running = true
	s.stopping = false
	s.log.Info("service started", logx.Int("max_concurrent", s.cfg.MaxConcurrent))
}

// Stop refuses new tasks and waits for in-flight ones. When ctx ends first,
// the remaining tasks are cancelled and ctx.Err() is returned.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	cancel := s.cancel
	s.mu.Unlock()

	start := s.clock.Now()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.log.Warn("stop deadline reached; cancelling tasks", logx.Int("in_flight", int(s.inFlight.Load())))
	}
	cancel()

	s.mu.Lock()
	s.running = false
	s.stopping = false
	s.mu.Unlock()
	s.log.Info("service stopped", logx.Duration("took", s.clock.Since(start)))
	return err
}

// Enqueue starts t without blocking the caller.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return ErrNoRun
	}
	s.mu.Lock()
	switch {
	case !s.running:
		s.mu.Unlock()
		return ErrStopped
	case s.stopping:
		s.mu.Unlock()
		return ErrStopping
	}
	ctx := s.runCtx
	sem := s.sem
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	// Add under the lock so Stop cannot miss this task.
	s.wg.Add(1)
	s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Overlap == OverlapSkipIfRunning && !t.State.tryAcquire() {
		s.wg.Done()
		s.skipped.Add(1)
		s.log.Info("task.skipped", logx.String("task", t.Name), logx.String("reason", "overlap"))
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskSkipped, Time: s.clock.Now(), Data: TaskEvent{ID: t.ID, Name: t.Name}})
		return ErrOverlapSkip
	}

	enqueuedAt := s.clock.Now()
	s.waiting.Add(1)
	go func() {
		defer s.wg.Done()
		if t.Overlap == OverlapSkipIfRunning {
			defer t.State.release()
		}
		err := sem.Acquire(ctx, 1)
		s.waiting.Add(-1)
		if err != nil {
			s.record(t, enqueuedAt, enqueuedAt, err)
			return
		}
		defer sem.Release(1)
		s.exec(ctx, t, timeout, enqueuedAt)
	}()
	return nil
}

func (s *Service) exec(ctx context.Context, t Task, timeout time.Duration, enqueuedAt time.Time) {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	s.started.Add(1)

	start := s.clock.Now()
	wait := start.Sub(enqueuedAt)
	s.log.Debug("task.started", logx.String("task", t.Name), logx.Duration("wait", wait))
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Time: start, Data: TaskEvent{ID: t.ID, Name: t.Name, Started: start, WaitDelay: wait}})

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := s.runSafe(runCtx, t)
	s.record(t, enqueuedAt, start, err)
}

func (s *Service) runSafe(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			err = &PanicError{Task: t.Name, Value: r, Stack: stack}
			s.log.Error("task.panic", logx.String("task", t.Name), logx.Any("panic", r), logx.String("stack", stack))
		}
	}()
	return t.Run(ctx)
}

func (s *Service) record(t Task, enqueuedAt, start time.Time, err error) {
	end := s.clock.Now()
	ev := TaskEvent{ID: t.ID, Name: t.Name, Started: start, WaitDelay: start.Sub(enqueuedAt), Duration: end.Sub(start)}
	typ := eventbus.TaskFinished
	if err != nil {
		s.failed.Add(1)
		ev.Error = err.Error()
		typ = eventbus.TaskFailed
		var pe *PanicError
		if !errors.As(err, &pe) {
			s.log.Warn("task.failed", logx.String("task", t.Name), logx.Duration("took", ev.Duration), logx.Err(err))
		}
	} else {
		s.log.Debug("task.finished", logx.String("task", t.Name), logx.Duration("took", ev.Duration))
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: end, Data: ev})

	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{
		ID: t.ID, Name: t.Name, Started: start, WaitDelay: ev.WaitDelay, Duration: ev.Duration, Error: ev.Error,
	})
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Running: s.running, MaxConcurrent: s.cfg.MaxConcurrent}
	s.mu.Unlock()
	snap.InFlight = int(s.inFlight.Load())
	snap.Waiting = int(s.waiting.Load())
	snap.Started = s.started.Load()
	snap.Failed = s.failed.Load()
	snap.Skipped = s.skipped.Load()
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}
