package scheduler

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"

	"funnelbot/internal/eventbus"
	"funnelbot/internal/task/engine"
	"funnelbot/pkg/logx"
)

// Enqueuer hands fired actions to an executor.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type entry struct {
	job   Job
	next  time.Time
	timer clockwork.Timer
	ver   uint64
	state *engine.RunState
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location

	log    logx.Logger
	bus    eventbus.Bus
	clock  clockwork.Clock
	engine Enqueuer

	hmu      sync.RWMutex
	handlers map[ActionKind]Handler

	jobs    map[string]*entry
	ver     map[string]uint64
	running bool
}

type Option func(*Service)

func WithClock(c clockwork.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func New(cfg Config, eng Enqueuer, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	s := &Service{
		cfg:      cfg,
		loc:      loc,
		log:      log.With(logx.String("comp", "scheduler")),
		bus:      bus,
		clock:    clockwork.NewRealClock(),
		engine:   eng,
		handlers: map[ActionKind]Handler{},
		jobs:     map[string]*entry{},
		ver:      map[string]uint64{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Clock() clockwork.Clock { return s.clock }

func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Handle binds h to kind, replacing any previous handler.
func (s *Service) Handle(kind ActionKind, h Handler) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	if h == nil {
		delete(s.handlers, kind)
		return
	}
	s.handlers[kind] = h
}

func (s *Service) handler(kind ActionKind) Handler {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	return s.handlers[kind]
}

// Apply swaps the timezone and default timeout. Weekly jobs are re-armed in
// the new timezone; absolute jobs keep their instant.
func (s *Service) Apply(cfg Config) {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := loc.String() != s.loc.String()
	s.cfg = cfg
	s.loc = loc
	if !changed {
		return
	}
	now := s.clock.Now()
	for name, e := range s.jobs {
		if !e.job.Policy.Recurring() {
			continue
		}
		if next, ok := e.job.Policy.Next(now, loc); ok {
			e.next = next
			if s.running {
				s.armLocked(name, e)
			}
		}
	}
	s.log.Info("timezone changed", logx.String("tz", loc.String()))
}

// Register adds job or replaces the job with the same name. An absolute fire
// time that is not in the future is skipped: the job is dropped, logged and
// reported on the bus, and Register returns nil.
func (s *Service) Register(job Job) error {
	job.Name = strings.TrimSpace(job.Name)
	switch {
	case job.Name == "":
		return ErrEmptyName
	case job.Policy.IsZero():
		return errors.Wrapf(ErrNoPolicy, "job %q", job.Name)
	case job.Policy.kind == policyAt && job.Policy.at.IsZero():
		return errors.Wrapf(ErrNoPolicy, "job %q: zero fire time", job.Name)
	case job.Action.Kind == "":
		return errors.Wrapf(ErrNoKind, "job %q", job.Name)
	}

	s.mu.Lock()
	s.removeLocked(job.Name)
	now := s.clock.Now()
	next, ok := job.Policy.Next(now, s.loc)
	if !ok {
		s.mu.Unlock()
		s.log.Info("job skipped; fire time passed", logx.String("job", job.Name), logx.Time("at", job.Policy.at))
		s.bus.Publish(eventbus.Event{Type: eventbus.JobSkipped, Time: now, Data: SkippedEvent{Name: job.Name, At: job.Policy.at, Reason: "past"}})
		return nil
	}
	e := &entry{job: job, next: next}
	if job.Policy.Recurring() {
		e.state = &engine.RunState{}
	}
	s.jobs[job.Name] = e
	if s.running {
		s.armLocked(job.Name, e)
	}
	s.mu.Unlock()

	s.log.Debug("job registered", logx.String("job", job.Name), logx.String("action", job.Action.String()), logx.Time("next", next))
	s.bus.Publish(eventbus.Event{Type: eventbus.JobRegistered, Time: now, Data: PendingJob{
		Name: job.Name, Kind: job.Action.Kind, Action: job.Action, Next: next, Recurring: job.Policy.Recurring(),
	}})
	return nil
}

// Next reports the next fire time of the named job.
func (s *Service) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[strings.TrimSpace(name)]
	if !ok {
		return time.Time{}, false
	}
	return e.next, true
}

// Remove unschedules the named job. It returns true if something was removed.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeLocked(name)
	s.mu.Unlock()
	if removed {
		s.log.Debug("job removed", logx.String("job", name))
	}
	return removed
}

// ClearAll removes every job and disarms its timer. Actions already handed to
// the engine keep running.
func (s *Service) ClearAll() int {
	s.mu.Lock()
	n := len(s.jobs)
	for name := range s.jobs {
		s.removeLocked(name)
	}
	s.mu.Unlock()
	s.log.Info("jobs cleared", logx.Int("count", n))
	s.bus.Publish(eventbus.Event{Type: eventbus.JobsCleared, Time: s.clock.Now(), Data: n})
	return n
}

// removeLocked stops the timer and bumps the version so an in-flight
// callback for the old registration becomes a no-op. Call with s.mu held.
func (s *Service) removeLocked(name string) bool {
	e, ok := s.jobs[name]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	s.ver[name]++
	delete(s.jobs, name)
	return true
}

func (s *Service) armLocked(name string, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	s.ver[name]++
	ver := s.ver[name]
	e.ver = ver
	delay := e.next.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	e.timer = s.clock.AfterFunc(delay, func() { s.fire(name, ver) })
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	now := s.clock.Now()
	var skipped []SkippedEvent
	for name, e := range s.jobs {
		next, ok := e.job.Policy.Next(now, s.loc)
		if !ok {
			skipped = append(skipped, SkippedEvent{Name: name, At: e.next, Reason: "past"})
			s.removeLocked(name)
			continue
		}
		e.next = next
		s.armLocked(name, e)
	}
	n := len(s.jobs)
	tz := s.loc.String()
	s.mu.Unlock()

	for _, sk := range skipped {
		s.log.Info("job skipped; fire time passed", logx.String("job", sk.Name), logx.Time("at", sk.At))
		s.bus.Publish(eventbus.Event{Type: eventbus.JobSkipped, Time: now, Data: sk})
	}
	s.log.Info("service started", logx.String("tz", tz), logx.Int("jobs", n))
}

// Stop disarms all timers. Job definitions are kept and re-armed by Start.
func (s *Service) Stop(ctx context.Context) error {
	start := s.clock.Now()
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	for name, e := range s.jobs {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		s.ver[name]++
	}
	s.mu.Unlock()
	s.log.Info("service stopped", logx.Duration("took", s.clock.Since(start)))
	return nil
}

func (s *Service) fire(name string, ver uint64) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	if !ok || !s.running || e.ver != ver {
		s.mu.Unlock()
		return
	}
	job := e.job
	scheduled := e.next
	state := e.state
	if job.Policy.Recurring() {
		after := s.clock.Now()
		if scheduled.After(after) {
			after = scheduled
		}
		if next, ok := job.Policy.Next(after, s.loc); ok {
			e.next = next
			s.armLocked(name, e)
		} else {
			delete(s.jobs, name)
		}
	} else {
		delete(s.jobs, name)
	}
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	s.mu.Unlock()

	s.log.Info("job fired", logx.String("job", name), logx.String("action", job.Action.String()))
	s.bus.Publish(eventbus.Event{Type: eventbus.JobFired, Time: s.clock.Now(), Data: FiredEvent{Name: name, Action: job.Action, ScheduledAt: scheduled}})

	if s.engine == nil {
		s.log.Warn("no engine; fired job dropped", logx.String("job", name))
		return
	}
	action := job.Action
	task := engine.Task{
		Name:    name,
		Timeout: timeout,
		Run: func(ctx context.Context) error {
			h := s.handler(action.Kind)
			if h == nil {
				return errors.Wrapf(ErrNoHandler, "%s", action.Kind)
			}
			return h(ctx, action)
		},
	}
	if state != nil {
		task.Overlap = engine.OverlapSkipIfRunning
		task.State = state
	}
	if err := s.engine.Enqueue(task); err != nil {
		if errors.Is(err, engine.ErrOverlapSkip) {
			s.log.Debug("job trigger skipped", logx.String("job", name), logx.Err(err))
			return
		}
		s.log.Warn("job failed to enqueue", logx.String("job", name), logx.Err(err))
	}
}

// ListPending returns all scheduled jobs ordered by next fire time.
func (s *Service) ListPending() []PendingJob {
	s.mu.Lock()
	out := make([]PendingJob, 0, len(s.jobs))
	for name, e := range s.jobs {
		out = append(out, PendingJob{
			Name:      name,
			Kind:      e.job.Action.Kind,
			Action:    e.job.Action,
			Next:      e.next,
			Recurring: e.job.Policy.Recurring(),
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Next.Equal(out[j].Next) {
			return out[i].Name < out[j].Name
		}
		return out[i].Next.Before(out[j].Next)
	})
	return out
}
