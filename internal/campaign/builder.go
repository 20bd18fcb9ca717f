package campaign

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"

	"funnelbot/internal/eventbus"
	"funnelbot/internal/task/scheduler"
	"funnelbot/pkg/logx"
)

// Registry is the part of scheduler.Service the builder drives.
type Registry interface {
	Register(job scheduler.Job) error
	ClearAll() int
	Next(name string) (time.Time, bool)
	ListPending() []scheduler.PendingJob
}

// Builder turns an anchor into registered jobs. Builds are serialized.
type Builder struct {
	mu      sync.Mutex
	reg     Registry
	holder  *Holder
	anchors *AnchorSource

	log   logx.Logger
	bus   eventbus.Bus
	clock clockwork.Clock
}

type BuilderOption func(*Builder)

func WithBuilderClock(c clockwork.Clock) BuilderOption {
	return func(b *Builder) {
		if c != nil {
			b.clock = c
		}
	}
}

func NewBuilder(reg Registry, holder *Holder, anchors *AnchorSource, log logx.Logger, bus eventbus.Bus, opts ...BuilderOption) *Builder {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	b := &Builder{
		reg:     reg,
		holder:  holder,
		anchors: anchors,
		log:     log.With(logx.String("comp", "campaign")),
		bus:     bus,
		clock:   clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Rebuild resolves the current anchor and builds the production schedule.
func (b *Builder) Rebuild(ctx context.Context) (Plan, error) {
	anchor, source, err := b.anchors.Resolve(ctx)
	if err != nil {
		return Plan{}, err
	}
	b.log.Debug("anchor resolved", logx.Time("anchor", anchor), logx.String("source", source))
	return b.BuildProduction(anchor)
}

// BuildProduction replaces every job with the campaign jobs for anchor.
// Nothing is cleared when the anchor or timeline is invalid.
func (b *Builder) BuildProduction(anchor time.Time) (Plan, error) {
	s := b.holder.Load()
	if anchor.IsZero() {
		return Plan{}, configErr("campaign.event_at", "anchor is not set")
	}
	if err := s.Timeline.Validate(); err != nil {
		return Plan{}, err
	}
	return b.build("production", anchor.In(s.Location), PlanSteps(anchor.In(s.Location), s.Timeline), s)
}

// BuildTest replaces every job with the compressed test sequence.
func (b *Builder) BuildTest(now time.Time) (Plan, error) {
	s := b.holder.Load()
	if err := s.Timeline.Validate(); err != nil {
		return Plan{}, err
	}
	return b.build("test", time.Time{}, TestSteps(now, s.Timeline), s)
}

func (b *Builder) build(mode string, anchor time.Time, steps []Step, s *Settings) (Plan, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Per-user confirmations are not part of the campaign; keep them.
	var confirms []scheduler.PendingJob
	for _, p := range b.reg.ListPending() {
		if p.Kind == ActionConfirmRegistration {
			confirms = append(confirms, p)
		}
	}

	plan := Plan{Mode: mode, Anchor: anchor, Cleared: b.reg.ClearAll()}
	for _, st := range steps {
		if err := b.reg.Register(scheduler.Job{Name: st.Name, Policy: scheduler.At(st.At), Action: st.Action}); err != nil {
			return plan, errors.Wrapf(err, "register %s", st.Name)
		}
		if _, ok := b.reg.Next(st.Name); ok {
			plan.Registered = append(plan.Registered, st)
		} else {
			plan.Skipped = append(plan.Skipped, st)
		}
	}
	for _, c := range confirms {
		if err := b.reg.Register(scheduler.Job{Name: c.Name, Policy: scheduler.At(c.Next), Action: c.Action}); err != nil {
			b.log.Warn("confirmation lost on rebuild", logx.String("job", c.Name), logx.Err(err))
		}
	}
	if s.Digest != nil {
		err := b.reg.Register(scheduler.Job{Name: JobAdminDigest, Policy: *s.Digest, Action: scheduler.Action{Kind: ActionAdminDigest}})
		if err != nil {
			return plan, errors.Wrap(err, "register digest")
		}
		plan.Digest = true
	}

	b.log.Info("schedule built",
		logx.String("mode", mode),
		logx.Time("anchor", anchor),
		logx.Int("registered", len(plan.Registered)),
		logx.Int("skipped", len(plan.Skipped)),
		logx.Int("cleared", plan.Cleared))
	b.bus.Publish(eventbus.Event{Type: eventbus.ScheduleBuilt, Time: b.clock.Now(), Data: plan})
	return plan, nil
}
