// Package broadcast sends one message to many recipients, one at a time.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"funnelbot/internal/delivery"
	"funnelbot/internal/eventbus"
	"funnelbot/pkg/logx"
)

const (
	CounterSent   = "broadcast_sent"
	CounterFailed = "broadcast_failed"

	DefaultInterval = 50 * time.Millisecond
)

type Config struct {
	// Interval is the minimum gap between two sends. 0 uses DefaultInterval;
	// a negative value disables pacing.
	Interval time.Duration
}

// Deliverer sends one message to one recipient.
type Deliverer interface {
	Deliver(ctx context.Context, recipient int64, c delivery.Content) error
}

// Recorder is the part of storage.Store the executor writes to.
type Recorder interface {
	SetInactive(ctx context.Context, id int64) error
	IncrementCounter(ctx context.Context, key string) (int64, error)
}

// RenderFunc builds the content for one recipient.
type RenderFunc func(recipient int64) (delivery.Content, error)

// Static renders the same content for every recipient.
func Static(c delivery.Content) RenderFunc {
	return func(int64) (delivery.Content, error) { return c, nil }
}

type Result struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Total    int           `json:"total"`
	Sent     int           `json:"sent"`
	Failed   int           `json:"failed"`
	Canceled bool          `json:"canceled,omitempty"`
	Took     time.Duration `json:"took"`
}

type Executor struct {
	mu      sync.Mutex
	limiter *rate.Limiter

	unit  Deliverer
	rec   Recorder
	log   logx.Logger
	bus   eventbus.Bus
	clock clockwork.Clock
}

type Option func(*Executor)

func WithClock(c clockwork.Clock) Option {
	return func(e *Executor) {
		if c != nil {
			e.clock = c
		}
	}
}

func New(cfg Config, unit Deliverer, rec Recorder, log logx.Logger, bus eventbus.Bus, opts ...Option) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	e := &Executor{
		limiter: newLimiter(cfg),
		unit:    unit,
		rec:     rec,
		log:     log.With(logx.String("comp", "broadcast")),
		bus:     bus,
		clock:   clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func newLimiter(cfg Config) *rate.Limiter {
	switch {
	case cfg.Interval < 0:
		return rate.NewLimiter(rate.Inf, 1)
	case cfg.Interval == 0:
		cfg.Interval = DefaultInterval
	}
	return rate.NewLimiter(rate.Every(cfg.Interval), 1)
}

// Apply changes the pacing. Broadcasts in progress pick it up on their next send.
func (e *Executor) Apply(cfg Config) {
	interval := cfg.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if interval < 0 {
		e.limiter.SetLimit(rate.Inf)
		return
	}
	e.limiter.SetLimit(rate.Every(interval))
}

// Broadcast delivers render's content to every recipient in order. A failed
// delivery marks that recipient inactive and the loop moves on; only a
// canceled ctx stops it early. The limiter is shared, so concurrent
// broadcasts split the send rate.
func (e *Executor) Broadcast(ctx context.Context, name string, recipients []int64, render RenderFunc) Result {
	res := Result{ID: uuid.NewString(), Name: name, Total: len(recipients)}
	log := e.log.With(logx.String("broadcast", name), logx.String("id", res.ID))
	start := e.clock.Now()
	log.Info("broadcast started", logx.Int("recipients", len(recipients)))

	for _, id := range recipients {
		if err := e.limiter.Wait(ctx); err != nil {
			res.Canceled = true
			log.Warn("broadcast interrupted", logx.Int("remaining", res.Total-res.Sent-res.Failed), logx.Err(err))
			break
		}
		content, err := render(id)
		if err != nil {
			res.Failed++
			log.Warn("render failed", logx.Int64("user_id", id), logx.Err(err))
			e.count(ctx, CounterFailed)
			continue
		}
		if err := e.unit.Deliver(ctx, id, content); err != nil {
			res.Failed++
			e.count(ctx, CounterFailed)
			var te *delivery.TransportError
			if !errors.As(err, &te) {
				log.Warn("delivery rejected", logx.Int64("user_id", id), logx.Err(err))
				continue
			}
			if ctx.Err() != nil {
				// The send was cut by cancellation, not by the recipient.
				res.Canceled = true
				break
			}
			log.Warn("delivery failed; marking inactive", logx.Int64("user_id", id), logx.Err(err))
			if err := e.rec.SetInactive(ctx, id); err != nil {
				log.Error("mark inactive failed", logx.Int64("user_id", id), logx.Err(err))
			}
			continue
		}
		res.Sent++
		e.count(ctx, CounterSent)
	}

	res.Took = e.clock.Since(start)
	log.Info("broadcast finished",
		logx.Int("sent", res.Sent), logx.Int("failed", res.Failed), logx.Int("total", res.Total),
		logx.Bool("canceled", res.Canceled), logx.Duration("took", res.Took))
	e.bus.Publish(eventbus.Event{Type: eventbus.BroadcastFinished, Time: e.clock.Now(), Data: res})
	return res
}

func (e *Executor) count(ctx context.Context, key string) {
	if _, err := e.rec.IncrementCounter(context.WithoutCancel(ctx), key); err != nil {
		e.log.Debug("counter update failed", logx.String("counter", key), logx.Err(err))
	}
}
