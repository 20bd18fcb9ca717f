package campaign

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"

	"funnelbot/internal/audience"
	"funnelbot/internal/broadcast"
	"funnelbot/internal/delivery"
	"funnelbot/internal/storage"
	"funnelbot/internal/task/scheduler"
	"funnelbot/pkg/logx"
)

// ActionStore is the part of storage.Store read by actions.
type ActionStore interface {
	BuyersCount(ctx context.Context) (int, error)
	GetSetting(ctx context.Context, key string) (string, bool, error)
	Stats(ctx context.Context) (storage.Stats, error)
}

type Selector interface {
	Select(ctx context.Context, mode audience.Mode) ([]int64, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, name string, recipients []int64, render broadcast.RenderFunc) broadcast.Result
}

type Deliverer interface {
	Deliver(ctx context.Context, recipient int64, c delivery.Content) error
}

// Actions implements every scheduled action. Audience and content are
// resolved when the action runs, never when the job is registered.
type Actions struct {
	holder  *Holder
	anchors *AnchorSource
	sel     Selector
	bc      Broadcaster
	unit    Deliverer
	store   ActionStore

	log   logx.Logger
	clock clockwork.Clock
}

type ActionsDeps struct {
	Holder      *Holder
	Anchors     *AnchorSource
	Selector    Selector
	Broadcaster Broadcaster
	Unit        Deliverer
	Store       ActionStore
	Logger      logx.Logger
	Clock       clockwork.Clock
}

func NewActions(d ActionsDeps) *Actions {
	if d.Logger.IsZero() {
		d.Logger = logx.Nop()
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	return &Actions{
		holder:  d.Holder,
		anchors: d.Anchors,
		sel:     d.Selector,
		bc:      d.Broadcaster,
		unit:    d.Unit,
		store:   d.Store,
		log:     d.Logger.With(logx.String("comp", "actions")),
		clock:   d.Clock,
	}
}

// HandlerTable is satisfied by scheduler.Service.
type HandlerTable interface {
	Handle(kind scheduler.ActionKind, h scheduler.Handler)
}

// Bind registers every campaign action in t.
func (a *Actions) Bind(t HandlerTable) {
	t.Handle(ActionWarmup, a.Warmup)
	t.Handle(ActionStartReminder, a.StartReminder)
	t.Handle(ActionPostOffer, a.PostOffer)
	t.Handle(ActionConfirmRegistration, a.ConfirmRegistration)
	t.Handle(ActionAdminDigest, a.AdminDigest)
}

// Vars returns the placeholders every campaign text may use.
func (a *Actions) Vars(ctx context.Context) Vars {
	s := a.holder.Load()
	v := Vars{"offer_hours": int(s.Timeline.OfferWindow / time.Hour)}
	anchor, _, err := a.anchors.Resolve(ctx)
	if err != nil || anchor.IsZero() {
		return v
	}
	local := anchor.In(s.Location)
	v["webinar_date"] = local.Format("2006-01-02 15:04")
	v["time"] = local.Format("15:04")
	v["deadline"] = s.Timeline.OfferEnd(anchor).In(s.Location).Format("15:04")
	days := anchor.Sub(a.clock.Now()).Hours() / 24
	v["days"] = int(math.Max(0, math.Round(days)))
	return v
}

func (a *Actions) broadcastRegistered(ctx context.Context, name string, c delivery.Content) error {
	recipients, err := a.sel.Select(ctx, audience.RegisteredOnly)
	if err != nil {
		return errors.Wrapf(err, "%s: select audience", name)
	}
	res := a.bc.Broadcast(ctx, name, recipients, broadcast.Static(c))
	a.log.Info(fmt.Sprintf("%s sent %d of %d", name, res.Sent, res.Total), logx.String("action", name), logx.Int("failed", res.Failed))
	return nil
}

func (a *Actions) Warmup(ctx context.Context, act scheduler.Action) error {
	c, err := a.holder.Load().Content.WarmupContent(act.N, a.Vars(ctx))
	if err != nil {
		return err
	}
	return a.broadcastRegistered(ctx, fmt.Sprintf("warmup_%d", act.N), c)
}

func (a *Actions) StartReminder(ctx context.Context, _ scheduler.Action) error {
	content := a.holder.Load().Content
	link, ok, err := a.store.GetSetting(ctx, storage.SettingStreamLink)
	if err != nil {
		a.log.Warn("stream link unavailable", logx.Err(err))
	}
	text := content.Text(TextReminderStartNoLink, nil)
	if ok && link != "" {
		text = content.Text(TextReminderStart, Vars{"stream_link": link})
	}
	return a.broadcastRegistered(ctx, JobReminderStart, delivery.Content{Text: text})
}

// PostOffer sends the deadline notice for N hours left, or the closing
// notice when N is 0.
func (a *Actions) PostOffer(ctx context.Context, act scheduler.Action) error {
	content := a.holder.Load().Content
	if act.N == 0 {
		return a.broadcastRegistered(ctx, JobOfferClosed, delivery.Content{Text: content.Text(TextOfferClosed, nil)})
	}
	buyers, err := a.store.BuyersCount(ctx)
	if err != nil {
		return errors.Wrap(err, "post_offer: buyers count")
	}
	vars := a.Vars(ctx)
	vars["buyers_count"] = buyers
	vars["hours_left"] = act.N
	return a.broadcastRegistered(ctx, deadlineJobName(act.N), delivery.Content{Text: content.Text(TextDeadline, vars)})
}

// ConfirmRegistration sends the post-registration follow-up to one user.
func (a *Actions) ConfirmRegistration(ctx context.Context, act scheduler.Action) error {
	if act.UserID == 0 {
		return errors.New("confirm_registration: no user")
	}
	c, err := a.holder.Load().Content.Confirmation(a.Vars(ctx))
	if err != nil {
		return err
	}
	res := a.bc.Broadcast(ctx, "confirm_"+strconv.FormatInt(act.UserID, 10), []int64{act.UserID}, broadcast.Static(c))
	if res.Sent == 0 {
		a.log.Warn("confirmation not delivered", logx.Int64("user_id", act.UserID))
	}
	return nil
}

// AdminDigest sends the stats summary to owners and the log chat. Failures
// never mark admins inactive.
func (a *Actions) AdminDigest(ctx context.Context, _ scheduler.Action) error {
	s := a.holder.Load()
	st, err := a.store.Stats(ctx)
	if err != nil {
		return errors.Wrap(err, "admin_digest: stats")
	}
	text := s.Content.Text(TextDigest, Vars{"stats": s.Content.Text(TextStats, StatsVars(st))})
	var failed int
	recipients := s.DigestRecipients()
	for _, id := range recipients {
		if err := a.unit.Deliver(ctx, id, delivery.Content{Text: text}); err != nil {
			failed++
			a.log.Warn("digest not delivered", logx.Int64("chat_id", id), logx.Err(err))
		}
	}
	a.log.Info(fmt.Sprintf("admin_digest sent %d of %d", len(recipients)-failed, len(recipients)))
	return nil
}

// StatsVars exposes storage.Stats to the stats text.
func StatsVars(st storage.Stats) Vars {
	return Vars{
		"total":        st.Total,
		"active":       st.Active,
		"registered":   st.Registered,
		"buyers":       st.Buyers,
		"participants": st.Participants,
		"invited":      st.Invited,
	}
}
