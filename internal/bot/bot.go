// Package bot holds the chat handlers: onboarding, registration, the
// referral giveaway and the admin commands.
package bot

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"

	"funnelbot/internal/audience"
	"funnelbot/internal/broadcast"
	"funnelbot/internal/campaign"
	"funnelbot/internal/delivery"
	"funnelbot/internal/eventbus"
	"funnelbot/internal/storage"
	"funnelbot/internal/task/scheduler"
	"funnelbot/internal/transport/telegram/router"
	"funnelbot/pkg/logx"
)

// Jobs is the part of scheduler.Service the handlers drive.
type Jobs interface {
	Register(job scheduler.Job) error
	Remove(name string) bool
	ListPending() []scheduler.PendingJob
}

// Planner is the part of campaign.Builder the admin commands drive.
type Planner interface {
	Rebuild(ctx context.Context) (campaign.Plan, error)
	BuildTest(now time.Time) (campaign.Plan, error)
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

// VarSource supplies the campaign placeholders (webinar date, offer hours).
type VarSource interface {
	Vars(ctx context.Context) campaign.Vars
}

type Deps struct {
	Store       storage.Store
	Holder      *campaign.Holder
	Anchors     *campaign.AnchorSource
	Planner     Planner
	Jobs        Jobs
	Selector    Selector
	Broadcaster Broadcaster
	Unit        Deliverer
	Vars        VarSource
	Bus         eventbus.Bus
	Logger      logx.Logger
	Clock       clockwork.Clock
	// Pick returns a number in [0, n). Defaults to math/rand/v2.
	Pick func(n int) int
}

type Bot struct {
	store   storage.Store
	holder  *campaign.Holder
	anchors *campaign.AnchorSource
	planner Planner
	jobs    Jobs
	sel     Selector
	bc      Broadcaster
	unit    Deliverer
	vars    VarSource
	bus     eventbus.Bus
	log     logx.Logger
	clock   clockwork.Clock
	pick    func(n int) int
}

func New(d Deps) *Bot {
	if d.Logger.IsZero() {
		d.Logger = logx.Nop()
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Pick == nil {
		d.Pick = rand.IntN
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	return &Bot{
		store:   d.Store,
		holder:  d.Holder,
		anchors: d.Anchors,
		planner: d.Planner,
		jobs:    d.Jobs,
		sel:     d.Selector,
		bc:      d.Broadcaster,
		unit:    d.Unit,
		vars:    d.Vars,
		bus:     d.Bus,
		log:     d.Logger.With(logx.String("comp", "bot")),
		clock:   d.Clock,
		pick:    d.Pick,
	}
}

// Registry lists every handler for the router.
func (b *Bot) Registry() router.Registry {
	admin := func(name, desc string, h router.HandlerFunc) router.Command {
		return router.Command{Name: name, Description: desc, Access: router.AccessAdmin, Handle: h}
	}
	return router.Registry{
		Commands: []router.Command{
			{Name: "start", Description: "Start", Handle: b.start},
			{Name: "recommend", Description: "Join the giveaway", Handle: b.recommend},
			{Name: "help", Description: "Help", Handle: b.help},
			{Name: "reset", Hidden: true, Handle: b.reset},

			admin("stats", "Bot statistics", b.stats),
			admin("raffle", "Draw a giveaway winner", b.raffle),
			admin("set_stream_link", "Set the stream link", b.setStreamLink),
			admin("broadcast", "Message every active user", b.broadcast),
			admin("debug", "Show file IDs of sent media", b.debug),
			admin("test_warmup", "Send a warmup to yourself", b.testWarmup),
			admin("test_scenario", "Run the compressed test schedule", b.testScenario),
			admin("schedule", "List scheduled jobs", b.schedule),
			admin("set_event", "Move the webinar", b.setEvent),
		},
		Callbacks: []router.Callback{
			{Data: campaign.CallbackRegister, Handle: b.registerCallback},
			{Data: campaign.CallbackRecommend, Handle: b.recommendCallback},
		},
		Fallback: b.text,
		WebApp:   b.webApp,
		Media:    b.media,
	}
}

func (b *Bot) settings() *campaign.Settings { return b.holder.Load() }

func (b *Bot) content() *campaign.Content { return b.holder.Load().Content }

// say renders key and sends it to the request's chat.
func (b *Bot) say(ctx context.Context, req *router.Request, key string, vars campaign.Vars) error {
	return b.unit.Deliver(ctx, req.ChatID, delivery.Content{Text: b.content().Text(key, vars)})
}

func (b *Bot) campaignVars(ctx context.Context) campaign.Vars {
	if b.vars == nil {
		return campaign.Vars{}
	}
	return b.vars.Vars(ctx)
}
