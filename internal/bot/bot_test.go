package bot

import (
	"context"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funnelbot/internal/audience"
	"funnelbot/internal/broadcast"
	"funnelbot/internal/campaign"
	"funnelbot/internal/config"
	"funnelbot/internal/delivery"
	"funnelbot/internal/eventbus"
	"funnelbot/internal/storage"
	"funnelbot/internal/task/engine"
	"funnelbot/internal/task/scheduler"
	"funnelbot/internal/transport"
	"funnelbot/internal/transport/telegram/router"
	"funnelbot/internal/transport/transporttest"
	"funnelbot/pkg/logx"
)

const admin = int64(900)

type fixture struct {
	clock   *clockwork.FakeClock
	store   storage.Store
	tr      *transporttest.Fake
	sched   *scheduler.Service
	holder  *campaign.Holder
	anchors *campaign.AnchorSource
	bot     *Bot
	picked  int
}

func testConfig() *config.Config {
	return &config.Config{
		Telegram:  config.TelegramConfig{OwnerUserIDs: []int64{admin}},
		Scheduler: config.SchedulerConfig{Timezone: "Europe/Moscow"},
		Campaign: config.CampaignConfig{
			EventAt:     "2026-01-05 19:00:00",
			BotUsername: "funnel_bot",
			ChannelLink: "https://t.me/funnel_channel",
			MiniAppURL:  "https://app.example.org",
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	settings, err := campaign.SettingsFromConfig(testConfig())
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, settings.Location)

	bus := eventbus.New()
	f := &fixture{
		clock:  clockwork.NewFakeClockAt(now),
		store:  storage.NewMemory(),
		tr:     transporttest.New(),
		holder: campaign.NewHolder(settings),
	}
	eng := engine.New(engine.Config{}, logx.Nop(), bus)
	eng.Start(context.Background())
	f.sched = scheduler.New(scheduler.Config{Location: settings.Location}, eng, logx.Nop(), bus, scheduler.WithClock(f.clock))
	f.anchors = campaign.NewAnchorSource(f.store, f.holder)
	builder := campaign.NewBuilder(f.sched, f.holder, f.anchors, logx.Nop(), bus, campaign.WithBuilderClock(f.clock))

	unit := delivery.New(f.tr, "")
	sel := audience.NewSelector(f.store)
	bc := broadcast.New(broadcast.Config{Interval: -1}, unit, f.store, logx.Nop(), bus)
	actions := campaign.NewActions(campaign.ActionsDeps{
		Holder: f.holder, Anchors: f.anchors, Selector: sel, Broadcaster: bc,
		Unit: unit, Store: f.store, Clock: f.clock,
	})
	actions.Bind(f.sched)

	f.bot = New(Deps{
		Store: f.store, Holder: f.holder, Anchors: f.anchors, Planner: builder, Jobs: f.sched,
		Selector: sel, Broadcaster: bc, Unit: unit, Vars: actions, Clock: f.clock,
		Pick: func(int) int { return f.picked },
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.sched.Stop(ctx)
		_ = eng.Stop(ctx)
		_ = f.store.Close()
	})
	return f
}

func (f *fixture) command(from int64, args string) *router.Request {
	return &router.Request{
		Update: transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{
			ChatID: from, From: transport.User{ID: from, FirstName: "Ann"}, IsPrivate: true,
		}},
		ChatID:  from,
		From:    transport.User{ID: from, FirstName: "Ann"},
		Args:    strings.Fields(args),
		RawArgs: args,
		Admin:   f.holder.Load().IsAdmin(from, ""),
		Adapter: f.tr,
		Logger:  logx.Nop(),
	}
}

func (f *fixture) message(from int64, text string) *router.Request {
	req := f.command(from, "")
	req.Update.Message.Text = text
	return req
}

func (f *fixture) callback(from int64, data string) *router.Request {
	ref := transport.MessageRef{ChatID: from, MessageID: 55}
	return &router.Request{
		Update: transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{
			ID: "cb1", From: transport.User{ID: from}, Message: ref, Data: data,
		}},
		ChatID:  from,
		From:    transport.User{ID: from},
		Payload: data,
		Adapter: f.tr,
		Logger:  logx.Nop(),
	}
}

func (f *fixture) lastText(t *testing.T, chatID int64) string {
	t.Helper()
	sent := f.tr.SentTo(chatID)
	require.NotEmpty(t, sent)
	return sent[len(sent)-1].Text
}

func (f *fixture) addUsers(t *testing.T, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, f.store.UpsertUser(context.Background(), storage.User{ID: id}))
	}
}

func TestParseRef(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(42), parseRef("ref_42", 7))
	assert.Zero(t, parseRef("ref_7", 7))
	assert.Zero(t, parseRef("ref_x", 7))
	assert.Zero(t, parseRef("promo", 7))
	assert.Zero(t, parseRef("ref_-3", 7))
}

func TestParseUsernames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"@a", "@b", "@c"}, parseUsernames("@a and @b, @c @"))
	assert.Empty(t, parseUsernames("no names"))
}
