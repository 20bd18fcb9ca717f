package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"funnelbot/internal/audience"
	"funnelbot/internal/broadcast"
	"funnelbot/internal/config"
	"funnelbot/internal/delivery"
	"funnelbot/internal/eventbus"
	"funnelbot/internal/storage"
	"funnelbot/internal/task/engine"
	"funnelbot/internal/task/scheduler"
	"funnelbot/internal/transport/transporttest"
	"funnelbot/pkg/logx"
)

type fixture struct {
	clock   *clockwork.FakeClock
	bus     *eventbus.MemBus
	sched   *scheduler.Service
	store   storage.Store
	tr      *transporttest.Fake
	holder  *Holder
	anchors *AnchorSource
	builder *Builder
	actions *Actions
}

func testConfig() *config.Config {
	return &config.Config{
		Telegram:  config.TelegramConfig{OwnerUserIDs: []int64{900}},
		Scheduler: config.SchedulerConfig{Timezone: "Europe/Moscow"},
		Campaign: config.CampaignConfig{
			EventAt:     "2026-01-05 19:00:00",
			BotUsername: "funnel_bot",
			MiniAppURL:  "https://app.example.org",
		},
	}
}

func newFixture(t *testing.T, cfg *config.Config, now time.Time) *fixture {
	t.Helper()
	settings, err := SettingsFromConfig(cfg)
	require.NoError(t, err)

	f := &fixture{
		clock:  clockwork.NewFakeClockAt(now),
		bus:    eventbus.New(),
		store:  storage.NewMemory(),
		tr:     transporttest.New(),
		holder: NewHolder(settings),
	}
	eng := engine.New(engine.Config{}, logx.Nop(), f.bus)
	eng.Start(context.Background())
	f.sched = scheduler.New(scheduler.Config{Location: settings.Location}, eng, logx.Nop(), f.bus, scheduler.WithClock(f.clock))
	f.anchors = NewAnchorSource(f.store, f.holder)
	f.builder = NewBuilder(f.sched, f.holder, f.anchors, logx.Nop(), f.bus, WithBuilderClock(f.clock))

	unit := delivery.New(f.tr, "")
	f.actions = NewActions(ActionsDeps{
		Holder:      f.holder,
		Anchors:     f.anchors,
		Selector:    audience.NewSelector(f.store),
		Broadcaster: broadcast.New(broadcast.Config{Interval: -1}, unit, f.store, logx.Nop(), f.bus),
		Unit:        unit,
		Store:       f.store,
		Clock:       f.clock,
	})
	f.actions.Bind(f.sched)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.sched.Stop(ctx)
		_ = eng.Stop(ctx)
		_ = f.store.Close()
	})
	return f
}

func (f *fixture) register(t *testing.T, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, f.store.UpsertUser(context.Background(), storage.User{ID: id}))
		_, err := f.store.SetRegistered(context.Background(), id)
		require.NoError(t, err)
	}
}

func (f *fixture) startAndWait(t *testing.T, timers int) {
	t.Helper()
	f.sched.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, timers))
}

func (f *fixture) anchor(t *testing.T) time.Time {
	t.Helper()
	a, _, err := f.anchors.Resolve(context.Background())
	require.NoError(t, err)
	return a
}

func names(steps []Step) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Name)
	}
	return out
}
