package bot

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"funnelbot/internal/audience"
	"funnelbot/internal/broadcast"
	"funnelbot/internal/campaign"
	"funnelbot/internal/config"
	"funnelbot/internal/delivery"
	"funnelbot/internal/storage"
	"funnelbot/internal/transport/telegram/router"
	"funnelbot/pkg/logx"
)

const CounterRaffleDraws = "raffle_draws"

func (b *Bot) stats(ctx context.Context, req *router.Request) error {
	st, err := b.store.Stats(ctx)
	if err != nil {
		return errors.Wrap(err, "stats")
	}
	return b.say(ctx, req, campaign.TextStats, campaign.StatsVars(st))
}

func (b *Bot) raffle(ctx context.Context, req *router.Request) error {
	participants, err := b.store.RaffleParticipants(ctx, b.settings().TargetReferrals)
	if err != nil {
		return errors.Wrap(err, "raffle")
	}
	if len(participants) == 0 {
		return b.say(ctx, req, campaign.TextRaffleNoParticipants, nil)
	}
	w := participants[b.pick(len(participants))]
	if _, err := b.store.IncrementCounter(ctx, CounterRaffleDraws); err != nil {
		req.Logger.Warn("raffle counter not updated", logx.Err(err))
	}
	req.Logger.Info("raffle winner", logx.Int64("winner", w.ID), logx.Int("participants", len(participants)))
	return b.say(ctx, req, campaign.TextRaffleWinner, campaign.Vars{
		"winner":       winnerName(w),
		"user_id":      w.ID,
		"participants": len(participants),
	})
}

func winnerName(u storage.User) string {
	switch {
	case u.Username != "":
		return "@" + u.Username
	case u.FullName != "":
		return u.FullName
	default:
		return "participant"
	}
}

func (b *Bot) setStreamLink(ctx context.Context, req *router.Request) error {
	link := strings.TrimSpace(req.RawArgs)
	if u, err := url.ParseRequestURI(link); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return b.say(ctx, req, campaign.TextStreamLinkUsage, nil)
	}
	if err := b.store.SetSetting(ctx, storage.SettingStreamLink, link); err != nil {
		return errors.Wrap(err, "set stream link")
	}
	return b.say(ctx, req, campaign.TextStreamLinkSet, campaign.Vars{"stream_link": link})
}

func (b *Bot) broadcast(ctx context.Context, req *router.Request) error {
	text := strings.TrimSpace(req.RawArgs)
	if text == "" {
		return b.say(ctx, req, campaign.TextBroadcastUsage, nil)
	}
	recipients, err := b.sel.Select(ctx, audience.AllActive)
	if err != nil {
		return errors.Wrap(err, "broadcast: select audience")
	}
	res := b.bc.Broadcast(ctx, "admin_broadcast", recipients, broadcast.Static(delivery.Content{Text: text}))
	req.Logger.Info(fmt.Sprintf("admin_broadcast sent %d of %d", res.Sent, res.Total), logx.Int("failed", res.Failed))
	return b.say(ctx, req, campaign.TextBroadcastConfirm, campaign.Vars{"sent": res.Sent, "total": res.Total})
}

func (b *Bot) debug(ctx context.Context, req *router.Request) error {
	return b.say(ctx, req, campaign.TextDebug, nil)
}

// media answers admins with the file ID of what they sent. Other users'
// media is ignored.
func (b *Bot) media(ctx context.Context, req *router.Request) error {
	msg := req.Message()
	if msg == nil || msg.Media == nil {
		return nil
	}
	if !req.Admin {
		req.Logger.Debug("media from non-admin ignored", logx.String("kind", msg.Media.Kind))
		return nil
	}
	m := msg.Media
	return b.say(ctx, req, campaign.TextMediaInfo, campaign.Vars{
		"kind":     m.Kind,
		"file_id":  m.FileID,
		"size_kb":  m.Size / 1024,
		"duration": m.Duration,
	})
}

func (b *Bot) testWarmup(ctx context.Context, req *router.Request) error {
	n := 0
	if len(req.Args) == 1 {
		n, _ = strconv.Atoi(req.Args[0])
	}
	if n < 1 || n > 5 {
		return b.say(ctx, req, campaign.TextTestWarmupUsage, nil)
	}
	c, err := b.content().WarmupContent(n, b.campaignVars(ctx))
	if err != nil {
		return err
	}
	if err := b.unit.Deliver(ctx, req.ChatID, c); err != nil {
		return err
	}
	return b.say(ctx, req, campaign.TextTestWarmupSent, campaign.Vars{"n": n})
}

func (b *Bot) testScenario(ctx context.Context, req *router.Request) error {
	plan, err := b.planner.BuildTest(b.clock.Now())
	if err != nil {
		return errors.Wrap(err, "test scenario")
	}
	return b.say(ctx, req, campaign.TextTestScenario, campaign.Vars{
		"steps": len(plan.Registered),
		"step":  b.settings().Timeline.TestStep,
	})
}

func (b *Bot) schedule(ctx context.Context, req *router.Request) error {
	pending := b.jobs.ListPending()
	if len(pending) == 0 {
		return b.say(ctx, req, campaign.TextNoJobs, nil)
	}
	loc := b.settings().Location
	var sb strings.Builder
	for _, p := range pending {
		fmt.Fprintf(&sb, "%s  %s  %s", p.Next.In(loc).Format("2006-01-02 15:04"), p.Name, p.Action)
		if p.Recurring {
			sb.WriteString("  (weekly)")
		}
		sb.WriteByte('\n')
	}
	return b.unit.Deliver(ctx, req.ChatID, delivery.Content{Text: strings.TrimRight(sb.String(), "\n")})
}

// setEvent persists a new anchor and rebuilds the production schedule.
func (b *Bot) setEvent(ctx context.Context, req *router.Request) error {
	raw := strings.TrimSpace(req.RawArgs)
	if raw == "" {
		return b.say(ctx, req, campaign.TextEventUsage, nil)
	}
	loc := b.settings().Location
	at, err := config.ParseEventTime(raw, loc)
	if err != nil || at.IsZero() {
		return b.say(ctx, req, campaign.TextEventUsage, nil)
	}
	if err := b.anchors.Override(ctx, at); err != nil {
		return errors.Wrap(err, "set event")
	}
	plan, err := b.planner.Rebuild(ctx)
	if err != nil {
		_ = b.unit.Deliver(ctx, req.ChatID, delivery.Content{Text: "Schedule not rebuilt: " + err.Error()})
		return errors.Wrap(err, "set event: rebuild")
	}
	req.Logger.Info("event moved", logx.Time("anchor", at))
	return b.say(ctx, req, campaign.TextEventSet, campaign.Vars{
		"webinar_date": at.In(loc).Format("2006-01-02 15:04"),
		"registered":   len(plan.Registered),
		"skipped":      len(plan.Skipped),
	})
}
