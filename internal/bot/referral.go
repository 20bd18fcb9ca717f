package bot

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"funnelbot/internal/campaign"
	"funnelbot/internal/transport/telegram/router"
	"funnelbot/pkg/logx"
)

// friendsRequired is how many usernames a giveaway entry takes.
const friendsRequired = 2

func (b *Bot) recommendCallback(ctx context.Context, req *router.Request) error {
	_ = req.Answer(ctx, "", false)
	return b.recommend(ctx, req)
}

// recommend explains the giveaway, or shows the entry already on file.
func (b *Bot) recommend(ctx context.Context, req *router.Request) error {
	existing, err := b.store.Referrals(ctx, req.From.ID)
	if err != nil {
		return errors.Wrap(err, "recommend")
	}
	if len(existing) > 0 {
		return b.say(ctx, req, campaign.TextRecommendAlready, campaign.Vars{"friends": joinFriends(existing)})
	}
	return b.say(ctx, req, campaign.TextRecommendIntro, campaign.Vars{"referral_link": b.settings().ReferralLink(req.From.ID)})
}

// parseUsernames keeps the "@name" tokens of text in order.
func parseUsernames(text string) []string {
	var out []string
	for _, f := range strings.Fields(text) {
		f = strings.TrimRight(f, ",;.")
		if len(f) > 1 && strings.HasPrefix(f, "@") {
			out = append(out, f)
		}
	}
	return out
}

func (b *Bot) submitReferrals(ctx context.Context, req *router.Request, text string) error {
	names := parseUsernames(text)
	if len(names) < friendsRequired {
		existing, err := b.store.Referrals(ctx, req.From.ID)
		if err == nil && len(existing) > 0 {
			return b.say(ctx, req, campaign.TextRecommendAlready, campaign.Vars{"friends": joinFriends(existing)})
		}
		return b.say(ctx, req, campaign.TextRecommendError, nil)
	}
	friends, added, err := b.store.AddReferrals(ctx, req.From.ID, names[:friendsRequired])
	if err != nil {
		return errors.Wrap(err, "add referrals")
	}
	if !added {
		return b.say(ctx, req, campaign.TextRecommendAlready, campaign.Vars{"friends": joinFriends(friends)})
	}
	req.Logger.Info("giveaway entry", logx.Any("friends", friends))
	return b.say(ctx, req, campaign.TextRecommendSuccess, campaign.Vars{"friends": joinFriends(friends)})
}

func joinFriends(friends []string) string { return strings.Join(friends, ", ") }
