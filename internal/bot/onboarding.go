package bot

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"funnelbot/internal/campaign"
	"funnelbot/internal/delivery"
	"funnelbot/internal/eventbus"
	"funnelbot/internal/storage"
	"funnelbot/internal/transport"
	"funnelbot/internal/transport/telegram/router"
	"funnelbot/pkg/logx"
)

const refPrefix = "ref_"

// parseRef returns the inviter from a "ref_<id>" start parameter. Self
// referrals and malformed values yield 0.
func parseRef(param string, self int64) int64 {
	if !strings.HasPrefix(param, refPrefix) {
		return 0
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(param, refPrefix), 10, 64)
	if err != nil || id <= 0 || id == self {
		return 0
	}
	return id
}

func (b *Bot) start(ctx context.Context, req *router.Request) error {
	u := storage.User{ID: req.From.ID, Username: req.From.Username, FullName: req.From.FullName()}
	if len(req.Args) > 0 {
		u.ReferredBy = parseRef(req.Args[0], req.From.ID)
		if u.ReferredBy != 0 {
			req.Logger.Info("joined by referral", logx.Int64("inviter", u.ReferredBy))
		}
	}
	if err := b.store.UpsertUser(ctx, u); err != nil {
		return errors.Wrap(err, "start: save user")
	}

	vars := b.campaignVars(ctx)
	vars["name"] = displayName(req.From)
	welcome := b.content().Welcome(vars)
	err := b.unit.Deliver(ctx, req.ChatID, welcome)
	if err == nil || welcome.MediaRef == "" {
		return err
	}
	req.Logger.Warn("welcome video failed, sending text", logx.Err(err))
	return b.unit.Deliver(ctx, req.ChatID, delivery.Content{Text: welcome.Caption, Button: welcome.Button})
}

func displayName(u transport.User) string {
	if n := u.FullName(); n != "" {
		return n
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return "friend"
}

func (b *Bot) registerCallback(ctx context.Context, req *router.Request) error {
	cb := req.Callback()
	content := b.content()
	if err := b.store.UpsertUser(ctx, storage.User{ID: req.From.ID, Username: req.From.Username, FullName: req.From.FullName()}); err != nil {
		return errors.Wrap(err, "register: save user")
	}
	already, err := b.store.SetRegistered(ctx, req.From.ID)
	if err != nil {
		_ = req.Answer(ctx, "", false)
		return errors.Wrap(err, "register")
	}
	if already {
		_ = req.Answer(ctx, content.Text(campaign.TextAlreadyRegistered, nil), true)
		b.clearMarkup(ctx, req, cb.Message)
		return nil
	}

	_ = req.Answer(ctx, content.Text(campaign.TextRegisteredAlert, nil), true)
	b.clearMarkup(ctx, req, cb.Message)
	b.afterRegistration(ctx, req)
	return nil
}

func (b *Bot) clearMarkup(ctx context.Context, req *router.Request, ref transport.MessageRef) {
	if ref.MessageID == 0 {
		return
	}
	if err := req.Adapter.ClearMarkup(ctx, ref); err != nil {
		req.Logger.Debug("clear markup failed", logx.Err(err))
	}
}

// afterRegistration confirms the booking, invites to the channel and
// schedules the follow-up video.
func (b *Bot) afterRegistration(ctx context.Context, req *router.Request) {
	s := b.settings()
	b.bus.Publish(eventbus.Event{Type: eventbus.UserRegistered, Time: b.clock.Now(), Data: req.From.ID})
	if err := b.say(ctx, req, campaign.TextPlaceBooked, nil); err != nil {
		req.Logger.Warn("booking confirmation not delivered", logx.Err(err))
	}
	if s.ChannelLink != "" {
		invite := delivery.Content{
			Text:   s.Content.Text(campaign.TextChannelInvite, nil),
			Button: &transport.Button{Text: s.Content.Text(campaign.TextChannelButton, nil), URL: s.ChannelLink},
		}
		if err := b.unit.Deliver(ctx, req.From.ID, invite); err != nil {
			req.Logger.Warn("channel invite not delivered", logx.Err(err))
		}
	}
	job := campaign.ConfirmJob(req.From.ID, b.clock.Now().Add(s.ConfirmDelay))
	if err := b.jobs.Register(job); err != nil {
		req.Logger.Warn("confirmation not scheduled", logx.Err(err))
	}
}

type webAppPayload struct {
	Action string `json:"action"`
}

func (b *Bot) webApp(ctx context.Context, req *router.Request) error {
	var p webAppPayload
	if err := json.Unmarshal([]byte(req.Payload), &p); err != nil {
		return errors.Wrap(err, "web app data")
	}
	if p.Action != campaign.CallbackRegister {
		req.Logger.Debug("web app action ignored", logx.String("action", p.Action))
		return nil
	}
	if err := b.store.UpsertUser(ctx, storage.User{ID: req.From.ID, Username: req.From.Username, FullName: req.From.FullName()}); err != nil {
		return errors.Wrap(err, "web app: save user")
	}
	already, err := b.store.SetRegistered(ctx, req.From.ID)
	if err != nil {
		return errors.Wrap(err, "web app: register")
	}
	if already {
		return b.say(ctx, req, campaign.TextAlreadyRegistered, nil)
	}
	b.afterRegistration(ctx, req)
	return nil
}

func (b *Bot) reset(ctx context.Context, req *router.Request) error {
	id := req.From.ID
	if err := b.store.ResetRegistration(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return errors.Wrap(err, "reset registration")
	}
	if err := b.store.ResetPractice(ctx, id); err != nil {
		return errors.Wrap(err, "reset practice")
	}
	b.jobs.Remove(campaign.ConfirmJob(id, b.clock.Now()).Name)
	return b.say(ctx, req, campaign.TextResetDone, nil)
}

func (b *Bot) help(ctx context.Context, req *router.Request) error {
	content := b.content()
	text := content.Text(campaign.TextHelp, nil)
	if req.Admin {
		text += content.Text(campaign.TextAdminHelp, nil)
	}
	return b.unit.Deliver(ctx, req.ChatID, delivery.Content{Text: text})
}

// text handles everything that is not a command: referral submissions start
// with "@", the rest gets the unknown-message reply.
func (b *Bot) text(ctx context.Context, req *router.Request) error {
	msg := req.Message()
	if msg == nil {
		return nil
	}
	if strings.HasPrefix(strings.TrimSpace(msg.Text), "@") {
		return b.submitReferrals(ctx, req, msg.Text)
	}
	return b.say(ctx, req, campaign.TextUnknown, nil)
}
