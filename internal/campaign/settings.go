package campaign

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"funnelbot/internal/config"
	"funnelbot/internal/task/scheduler"
)

const (
	DefaultConfirmDelay       = 30 * time.Second
	DefaultTargetReferrals    = 2
	DefaultTargetPracticeDays = 21
)

// Settings is the campaign view of the config, resolved once per reload.
type Settings struct {
	Timeline Timeline
	Content  *Content
	Location *time.Location
	// EventAt is the configured anchor. A runtime override stored by
	// /set_event takes precedence (see AnchorSource).
	EventAt      time.Time
	ConfirmDelay time.Duration
	// Digest is nil when the weekly admin digest is disabled.
	Digest *scheduler.FirePolicy

	BotUsername string
	ChannelLink string
	MiniAppURL  string

	CoursePrice         float64
	CoursePriceDiscount float64

	TargetReferrals    int
	TargetPracticeDays int

	OwnerIDs       []int64
	AdminUsernames []string
	LogChatID      int64
}

func SettingsFromConfig(cfg *config.Config) (*Settings, error) {
	loc, err := config.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, configErr("scheduler.timezone", "%v", err)
	}
	c := cfg.Campaign
	tl, err := TimelineFromConfig(c.Timeline)
	if err != nil {
		return nil, err
	}
	content, err := NewContent(c)
	if err != nil {
		return nil, err
	}
	eventAt, err := config.ParseEventTime(c.EventAt, loc)
	if err != nil {
		return nil, configErr("campaign.event_at", "%v", err)
	}
	confirm, err := config.ParseDurationOrDefault("campaign.confirm_delay", c.ConfirmDelay, DefaultConfirmDelay)
	if err != nil {
		return nil, configErr("campaign.confirm_delay", "%v", err)
	}
	s := &Settings{
		Timeline:            tl,
		Content:             content,
		Location:            loc,
		EventAt:             eventAt,
		ConfirmDelay:        confirm,
		BotUsername:         strings.TrimPrefix(strings.TrimSpace(c.BotUsername), "@"),
		ChannelLink:         c.ChannelLink,
		MiniAppURL:          c.MiniAppURL,
		CoursePrice:         c.CoursePrice,
		CoursePriceDiscount: c.CoursePriceDiscount,
		TargetReferrals:     c.TargetReferrals,
		TargetPracticeDays:  c.TargetPracticeDays,
		OwnerIDs:            append([]int64(nil), cfg.Telegram.OwnerUserIDs...),
		LogChatID:           cfg.Telegram.LogChatID,
	}
	if s.TargetReferrals <= 0 {
		s.TargetReferrals = DefaultTargetReferrals
	}
	if s.TargetPracticeDays <= 0 {
		s.TargetPracticeDays = DefaultTargetPracticeDays
	}
	for _, u := range cfg.Telegram.AdminUsernames {
		if u = normalizeUsername(u); u != "" {
			s.AdminUsernames = append(s.AdminUsernames, u)
		}
	}
	if d := c.Digest; d != nil {
		day, err := config.ParseWeekday(d.Weekday)
		if err != nil {
			return nil, configErr("campaign.digest.weekday", "%v", err)
		}
		h, m, err := config.ParseClock(d.At)
		if err != nil {
			return nil, configErr("campaign.digest.at", "%v", err)
		}
		p, err := scheduler.Weekly(day, h, m)
		if err != nil {
			return nil, configErr("campaign.digest", "%v", err)
		}
		s.Digest = &p
	}
	return s, nil
}

func normalizeUsername(u string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(u), "@"))
}

// IsAdmin matches owner IDs and admin usernames (case-insensitive).
func (s *Settings) IsAdmin(id int64, username string) bool {
	for _, o := range s.OwnerIDs {
		if o == id {
			return true
		}
	}
	username = normalizeUsername(username)
	if username == "" {
		return false
	}
	for _, a := range s.AdminUsernames {
		if a == username {
			return true
		}
	}
	return false
}

// DigestRecipients are the chats that receive the weekly digest.
func (s *Settings) DigestRecipients() []int64 {
	out := append([]int64(nil), s.OwnerIDs...)
	if s.LogChatID != 0 {
		out = append(out, s.LogChatID)
	}
	return out
}

// ReferralLink is the deep link that credits inviter on /start.
func (s *Settings) ReferralLink(inviter int64) string {
	return "https://t.me/" + s.BotUsername + "?start=ref_" + strconv.FormatInt(inviter, 10)
}

// Holder publishes Settings to readers across config reloads.
type Holder struct {
	p atomic.Pointer[Settings]
}

func NewHolder(s *Settings) *Holder {
	h := &Holder{}
	h.p.Store(s)
	return h
}

func (h *Holder) Load() *Settings   { return h.p.Load() }
func (h *Holder) Store(s *Settings) { h.p.Store(s) }
