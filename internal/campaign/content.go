package campaign

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"funnelbot/internal/config"
	"funnelbot/internal/delivery"
	"funnelbot/internal/transport"
)

// Callback data shared by buttons and bot handlers.
const (
	CallbackRegister  = "register_webinar"
	CallbackRecommend = "start_recommend"
)

// Text keys. Operators override any of them under campaign.texts.
const (
	TextWelcome              = "welcome"
	TextRegisterButton       = "register_button"
	TextRegisteredAlert      = "registered_alert"
	TextAlreadyRegistered    = "already_registered"
	TextPlaceBooked          = "place_booked"
	TextChannelInvite        = "channel_invite"
	TextChannelButton        = "channel_button"
	TextMiniAppButton        = "mini_app_button"
	TextRecommendIntro       = "recommend_intro"
	TextRecommendAlready     = "recommend_already"
	TextRecommendError       = "recommend_error"
	TextRecommendSuccess     = "recommend_success"
	TextReminderStart        = "reminder_start"
	TextReminderStartNoLink  = "reminder_start_no_link"
	TextDeadline             = "deadline"
	TextOfferClosed          = "offer_closed"
	TextPaymentSuccess       = "payment_success"
	TextUnknown              = "unknown"
	TextHelp                 = "help"
	TextAdminHelp            = "admin_help"
	TextResetDone            = "reset_done"
	TextRaffleNoParticipants = "raffle_no_participants"
	TextRaffleWinner         = "raffle_winner"
	TextStats                = "stats"
	TextDigest               = "digest"
	TextBroadcastUsage       = "broadcast_usage"
	TextBroadcastConfirm     = "broadcast_confirm"
	TextStreamLinkUsage      = "stream_link_usage"
	TextStreamLinkSet        = "stream_link_set"
	TextEventUsage           = "event_usage"
	TextEventSet             = "event_set"
	TextDebug                = "debug"
	TextMediaInfo            = "media_info"
	TextTestWarmupUsage      = "test_warmup_usage"
	TextTestWarmupSent       = "test_warmup_sent"
	TextTestScenario         = "test_scenario"
	TextNoJobs               = "no_jobs"
	TextShareText            = "share_text"
)

var defaultTexts = map[string]string{
	TextWelcome:           "Hi, {name}! Join our free webinar on {webinar_date}. Press the button below to book your place.",
	TextRegisterButton:    "Book my place",
	TextRegisteredAlert:   "You are registered!",
	TextAlreadyRegistered: "You are already registered.",
	TextPlaceBooked:       "Your place is booked. We will send a reminder before the start.",
	TextChannelInvite:     "Subscribe to our channel so you do not miss the news:",
	TextChannelButton:     "Open channel",
	TextMiniAppButton:     "Open app",
	TextRecommendIntro: "Invite two friends and take part in the giveaway.\n\n" +
		"Send their usernames in one message, for example: @friend1 @friend2\n\n" +
		"Or share your personal link: {referral_link}",
	TextRecommendAlready:     "You are already in the giveaway with: {friends}",
	TextRecommendError:       "Please send at least two usernames, for example: @friend1 @friend2",
	TextRecommendSuccess:     "Done! You are in the giveaway with: {friends}",
	TextReminderStart:        "We are live! Join the webinar: {stream_link}",
	TextReminderStartNoLink:  "We are live! The link will appear here in a moment.",
	TextDeadline:             "{buyers_count} people already joined the course. The discount ends at {deadline}, {hours_left}h left.",
	TextOfferClosed:          "The discount is over. Thank you for being with us!",
	TextPaymentSuccess:       "Payment received. Welcome to the course!",
	TextUnknown:              "I did not understand that. Send /help to see what I can do.",
	TextHelp:                 "/start - begin\n/recommend - giveaway\n/reset - reset my registration\n/help - this message",
	TextAdminHelp:            "\n\nAdmin:\n/stats\n/raffle\n/broadcast <text>\n/set_stream_link <url>\n/set_event YYYY-MM-DD HH:MM\n/schedule\n/test_warmup N\n/test_scenario\n/debug",
	TextResetDone:            "Your registration and practice log were reset.",
	TextRaffleNoParticipants: "No participants yet.",
	TextRaffleWinner:         "Winner: {winner} (id {user_id}) out of {participants} participants.",
	TextStats: "Users: {total}\nActive: {active}\nRegistered: {registered}\nBuyers: {buyers}\n" +
		"Giveaway participants: {participants}\nJoined by referral: {invited}",
	TextDigest:           "Weekly digest\n\n{stats}",
	TextBroadcastUsage:   "Usage: /broadcast <text>",
	TextBroadcastConfirm: "Broadcast sent to {sent} of {total}.",
	TextStreamLinkUsage:  "Usage: /set_stream_link <url>",
	TextStreamLinkSet:    "Stream link saved: {stream_link}",
	TextEventUsage:       "Usage: /set_event YYYY-MM-DD HH:MM",
	TextEventSet:         "Webinar moved to {webinar_date}. Scheduled {registered} jobs, skipped {skipped}.",
	TextDebug:            "Debug mode: forward or send me a video, photo or document and I will reply with its file_id.",
	TextMediaInfo:        "type: {kind}\nfile_id: `{file_id}`\nsize: {size_kb} KB\nduration: {duration}s",
	TextTestWarmupUsage:  "Usage: /test_warmup N (1-5)",
	TextTestWarmupSent:   "Warmup #{n} sent.",
	TextTestScenario:     "Test scenario started: {steps} steps, one every {step}.",
	TextNoJobs:           "No scheduled jobs.",
	TextShareText:        "Join the free webinar with me!",
}

// Vars are substituted into {name} placeholders.
type Vars map[string]any

// Warmup is one numbered promotional message.
type Warmup struct {
	Number  int
	FileID  string
	Caption string
	Button  *transport.Button
}

var defaultWarmupCaptions = map[int]string{
	1: "Video #1. In {days} days we go live. Book your place now!",
	2: "Video #2. Here is what you will learn at the webinar.",
	3: "Video #3. Tomorrow at {time} we go live. Invite a friend and join the giveaway!",
	4: "Video #4. One hour to go!",
	5: "Video #5. The webinar is over. The course discount is open for {offer_hours} hours.",
}

// Content renders every message the campaign sends.
type Content struct {
	texts        map[string]string
	warmups      map[int]Warmup
	welcomeVideo string
	miniAppURL   string
}

// NewContent merges cfg over the defaults. Unknown text keys are rejected so
// a typo does not silently fall back to the default text.
func NewContent(cfg config.CampaignConfig) (*Content, error) {
	c := &Content{
		texts:        make(map[string]string, len(defaultTexts)),
		warmups:      map[int]Warmup{},
		welcomeVideo: cfg.WelcomeVideo,
		miniAppURL:   cfg.MiniAppURL,
	}
	for k, v := range defaultTexts {
		c.texts[k] = v
	}
	var unknown []string
	for k, v := range cfg.Texts {
		if _, ok := defaultTexts[k]; !ok {
			unknown = append(unknown, k)
			continue
		}
		c.texts[k] = v
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, &ScheduleConfigError{Field: "campaign.texts", Reason: "unknown keys: " + strings.Join(unknown, ", ")}
	}

	for n := 1; n <= 5; n++ {
		c.warmups[n] = Warmup{Number: n, Caption: defaultWarmupCaptions[n], Button: defaultWarmupButton(n, cfg)}
	}
	for _, w := range cfg.Warmups {
		wu := Warmup{Number: w.Number, FileID: w.FileID, Caption: w.Caption}
		if wu.Caption == "" {
			wu.Caption = defaultWarmupCaptions[w.Number]
		}
		if w.ButtonText != "" {
			b := &transport.Button{Text: w.ButtonText, URL: w.ButtonURL, Callback: w.CallbackData}
			if w.WebApp {
				b.URL, b.Callback, b.WebApp = "", "", cfg.MiniAppURL
			}
			if err := b.Validate(); err != nil {
				return nil, &ScheduleConfigError{Field: fmt.Sprintf("campaign.warmups[%d]", w.Number), Reason: err.Error()}
			}
			wu.Button = b
		}
		c.warmups[w.Number] = wu
	}
	return c, nil
}

func defaultWarmupButton(n int, cfg config.CampaignConfig) *transport.Button {
	switch n {
	case 1:
		return &transport.Button{Text: defaultTexts[TextRegisterButton], Callback: CallbackRegister}
	case 3:
		return &transport.Button{Text: "Join the giveaway", Callback: CallbackRecommend}
	case 2, 5:
		if cfg.MiniAppURL != "" {
			return &transport.Button{Text: defaultTexts[TextMiniAppButton], WebApp: cfg.MiniAppURL}
		}
	}
	return nil
}

// Text renders key with vars. A missing key renders as the key itself.
func (c *Content) Text(key string, vars Vars) string {
	s, ok := c.texts[key]
	if !ok {
		s = key
	}
	return render(s, vars)
}

func render(s string, vars Vars) string {
	if len(vars) == 0 || !strings.Contains(s, "{") {
		return s
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", fmt.Sprint(v))
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

var ErrUnknownWarmup = errors.New("unknown warmup number")

func (c *Content) Warmup(n int) (Warmup, error) {
	w, ok := c.warmups[n]
	if !ok {
		return Warmup{}, errors.Wrapf(ErrUnknownWarmup, "#%d", n)
	}
	return w, nil
}

// WarmupContent renders warmup n for delivery.
func (c *Content) WarmupContent(n int, vars Vars) (delivery.Content, error) {
	w, err := c.Warmup(n)
	if err != nil {
		return delivery.Content{}, err
	}
	return delivery.Content{MediaRef: w.FileID, Caption: render(w.Caption, vars), Button: w.Button}, nil
}

// Welcome is the /start message with the registration button.
func (c *Content) Welcome(vars Vars) delivery.Content {
	return delivery.Content{
		MediaRef: c.welcomeVideo,
		Caption:  c.Text(TextWelcome, vars),
		Button:   &transport.Button{Text: c.Text(TextRegisterButton, nil), Callback: CallbackRegister},
	}
}

// Confirmation follows a registration: warmup #2 with a button that opens
// the mini-app.
func (c *Content) Confirmation(vars Vars) (delivery.Content, error) {
	out, err := c.WarmupContent(2, vars)
	if err != nil {
		return delivery.Content{}, err
	}
	if c.miniAppURL != "" {
		out.Button = &transport.Button{Text: c.Text(TextMiniAppButton, nil), WebApp: c.miniAppURL}
	}
	return out, nil
}

// MiniAppURL is empty when no mini-app is configured.
func (c *Content) MiniAppURL() string { return c.miniAppURL }
