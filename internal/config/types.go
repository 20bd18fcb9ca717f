package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Scheduler controls trigger behavior (timezone used for the event anchor
	// and weekly jobs).
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of fired jobs.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Broadcast *BroadcastConfig `json:"broadcast,omitempty"`
	Storage   *StorageConfig   `json:"storage,omitempty"`
	API       APIConfig        `json:"api"`
	Campaign  CampaignConfig   `json:"campaign"`
	Payments  *PaymentsConfig  `json:"payments,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OwnerUserIDs and AdminUsernames both grant access to admin commands.
	// Usernames are matched case-insensitively, with or without "@".
	OwnerUserIDs   []int64  `json:"owner_user_ids,omitempty"`
	AdminUsernames []string `json:"admin_usernames,omitempty"`
	// LogChatID receives warn+ log lines when logging.telegram.enabled is set.
	LogChatID int64 `json:"log_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type SchedulerConfig struct {
	// Timezone is an IANA name, e.g. "Europe/Moscow". Empty means Local.
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the executor for fired jobs.
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent: 16
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	MaxConcurrent  int    `json:"max_concurrent,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// BroadcastConfig controls per-recipient pacing.
type BroadcastConfig struct {
	// Interval is the minimum gap between two sends (default "50ms").
	// "off" disables pacing.
	Interval string `json:"interval,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/funnel.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// APIConfig controls the mini-app HTTP API.
type APIConfig struct {
	Enabled     bool   `json:"enabled"`
	Addr        string `json:"addr,omitempty"`         // default ":8080"
	AllowOrigin string `json:"allow_origin,omitempty"` // default "*"

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// CampaignConfig describes the webinar funnel.
type CampaignConfig struct {
	// EventAt is the anchor, "2006-01-02 15:04:05" in scheduler.timezone.
	// An admin can override it at runtime with /set_event.
	EventAt string `json:"event_at"`

	Timeline TimelineConfig `json:"timeline"`

	// ConfirmDelay is the gap between registration and the follow-up video (default "30s").
	ConfirmDelay string `json:"confirm_delay,omitempty"`

	BotUsername string `json:"bot_username,omitempty"`
	ChannelLink string `json:"channel_link,omitempty"`
	MiniAppURL  string `json:"mini_app_url,omitempty"`

	CoursePrice         float64 `json:"course_price,omitempty"`
	CoursePriceDiscount float64 `json:"course_price_discount,omitempty"`

	TargetReferrals    int `json:"target_referrals,omitempty"`
	TargetPracticeDays int `json:"target_practice_days,omitempty"`

	WelcomeVideo string `json:"welcome_video,omitempty"`

	Warmups []WarmupConfig    `json:"warmups,omitempty"`
	Texts   map[string]string `json:"texts,omitempty"`

	Digest *DigestConfig `json:"digest,omitempty"`
}

// TimelineConfig holds the anchor offsets. All values are Go duration strings.
type TimelineConfig struct {
	// Warmups lists the lead times of warmups #1..#4 (default 120h, 72h, 24h, 1h).
	Warmups     []string `json:"warmups,omitempty"`
	OfferDelay  string   `json:"offer_delay,omitempty"`  // default "90m"
	OfferWindow string   `json:"offer_window,omitempty"` // default "12h"
	// Deadlines lists hours-left notices inside the offer window (default 3, 1, 0).
	Deadlines []int  `json:"deadlines,omitempty"`
	TestStep  string `json:"test_step,omitempty"` // default "1m"
}

// WarmupConfig overrides the content of one warmup message.
type WarmupConfig struct {
	Number       int    `json:"number"`
	FileID       string `json:"file_id,omitempty"`
	Caption      string `json:"caption"`
	ButtonText   string `json:"button_text,omitempty"`
	ButtonURL    string `json:"button_url,omitempty"`
	CallbackData string `json:"callback_data,omitempty"`
	WebApp       bool   `json:"web_app,omitempty"`
}

// DigestConfig enables a weekly stats message to the admins.
type DigestConfig struct {
	Weekday string `json:"weekday"` // "monday".."sunday"
	At      string `json:"at"`      // HH:MM
}

type PaymentsConfig struct {
	// WebhookSecret, when set, must match the X-Webhook-Secret header.
	WebhookSecret string `json:"webhook_secret,omitempty"`
}
