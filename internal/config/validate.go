package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

// ParseWeekday accepts full English names, case-insensitive.
func ParseWeekday(s string) (time.Weekday, error) {
	d, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("invalid weekday %q", s)
	}
	return d, nil
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q, expected HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

// Validate checks every field that can be checked without side effects.
// All problems are joined into one error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)

	loc, err := LoadLocation(cfg.Scheduler.Timezone)
	add(err)

	if te := cfg.TaskEngine; te != nil {
		if te.MaxConcurrent < 0 {
			add(errors.New("task_engine.max_concurrent must be >= 0"))
		}
		if te.HistorySize < 0 {
			add(errors.New("task_engine.history_size must be >= 0"))
		}
		dur("task_engine.default_timeout", te.DefaultTimeout)
	}
	if b := cfg.Broadcast; b != nil && !strings.EqualFold(strings.TrimSpace(b.Interval), "off") {
		dur("broadcast.interval", b.Interval)
	}
	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "sqlite", "memory", "mem":
		default:
			add(fmt.Errorf("storage.driver: unsupported %q", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}
	dur("api.read_timeout", cfg.API.ReadTimeout)
	dur("api.write_timeout", cfg.API.WriteTimeout)

	c := &cfg.Campaign
	if loc != nil {
		_, err := ParseEventTime(c.EventAt, loc)
		add(errors.Wrap(err, "campaign.event_at"))
	}
	dur("campaign.confirm_delay", c.ConfirmDelay)
	for i, w := range c.Timeline.Warmups {
		dur(fmt.Sprintf("campaign.timeline.warmups[%d]", i), w)
	}
	if n := len(c.Timeline.Warmups); n != 0 && n != 4 {
		add(fmt.Errorf("campaign.timeline.warmups: expected 4 lead times, got %d", n))
	}
	dur("campaign.timeline.offer_delay", c.Timeline.OfferDelay)
	dur("campaign.timeline.offer_window", c.Timeline.OfferWindow)
	dur("campaign.timeline.test_step", c.Timeline.TestStep)
	for _, h := range c.Timeline.Deadlines {
		if h < 0 {
			add(fmt.Errorf("campaign.timeline.deadlines: negative hours %d", h))
		}
	}
	if c.TargetReferrals < 0 || c.TargetPracticeDays < 0 {
		add(errors.New("campaign targets must be >= 0"))
	}
	seen := map[int]bool{}
	for _, w := range c.Warmups {
		if w.Number < 1 || w.Number > 5 {
			add(fmt.Errorf("campaign.warmups: number %d out of range 1..5", w.Number))
		}
		if seen[w.Number] {
			add(fmt.Errorf("campaign.warmups: duplicate number %d", w.Number))
		}
		seen[w.Number] = true
		if w.ButtonText != "" && w.ButtonURL == "" && w.CallbackData == "" && !w.WebApp {
			add(fmt.Errorf("campaign.warmups[%d]: button_text needs button_url, callback_data or web_app", w.Number))
		}
	}
	if d := c.Digest; d != nil {
		_, err := ParseWeekday(d.Weekday)
		add(errors.Wrap(err, "campaign.digest.weekday"))
		_, _, err = ParseClock(d.At)
		add(errors.Wrap(err, "campaign.digest.at"))
	}

	return errors.Join(errs...)
}
