package campaign

import (
	"fmt"
	"sort"
	"time"

	"funnelbot/internal/config"
)

// ScheduleConfigError is returned when a schedule cannot be built. It is
// fatal for the build: the previous schedule stays in place.
type ScheduleConfigError struct {
	Field  string
	Reason string
}

func (e *ScheduleConfigError) Error() string {
	return fmt.Sprintf("schedule config: %s: %s", e.Field, e.Reason)
}

func configErr(field, format string, args ...any) *ScheduleConfigError {
	return &ScheduleConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Timeline holds every offset of the campaign relative to the anchor.
type Timeline struct {
	// Warmups are lead times of warmups #1..#4 before the anchor.
	Warmups [4]time.Duration
	// OfferDelay is the gap between the anchor and the offer (warmup #5).
	OfferDelay time.Duration
	// OfferWindow is how long the offer stays open.
	OfferWindow time.Duration
	// Deadlines are hours left in the offer window when a notice goes out.
	// 0 is the closing notice.
	Deadlines []int
	// TestStep is the gap between steps of the test schedule.
	TestStep time.Duration
}

func DefaultTimeline() Timeline {
	return Timeline{
		Warmups:     [4]time.Duration{120 * time.Hour, 72 * time.Hour, 24 * time.Hour, time.Hour},
		OfferDelay:  90 * time.Minute,
		OfferWindow: 12 * time.Hour,
		Deadlines:   []int{3, 1, 0},
		TestStep:    time.Minute,
	}
}

// TimelineFromConfig fills omitted fields with DefaultTimeline values.
func TimelineFromConfig(c config.TimelineConfig) (Timeline, error) {
	tl := DefaultTimeline()
	if len(c.Warmups) > 0 {
		if len(c.Warmups) != len(tl.Warmups) {
			return Timeline{}, configErr("campaign.timeline.warmups", "want %d lead times, got %d", len(tl.Warmups), len(c.Warmups))
		}
		for i, raw := range c.Warmups {
			d, err := config.ParseDurationField(fmt.Sprintf("campaign.timeline.warmups[%d]", i), raw)
			if err != nil {
				return Timeline{}, configErr("campaign.timeline.warmups", "%v", err)
			}
			tl.Warmups[i] = d
		}
	}
	var err error
	if tl.OfferDelay, err = config.ParseDurationOrDefault("campaign.timeline.offer_delay", c.OfferDelay, tl.OfferDelay); err != nil {
		return Timeline{}, configErr("campaign.timeline.offer_delay", "%v", err)
	}
	if tl.OfferWindow, err = config.ParseDurationOrDefault("campaign.timeline.offer_window", c.OfferWindow, tl.OfferWindow); err != nil {
		return Timeline{}, configErr("campaign.timeline.offer_window", "%v", err)
	}
	if tl.TestStep, err = config.ParseDurationOrDefault("campaign.timeline.test_step", c.TestStep, tl.TestStep); err != nil {
		return Timeline{}, configErr("campaign.timeline.test_step", "%v", err)
	}
	if len(c.Deadlines) > 0 {
		tl.Deadlines = append([]int(nil), c.Deadlines...)
		sort.Sort(sort.Reverse(sort.IntSlice(tl.Deadlines)))
	}
	return tl, tl.Validate()
}

// Validate reports the first offset that cannot produce a strictly
// increasing sequence of fire times.
func (t Timeline) Validate() error {
	for i, d := range t.Warmups {
		if d <= 0 {
			return configErr("campaign.timeline.warmups", "warmup #%d lead time must be positive, got %s", i+1, d)
		}
		if i > 0 && d >= t.Warmups[i-1] {
			return configErr("campaign.timeline.warmups", "warmup #%d (%s) must come after warmup #%d (%s)", i+1, d, i, t.Warmups[i-1])
		}
	}
	if t.OfferDelay <= 0 {
		return configErr("campaign.timeline.offer_delay", "must be positive, got %s", t.OfferDelay)
	}
	if t.OfferWindow <= 0 {
		return configErr("campaign.timeline.offer_window", "must be positive, got %s", t.OfferWindow)
	}
	if t.TestStep <= 0 {
		return configErr("campaign.timeline.test_step", "must be positive, got %s", t.TestStep)
	}
	seen := map[int]bool{}
	for i, h := range t.Deadlines {
		if h < 0 {
			return configErr("campaign.timeline.deadlines", "hours left must be >= 0, got %d", h)
		}
		if seen[h] {
			return configErr("campaign.timeline.deadlines", "duplicate deadline %dh", h)
		}
		seen[h] = true
		if i > 0 && h > t.Deadlines[i-1] {
			return configErr("campaign.timeline.deadlines", "deadlines must be in descending order")
		}
		if time.Duration(h)*time.Hour >= t.OfferWindow {
			return configErr("campaign.timeline.deadlines", "deadline %dh does not fit in the %s offer window", h, t.OfferWindow)
		}
	}
	return nil
}

// OfferStart is when the offer opens.
func (t Timeline) OfferStart(anchor time.Time) time.Time { return anchor.Add(t.OfferDelay) }

// OfferEnd is when the offer closes.
func (t Timeline) OfferEnd(anchor time.Time) time.Time {
	return t.OfferStart(anchor).Add(t.OfferWindow)
}
