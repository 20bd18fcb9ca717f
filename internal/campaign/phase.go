package campaign

import "time"

type Phase string

const (
	PhaseBeforeWebinar Phase = "before_webinar"
	PhaseLive          Phase = "live"
	PhaseAfterWebinar  Phase = "after_webinar"
	PhaseOfferExpired  Phase = "offer_expired"
)

// PhaseInfo describes where now falls on the campaign timeline.
type PhaseInfo struct {
	Phase      Phase
	Anchor     time.Time
	OfferStart time.Time
	OfferEnd   time.Time
	// SecondsUntil counts down to the next boundary that matters to the
	// audience: the anchor before the webinar, the offer end after it.
	SecondsUntil int64
	// Deadline is nil while live and after the offer closed.
	Deadline *time.Time
}

// PhaseAt uses the same offsets as PlanSteps, so the mini-app and the
// scheduled notices agree on when the offer closes.
func PhaseAt(now, anchor time.Time, tl Timeline) PhaseInfo {
	info := PhaseInfo{Anchor: anchor, OfferStart: tl.OfferStart(anchor), OfferEnd: tl.OfferEnd(anchor)}
	switch {
	case now.Before(anchor):
		info.Phase = PhaseBeforeWebinar
		info.SecondsUntil = int64(anchor.Sub(now) / time.Second)
		d := anchor
		info.Deadline = &d
	case now.Before(info.OfferStart):
		info.Phase = PhaseLive
	case now.Before(info.OfferEnd):
		info.Phase = PhaseAfterWebinar
		info.SecondsUntil = int64(info.OfferEnd.Sub(now) / time.Second)
		d := info.OfferEnd
		info.Deadline = &d
	default:
		info.Phase = PhaseOfferExpired
	}
	return info
}
