package campaign

import (
	"fmt"
	"time"

	"funnelbot/internal/task/scheduler"
)

// Action kinds bound by Actions.Bind.
const (
	ActionWarmup              scheduler.ActionKind = "warmup"
	ActionStartReminder       scheduler.ActionKind = "start_reminder"
	ActionPostOffer           scheduler.ActionKind = "post_offer"
	ActionConfirmRegistration scheduler.ActionKind = "confirm_registration"
	ActionAdminDigest         scheduler.ActionKind = "admin_digest"
)

const (
	JobReminderStart = "reminder_start"
	JobOfferClosed   = "offer_closed"
	JobAdminDigest   = "admin_digest"
)

// Step is one planned job.
type Step struct {
	Name   string           `json:"name"`
	At     time.Time        `json:"at"`
	Action scheduler.Action `json:"action"`
}

// PlanSteps computes the production steps for anchor in fire order.
func PlanSteps(anchor time.Time, tl Timeline) []Step {
	steps := make([]Step, 0, len(tl.Warmups)+2+len(tl.Deadlines))
	for i, lead := range tl.Warmups {
		n := i + 1
		steps = append(steps, Step{
			Name:   fmt.Sprintf("warmup_%d", n),
			At:     anchor.Add(-lead),
			Action: scheduler.Action{Kind: ActionWarmup, N: n},
		})
	}
	steps = append(steps,
		Step{Name: JobReminderStart, At: anchor, Action: scheduler.Action{Kind: ActionStartReminder}},
		Step{Name: "warmup_5", At: tl.OfferStart(anchor), Action: scheduler.Action{Kind: ActionWarmup, N: 5}},
	)
	end := tl.OfferEnd(anchor)
	for _, h := range tl.Deadlines {
		steps = append(steps, Step{
			Name:   deadlineJobName(h),
			At:     end.Add(-time.Duration(h) * time.Hour),
			Action: scheduler.Action{Kind: ActionPostOffer, N: h},
		})
	}
	return steps
}

func deadlineJobName(hoursLeft int) string {
	if hoursLeft == 0 {
		return JobOfferClosed
	}
	return fmt.Sprintf("deadline_%dh", hoursLeft)
}

// TestSteps compresses the warmup sequence into one step per tl.TestStep
// starting after now.
func TestSteps(now time.Time, tl Timeline) []Step {
	actions := []struct {
		name   string
		action scheduler.Action
	}{
		{"test_w1", scheduler.Action{Kind: ActionWarmup, N: 1}},
		{"test_w2", scheduler.Action{Kind: ActionWarmup, N: 2}},
		{"test_w3", scheduler.Action{Kind: ActionWarmup, N: 3}},
		{"test_w4", scheduler.Action{Kind: ActionWarmup, N: 4}},
		{"test_start", scheduler.Action{Kind: ActionStartReminder}},
		{"test_w5", scheduler.Action{Kind: ActionWarmup, N: 5}},
	}
	steps := make([]Step, 0, len(actions))
	for i, a := range actions {
		steps = append(steps, Step{Name: a.name, At: now.Add(time.Duration(i+1) * tl.TestStep), Action: a.action})
	}
	return steps
}

// ConfirmJob is the one-shot follow-up sent after a registration.
func ConfirmJob(userID int64, at time.Time) scheduler.Job {
	return scheduler.Job{
		Name:   fmt.Sprintf("confirm_%d", userID),
		Policy: scheduler.At(at),
		Action: scheduler.Action{Kind: ActionConfirmRegistration, UserID: userID},
	}
}

// Plan is the outcome of a schedule build.
type Plan struct {
	Mode       string    `json:"mode"` // "production" or "test"
	Anchor     time.Time `json:"anchor"`
	Registered []Step    `json:"registered"`
	Skipped    []Step    `json:"skipped"`
	Cleared    int       `json:"cleared"`
	Digest     bool      `json:"digest"`
}

// Preview splits steps into the ones still ahead of now and the ones a
// build at now would skip.
func Preview(now time.Time, steps []Step) (upcoming, past []Step) {
	for _, s := range steps {
		if s.At.After(now) {
			upcoming = append(upcoming, s)
		} else {
			past = append(past, s)
		}
	}
	return upcoming, past
}
