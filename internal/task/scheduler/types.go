package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

var (
	ErrEmptyName   = errors.New("job name is empty")
	ErrNoPolicy    = errors.New("job has no fire policy")
	ErrNoKind      = errors.New("job action has no kind")
	ErrNoHandler   = errors.New("no handler bound for action kind")
	ErrInvalidTime = errors.New("invalid weekly time")
)

// weeklyParser accepts the standard five-field form used by Weekly.
var weeklyParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type policyKind uint8

const (
	policyNone policyKind = iota
	policyAt
	policyWeekly
)

// FirePolicy says when a job fires: once at an absolute time, or every week.
type FirePolicy struct {
	kind    policyKind
	at      time.Time
	weekday time.Weekday
	hour    int
	minute  int
	sched   cron.Schedule
}

// At fires once at t. A zero t is rejected by Register.
func At(t time.Time) FirePolicy {
	return FirePolicy{kind: policyAt, at: t}
}

// Weekly fires every week on day at hour:minute in the scheduler timezone.
func Weekly(day time.Weekday, hour, minute int) (FirePolicy, error) {
	if day < time.Sunday || day > time.Saturday || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return FirePolicy{}, errors.Wrapf(ErrInvalidTime, "%s %02d:%02d", day, hour, minute)
	}
	spec := fmt.Sprintf("%d %d * * %d", minute, hour, int(day))
	sched, err := weeklyParser.Parse(spec)
	if err != nil {
		return FirePolicy{}, errors.Wrapf(err, "parse %q", spec)
	}
	return FirePolicy{kind: policyWeekly, weekday: day, hour: hour, minute: minute, sched: sched}, nil
}

func (p FirePolicy) IsZero() bool { return p.kind == policyNone }

func (p FirePolicy) Recurring() bool { return p.kind == policyWeekly }

// Next returns the first fire time strictly after after. For an absolute
// policy whose time is not after after, ok is false.
func (p FirePolicy) Next(after time.Time, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}
	switch p.kind {
	case policyAt:
		if p.at.IsZero() || !p.at.After(after) {
			return time.Time{}, false
		}
		return p.at, true
	case policyWeekly:
		next := p.sched.Next(after.In(loc))
		return next, !next.IsZero()
	default:
		return time.Time{}, false
	}
}

func (p FirePolicy) String() string {
	switch p.kind {
	case policyAt:
		return "at " + p.at.Format(time.RFC3339)
	case policyWeekly:
		return fmt.Sprintf("weekly %s %02d:%02d", p.weekday, p.hour, p.minute)
	default:
		return "none"
	}
}

// ActionKind names a handler in the dispatch table.
type ActionKind string

// Action is what a job does when it fires. N carries the warmup number or
// the hours left on the offer; UserID targets a single recipient.
type Action struct {
	Kind   ActionKind `json:"kind"`
	N      int        `json:"n,omitempty"`
	UserID int64      `json:"user_id,omitempty"`
}

func (a Action) String() string {
	var b strings.Builder
	b.WriteString(string(a.Kind))
	switch {
	case a.UserID != 0:
		fmt.Fprintf(&b, "(user=%d)", a.UserID)
	case a.N != 0:
		fmt.Fprintf(&b, "(%d)", a.N)
	}
	return b.String()
}

type Handler func(ctx context.Context, a Action) error

type Job struct {
	Name    string
	Policy  FirePolicy
	Action  Action
	Timeout time.Duration
}

// PendingJob is a diagnostics view of a scheduled job.
type PendingJob struct {
	Name      string     `json:"name"`
	Kind      ActionKind `json:"kind"`
	Action    Action     `json:"action"`
	Next      time.Time  `json:"next"`
	Recurring bool       `json:"recurring"`
}

// FiredEvent is the payload of job.fired.
type FiredEvent struct {
	Name        string    `json:"name"`
	Action      Action    `json:"action"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// SkippedEvent is the payload of job.skipped.
type SkippedEvent struct {
	Name   string    `json:"name"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

type Config struct {
	Location *time.Location
	// DefaultTimeout applies to jobs with Timeout 0.
	DefaultTimeout time.Duration
}
