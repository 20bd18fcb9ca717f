package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// PersistenceError wraps any driver failure. Callers log it and abort the
// current operation; nothing retries.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return "storage: " + e.Op + ": " + e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return &PersistenceError{Op: op, Err: errors.WithStack(err)}
}

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process maps, optionally snapshotted to Path as JSON
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username,omitempty"`
	FullName     string    `json:"full_name,omitempty"`
	ReferredBy   int64     `json:"referred_by,omitempty"`
	JoinedAt     time.Time `json:"joined_at"`
	Active       bool      `json:"active"`
	Registered   bool      `json:"registered"`
	RegisteredAt time.Time `json:"registered_at,omitempty"`
	Purchased    bool      `json:"purchased"`
	PaymentID    string    `json:"payment_id,omitempty"`
}

// PracticeLog is one day of practice. Day is "2006-01-02".
type PracticeLog struct {
	Day     string `json:"date"`
	Seconds int64  `json:"duration"`
}

type Stats struct {
	Total        int
	Active       int
	Registered   int
	Buyers       int
	Participants int // users who submitted referrals
	Invited      int // users who joined through a referral link
}

// Store is the persistence API shared by the bot, the scheduler actions and the API.
type Store interface {
	// UpsertUser inserts the user or refreshes its profile. An existing user
	// is reactivated; ReferredBy is only recorded on first insert.
	UpsertUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id int64) (User, error)
	ActiveRecipients(ctx context.Context) ([]int64, error)
	RegisteredRecipients(ctx context.Context) ([]int64, error)
	SetInactive(ctx context.Context, id int64) error
	// SetRegistered marks the user registered and reports whether it already was.
	// Unknown users are created.
	SetRegistered(ctx context.Context, id int64) (already bool, err error)
	ResetRegistration(ctx context.Context, id int64) error
	MarkPurchased(ctx context.Context, id int64, paymentID string) error
	BuyersCount(ctx context.Context) (int, error)

	// AddReferrals stores friends for id unless a set already exists, in which
	// case the existing set is returned with added=false.
	AddReferrals(ctx context.Context, id int64, friends []string) (existing []string, added bool, err error)
	Referrals(ctx context.Context, id int64) ([]string, error)
	InvitedCount(ctx context.Context, id int64) (int, error)
	// RaffleParticipants lists users who submitted referrals or invited at
	// least minInvited users through their link.
	RaffleParticipants(ctx context.Context, minInvited int) ([]User, error)

	// SavePractice adds seconds to the user's log for day.
	SavePractice(ctx context.Context, id int64, day string, seconds int64) error
	PracticeLogs(ctx context.Context, id int64) ([]PracticeLog, error)
	ResetPractice(ctx context.Context, id int64) error

	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	IncrementCounter(ctx context.Context, key string) (int64, error)
	Counter(ctx context.Context, key string) (int64, error)

	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Setting keys shared across packages.
const (
	SettingStreamLink = "stream_link"
	SettingEventAt    = "event_at"
)
