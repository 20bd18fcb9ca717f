// Package storage persists funnel state: users, referral submissions,
// practice logs, settings and counters.
//
// Every Store call is self-contained. Read-then-write sequences that must not
// race for the same user (registration, referral submission) run inside a
// single transaction or under the driver's lock.
package storage
