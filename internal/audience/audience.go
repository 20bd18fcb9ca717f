// Package audience resolves broadcast recipients from persisted user state.
package audience

import (
	"context"

	"github.com/cockroachdb/errors"
)

type Mode int

const (
	// AllActive is every user not marked inactive.
	AllActive Mode = iota
	// RegisteredOnly is every active user registered for the webinar.
	RegisteredOnly
)

func (m Mode) String() string {
	switch m {
	case AllActive:
		return "all_active"
	case RegisteredOnly:
		return "registered_only"
	default:
		return "unknown"
	}
}

var ErrUnknownMode = errors.New("unknown audience mode")

// Source is the part of storage.Store the selector reads.
type Source interface {
	ActiveRecipients(ctx context.Context) ([]int64, error)
	RegisteredRecipients(ctx context.Context) ([]int64, error)
}

// Selector queries the store on every call. Results are never cached, so a
// broadcast sees registrations and deactivations up to the moment it fires.
type Selector struct {
	src Source
}

func NewSelector(src Source) *Selector { return &Selector{src: src} }

func (s *Selector) Select(ctx context.Context, mode Mode) ([]int64, error) {
	switch mode {
	case AllActive:
		return s.src.ActiveRecipients(ctx)
	case RegisteredOnly:
		return s.src.RegisteredRecipients(ctx)
	default:
		return nil, errors.Wrapf(ErrUnknownMode, "%d", int(mode))
	}
}
