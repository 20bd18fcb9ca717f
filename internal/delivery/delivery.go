// Package delivery sends one piece of content to one recipient.
package delivery

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"funnelbot/internal/transport"
)

type Button = transport.Button

var ErrEmptyContent = errors.New("content has neither text nor media")

// Content is either plain text, or a video with a caption. Both forms may
// carry one inline button.
type Content struct {
	Text     string
	MediaRef string
	Caption  string
	Button   *Button
}

func (c Content) Validate() error {
	if strings.TrimSpace(c.Text) == "" && c.MediaRef == "" && strings.TrimSpace(c.Caption) == "" {
		return ErrEmptyContent
	}
	if c.Button != nil {
		return c.Button.Validate()
	}
	return nil
}

// TransportError reports a failed send to one recipient.
type TransportError struct {
	Recipient int64
	Op        string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("deliver %s to %d: %v", e.Op, e.Recipient, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Sender is the part of transport.Adapter used for delivery.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	SendVideo(ctx context.Context, chatID int64, fileID, caption string, opt *transport.SendOptions) (transport.MessageRef, error)
}

type Unit struct {
	tr        Sender
	parseMode string
}

// New returns a Unit that formats messages with parseMode ("Markdown", "HTML" or "").
func New(tr Sender, parseMode string) *Unit {
	return &Unit{tr: tr, parseMode: parseMode}
}

// Deliver sends c to recipient. A video without a usable file falls back to
// the caption as text. Any transport failure is a *TransportError.
func (u *Unit) Deliver(ctx context.Context, recipient int64, c Content) error {
	if err := c.Validate(); err != nil {
		return err
	}
	opt := &transport.SendOptions{ParseMode: u.parseMode}
	if c.Button != nil {
		opt.Buttons = [][]transport.Button{{*c.Button}}
	}
	if c.MediaRef != "" {
		if _, err := u.tr.SendVideo(ctx, recipient, c.MediaRef, c.Caption, opt); err != nil {
			return &TransportError{Recipient: recipient, Op: "video", Err: err}
		}
		return nil
	}
	text := c.Text
	if strings.TrimSpace(text) == "" {
		text = c.Caption
	}
	if _, err := u.tr.SendText(ctx, recipient, text, opt); err != nil {
		return &TransportError{Recipient: recipient, Op: "text", Err: err}
	}
	return nil
}
