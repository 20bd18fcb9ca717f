package transport

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

// User is the sender of an update.
type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

type Message struct {
	ID        int
	ChatID    int64
	From      User
	Text      string
	IsPrivate bool

	// WebAppData is the payload a mini-app sent with sendData.
	WebAppData string
	// Media is set for video, photo, document, animation and voice messages.
	Media *Media
}

type Media struct {
	Kind     string // "video", "photo", "document", "animation", "voice"
	FileID   string
	Size     int64
	Duration int // seconds; 0 when not applicable
}

type Callback struct {
	ID      string
	From    User
	Message MessageRef
	Data    string
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

var ErrButtonTarget = errors.New("button needs exactly one of url, callback, web_app")

// Button is an inline keyboard button with exactly one target.
type Button struct {
	Text     string
	URL      string
	Callback string
	WebApp   string
}

func (b Button) Validate() error {
	n := 0
	for _, v := range []string{b.URL, b.Callback, b.WebApp} {
		if v != "" {
			n++
		}
	}
	if n != 1 || strings.TrimSpace(b.Text) == "" {
		return errors.Wrapf(ErrButtonTarget, "button %q", b.Text)
	}
	return nil
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// Buttons is an inline keyboard, one slice per row.
	Buttons [][]Button
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, chatID int64, text string, opt *SendOptions) (MessageRef, error)
	SendVideo(ctx context.Context, chatID int64, fileID, caption string, opt *SendOptions) (MessageRef, error)
	AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error
	// ClearMarkup removes the inline keyboard of a sent message.
	ClearMarkup(ctx context.Context, ref MessageRef) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
