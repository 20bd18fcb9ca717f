// Package transporttest provides an in-memory transport.Adapter for tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"funnelbot/internal/transport"
)

var ErrBlocked = errors.New("forbidden: bot was blocked by the user")

// Sent is one outgoing message captured by Fake.
type Sent struct {
	ChatID  int64
	Text    string
	Video   string
	Caption string
	Opt     transport.SendOptions
}

type Answer struct {
	CallbackID string
	Text       string
	Alert      bool
}

// Fake records every call. Sends to chat IDs in Fail return ErrBlocked.
type Fake struct {
	mu      sync.Mutex
	fail    map[int64]bool
	sent    []Sent
	answers []Answer
	cleared []transport.MessageRef
	menu    []transport.BotCommand
	nextID  int
	out     chan<- transport.Update
}

func New() *Fake {
	return &Fake{fail: map[int64]bool{}}
}

func (f *Fake) Fail(ids ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.fail[id] = true
	}
}

func (f *Fake) Start(_ context.Context, out chan<- transport.Update) error {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
	return nil
}

func (f *Fake) Stop(context.Context) error {
	f.mu.Lock()
	f.out = nil
	f.mu.Unlock()
	return nil
}

// Push delivers up to the consumer passed to Start.
func (f *Fake) Push(up transport.Update) {
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	if out != nil {
		out <- up
	}
}

func (f *Fake) record(s Sent) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[s.ChatID] {
		return transport.MessageRef{}, ErrBlocked
	}
	f.nextID++
	f.sent = append(f.sent, s)
	return transport.MessageRef{ChatID: s.ChatID, MessageID: f.nextID}, nil
}

func (f *Fake) SendText(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	s := Sent{ChatID: chatID, Text: text}
	if opt != nil {
		s.Opt = *opt
	}
	return f.record(s)
}

func (f *Fake) SendVideo(ctx context.Context, chatID int64, fileID, caption string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	s := Sent{ChatID: chatID, Video: fileID, Caption: caption}
	if opt != nil {
		s.Opt = *opt
	}
	return f.record(s)
}

func (f *Fake) AnswerCallback(_ context.Context, callbackID, text string, alert bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, Answer{CallbackID: callbackID, Text: text, Alert: alert})
	return nil
}

func (f *Fake) ClearMarkup(_ context.Context, ref transport.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, ref)
	return nil
}

func (f *Fake) UpdateMenuCommands(_ context.Context, cmds []transport.BotCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.menu = append([]transport.BotCommand(nil), cmds...)
	return nil
}

func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

// SentTo returns the messages delivered to chatID.
func (f *Fake) SentTo(chatID int64) []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Sent
	for _, s := range f.sent {
		if s.ChatID == chatID {
			out = append(out, s)
		}
	}
	return out
}

func (f *Fake) Answers() []Answer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Answer(nil), f.answers...)
}

func (f *Fake) Cleared() []transport.MessageRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.MessageRef(nil), f.cleared...)
}

func (f *Fake) Menu() []transport.BotCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.BotCommand(nil), f.menu...)
}

var _ transport.Adapter = (*Fake)(nil)
var _ transport.CommandMenuUpdater = (*Fake)(nil)
