package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funnelbot/internal/transport"
	"funnelbot/internal/transport/transporttest"
	"funnelbot/pkg/logx"
)

type seen struct {
	mu   sync.Mutex
	reqs []*Request
}

func (s *seen) handler(ctx context.Context, req *Request) error {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	return nil
}

func (s *seen) routes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.reqs))
	for _, r := range s.reqs {
		out = append(out, r.Route)
	}
	return out
}

func (s *seen) last() *Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reqs) == 0 {
		return nil
	}
	return s.reqs[len(s.reqs)-1]
}

func text(from int64, username, s string) transport.Update {
	return transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{
		ChatID: from, From: transport.User{ID: from, Username: username}, Text: s, IsPrivate: true,
	}}
}

func startRouter(t *testing.T, reg Registry) (*Router, *transporttest.Fake, chan transport.Update) {
	t.Helper()
	fake := transporttest.New()
	r := New(logx.Nop(), fake, func(id int64, username string) bool { return id == 900 || username == "boss" }, WithWorkers(2))
	r.SetRegistry(reg)
	updates := make(chan transport.Update)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.DispatchLoop(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r, fake, updates
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, name, rest string
		ok             bool
	}{
		{"/start", "start", "", true},
		{"/start ref_42", "start", "ref_42", true},
		{"/Broadcast@funnel_bot  hello   world ", "broadcast", "hello   world", true},
		{"/broadcast\nline one\nline two", "broadcast", "line one\nline two", true},
		{"hello", "", "", false},
		{"/", "", "", false},
	}
	for _, c := range cases {
		name, rest, ok := splitCommand(c.in)
		assert.Equal(t, c.ok, ok, c.in)
		assert.Equal(t, c.name, name, c.in)
		assert.Equal(t, c.rest, rest, c.in)
	}
}

func TestRoutesCommandsAndFallbacks(t *testing.T) {
	t.Parallel()

	var s seen
	_, _, updates := startRouter(t, Registry{
		Commands: []Command{
			{Name: "start", Handle: s.handler},
			{Name: "help", Aliases: []string{"h"}, Handle: s.handler},
		},
		Fallback: s.handler,
		WebApp:   s.handler,
		Media:    s.handler,
	})

	updates <- text(1, "", "/start ref_7")
	updates <- text(1, "", "/h")
	updates <- text(1, "", "just chatting")
	updates <- text(1, "", "/nope")
	updates <- transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{ChatID: 1, WebAppData: `{"action":"register_webinar"}`}}
	updates <- transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{ChatID: 1, Media: &transport.Media{Kind: "video", FileID: "f1"}}}

	require.Eventually(t, func() bool { return len(s.routes()) == 6 }, 5*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"start", "help", "text", "text", "web_app", "media"}, s.routes())
}

func TestCommandArgs(t *testing.T) {
	t.Parallel()

	var s seen
	_, _, updates := startRouter(t, Registry{Commands: []Command{{Name: "broadcast", Access: AccessAdmin, Handle: s.handler}}})

	updates <- text(900, "", "/broadcast Hello  everyone")
	require.Eventually(t, func() bool { return s.last() != nil }, 5*time.Second, 5*time.Millisecond)
	req := s.last()
	assert.True(t, req.Admin)
	assert.Equal(t, "Hello  everyone", req.RawArgs)
	assert.Equal(t, []string{"Hello", "everyone"}, req.Args)
}

func TestAdminCommandIgnoredForOthers(t *testing.T) {
	t.Parallel()

	var s seen
	_, fake, updates := startRouter(t, Registry{
		Commands: []Command{
			{Name: "stats", Access: AccessAdmin, Handle: s.handler},
			{Name: "ping", Handle: s.handler},
		},
	})

	updates <- text(5, "someone", "/stats")
	updates <- text(6, "boss", "/stats")
	updates <- text(5, "someone", "/ping")
	require.Eventually(t, func() bool { return len(s.routes()) == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"ping", "stats"}, s.routes())
	assert.Empty(t, fake.Sent())
}

func TestCallbackAnsweredOnce(t *testing.T) {
	t.Parallel()

	_, fake, updates := startRouter(t, Registry{
		Callbacks: []Callback{
			{Data: "alert", Handle: func(ctx context.Context, req *Request) error { return req.Answer(ctx, "done", true) }},
			{Data: "quiet", Handle: func(context.Context, *Request) error { return nil }},
		},
	})
	cb := func(id, data string) transport.Update {
		return transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{
			ID: id, From: transport.User{ID: 3}, Message: transport.MessageRef{ChatID: 3, MessageID: 10}, Data: data,
		}}
	}

	updates <- cb("a", "alert")
	updates <- cb("b", "quiet")
	updates <- cb("c", "unknown")

	require.Eventually(t, func() bool { return len(fake.Answers()) == 3 }, 5*time.Second, 5*time.Millisecond)
	byID := map[string]transporttest.Answer{}
	for _, a := range fake.Answers() {
		byID[a.CallbackID] = a
	}
	assert.Equal(t, transporttest.Answer{CallbackID: "a", Text: "done", Alert: true}, byID["a"])
	assert.Equal(t, transporttest.Answer{CallbackID: "b"}, byID["b"])
	assert.Equal(t, transporttest.Answer{CallbackID: "c"}, byID["c"])
}

func TestPanicKeepsRouterAlive(t *testing.T) {
	t.Parallel()

	var s seen
	_, _, updates := startRouter(t, Registry{
		Commands: []Command{
			{Name: "boom", Handle: func(context.Context, *Request) error { panic("nil map") }},
			{Name: "ok", Handle: s.handler},
		},
	})
	updates <- text(1, "", "/boom")
	updates <- text(1, "", "/ok")
	require.Eventually(t, func() bool { return len(s.routes()) == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestUpdateMenuListsPublicCommands(t *testing.T) {
	t.Parallel()

	fake := transporttest.New()
	r := New(logx.Nop(), fake, nil)
	noop := func(context.Context, *Request) error { return nil }
	r.SetRegistry(Registry{Commands: []Command{
		{Name: "start", Description: "Begin", Handle: noop},
		{Name: "recommend", Description: "Giveaway", Handle: noop},
		{Name: "reset", Hidden: true, Handle: noop},
		{Name: "stats", Access: AccessAdmin, Handle: noop},
	}})
	require.NoError(t, r.UpdateMenu(context.Background()))
	assert.Equal(t, []transport.BotCommand{
		{Command: "recommend", Description: "Giveaway"},
		{Command: "start", Description: "Begin"},
	}, fake.Menu())
}

func TestSanitizeCommand(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "set_stream_link", sanitizeCommand("/Set-Stream Link"))
	assert.Equal(t, "cmd_1st", sanitizeCommand("1st"))
	assert.Equal(t, "", sanitizeCommand("!!!"))
}
