package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"funnelbot/internal/runtime/supervisor"
	"funnelbot/internal/transport"
	"funnelbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdmin
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Access      Access
	// Hidden keeps a public command out of the Telegram menu.
	Hidden  bool
	Timeout time.Duration
	Handle  HandlerFunc
}

// Callback routes inline-button presses by exact callback data.
type Callback struct {
	Data    string
	Access  Access
	Timeout time.Duration
	Handle  HandlerFunc
}

// Registry is everything the router dispatches to. It is swapped as a whole.
type Registry struct {
	Commands  []Command
	Callbacks []Callback
	// Fallback receives plain text and unknown commands.
	Fallback HandlerFunc
	// WebApp receives data sent by the mini-app.
	WebApp HandlerFunc
	// Media receives videos, photos, documents, animations and voice notes.
	Media HandlerFunc
}

type Request struct {
	Update transport.Update
	ChatID int64
	From   transport.User
	// Route is the command name, "cb:<data>", "text", "web_app" or "media".
	Route   string
	Args    []string
	RawArgs string
	// Payload is the callback data or the web-app data.
	Payload string
	Admin   bool
	ReqID   string

	Adapter transport.Adapter
	Logger  logx.Logger

	answered atomic.Bool
}

// Message is nil for callbacks.
func (r *Request) Message() *transport.Message { return r.Update.Message }

// Callback is nil for messages.
func (r *Request) Callback() *transport.Callback { return r.Update.Callback }

// Reply sends text to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string, opt *transport.SendOptions) error {
	_, err := r.Adapter.SendText(ctx, r.ChatID, text, opt)
	return err
}

// Answer answers the callback query. The router answers with an empty text
// when the handler did not.
func (r *Request) Answer(ctx context.Context, text string, alert bool) error {
	cb := r.Update.Callback
	if cb == nil {
		return nil
	}
	r.answered.Store(true)
	return r.Adapter.AnswerCallback(ctx, cb.ID, text, alert)
}

// AdminFunc reports whether a user may run admin commands.
type AdminFunc func(id int64, username string) bool

type Router struct {
	mu        sync.RWMutex
	commands  map[string]Command // name and aliases
	canonical map[string]Command
	callbacks map[string]Callback
	fallback  HandlerFunc
	webApp    HandlerFunc
	media     HandlerFunc

	isAdmin AdminFunc
	log     logx.Logger
	adapter transport.Adapter
	workers int

	jobs chan func()
}

type Option func(*Router)

func WithWorkers(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.jobs = make(chan func(), n)
		}
	}
}

func New(log logx.Logger, adapter transport.Adapter, isAdmin AdminFunc, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if isAdmin == nil {
		isAdmin = func(int64, string) bool { return false }
	}
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	r := &Router{
		commands:  map[string]Command{},
		canonical: map[string]Command{},
		callbacks: map[string]Callback{},
		isAdmin:   isAdmin,
		log:       log.With(logx.String("comp", "telegram.router")),
		adapter:   adapter,
		workers:   workers,
		jobs:      make(chan func(), 256),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Router) SetRegistry(reg Registry) {
	commands := map[string]Command{}
	canonical := map[string]Command{}
	for _, c := range reg.Commands {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		canonical[name] = c
		commands[name] = c
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			if _, exists := commands[a]; !exists {
				commands[a] = c
			}
		}
	}
	callbacks := map[string]Callback{}
	for _, cb := range reg.Callbacks {
		if cb.Data == "" || cb.Handle == nil {
			continue
		}
		callbacks[cb.Data] = cb
	}

	r.mu.Lock()
	r.commands = commands
	r.canonical = canonical
	r.callbacks = callbacks
	r.fallback = reg.Fallback
	r.webApp = reg.WebApp
	r.media = reg.Media
	r.mu.Unlock()
}

// UpdateMenu publishes the public commands to the Telegram menu when the
// adapter supports it.
func (r *Router) UpdateMenu(ctx context.Context) error {
	up, ok := r.adapter.(transport.CommandMenuUpdater)
	if !ok {
		return nil
	}
	r.mu.RLock()
	menu := buildMenu(r.canonical)
	r.mu.RUnlock()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return up.UpdateMenuCommands(ctx, menu)
}

// tryEnqueue is panic-safe when the jobs channel is already closed.
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop routes updates to a bounded worker pool until ctx ends or
// updates is closed. A slow handler never blocks the poll loop.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(r.log),
		supervisor.WithCancelOnError(false),
	)
	r.log.Info("dispatcher started", logx.Int("workers", r.workers), logx.Int("job_queue_cap", cap(r.jobs)))

	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart("router.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in router job", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithPublishFirstError(true),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		close(r.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message != nil {
			r.routeMessage(ctx, up)
		}
	case transport.UpdateCallback:
		if up.Callback != nil {
			r.routeCallback(ctx, up)
		}
	}
}

func (r *Router) newRequest(up transport.Update, chatID int64, from transport.User, route string) *Request {
	rid := newReqID()
	return &Request{
		Update:  up,
		ChatID:  chatID,
		From:    from,
		Route:   route,
		Admin:   r.isAdmin(from.ID, from.Username),
		ReqID:   rid,
		Adapter: r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chatID),
			logx.Int64("from_id", from.ID),
			logx.String("route", route),
		),
	}
}

func (r *Router) routeMessage(ctx context.Context, up transport.Update) {
	msg := up.Message

	r.mu.RLock()
	commands, webApp, media, fallback := r.commands, r.webApp, r.media, r.fallback
	r.mu.RUnlock()

	switch {
	case msg.WebAppData != "":
		req := r.newRequest(up, msg.ChatID, msg.From, "web_app")
		req.Payload = msg.WebAppData
		r.enqueue(ctx, req, webApp, 0)
		return
	case msg.Media != nil:
		r.enqueue(ctx, r.newRequest(up, msg.ChatID, msg.From, "media"), media, 0)
		return
	}

	name, rest, isCmd := splitCommand(msg.Text)
	cmd, known := commands[name]
	if !isCmd || !known {
		r.enqueue(ctx, r.newRequest(up, msg.ChatID, msg.From, "text"), fallback, 0)
		return
	}

	req := r.newRequest(up, msg.ChatID, msg.From, cmd.Name)
	if cmd.Access == AccessAdmin && !req.Admin {
		req.Logger.Debug("admin command ignored")
		return
	}
	req.RawArgs = rest
	req.Args = strings.Fields(rest)
	r.enqueue(ctx, req, cmd.Handle, cmd.Timeout)
}

func (r *Router) routeCallback(ctx context.Context, up transport.Update) {
	cb := up.Callback
	data := strings.TrimSpace(cb.Data)

	r.mu.RLock()
	route, ok := r.callbacks[data]
	r.mu.RUnlock()
	if !ok {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "", false)
		return
	}

	req := r.newRequest(up, cb.Message.ChatID, cb.From, "cb:"+data)
	req.Payload = data
	if route.Access == AccessAdmin && !req.Admin {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "forbidden", false)
		return
	}
	r.enqueue(ctx, req, route.Handle, route.Timeout)
}

func (r *Router) enqueue(ctx context.Context, req *Request, h HandlerFunc, timeout time.Duration) {
	if h == nil {
		return
	}
	final := Chain(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)
	cb := req.Update.Callback
	ok := r.tryEnqueue(func() {
		_ = final(ctx, req)
		if cb != nil && !req.answered.Load() {
			// Stops the loading indicator on the button.
			_ = r.adapter.AnswerCallback(ctx, cb.ID, "", false)
		}
	})
	if ok {
		return
	}
	req.Logger.Warn("router queue full")
	if cb != nil {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "busy, try again", false)
		return
	}
	_ = req.Reply(ctx, "busy, try again", nil)
}
