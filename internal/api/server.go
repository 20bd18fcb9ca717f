// Package api serves the mini-app: profile, giveaway and practice tracker
// endpoints, the campaign phase, and the payment webhook.
package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"

	"funnelbot/internal/campaign"
	"funnelbot/internal/delivery"
	"funnelbot/internal/eventbus"
	"funnelbot/internal/storage"
	"funnelbot/pkg/logx"
)

type Config struct {
	Addr        string // default ":8080"
	AllowOrigin string // default "*"

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// WebhookSecret, when set, must match the X-Webhook-Secret header.
	WebhookSecret string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = ":8080"
	}
	if c.AllowOrigin == "" {
		c.AllowOrigin = "*"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

type Deliverer interface {
	Deliver(ctx context.Context, recipient int64, c delivery.Content) error
}

type Deps struct {
	Store   storage.Store
	Holder  *campaign.Holder
	Anchors *campaign.AnchorSource
	// Unit sends the thank-you message after a payment.
	Unit   Deliverer
	Bus    eventbus.Bus
	Logger logx.Logger
	Clock  clockwork.Clock
}

type Server struct {
	mu  sync.Mutex
	cfg Config

	store   storage.Store
	holder  *campaign.Holder
	anchors *campaign.AnchorSource
	unit    Deliverer
	bus     eventbus.Bus
	log     logx.Logger
	clock   clockwork.Clock

	ln       net.Listener
	srv      *http.Server
	stopDone chan struct{}
}

func New(cfg Config, d Deps) *Server {
	if d.Logger.IsZero() {
		d.Logger = logx.Nop()
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	return &Server{
		cfg:     cfg.withDefaults(),
		store:   d.Store,
		holder:  d.Holder,
		anchors: d.Anchors,
		unit:    d.Unit,
		bus:     d.Bus,
		log:     d.Logger.With(logx.String("comp", "api")),
		clock:   d.Clock,
	}
}

// Addr is the bound address while the server runs.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start listens and serves in the background. It returns the listen error.
func (s *Server) Start(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.srv != nil {
			s.mu.Unlock()
			return nil
		}
		// A stop in progress still holds the port.
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		cfg := s.cfg
		s.mu.Unlock()

		ln, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			return errors.Wrapf(err, "api listen %s", cfg.Addr)
		}
		srv := &http.Server{
			Handler:           s.Handler(),
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
		}

		s.mu.Lock()
		s.ln = ln
		s.srv = srv
		s.mu.Unlock()

		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("api server stopped with error", logx.Err(err))
			}
		}()
		s.log.Info("service started", logx.String("addr", ln.Addr().String()))
		return nil
	}
}

// Stop shuts the server down gracefully until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.srv == nil {
		s.mu.Unlock()
		return nil
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	start := s.clock.Now()
	var err error
	go func() {
		defer close(done)
		err = srv.Shutdown(ctx)
		_ = srv.Close()
		s.mu.Lock()
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("service stopped", logx.Duration("took", s.clock.Since(start)))
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler routes every endpoint behind the CORS and logging middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.health)
	mux.HandleFunc("GET /api/health", s.health)
	mux.HandleFunc("GET /api/user/{telegram_id}", s.getUser)
	mux.HandleFunc("GET /api/mode", s.getMode)
	mux.HandleFunc("GET /api/referral/{telegram_id}", s.getReferral)
	mux.HandleFunc("POST /api/register", s.register)
	mux.HandleFunc("GET /api/practice/{telegram_id}", s.getPractice)
	mux.HandleFunc("POST /api/practice", s.savePractice)
	mux.HandleFunc("DELETE /api/practice/{telegram_id}", s.resetPractice)
	mux.HandleFunc("POST /webhook/payment", s.paymentWebhook)
	return s.withCORS(s.withLog(mux))
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		origin := s.cfg.AllowOrigin
		s.mu.Unlock()
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-Telegram-Init-Data, X-Webhook-Secret")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", sw.status),
			logx.Duration("dur", time.Since(start)),
		}
		if sw.status >= http.StatusInternalServerError {
			s.log.Warn("request failed", fields...)
			return
		}
		s.log.Debug("request ok", fields...)
	})
}
