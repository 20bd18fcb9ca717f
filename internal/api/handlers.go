package api

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"funnelbot/internal/campaign"
	"funnelbot/internal/delivery"
	"funnelbot/internal/eventbus"
	"funnelbot/internal/storage"
	"funnelbot/pkg/logx"
)

const dayLayout = "2006-01-02"

// envelope is the shape of every response.
type envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
	Status    string `json:"status,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func ok(w http.ResponseWriter, data any, message string) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data, Message: message})
}

func fail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Error: msg})
}

func (s *Server) internal(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("request error", logx.String("path", r.URL.Path), logx.Err(err))
	fail(w, http.StatusInternalServerError, "internal error")
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("telegram_id"), 10, 64)
	return id, err == nil && id > 0
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, envelope{
		Success:   true,
		Status:    "ok",
		Timestamp: s.clock.Now().Format(time.RFC3339),
	})
}

// UserInfo is the mini-app profile.
type UserInfo struct {
	UserID          int64    `json:"user_id"`
	Username        string   `json:"username"`
	FullName        string   `json:"full_name"`
	IsRegistered    bool     `json:"is_registered"`
	Purchased       bool     `json:"purchased"`
	Referrals       int      `json:"referrals"`
	TargetReferrals int      `json:"target_referrals"`
	Friends         []string `json:"friends"`
	InRaffle        bool     `json:"in_raffle"`
}

// userInfo returns a blank profile for users the bot has not seen yet.
func (s *Server) userInfo(r *http.Request, id int64) (UserInfo, error) {
	ctx := r.Context()
	info := UserInfo{UserID: id, TargetReferrals: s.holder.Load().TargetReferrals, Friends: []string{}}
	u, err := s.store.GetUser(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return info, err
	default:
		info.Username, info.FullName = u.Username, u.FullName
		info.IsRegistered, info.Purchased = u.Registered, u.Purchased
	}
	if info.Referrals, err = s.store.InvitedCount(ctx, id); err != nil {
		return info, err
	}
	friends, err := s.store.Referrals(ctx, id)
	if err != nil {
		return info, err
	}
	if len(friends) > 0 {
		info.Friends = friends
	}
	info.InRaffle = len(friends) > 0 || info.Referrals >= info.TargetReferrals
	return info, nil
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	id, valid := pathID(r)
	if !valid {
		fail(w, http.StatusBadRequest, "Invalid telegram_id")
		return
	}
	info, err := s.userInfo(r, id)
	if err != nil {
		s.internal(w, r, err)
		return
	}
	ok(w, info, "")
}

// ModeInfo is the campaign phase as the mini-app sees it.
type ModeInfo struct {
	Mode                campaign.Phase `json:"mode"`
	WebinarDate         string         `json:"webinar_date"`
	SecondsUntil        int64          `json:"seconds_until"`
	Deadline            *string        `json:"deadline"`
	CoursePrice         float64        `json:"course_price"`
	CoursePriceDiscount float64        `json:"course_price_discount"`
}

func (s *Server) getMode(w http.ResponseWriter, r *http.Request) {
	settings := s.holder.Load()
	anchor, _, err := s.anchors.Resolve(r.Context())
	if err != nil {
		s.internal(w, r, err)
		return
	}
	if anchor.IsZero() {
		fail(w, http.StatusServiceUnavailable, "event time is not set")
		return
	}
	info := campaign.PhaseAt(s.clock.Now(), anchor, settings.Timeline)
	out := ModeInfo{
		Mode:                info.Phase,
		WebinarDate:         anchor.In(settings.Location).Format(time.RFC3339),
		SecondsUntil:        info.SecondsUntil,
		CoursePrice:         settings.CoursePrice,
		CoursePriceDiscount: settings.CoursePriceDiscount,
	}
	if info.Deadline != nil {
		d := info.Deadline.In(settings.Location).Format(time.RFC3339)
		out.Deadline = &d
	}
	ok(w, out, "")
}

type ReferralInfo struct {
	ReferralLink string `json:"referral_link"`
	ShareText    string `json:"share_text"`
	ShareURL     string `json:"share_url"`
}

func (s *Server) getReferral(w http.ResponseWriter, r *http.Request) {
	id, valid := pathID(r)
	if !valid {
		fail(w, http.StatusBadRequest, "Invalid telegram_id")
		return
	}
	settings := s.holder.Load()
	link := settings.ReferralLink(id)
	text := settings.Content.Text(campaign.TextShareText, nil)
	ok(w, ReferralInfo{
		ReferralLink: link,
		ShareText:    text,
		ShareURL:     "https://t.me/share/url?url=" + url.QueryEscape(link) + "&text=" + url.QueryEscape(text),
	}, "")
}

type registerRequest struct {
	TelegramID int64  `json:"telegram_id"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Goal       string `json:"goal"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		fail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TelegramID <= 0 {
		fail(w, http.StatusBadRequest, "telegram_id is required")
		return
	}
	already, err := s.store.SetRegistered(r.Context(), req.TelegramID)
	if err != nil {
		s.internal(w, r, err)
		return
	}
	if !already {
		s.log.Info("registered from mini-app", logx.Int64("user_id", req.TelegramID))
		s.bus.Publish(eventbus.Event{Type: eventbus.UserRegistered, Time: s.clock.Now(), Data: req.TelegramID})
	}
	info, err := s.userInfo(r, req.TelegramID)
	if err != nil {
		s.internal(w, r, err)
		return
	}
	ok(w, info, "Registered successfully")
}

type PracticeInfo struct {
	CompletedDays []int                 `json:"completed_days"`
	TotalDays     int                   `json:"total_days"`
	TargetDays    int                   `json:"target_days,omitempty"`
	Logs          []storage.PracticeLog `json:"logs,omitempty"`
}

// completedDays numbers practice days from the first logged day (day 1).
// Days without practice time are not completed.
func completedDays(logs []storage.PracticeLog) []int {
	var days []time.Time
	for _, l := range logs {
		if l.Seconds <= 0 {
			continue
		}
		if d, err := time.Parse(dayLayout, l.Day); err == nil {
			days = append(days, d)
		}
	}
	out := []int{}
	if len(days) == 0 {
		return out
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	first := days[0]
	for _, d := range days {
		n := int(d.Sub(first)/(24*time.Hour)) + 1
		if len(out) == 0 || out[len(out)-1] != n {
			out = append(out, n)
		}
	}
	return out
}

func (s *Server) practice(r *http.Request, id int64) (PracticeInfo, error) {
	logs, err := s.store.PracticeLogs(r.Context(), id)
	if err != nil {
		return PracticeInfo{}, err
	}
	days := completedDays(logs)
	if logs == nil {
		logs = []storage.PracticeLog{}
	}
	return PracticeInfo{CompletedDays: days, TotalDays: len(days), Logs: logs}, nil
}

func (s *Server) getPractice(w http.ResponseWriter, r *http.Request) {
	id, valid := pathID(r)
	if !valid {
		fail(w, http.StatusBadRequest, "Invalid telegram_id")
		return
	}
	info, err := s.practice(r, id)
	if err != nil {
		s.internal(w, r, err)
		return
	}
	info.TargetDays = s.holder.Load().TargetPracticeDays
	ok(w, info, "")
}

type practiceRequest struct {
	TelegramID int64  `json:"telegram_id"`
	Date       string `json:"date"`
	Duration   int64  `json:"duration"`
}

func (s *Server) savePractice(w http.ResponseWriter, r *http.Request) {
	var req practiceRequest
	if err := decodeBody(r, &req); err != nil {
		fail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TelegramID <= 0 {
		fail(w, http.StatusBadRequest, "telegram_id is required")
		return
	}
	day := strings.TrimSpace(req.Date)
	if day == "" {
		day = s.clock.Now().In(s.holder.Load().Location).Format(dayLayout)
	}
	if _, err := time.Parse(dayLayout, day); err != nil {
		fail(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	if req.Duration < 0 {
		fail(w, http.StatusBadRequest, "duration must not be negative")
		return
	}
	if err := s.store.SavePractice(r.Context(), req.TelegramID, day, req.Duration); err != nil {
		s.internal(w, r, err)
		return
	}
	info, err := s.practice(r, req.TelegramID)
	if err != nil {
		s.internal(w, r, err)
		return
	}
	info.Logs = nil
	ok(w, info, "Practice saved")
}

func (s *Server) resetPractice(w http.ResponseWriter, r *http.Request) {
	id, valid := pathID(r)
	if !valid {
		fail(w, http.StatusBadRequest, "Invalid telegram_id")
		return
	}
	if err := s.store.ResetPractice(r.Context(), id); err != nil {
		s.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Practice tracker reset"})
}

// paymentEvent is the provider notification. Only payment.succeeded is acted on.
type paymentEvent struct {
	Event  string `json:"event"`
	Object struct {
		ID       string `json:"id"`
		Metadata struct {
			UserID json.Number `json:"user_id"`
		} `json:"metadata"`
	} `json:"object"`
}

func (s *Server) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	secret := s.cfg.WebhookSecret
	s.mu.Unlock()
	if secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Webhook-Secret")), []byte(secret)) != 1 {
		fail(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var ev paymentEvent
	if err := decodeBody(r, &ev); err != nil {
		fail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if ev.Event != "payment.succeeded" {
		writeJSON(w, http.StatusOK, envelope{Success: true, Status: "ignored"})
		return
	}
	userID, err := ev.Object.Metadata.UserID.Int64()
	if err != nil || userID <= 0 || ev.Object.ID == "" {
		fail(w, http.StatusBadRequest, "payment needs object.id and object.metadata.user_id")
		return
	}
	if err := s.store.MarkPurchased(r.Context(), userID, ev.Object.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			fail(w, http.StatusNotFound, "unknown user")
			return
		}
		s.internal(w, r, err)
		return
	}
	s.log.Info("payment received", logx.Int64("user_id", userID), logx.String("payment_id", ev.Object.ID))
	s.bus.Publish(eventbus.Event{Type: eventbus.PaymentSucceeded, Time: s.clock.Now(), Data: userID})
	text := s.holder.Load().Content.Text(campaign.TextPaymentSuccess, nil)
	if err := s.unit.Deliver(r.Context(), userID, delivery.Content{Text: text}); err != nil {
		s.log.Warn("payment confirmation not delivered", logx.Int64("user_id", userID), logx.Err(err))
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Status: "ok"})
}

// Apply swaps the runtime-tunable parts of cfg. Addr and timeouts need a restart.
func (s *Server) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg.AllowOrigin = cfg.AllowOrigin
	s.cfg.WebhookSecret = cfg.WebhookSecret
	s.mu.Unlock()
}
