package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funnelbot/internal/campaign"
	"funnelbot/internal/config"
	"funnelbot/internal/delivery"
	"funnelbot/internal/storage"
	"funnelbot/internal/transport/transporttest"
)

type fixture struct {
	clock   *clockwork.FakeClock
	store   storage.Store
	tr      *transporttest.Fake
	holder  *campaign.Holder
	anchors *campaign.AnchorSource
	h       http.Handler
}

func newFixture(t *testing.T, eventAt string) *fixture {
	t.Helper()
	settings, err := campaign.SettingsFromConfig(&config.Config{
		Scheduler: config.SchedulerConfig{Timezone: "Europe/Moscow"},
		Campaign: config.CampaignConfig{
			EventAt:             eventAt,
			BotUsername:         "funnel_bot",
			CoursePrice:         990,
			CoursePriceDiscount: 490,
		},
	})
	require.NoError(t, err)

	f := &fixture{
		clock:  clockwork.NewFakeClockAt(time.Date(2026, 1, 5, 18, 0, 0, 0, settings.Location)),
		store:  storage.NewMemory(),
		tr:     transporttest.New(),
		holder: campaign.NewHolder(settings),
	}
	f.anchors = campaign.NewAnchorSource(f.store, f.holder)
	srv := New(Config{WebhookSecret: "s3cret"}, Deps{
		Store: f.store, Holder: f.holder, Anchors: f.anchors,
		Unit: delivery.New(f.tr, ""), Clock: f.clock,
	})
	f.h = srv.Handler()
	t.Cleanup(func() { _ = f.store.Close() })
	return f
}

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Status  string          `json:"status"`
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr map[string]string) (int, response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	var out response
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "2026-01-05 19:00:00")

	code, out := f.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, out.Success)
	assert.Equal(t, "ok", out.Status)

	code, _ = f.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "2026-01-05 19:00:00")

	req := httptest.NewRequest(http.MethodOptions, "/api/register", nil)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestGetUser(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "2026-01-05 19:00:00")
	ctx := context.Background()

	code, out := f.do(t, http.MethodGet, "/api/user/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid telegram_id", out.Error)

	code, out = f.do(t, http.MethodGet, "/api/user/77", "", nil)
	require.Equal(t, http.StatusOK, code)
	var info UserInfo
	require.NoError(t, json.Unmarshal(out.Data, &info))
	assert.Equal(t, UserInfo{UserID: 77, TargetReferrals: 2, Friends: []string{}}, info)

	require.NoError(t, f.store.UpsertUser(ctx, storage.User{ID: 7, Username: "ann", FullName: "Ann A"}))
	require.NoError(t, f.store.UpsertUser(ctx, storage.User{ID: 8, ReferredBy: 7}))
	_, _, err := f.store.AddReferrals(ctx, 7, []string{"@x", "@y"})
	require.NoError(t, err)

	_, out = f.do(t, http.MethodGet, "/api/user/7", "", nil)
	require.NoError(t, json.Unmarshal(out.Data, &info))
	assert.Equal(t, "ann", info.Username)
	assert.Equal(t, 1, info.Referrals)
	assert.Equal(t, []string{"@x", "@y"}, info.Friends)
	assert.True(t, info.InRaffle)
	assert.False(t, info.IsRegistered)
}

func TestRegister(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "2026-01-05 19:00:00")

	code, out := f.do(t, http.MethodPost, "/api/register", `{"name":"Ann"}`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "telegram_id is required", out.Error)

	code, _ = f.do(t, http.MethodPost, "/api/register", `{`, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, out = f.do(t, http.MethodPost, "/api/register", `{"telegram_id":7,"name":"Ann"}`, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Registered successfully", out.Message)
	var info UserInfo
	require.NoError(t, json.Unmarshal(out.Data, &info))
	assert.True(t, info.IsRegistered)

	u, err := f.store.GetUser(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, u.Registered)
}

func TestModeFollowsTimeline(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "2026-01-05 19:00:00")

	code, out := f.do(t, http.MethodGet, "/api/mode", "", nil)
	require.Equal(t, http.StatusOK, code)
	var mode ModeInfo
	require.NoError(t, json.Unmarshal(out.Data, &mode))
	assert.Equal(t, campaign.PhaseBeforeWebinar, mode.Mode)
	assert.EqualValues(t, 3600, mode.SecondsUntil)
	assert.Equal(t, "2026-01-05T19:00:00+03:00", mode.WebinarDate)
	assert.Equal(t, 990.0, mode.CoursePrice)
	assert.Equal(t, 490.0, mode.CoursePriceDiscount)

	f.clock.Advance(2 * time.Hour)
	_, out = f.do(t, http.MethodGet, "/api/mode", "", nil)
	require.NoError(t, json.Unmarshal(out.Data, &mode))
	assert.Equal(t, campaign.PhaseLive, mode.Mode)
	assert.Nil(t, mode.Deadline)

	f.clock.Advance(time.Hour)
	_, out = f.do(t, http.MethodGet, "/api/mode", "", nil)
	mode = ModeInfo{}
	require.NoError(t, json.Unmarshal(out.Data, &mode))
	assert.Equal(t, campaign.PhaseAfterWebinar, mode.Mode)
	require.NotNil(t, mode.Deadline)
	assert.Equal(t, "2026-01-06T08:30:00+03:00", *mode.Deadline)

	f.clock.Advance(24 * time.Hour)
	_, out = f.do(t, http.MethodGet, "/api/mode", "", nil)
	mode = ModeInfo{}
	require.NoError(t, json.Unmarshal(out.Data, &mode))
	assert.Equal(t, campaign.PhaseOfferExpired, mode.Mode)
}

func TestModeWithoutEvent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	code, out := f.do(t, http.MethodGet, "/api/mode", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.False(t, out.Success)
}

func TestReferralLink(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "2026-01-05 19:00:00")

	code, out := f.do(t, http.MethodGet, "/api/referral/7", "", nil)
	require.Equal(t, http.StatusOK, code)
	var ref ReferralInfo
	require.NoError(t, json.Unmarshal(out.Data, &ref))
	assert.Equal(t, "https://t.me/funnel_bot?start=ref_7", ref.ReferralLink)
	assert.Equal(t, "Join the free webinar with me!", ref.ShareText)
	assert.True(t, strings.HasPrefix(ref.ShareURL, "https://t.me/share/url?url=https%3A%2F%2Ft.me%2Ffunnel_bot%3Fstart%3Dref_7&text="))
}

func TestPracticeTracker(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "2026-01-05 19:00:00")

	for _, body := range []string{
		`{"telegram_id":7,"date":"2026-01-01","duration":600}`,
		`{"telegram_id":7,"date":"2026-01-03","duration":300}`,
		`{"telegram_id":7,"date":"2026-01-02","duration":0}`,
	} {
		code, out := f.do(t, http.MethodPost, "/api/practice", body, nil)
		require.Equal(t, http.StatusOK, code, out.Error)
		assert.Equal(t, "Practice saved", out.Message)
	}
	code, out := f.do(t, http.MethodPost, "/api/practice", `{"telegram_id":7,"duration":60}`, nil)
	require.Equal(t, http.StatusOK, code)

	code, out = f.do(t, http.MethodGet, "/api/practice/7", "", nil)
	require.Equal(t, http.StatusOK, code)
	var p PracticeInfo
	require.NoError(t, json.Unmarshal(out.Data, &p))
	assert.Equal(t, []int{1, 3, 5}, p.CompletedDays)
	assert.Equal(t, 3, p.TotalDays)
	assert.Equal(t, 21, p.TargetDays)
	assert.Len(t, p.Logs, 4)

	code, out = f.do(t, http.MethodDelete, "/api/practice/7", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Practice tracker reset", out.Message)

	_, out = f.do(t, http.MethodGet, "/api/practice/7", "", nil)
	p = PracticeInfo{}
	require.NoError(t, json.Unmarshal(out.Data, &p))
	assert.Empty(t, p.CompletedDays)
}

func TestPracticeValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "2026-01-05 19:00:00")

	code, _ := f.do(t, http.MethodPost, "/api/practice", `{"telegram_id":7,"date":"01/02/2026","duration":5}`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodPost, "/api/practice", `{"telegram_id":7,"duration":-1}`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodPost, "/api/practice", `{"duration":5}`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPaymentWebhook(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "2026-01-05 19:00:00")
	secret := map[string]string{"X-Webhook-Secret": "s3cret"}
	body := `{"event":"payment.succeeded","object":{"id":"pay_1","metadata":{"user_id":"7"}}}`

	code, _ := f.do(t, http.MethodPost, "/webhook/payment", body, map[string]string{"X-Webhook-Secret": "nope"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, out := f.do(t, http.MethodPost, "/webhook/payment", `{"event":"payment.canceled","object":{"id":"pay_0"}}`, secret)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ignored", out.Status)

	code, out = f.do(t, http.MethodPost, "/webhook/payment", body, secret)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", out.Status)

	u, err := f.store.GetUser(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, u.Purchased)
	assert.Equal(t, "pay_1", u.PaymentID)
	sent := f.tr.SentTo(7)
	require.Len(t, sent, 1)
	assert.Equal(t, "Payment received. Welcome to the course!", sent[0].Text)
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "2026-01-05 19:00:00")
	srv := New(Config{Addr: "127.0.0.1:0"}, Deps{Store: f.store, Holder: f.holder, Anchors: f.anchors, Clock: f.clock})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Start(ctx))
	addr := srv.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/api/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop(ctx))
	assert.Empty(t, srv.Addr())
}
