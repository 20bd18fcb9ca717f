package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funnelbot/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "funnel.db")}, logx.Nop())
	require.NoError(t, err)
	mem, err := Open(Config{Driver: "memory", Path: filepath.Join(dir, "funnel.json")}, logx.Nop())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = sq.Close()
		_ = mem.Close()
	})
	return map[string]Store{"sqlite": sq, "memory": mem}
}

func TestStoreUsersAndAudience(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.UpsertUser(ctx, User{ID: 1, Username: "alice"}))
			require.NoError(t, st.UpsertUser(ctx, User{ID: 2, Username: "bob", ReferredBy: 1}))
			require.NoError(t, st.UpsertUser(ctx, User{ID: 3, Username: "carol", ReferredBy: 1}))

			already, err := st.SetRegistered(ctx, 2)
			require.NoError(t, err)
			assert.False(t, already)
			already, err = st.SetRegistered(ctx, 2)
			require.NoError(t, err)
			assert.True(t, already)

			active, err := st.ActiveRecipients(ctx)
			require.NoError(t, err)
			assert.Equal(t, []int64{1, 2, 3}, active)

			reg, err := st.RegisteredRecipients(ctx)
			require.NoError(t, err)
			assert.Equal(t, []int64{2}, reg)

			require.NoError(t, st.SetInactive(ctx, 2))
			reg, err = st.RegisteredRecipients(ctx)
			require.NoError(t, err)
			assert.Empty(t, reg)

			// Coming back through /start reactivates and keeps the first referrer.
			require.NoError(t, st.UpsertUser(ctx, User{ID: 2, Username: "bobby", ReferredBy: 3}))
			u, err := st.GetUser(ctx, 2)
			require.NoError(t, err)
			assert.True(t, u.Active)
			assert.True(t, u.Registered)
			assert.Equal(t, "bobby", u.Username)
			assert.EqualValues(t, 1, u.ReferredBy)

			n, err := st.InvitedCount(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			_, err = st.GetUser(ctx, 404)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, st.ResetRegistration(ctx, 2))
			u, err = st.GetUser(ctx, 2)
			require.NoError(t, err)
			assert.False(t, u.Registered)
		})
	}
}

func TestStoreReferralsSecondSubmission(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.UpsertUser(ctx, User{ID: 7}))

			got, added, err := st.AddReferrals(ctx, 7, []string{"@a", "@b"})
			require.NoError(t, err)
			assert.True(t, added)
			assert.Equal(t, []string{"@a", "@b"}, got)

			got, added, err = st.AddReferrals(ctx, 7, []string{"@c", "@d"})
			require.NoError(t, err)
			assert.False(t, added)
			assert.Equal(t, []string{"@a", "@b"}, got)

			stored, err := st.Referrals(ctx, 7)
			require.NoError(t, err)
			assert.Equal(t, []string{"@a", "@b"}, stored)

			ps, err := st.RaffleParticipants(ctx, 2)
			require.NoError(t, err)
			require.Len(t, ps, 1)
			assert.EqualValues(t, 7, ps[0].ID)
		})
	}
}

func TestStoreConcurrentReferralSubmissions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			var (
				wg    sync.WaitGroup
				mu    sync.Mutex
				added int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, ok, err := st.AddReferrals(ctx, 11, []string{"@x", "@y"})
					assert.NoError(t, err)
					if ok {
						mu.Lock()
						added++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, added)
		})
	}
}

func TestStorePracticeSettingsCounters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.SavePractice(ctx, 5, "2026-01-02", 300))
			require.NoError(t, st.SavePractice(ctx, 5, "2026-01-01", 120))
			require.NoError(t, st.SavePractice(ctx, 5, "2026-01-02", 60))

			logs, err := st.PracticeLogs(ctx, 5)
			require.NoError(t, err)
			assert.Equal(t, []PracticeLog{{Day: "2026-01-01", Seconds: 120}, {Day: "2026-01-02", Seconds: 360}}, logs)

			require.NoError(t, st.ResetPractice(ctx, 5))
			logs, err = st.PracticeLogs(ctx, 5)
			require.NoError(t, err)
			assert.Empty(t, logs)

			_, ok, err := st.GetSetting(ctx, SettingStreamLink)
			require.NoError(t, err)
			assert.False(t, ok)
			require.NoError(t, st.SetSetting(ctx, SettingStreamLink, "https://example.com/live"))
			v, ok, err := st.GetSetting(ctx, SettingStreamLink)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "https://example.com/live", v)
			require.NoError(t, st.SetSetting(ctx, SettingStreamLink, ""))
			_, ok, err = st.GetSetting(ctx, SettingStreamLink)
			require.NoError(t, err)
			assert.False(t, ok)

			for want := int64(1); want <= 3; want++ {
				got, err := st.IncrementCounter(ctx, "broadcast_sent")
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}
			c, err := st.Counter(ctx, "missing")
			require.NoError(t, err)
			assert.Zero(t, c)

			require.NoError(t, st.UpsertUser(ctx, User{ID: 5}))
			require.NoError(t, st.MarkPurchased(ctx, 5, "pay-1"))
			require.NoError(t, st.MarkPurchased(ctx, 6, "pay-2"))
			buyers, err := st.BuyersCount(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, buyers)

			stats, err := st.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, stats.Total)
			assert.Equal(t, 2, stats.Buyers)
		})
	}
}

func TestMemorySnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	st, err := Open(Config{Driver: "memory", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.UpsertUser(ctx, User{ID: 9, Username: "zed"}))
	_, err = st.SetRegistered(ctx, 9)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = st.GetUser(ctx, 9)
	assert.ErrorIs(t, err, ErrClosed)

	st, err = Open(Config{Driver: "memory", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	u, err := st.GetUser(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, "zed", u.Username)
	assert.True(t, u.Registered)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "oracle"}, logx.Nop())
	require.Error(t, err)
}
