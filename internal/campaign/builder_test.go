package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funnelbot/internal/config"
	"funnelbot/internal/task/scheduler"
)

func TestBuildProductionSkipsPastSteps(t *testing.T) {
	t.Parallel()

	loc := moscow(t)
	anchor := time.Date(2026, 1, 5, 19, 0, 0, 0, loc)
	f := newFixture(t, testConfig(), anchor.Add(-48*time.Hour))

	plan, err := f.builder.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "production", plan.Mode)
	assert.True(t, anchor.Equal(plan.Anchor))
	assert.Equal(t, []string{"warmup_1", "warmup_2"}, names(plan.Skipped))
	assert.Equal(t, []string{"warmup_3", "warmup_4", "reminder_start", "warmup_5", "deadline_3h", "deadline_1h", "offer_closed"}, names(plan.Registered))

	pending := f.sched.ListPending()
	require.Len(t, pending, 7)
	assert.Equal(t, "warmup_3", pending[0].Name)
	assert.True(t, time.Date(2026, 1, 4, 19, 0, 0, 0, loc).Equal(pending[0].Next))
}

func TestBuildProductionAllFuture(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC))
	plan, err := f.builder.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Len(t, plan.Registered, 9)
	assert.Empty(t, plan.Skipped)

	pending := f.sched.ListPending()
	for i := 1; i < len(pending); i++ {
		assert.True(t, pending[i].Next.After(pending[i-1].Next))
	}
}

func TestRebuildIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC))
	_, err := f.builder.Rebuild(context.Background())
	require.NoError(t, err)
	first := f.sched.ListPending()

	plan, err := f.builder.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, plan.Cleared)
	assert.Equal(t, first, f.sched.ListPending())
}

func TestInvalidAnchorKeepsExistingSchedule(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC))
	_, err := f.builder.Rebuild(context.Background())
	require.NoError(t, err)

	_, err = f.builder.BuildProduction(time.Time{})
	var ce *ScheduleConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "campaign.event_at", ce.Field)
	assert.Len(t, f.sched.ListPending(), 9)
}

func TestMissingAnchorIsConfigError(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Campaign.EventAt = ""
	f := newFixture(t, cfg, time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC))
	_, err := f.builder.Rebuild(context.Background())
	var ce *ScheduleConfigError
	assert.ErrorAs(t, err, &ce)
	assert.Empty(t, f.sched.ListPending())
}

func TestAnchorOverrideWins(t *testing.T) {
	t.Parallel()

	loc := moscow(t)
	f := newFixture(t, testConfig(), time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC))
	moved := time.Date(2026, 2, 10, 18, 30, 0, 0, loc)
	require.NoError(t, f.anchors.Override(context.Background(), moved))

	plan, err := f.builder.Rebuild(context.Background())
	require.NoError(t, err)
	assert.True(t, moved.Equal(plan.Anchor))

	next, ok := f.sched.Next(JobReminderStart)
	require.True(t, ok)
	assert.True(t, moved.Equal(next))

	require.NoError(t, f.anchors.ClearOverride(context.Background()))
	a, source, err := f.anchors.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "config", source)
	assert.True(t, time.Date(2026, 1, 5, 19, 0, 0, 0, loc).Equal(a))
}

func TestBuildTestReplacesProduction(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, testConfig(), now)
	_, err := f.builder.Rebuild(context.Background())
	require.NoError(t, err)

	plan, err := f.builder.BuildTest(now)
	require.NoError(t, err)
	assert.Equal(t, "test", plan.Mode)
	assert.Len(t, plan.Registered, 6)

	pending := f.sched.ListPending()
	require.Len(t, pending, 6)
	for _, p := range pending {
		assert.Contains(t, p.Name, "test_")
	}
	assert.Equal(t, now.Add(time.Minute), pending[0].Next)
}

func TestRebuildKeepsPendingConfirmations(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, testConfig(), now)
	require.NoError(t, f.sched.Register(ConfirmJob(42, now.Add(30*time.Second))))

	_, err := f.builder.Rebuild(context.Background())
	require.NoError(t, err)
	next, ok := f.sched.Next("confirm_42")
	require.True(t, ok)
	assert.Equal(t, now.Add(30*time.Second), next)
}

func TestDigestIsRegistered(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Campaign.Digest = &config.DigestConfig{Weekday: "monday", At: "09:00"}
	f := newFixture(t, cfg, time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC))

	plan, err := f.builder.Rebuild(context.Background())
	require.NoError(t, err)
	assert.True(t, plan.Digest)

	var digest *scheduler.PendingJob
	for _, p := range f.sched.ListPending() {
		if p.Name == JobAdminDigest {
			p := p
			digest = &p
		}
	}
	require.NotNil(t, digest)
	assert.True(t, digest.Recurring)
	assert.Equal(t, time.Monday, digest.Next.In(moscow(t)).Weekday())
}
