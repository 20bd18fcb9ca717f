package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funnelbot/internal/eventbus"
	"funnelbot/internal/task/engine"
	"funnelbot/pkg/logx"
)

// 2026-01-05 is a Monday.
var t0 = time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

type recorder struct {
	mu    sync.Mutex
	calls []Action
}

func (r *recorder) handle(_ context.Context, a Action) error {
	r.mu.Lock()
	r.calls = append(r.calls, a)
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Action(nil), r.calls...)
}

func newTestScheduler(t *testing.T) (*Service, *clockwork.FakeClock, *eventbus.MemBus) {
	t.Helper()
	bus := eventbus.New()
	eng := engine.New(engine.Config{}, logx.Nop(), bus)
	eng.Start(context.Background())
	clock := clockwork.NewFakeClockAt(t0)
	s := New(Config{Location: time.UTC}, eng, logx.Nop(), bus, WithClock(clock))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		_ = eng.Stop(ctx)
	})
	return s, clock, bus
}

func blockUntil(t *testing.T, c *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.BlockUntilContext(ctx, n))
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestScheduler(t)
	assert.ErrorIs(t, s.Register(Job{Policy: At(t0.Add(time.Minute)), Action: Action{Kind: "warmup"}}), ErrEmptyName)
	assert.ErrorIs(t, s.Register(Job{Name: "x", Action: Action{Kind: "warmup"}}), ErrNoPolicy)
	assert.ErrorIs(t, s.Register(Job{Name: "x", Policy: At(time.Time{}), Action: Action{Kind: "warmup"}}), ErrNoPolicy)
	assert.ErrorIs(t, s.Register(Job{Name: "x", Policy: At(t0.Add(time.Minute))}), ErrNoKind)

	_, err := Weekly(time.Monday, 24, 0)
	assert.ErrorIs(t, err, ErrInvalidTime)
}

func TestJobsFireInOrder(t *testing.T) {
	t.Parallel()

	s, clock, _ := newTestScheduler(t)
	rec := &recorder{}
	s.Handle("warmup", rec.handle)

	require.NoError(t, s.Register(Job{Name: "warmup_2", Policy: At(t0.Add(2 * time.Minute)), Action: Action{Kind: "warmup", N: 2}}))
	require.NoError(t, s.Register(Job{Name: "warmup_1", Policy: At(t0.Add(time.Minute)), Action: Action{Kind: "warmup", N: 1}}))

	pending := s.ListPending()
	require.Len(t, pending, 2)
	assert.Equal(t, "warmup_1", pending[0].Name)
	assert.Equal(t, t0.Add(time.Minute), pending[0].Next)

	s.Start(context.Background())
	blockUntil(t, clock, 2)

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.snapshot()[0].N)

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, rec.snapshot()[1].N)
	assert.Empty(t, s.ListPending())
}

func TestRegisterReplacesByName(t *testing.T) {
	t.Parallel()

	s, clock, _ := newTestScheduler(t)
	rec := &recorder{}
	s.Handle("warmup", rec.handle)
	s.Start(context.Background())

	require.NoError(t, s.Register(Job{Name: "warmup_1", Policy: At(t0.Add(time.Minute)), Action: Action{Kind: "warmup", N: 1}}))
	require.NoError(t, s.Register(Job{Name: "warmup_1", Policy: At(t0.Add(2 * time.Minute)), Action: Action{Kind: "warmup", N: 9}}))
	require.Len(t, s.ListPending(), 1)

	blockUntil(t, clock, 1)
	clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	calls := rec.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, 9, calls[0].N)
}

func TestPastDueIsSkipped(t *testing.T) {
	t.Parallel()

	s, _, bus := newTestScheduler(t)
	events, unsub := bus.Subscribe(8)
	defer unsub()

	require.NoError(t, s.Register(Job{Name: "warmup_1", Policy: At(t0.Add(-time.Second)), Action: Action{Kind: "warmup", N: 1}}))
	require.NoError(t, s.Register(Job{Name: "now", Policy: At(t0), Action: Action{Kind: "warmup", N: 2}}))
	assert.Empty(t, s.ListPending())
	_, ok := s.Next("warmup_1")
	assert.False(t, ok)

	ev := <-events
	assert.Equal(t, eventbus.JobSkipped, ev.Type)
	assert.Equal(t, "warmup_1", ev.Data.(SkippedEvent).Name)
}

func TestRegisteredWhileStoppedArmsOnStart(t *testing.T) {
	t.Parallel()

	s, clock, _ := newTestScheduler(t)
	rec := &recorder{}
	s.Handle("start_reminder", rec.handle)
	require.NoError(t, s.Register(Job{Name: "reminder_start", Policy: At(t0.Add(time.Hour)), Action: Action{Kind: "start_reminder"}}))

	s.Start(context.Background())
	blockUntil(t, clock, 1)
	clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestWeeklyRearms(t *testing.T) {
	t.Parallel()

	s, clock, _ := newTestScheduler(t)
	rec := &recorder{}
	s.Handle("admin_digest", rec.handle)
	s.Start(context.Background())

	p, err := Weekly(time.Monday, 10, 30)
	require.NoError(t, err)
	require.NoError(t, s.Register(Job{Name: "admin_digest", Policy: p, Action: Action{Kind: "admin_digest"}}))

	next, ok := s.Next("admin_digest")
	require.True(t, ok)
	assert.Equal(t, t0.Add(30*time.Minute), next)

	blockUntil(t, clock, 1)
	clock.Advance(30 * time.Minute)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		next, ok := s.Next("admin_digest")
		return ok && next.Equal(t0.Add(7*24*time.Hour+30*time.Minute))
	}, 5*time.Second, 5*time.Millisecond)
	assert.True(t, s.ListPending()[0].Recurring)
}

func TestPanickingActionDoesNotStopOthers(t *testing.T) {
	t.Parallel()

	s, clock, _ := newTestScheduler(t)
	rec := &recorder{}
	s.Handle("post_offer", func(context.Context, Action) error { panic("template missing") })
	s.Handle("warmup", rec.handle)
	s.Start(context.Background())

	require.NoError(t, s.Register(Job{Name: "deadline_3h", Policy: At(t0.Add(time.Minute)), Action: Action{Kind: "post_offer", N: 3}}))
	require.NoError(t, s.Register(Job{Name: "warmup_1", Policy: At(t0.Add(time.Minute)), Action: Action{Kind: "warmup", N: 1}}))
	require.NoError(t, s.Register(Job{Name: "warmup_2", Policy: At(t0.Add(2 * time.Minute)), Action: Action{Kind: "warmup", N: 2}}))

	blockUntil(t, clock, 3)
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 5*time.Second, 5*time.Millisecond)
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 5*time.Second, 5*time.Millisecond)
}

func TestClearAll(t *testing.T) {
	t.Parallel()

	s, clock, _ := newTestScheduler(t)
	rec := &recorder{}
	s.Handle("warmup", rec.handle)
	s.Start(context.Background())

	for i, name := range []string{"warmup_1", "warmup_2"} {
		require.NoError(t, s.Register(Job{Name: name, Policy: At(t0.Add(time.Duration(i+1) * time.Minute)), Action: Action{Kind: "warmup", N: i + 1}}))
	}
	p, err := Weekly(time.Tuesday, 9, 0)
	require.NoError(t, err)
	require.NoError(t, s.Register(Job{Name: "admin_digest", Policy: p, Action: Action{Kind: "admin_digest"}}))

	assert.Equal(t, 3, s.ClearAll())
	assert.Empty(t, s.ListPending())
	assert.False(t, s.Remove("warmup_1"))

	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestMissingHandlerFailsTask(t *testing.T) {
	t.Parallel()

	s, clock, bus := newTestScheduler(t)
	events, unsub := bus.Subscribe(32)
	defer unsub()
	s.Start(context.Background())
	require.NoError(t, s.Register(Job{Name: "orphan", Policy: At(t0.Add(time.Second)), Action: Action{Kind: "nothing"}}))
	blockUntil(t, clock, 1)
	clock.Advance(time.Second)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TaskFailed {
				assert.Contains(t, ev.Data.(engine.TaskEvent).Error, "no handler")
				return
			}
		case <-deadline:
			t.Fatal("no task.failed event")
		}
	}
}

func TestActionString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "warmup(3)", Action{Kind: "warmup", N: 3}.String())
	assert.Equal(t, "confirm_registration(user=42)", Action{Kind: "confirm_registration", UserID: 42}.String())
	assert.Equal(t, "start_reminder", Action{Kind: "start_reminder"}.String())
}
