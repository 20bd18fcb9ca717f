package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubC()

	b.Publish(Event{Type: JobFired, Data: "warmup_1"})

	ea := <-a
	ec := <-c
	assert.Equal(t, JobFired, ea.Type)
	assert.Equal(t, "warmup_1", ec.Data)
	assert.False(t, ea.Time.IsZero())

	unsubA()
	unsubA()
	_, ok := <-a
	assert.False(t, ok)

	// Publishing after an unsubscribe must not panic.
	b.Publish(Event{Type: JobFired})
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TaskStarted})
	b.Publish(Event{Type: TaskFinished})

	require.Len(t, ch, 1)
	assert.Equal(t, TaskStarted, (<-ch).Type)
	assert.EqualValues(t, 1, b.Dropped())
}

func TestNopBus(t *testing.T) {
	t.Parallel()

	var b Bus = Nop{}
	b.Publish(Event{Type: TaskFailed})
	ch, unsub := b.Subscribe(4)
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
}
