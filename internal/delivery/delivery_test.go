package delivery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funnelbot/internal/transport/transporttest"
)

func TestDeliverText(t *testing.T) {
	t.Parallel()

	tr := transporttest.New()
	u := New(tr, "Markdown")
	require.NoError(t, u.Deliver(context.Background(), 1, Content{Text: "hello"}))

	sent := tr.SentTo(1)
	require.Len(t, sent, 1)
	assert.Equal(t, "hello", sent[0].Text)
	assert.Equal(t, "Markdown", sent[0].Opt.ParseMode)
	assert.Empty(t, sent[0].Opt.Buttons)
}

func TestDeliverVideoWithButton(t *testing.T) {
	t.Parallel()

	tr := transporttest.New()
	u := New(tr, "")
	err := u.Deliver(context.Background(), 2, Content{
		MediaRef: "BAAC-video",
		Caption:  "warmup",
		Button:   &Button{Text: "Join", Callback: "start_recommend"},
	})
	require.NoError(t, err)

	sent := tr.SentTo(2)
	require.Len(t, sent, 1)
	assert.Equal(t, "BAAC-video", sent[0].Video)
	assert.Equal(t, "warmup", sent[0].Caption)
	require.Len(t, sent[0].Opt.Buttons, 1)
	assert.Equal(t, "start_recommend", sent[0].Opt.Buttons[0][0].Callback)
}

func TestDeliverCaptionOnlyFallsBackToText(t *testing.T) {
	t.Parallel()

	tr := transporttest.New()
	require.NoError(t, New(tr, "").Deliver(context.Background(), 3, Content{Caption: "no video yet"}))
	assert.Equal(t, "no video yet", tr.SentTo(3)[0].Text)
}

func TestDeliverFailureIsTransportError(t *testing.T) {
	t.Parallel()

	tr := transporttest.New()
	tr.Fail(4)
	err := New(tr, "").Deliver(context.Background(), 4, Content{Text: "x"})

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, int64(4), te.Recipient)
	assert.ErrorIs(t, err, transporttest.ErrBlocked)
}

func TestDeliverRejectsInvalidContent(t *testing.T) {
	t.Parallel()

	u := New(transporttest.New(), "")
	assert.ErrorIs(t, u.Deliver(context.Background(), 1, Content{}), ErrEmptyContent)
	assert.Error(t, u.Deliver(context.Background(), 1, Content{Text: "x", Button: &Button{Text: "b"}}))
}
