package audience

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funnelbot/internal/storage"
)

func TestSelectReflectsCurrentState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storage.NewMemory()
	defer st.Close()
	for _, id := range []int64{1, 2, 3} {
		require.NoError(t, st.UpsertUser(ctx, storage.User{ID: id}))
	}
	_, err := st.SetRegistered(ctx, 1)
	require.NoError(t, err)
	_, err = st.SetRegistered(ctx, 2)
	require.NoError(t, err)

	sel := NewSelector(st)
	got, err := sel.Select(ctx, RegisteredOnly)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, got)

	// State changes between two selections are visible immediately.
	require.NoError(t, st.SetInactive(ctx, 2))
	_, err = st.SetRegistered(ctx, 3)
	require.NoError(t, err)

	got, err = sel.Select(ctx, RegisteredOnly)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 3}, got)

	got, err = sel.Select(ctx, AllActive)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 3}, got)

	_, err = sel.Select(ctx, Mode(9))
	assert.ErrorIs(t, err, ErrUnknownMode)
}
