package storage

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funnelbot/pkg/logx"
)

func newMockStore(t *testing.T) (*sqliteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return newSQLiteStore(db, logx.Nop()), mock
}

func TestSQLiteWrapsDriverErrors(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	boom := errors.New("disk I/O error")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT user_id FROM users WHERE is_active = 1 AND registered = 1`)).
		WillReturnError(boom)

	_, err := st.RegisteredRecipients(context.Background())
	require.Error(t, err)

	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "registered recipients", pe.Op)
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteSetInactiveError(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET is_active = 0 WHERE user_id = ?`)).
		WithArgs(int64(42)).
		WillReturnError(sql.ErrConnDone)

	err := st.SetInactive(context.Background(), 42)
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteAddReferralsRollsBack(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT friend FROM referrals WHERE user_id = ?`)).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"friend"}))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO referrals`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO referrals`)).
		WillReturnError(errors.New("constraint failed"))
	mock.ExpectRollback()

	got, added, err := st.AddReferrals(context.Background(), 3, []string{"@a", "@b"})
	require.Error(t, err)
	assert.False(t, added)
	assert.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteGetUserNotFound(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE user_id = ?`)).
		WithArgs(int64(1)).
		WillReturnError(sql.ErrNoRows)

	_, err := st.GetUser(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotFound)
	var pe *PersistenceError
	assert.False(t, errors.As(err, &pe))
}
