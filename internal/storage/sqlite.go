package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"funnelbot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, wrapErr("mkdir", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrapErr("open", err)
	}
	// One connection serializes transactions, which keeps read-then-write
	// sequences atomic per key.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := newSQLiteStore(db, log)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return st, nil
}

func newSQLiteStore(db *sql.DB, log logx.Logger) *sqliteStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqliteStore{db: db, log: log, now: time.Now}
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migrations)
	return wrapErr("migrate", err)
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ts() string { return s.now().UTC().Format(time.RFC3339Nano) }

func parseTS(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *sqliteStore) UpsertUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(user_id, username, full_name, referred_by, joined_at, is_active)
		 VALUES(?,?,?,?,?,1)
		 ON CONFLICT(user_id) DO UPDATE SET
		   username=excluded.username, full_name=excluded.full_name, is_active=1`,
		u.ID, u.Username, u.FullName, u.ReferredBy, s.ts(),
	)
	return wrapErr("upsert user", err)
}

const userColumns = `user_id, username, full_name, referred_by, joined_at, is_active, registered, registered_at, purchased, payment_id`

type rowScanner interface{ Scan(dest ...any) error }

func scanUser(r rowScanner) (User, error) {
	var (
		u          User
		joined     sql.NullString
		registered sql.NullString
		payment    sql.NullString
	)
	if err := r.Scan(&u.ID, &u.Username, &u.FullName, &u.ReferredBy, &joined,
		&u.Active, &u.Registered, &registered, &u.Purchased, &payment); err != nil {
		return User{}, err
	}
	u.JoinedAt = parseTS(joined)
	u.RegisteredAt = parseTS(registered)
	u.PaymentID = payment.String
	return u, nil
}

func (s *sqliteStore) GetUser(ctx context.Context, id int64) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, wrapErr("get user", err)
}

func (s *sqliteStore) queryIDs(ctx context.Context, op, q string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr(op, err)
		}
		out = append(out, id)
	}
	return out, wrapErr(op, rows.Err())
}

func (s *sqliteStore) ActiveRecipients(ctx context.Context) ([]int64, error) {
	return s.queryIDs(ctx, "active recipients", `SELECT user_id FROM users WHERE is_active = 1 ORDER BY user_id`)
}

func (s *sqliteStore) RegisteredRecipients(ctx context.Context) ([]int64, error) {
	return s.queryIDs(ctx, "registered recipients",
		`SELECT user_id FROM users WHERE is_active = 1 AND registered = 1 ORDER BY user_id`)
}

func (s *sqliteStore) SetInactive(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET is_active = 0 WHERE user_id = ?`, id)
	return wrapErr("set inactive", err)
}

func (s *sqliteStore) SetRegistered(ctx context.Context, id int64) (bool, error) {
	var already bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT registered FROM users WHERE user_id = ?`, id).Scan(&already)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if already {
			return nil
		}
		now := s.ts()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO users(user_id, joined_at, registered, registered_at) VALUES(?,?,1,?)
			 ON CONFLICT(user_id) DO UPDATE SET registered=1, registered_at=excluded.registered_at`,
			id, now, now,
		)
		return err
	})
	return already, wrapErr("set registered", err)
}

func (s *sqliteStore) ResetRegistration(ctx context.Context, id int64) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET registered = 0, registered_at = NULL WHERE user_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM referrals WHERE user_id = ?`, id)
		return err
	})
	return wrapErr("reset registration", err)
}

func (s *sqliteStore) MarkPurchased(ctx context.Context, id int64, paymentID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(user_id, joined_at, purchased, payment_id) VALUES(?,?,1,?)
		 ON CONFLICT(user_id) DO UPDATE SET purchased=1, payment_id=excluded.payment_id`,
		id, s.ts(), nullStr(paymentID),
	)
	return wrapErr("mark purchased", err)
}

func (s *sqliteStore) count(ctx context.Context, op, q string, args ...any) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, wrapErr(op, err)
}

func (s *sqliteStore) BuyersCount(ctx context.Context) (int, error) {
	return s.count(ctx, "buyers count", `SELECT COUNT(*) FROM users WHERE purchased = 1`)
}

func (s *sqliteStore) AddReferrals(ctx context.Context, id int64, friends []string) ([]string, bool, error) {
	var (
		existing []string
		added    bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		existing, err = referralsTx(ctx, tx, id)
		if err != nil || len(existing) > 0 {
			return err
		}
		now := s.ts()
		for i, f := range friends {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO referrals(user_id, position, friend, created_at) VALUES(?,?,?,?)`,
				id, i, f, now); err != nil {
				return err
			}
		}
		existing = append([]string(nil), friends...)
		added = true
		return nil
	})
	if err != nil {
		return nil, false, wrapErr("add referrals", err)
	}
	return existing, added, nil
}

type querier interface {
	QueryContext(ctx context.Context, q string, args ...any) (*sql.Rows, error)
}

func referralsTx(ctx context.Context, q querier, id int64) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT friend FROM referrals WHERE user_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Referrals(ctx context.Context, id int64) ([]string, error) {
	out, err := referralsTx(ctx, s.db, id)
	return out, wrapErr("referrals", err)
}

func (s *sqliteStore) InvitedCount(ctx context.Context, id int64) (int, error) {
	return s.count(ctx, "invited count", `SELECT COUNT(*) FROM users WHERE referred_by = ?`, id)
}

func (s *sqliteStore) RaffleParticipants(ctx context.Context, minInvited int) ([]User, error) {
	if minInvited <= 0 {
		minInvited = 1 << 30
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users u
		 WHERE EXISTS (SELECT 1 FROM referrals r WHERE r.user_id = u.user_id)
		    OR (SELECT COUNT(*) FROM users i WHERE i.referred_by = u.user_id) >= ?
		 ORDER BY u.user_id`, minInvited)
	if err != nil {
		return nil, wrapErr("raffle participants", err)
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, wrapErr("raffle participants", err)
		}
		out = append(out, u)
	}
	return out, wrapErr("raffle participants", rows.Err())
}

func (s *sqliteStore) SavePractice(ctx context.Context, id int64, day string, seconds int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO practice(user_id, day, seconds) VALUES(?,?,?)
		 ON CONFLICT(user_id, day) DO UPDATE SET seconds = seconds + excluded.seconds`,
		id, day, seconds,
	)
	return wrapErr("save practice", err)
}

func (s *sqliteStore) PracticeLogs(ctx context.Context, id int64) ([]PracticeLog, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT day, seconds FROM practice WHERE user_id = ? ORDER BY day`, id)
	if err != nil {
		return nil, wrapErr("practice logs", err)
	}
	defer rows.Close()
	var out []PracticeLog
	for rows.Next() {
		var l PracticeLog
		if err := rows.Scan(&l.Day, &l.Seconds); err != nil {
			return nil, wrapErr("practice logs", err)
		}
		out = append(out, l)
	}
	return out, wrapErr("practice logs", rows.Err())
}

func (s *sqliteStore) ResetPractice(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM practice WHERE user_id = ?`, id)
	return wrapErr("reset practice", err)
}

func (s *sqliteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr("get setting", err)
	}
	return v, true, nil
}

func (s *sqliteStore) SetSetting(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("storage: empty setting key")
	}
	var err error
	if value == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	} else {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO settings(key, value) VALUES(?,?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	}
	return wrapErr("set setting", err)
}

func (s *sqliteStore) IncrementCounter(ctx context.Context, key string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO counters(key, value) VALUES(?, 1)
		 ON CONFLICT(key) DO UPDATE SET value = value + 1
		 RETURNING value`, key).Scan(&v)
	return v, wrapErr("increment counter", err)
}

func (s *sqliteStore) Counter(ctx context.Context, key string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM counters WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, wrapErr("counter", err)
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(is_active), 0),
		        COALESCE(SUM(registered), 0),
		        COALESCE(SUM(purchased), 0),
		        (SELECT COUNT(DISTINCT user_id) FROM referrals),
		        COALESCE(SUM(CASE WHEN referred_by != 0 THEN 1 ELSE 0 END), 0)
		 FROM users`).Scan(&st.Total, &st.Active, &st.Registered, &st.Buyers, &st.Participants, &st.Invited)
	return st, wrapErr("stats", err)
}

func (s *sqliteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
