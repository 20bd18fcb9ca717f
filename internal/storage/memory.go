package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"funnelbot/pkg/logx"
)

// memoryStore keeps everything in maps guarded by one mutex. When a path is
// configured the state is snapshotted as JSON every snapshotEvery writes and on Close.
type memoryStore struct {
	log logx.Logger
	now func() time.Time

	mu     sync.Mutex
	closed bool
	data   memoryData

	path          string
	writes        int
	snapshotEvery int
}

type memoryData struct {
	Users     map[int64]*User            `json:"users"`
	Referrals map[int64][]string         `json:"referrals"`
	Practice  map[int64]map[string]int64 `json:"practice"`
	Settings  map[string]string          `json:"settings"`
	Counters  map[string]int64           `json:"counters"`
}

func newMemoryData() memoryData {
	return memoryData{
		Users:     map[int64]*User{},
		Referrals: map[int64][]string{},
		Practice:  map[int64]map[string]int64{},
		Settings:  map[string]string{},
		Counters:  map[string]int64{},
	}
}

// NewMemory returns an unpersisted store. Tests and the plan command use it.
func NewMemory() Store {
	return &memoryStore{log: logx.Nop(), now: time.Now, data: newMemoryData()}
}

func openMemory(cfg Config, log logx.Logger) (Store, error) {
	s := &memoryStore{log: log, now: time.Now, data: newMemoryData(), snapshotEvery: 50}
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		log.Info("storage opened", logx.String("driver", "memory"))
		return s, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, wrapErr("mkdir", err)
	}
	s.path = path
	if err := s.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, wrapErr("load snapshot", err)
	}
	log.Info("storage opened", logx.String("driver", "memory"), logx.String("path", path), logx.Int("users", len(s.data.Users)))
	return s, nil
}

func (s *memoryStore) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	d := newMemoryData()
	if err := json.Unmarshal(b, &d); err != nil {
		return err
	}
	// Nil maps come back for sections missing from older snapshots.
	fresh := newMemoryData()
	if d.Users == nil {
		d.Users = fresh.Users
	}
	if d.Referrals == nil {
		d.Referrals = fresh.Referrals
	}
	if d.Practice == nil {
		d.Practice = fresh.Practice
	}
	if d.Settings == nil {
		d.Settings = fresh.Settings
	}
	if d.Counters == nil {
		d.Counters = fresh.Counters
	}
	s.data = d
	return nil
}

func (s *memoryStore) snapshotLocked() error {
	if s.path == "" {
		return nil
	}
	tmp := s.path + ".tmp"
	b, err := json.Marshal(s.data)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// wrote must be called with mu held after every mutation.
func (s *memoryStore) wrote() {
	if s.path == "" {
		return
	}
	s.writes++
	if s.writes%s.snapshotEvery != 0 {
		return
	}
	if err := s.snapshotLocked(); err != nil {
		s.log.Warn("memory snapshot failed", logx.Err(err))
	}
}

func (s *memoryStore) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return wrapErr("snapshot", s.snapshotLocked())
}

func (s *memoryStore) UpsertUser(_ context.Context, u User) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if cur, ok := s.data.Users[u.ID]; ok {
		cur.Username, cur.FullName, cur.Active = u.Username, u.FullName, true
	} else {
		s.data.Users[u.ID] = &User{
			ID: u.ID, Username: u.Username, FullName: u.FullName,
			ReferredBy: u.ReferredBy, JoinedAt: s.now().UTC(), Active: true,
		}
	}
	s.wrote()
	return nil
}

func (s *memoryStore) GetUser(_ context.Context, id int64) (User, error) {
	if err := s.lock(); err != nil {
		return User{}, err
	}
	defer s.mu.Unlock()
	u, ok := s.data.Users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return *u, nil
}

func (s *memoryStore) selectIDs(keep func(u *User) bool) ([]int64, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	var out []int64
	for id, u := range s.data.Users {
		if keep(u) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *memoryStore) ActiveRecipients(context.Context) ([]int64, error) {
	return s.selectIDs(func(u *User) bool { return u.Active })
}

func (s *memoryStore) RegisteredRecipients(context.Context) ([]int64, error) {
	return s.selectIDs(func(u *User) bool { return u.Active && u.Registered })
}

// userLocked returns the user, creating a bare record when missing.
func (s *memoryStore) userLocked(id int64) *User {
	u, ok := s.data.Users[id]
	if !ok {
		u = &User{ID: id, JoinedAt: s.now().UTC(), Active: true}
		s.data.Users[id] = u
	}
	return u
}

func (s *memoryStore) SetInactive(_ context.Context, id int64) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if u, ok := s.data.Users[id]; ok {
		u.Active = false
		s.wrote()
	}
	return nil
}

func (s *memoryStore) SetRegistered(_ context.Context, id int64) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	u := s.userLocked(id)
	if u.Registered {
		return true, nil
	}
	u.Registered, u.RegisteredAt = true, s.now().UTC()
	s.wrote()
	return false, nil
}

func (s *memoryStore) ResetRegistration(_ context.Context, id int64) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if u, ok := s.data.Users[id]; ok {
		u.Registered, u.RegisteredAt = false, time.Time{}
	}
	delete(s.data.Referrals, id)
	s.wrote()
	return nil
}

func (s *memoryStore) MarkPurchased(_ context.Context, id int64, paymentID string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	u := s.userLocked(id)
	u.Purchased, u.PaymentID = true, paymentID
	s.wrote()
	return nil
}

func (s *memoryStore) BuyersCount(context.Context) (int, error) {
	ids, err := s.selectIDs(func(u *User) bool { return u.Purchased })
	return len(ids), err
}

func (s *memoryStore) AddReferrals(_ context.Context, id int64, friends []string) ([]string, bool, error) {
	if err := s.lock(); err != nil {
		return nil, false, err
	}
	defer s.mu.Unlock()
	if cur := s.data.Referrals[id]; len(cur) > 0 {
		return append([]string(nil), cur...), false, nil
	}
	s.data.Referrals[id] = append([]string(nil), friends...)
	s.wrote()
	return append([]string(nil), friends...), true, nil
}

func (s *memoryStore) Referrals(_ context.Context, id int64) ([]string, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return append([]string(nil), s.data.Referrals[id]...), nil
}

func (s *memoryStore) invitedLocked(id int64) int {
	n := 0
	for _, u := range s.data.Users {
		if u.ReferredBy == id {
			n++
		}
	}
	return n
}

func (s *memoryStore) InvitedCount(_ context.Context, id int64) (int, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return s.invitedLocked(id), nil
}

func (s *memoryStore) RaffleParticipants(_ context.Context, minInvited int) ([]User, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	var out []User
	for id, u := range s.data.Users {
		if len(s.data.Referrals[id]) > 0 || (minInvited > 0 && s.invitedLocked(id) >= minInvited) {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) SavePractice(_ context.Context, id int64, day string, seconds int64) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	m := s.data.Practice[id]
	if m == nil {
		m = map[string]int64{}
		s.data.Practice[id] = m
	}
	m[day] += seconds
	s.wrote()
	return nil
}

func (s *memoryStore) PracticeLogs(_ context.Context, id int64) ([]PracticeLog, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	var out []PracticeLog
	for day, sec := range s.data.Practice[id] {
		out = append(out, PracticeLog{Day: day, Seconds: sec})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out, nil
}

func (s *memoryStore) ResetPractice(_ context.Context, id int64) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	delete(s.data.Practice, id)
	s.wrote()
	return nil
}

func (s *memoryStore) GetSetting(_ context.Context, key string) (string, bool, error) {
	if err := s.lock(); err != nil {
		return "", false, err
	}
	defer s.mu.Unlock()
	v, ok := s.data.Settings[key]
	return v, ok, nil
}

func (s *memoryStore) SetSetting(_ context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("storage: empty setting key")
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if value == "" {
		delete(s.data.Settings, key)
	} else {
		s.data.Settings[key] = value
	}
	s.wrote()
	return nil
}

func (s *memoryStore) IncrementCounter(_ context.Context, key string) (int64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	s.data.Counters[key]++
	s.wrote()
	return s.data.Counters[key], nil
}

func (s *memoryStore) Counter(_ context.Context, key string) (int64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return s.data.Counters[key], nil
}

func (s *memoryStore) Stats(context.Context) (Stats, error) {
	if err := s.lock(); err != nil {
		return Stats{}, err
	}
	defer s.mu.Unlock()
	var st Stats
	for _, u := range s.data.Users {
		st.Total++
		if u.Active {
			st.Active++
		}
		if u.Registered {
			st.Registered++
		}
		if u.Purchased {
			st.Buyers++
		}
		if u.ReferredBy != 0 {
			st.Invited++
		}
	}
	for _, f := range s.data.Referrals {
		if len(f) > 0 {
			st.Participants++
		}
	}
	return st, nil
}
