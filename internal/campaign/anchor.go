package campaign

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"funnelbot/internal/config"
	"funnelbot/internal/storage"
)

// SettingStore is the part of storage.Store that keeps the anchor override.
type SettingStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// AnchorSource resolves the event time: a value stored by /set_event wins
// over campaign.event_at.
type AnchorSource struct {
	store  SettingStore
	holder *Holder
}

func NewAnchorSource(store SettingStore, holder *Holder) *AnchorSource {
	return &AnchorSource{store: store, holder: holder}
}

// Resolve returns the anchor and where it came from ("override", "config").
// A zero time means no anchor is configured.
func (a *AnchorSource) Resolve(ctx context.Context) (time.Time, string, error) {
	s := a.holder.Load()
	raw, ok, err := a.store.GetSetting(ctx, storage.SettingEventAt)
	if err != nil {
		return time.Time{}, "", errors.Wrap(err, "read anchor override")
	}
	if ok && raw != "" {
		t, err := config.ParseEventTime(raw, s.Location)
		if err == nil {
			return t, "override", nil
		}
		return time.Time{}, "", configErr("event_at", "stored override: %v", err)
	}
	return s.EventAt, "config", nil
}

// Override stores t as the anchor.
func (a *AnchorSource) Override(ctx context.Context, t time.Time) error {
	loc := a.holder.Load().Location
	return a.store.SetSetting(ctx, storage.SettingEventAt, t.In(loc).Format(config.EventTimeLayout))
}

// ClearOverride drops the stored anchor so campaign.event_at applies again.
func (a *AnchorSource) ClearOverride(ctx context.Context) error {
	return a.store.SetSetting(ctx, storage.SettingEventAt, "")
}
