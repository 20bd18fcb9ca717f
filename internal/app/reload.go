package app

import (
	"context"
	"slices"
	"strings"

	"funnelbot/internal/campaign"
	"funnelbot/internal/config"
	"funnelbot/internal/eventbus"
	"funnelbot/pkg/logx"
	"funnelbot/pkg/systemd"
)

// applyConfig fans a committed config out to the live services. Sections
// that cannot change at runtime are reported and left alone.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed in sections that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	if slices.Contains(sections, "logging") || slices.Contains(sections, "telegram") {
		a.logs.Apply(mapLogConfig(next))
	}
	if slices.Contains(sections, "task_engine") {
		if ec, err := mapEngineConfig(next); err != nil {
			a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		} else {
			a.engine.Apply(ec)
		}
	}
	if slices.Contains(sections, "scheduler") || slices.Contains(sections, "task_engine") {
		if sc, err := mapSchedulerConfig(next); err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			a.sched.Apply(sc)
		}
	}
	if slices.Contains(sections, "broadcast") {
		if bc, err := mapBroadcastConfig(next); err != nil {
			a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
		} else {
			a.bc.Apply(bc)
		}
	}
	if a.api != nil && (slices.Contains(sections, "payments") || slices.Contains(sections, "api")) {
		if ac, err := mapAPIConfig(next); err != nil {
			a.log.Warn("invalid api config; keeping previous", logx.Err(err))
		} else {
			a.api.Apply(ac)
		}
	}

	if slices.Contains(sections, "campaign") || slices.Contains(sections, "scheduler") || slices.Contains(sections, "telegram") {
		a.applyCampaign(ctx, prev, next)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: a.clock.Now(), Data: sections})
	a.log.Info("config reloaded", fields...)
}

// applyCampaign publishes new settings and rebuilds the production
// schedule. A new campaign.event_at drops the /set_event override.
func (a *App) applyCampaign(ctx context.Context, prev, next *config.Config) {
	settings, err := campaign.SettingsFromConfig(next)
	if err != nil {
		a.log.Warn("invalid campaign config; keeping previous", logx.Err(err))
		return
	}
	old := a.holder.Load()
	if settings.BotUsername == "" && old != nil {
		settings.BotUsername = old.BotUsername
	}
	a.holder.Store(settings)

	if strings.TrimSpace(prev.Campaign.EventAt) != strings.TrimSpace(next.Campaign.EventAt) {
		if err := a.anchors.ClearOverride(ctx); err != nil {
			a.log.Warn("anchor override not cleared", logx.Err(err))
		}
	}
	a.rebuild(ctx, "config")
}
