package app

import (
	"strings"
	"time"

	"funnelbot/internal/api"
	"funnelbot/internal/broadcast"
	"funnelbot/internal/config"
	"funnelbot/internal/storage"
	"funnelbot/internal/task/engine"
	"funnelbot/internal/task/scheduler"
	"funnelbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.Telegram.LogChatID != 0,
			ChatID:     cfg.Telegram.LogChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	if te == nil {
		return engine.Config{}, nil
	}
	timeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		MaxConcurrent:  te.MaxConcurrent,
		DefaultTimeout: timeout,
		HistorySize:    te.HistorySize,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	loc, err := config.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return scheduler.Config{}, err
	}
	sc := scheduler.Config{Location: loc}
	if te := cfg.TaskEngine; te != nil {
		if sc.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
			return scheduler.Config{}, err
		}
	}
	return sc, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	if cfg.Broadcast == nil {
		return broadcast.Config{}, nil
	}
	raw := strings.TrimSpace(cfg.Broadcast.Interval)
	// "off" and negative durations disable pacing.
	if strings.EqualFold(raw, "off") {
		return broadcast.Config{Interval: -1}, nil
	}
	d, err := config.ParseDurationField("broadcast.interval", raw)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{Interval: d}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(sc.Driver),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
	}, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	read, err := config.ParseDurationField("api.read_timeout", cfg.API.ReadTimeout)
	if err != nil {
		return api.Config{}, err
	}
	write, err := config.ParseDurationField("api.write_timeout", cfg.API.WriteTimeout)
	if err != nil {
		return api.Config{}, err
	}
	out := api.Config{
		Addr:         cfg.API.Addr,
		AllowOrigin:  cfg.API.AllowOrigin,
		ReadTimeout:  read,
		WriteTimeout: write,
	}
	if cfg.Payments != nil {
		out.WebhookSecret = cfg.Payments.WebhookSecret
	}
	return out, nil
}
