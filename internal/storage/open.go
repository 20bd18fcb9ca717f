package storage

import (
	"strings"

	"github.com/cockroachdb/errors"

	"funnelbot/pkg/logx"
)

// Open initializes the configured store. An empty driver selects sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Path) == "" {
			cfg.Path = "./data/funnelbot.db"
		}
		return openSQLite(cfg, log)
	case "memory", "mem":
		return openMemory(cfg, log)
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}
