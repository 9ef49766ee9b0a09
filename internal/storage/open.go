package storage

import (
	"errors"
	"strings"

	logx "stillwaiting/pkg/logx"
)

// Open initializes the configured store.
// An empty driver selects sqlite. "none" is rejected: the bot cannot run without obligations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	case "memory":
		return NewMemory(nil), nil
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
