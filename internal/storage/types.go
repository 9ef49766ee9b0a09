package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Platform is the stats namespace used for every metric row.
const Platform = "discord"

// Stat metric names.
const (
	MetricMessageCount = "message_count"
	MetricGuildCount   = "guild_count"
	MetricUserCount    = "user_count"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": PostgreSQL via DSN
//   - "redis": Redis document layout
//   - "memory": process-local, lost on restart
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Obligation records that UserID owes a response to MessageID in ChannelID.
// CreatedAt is assigned by the backend, not the caller.
type Obligation struct {
	MessageID string
	ChannelID string
	UserID    string
	CreatedAt time.Time
}

// Obligations is the pending-response store.
//
// Save reports created=false (and no error) when the (message, user) pair already exists.
// Deletes never fail on missing rows.
type Obligations interface {
	SaveObligation(ctx context.Context, messageID, channelID, userID string) (o Obligation, created bool, err error)
	ObligationExists(ctx context.Context, messageID, userID string) (bool, error)
	DeleteObligation(ctx context.Context, messageID, userID string) error
	// DeleteChannelObligations removes every obligation userID owes in channelID.
	DeleteChannelObligations(ctx context.Context, channelID, userID string) (int, error)
	// ExpiredObligations returns obligations older than threshold, in no particular order.
	ExpiredObligations(ctx context.Context, threshold time.Duration) ([]Obligation, error)
}

// Stats persists platform counters.
type Stats interface {
	IncrementStat(ctx context.Context, metric string) error
	SetStat(ctx context.Context, metric string, value int64) error
	Stat(ctx context.Context, metric string) (int64, error)
}

type Store interface {
	Obligations
	Stats
	Close() error
}
