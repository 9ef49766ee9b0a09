package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"stillwaiting/internal/scheduler"
)

const (
	DefaultHeader    = "## Still Waiting Reminders\n"
	DefaultLine      = "- {user_mention} You haven't responded in {message_link}'s channel/thread\n"
	DefaultFooter    = "To avoid being reminded next time, please send a message in the channel/thread or leave a stamp directly on the mentioned message."
	DefaultSizeLimit = "The reminders will not be sent to these members even if they don't reply, since the number of the role members exceeds the limit of {limit}."

	DefaultThreshold         = 24 * time.Hour
	DefaultInterval          = time.Hour
	DefaultMaxTargets        = 20
	DefaultUserCountSchedule = "24h"
	ScheduleOff              = "off"
	DefaultStoragePath       = "./data/stillwaiting.db"
	DefaultHealthAddr        = ":8080"
)

// Runtime is the resolved, typed view of Config that components consume.
type Runtime struct {
	Token        string
	LogChannelID string

	Reminder  Reminder
	Stats     Stats
	Notifier  Notifier
	Storage   StorageConfig
	StorageBT time.Duration
	Health    Health
	Timezone  *time.Location
}

type Reminder struct {
	Threshold   time.Duration
	Interval    time.Duration
	AlignToHour bool
	MaxTargets  int
	Templates   TemplatesConfig
}

type Stats struct {
	Enabled bool
	// UserCountSchedule is a validated schedule string, or ScheduleOff.
	UserCountSchedule string
}

type Notifier struct {
	MinInterval   time.Duration
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

type Health struct {
	Enabled bool
	Addr    string
	Metrics bool
	Pprof   bool
}

// Resolve applies defaults and parses every duration. The returned error
// names the offending field.
func Resolve(cfg *Config) (Runtime, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	var (
		rt   Runtime
		errs []error
		err  error
	)
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, e := ParseDurationOrDefault(path, raw, def)
		if e != nil {
			errs = append(errs, e)
		}
		return d
	}

	rt.Token = strings.TrimSpace(cfg.Discord.Token)
	rt.LogChannelID = strings.TrimSpace(cfg.Discord.LogChannelID)

	r := cfg.Reminder
	rt.Reminder = Reminder{
		Threshold:   dur("reminder.threshold", r.Threshold, DefaultThreshold),
		Interval:    dur("reminder.interval", r.Interval, DefaultInterval),
		AlignToHour: BoolOr(r.AlignToHour, true),
		MaxTargets:  r.MaxTargets,
		Templates:   r.Templates,
	}
	if rt.Reminder.MaxTargets < 0 {
		errs = append(errs, errors.New("reminder.max_targets: must be >= 0"))
	}
	if rt.Reminder.MaxTargets == 0 {
		rt.Reminder.MaxTargets = DefaultMaxTargets
	}
	t := &rt.Reminder.Templates
	if t.Header == "" {
		t.Header = DefaultHeader
	}
	if t.Line == "" {
		t.Line = DefaultLine
	}
	if t.Footer == "" {
		t.Footer = DefaultFooter
	}
	if t.SizeLimit == "" {
		t.SizeLimit = DefaultSizeLimit
	}
	if !strings.Contains(t.Line, "{user_mention}") {
		errs = append(errs, errors.New("reminder.templates.line: missing {user_mention}"))
	}

	rt.Stats = Stats{
		Enabled:           BoolOr(cfg.Stats.Enabled, true),
		UserCountSchedule: strings.TrimSpace(cfg.Stats.UserCountSchedule),
	}
	switch spec := rt.Stats.UserCountSchedule; {
	case spec == "":
		rt.Stats.UserCountSchedule = DefaultUserCountSchedule
	case strings.EqualFold(spec, ScheduleOff):
		rt.Stats.UserCountSchedule = ScheduleOff
	default:
		if _, err := scheduler.ParseSchedule(spec); err != nil {
			errs = append(errs, fmt.Errorf("stats.user_count_schedule: %w", err))
		}
	}

	n := cfg.Notifier
	rt.Notifier = Notifier{
		MinInterval:   dur("notifier.min_interval", n.MinInterval, time.Second),
		RetryMax:      n.RetryMax,
		RetryBase:     dur("notifier.retry_base", n.RetryBase, 500*time.Millisecond),
		RetryMaxDelay: dur("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second),
		SendTimeout:   dur("notifier.send_timeout", n.SendTimeout, 15*time.Second),
	}
	if rt.Notifier.RetryMax <= 0 {
		rt.Notifier.RetryMax = 3
	}

	rt.Storage = cfg.Storage
	rt.Storage.Driver = strings.ToLower(strings.TrimSpace(rt.Storage.Driver))
	if rt.Storage.Driver == "" {
		rt.Storage.Driver = "sqlite"
	}
	switch rt.Storage.Driver {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(rt.Storage.Path) == "" {
			rt.Storage.Path = DefaultStoragePath
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(rt.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn: required for postgres"))
		}
	case "redis":
		if strings.TrimSpace(rt.Storage.Redis.Addr) == "" {
			errs = append(errs, errors.New("storage.redis.addr: required for redis"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", rt.Storage.Driver))
	}
	rt.StorageBT = dur("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)

	rt.Health = Health{
		Enabled: BoolOr(cfg.Health.Enabled, true),
		Addr:    strings.TrimSpace(cfg.Health.Addr),
		Metrics: cfg.Health.Metrics,
		Pprof:   cfg.Health.Pprof,
	}
	if rt.Health.Addr == "" {
		rt.Health.Addr = DefaultHealthAddr
	}

	rt.Timezone = time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if rt.Timezone, err = time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
			rt.Timezone = time.Local
		}
	}

	return rt, errors.Join(errs...)
}

// Validate checks cfg the way Resolve does and additionally requires a bot token.
func Validate(cfg *Config) error {
	rt, err := Resolve(cfg)
	if err != nil {
		return err
	}
	if rt.Token == "" {
		return errors.New("discord.token: required (set DISCORD_TOKEN)")
	}
	return nil
}
