package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "1h", "24h").
// Secrets may be left out of the file and supplied through the environment (see Env).
type Config struct {
	Discord   DiscordConfig   `json:"discord"`
	Logging   LoggingConfig   `json:"logging"`
	Reminder  ReminderConfig  `json:"reminder"`
	Stats     StatsConfig     `json:"stats"`
	Notifier  NotifierConfig  `json:"notifier"`
	Storage   StorageConfig   `json:"storage"`
	Health    HealthConfig    `json:"health"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

type DiscordConfig struct {
	Token string `json:"token,omitempty"` // do not log
	// LogChannelID receives log lines when logging.discord.enabled is set.
	LogChannelID string `json:"log_channel_id,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Discord LoggingDiscord `json:"discord"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingDiscord struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// ReminderConfig controls obligation expiry and reminder rendering.
//
// Defaults:
//   - threshold: "24h"
//   - interval: "1h"
//   - align_to_hour: true
//   - max_targets: 20
type ReminderConfig struct {
	Threshold   string          `json:"threshold,omitempty"`
	Interval    string          `json:"interval,omitempty"`
	AlignToHour *bool           `json:"align_to_hour,omitempty"`
	MaxTargets  int             `json:"max_targets,omitempty"`
	Templates   TemplatesConfig `json:"templates"`
}

// TemplatesConfig holds reminder text.
//
// Placeholders: {user_mention} and {message_link} in Line, {limit} in SizeLimit.
type TemplatesConfig struct {
	Header    string `json:"header,omitempty"`
	Line      string `json:"line,omitempty"`
	Footer    string `json:"footer,omitempty"`
	SizeLimit string `json:"size_limit,omitempty"`
}

// StatsConfig controls the stats sink.
//
// user_count_schedule is a cron expression, a duration, seconds, or HH:MM
// (default "24h"). "off" disables the periodic user count refresh.
type StatsConfig struct {
	Enabled           *bool  `json:"enabled,omitempty"`
	UserCountSchedule string `json:"user_count_schedule,omitempty"`
}

// NotifierConfig controls outbound message pacing and retry.
//
// Defaults: min_interval "1s", retry_max 3, retry_base "500ms", retry_max_delay "10s",
// send_timeout "15s".
type NotifierConfig struct {
	MinInterval   string `json:"min_interval,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

// StorageConfig selects the obligation backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/stillwaiting.db" }
type StorageConfig struct {
	Driver      string      `json:"driver,omitempty"`
	Path        string      `json:"path,omitempty"`
	DSN         string      `json:"dsn,omitempty"` // postgres; do not log
	BusyTimeout string      `json:"busy_timeout,omitempty"`
	Redis       RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// HealthConfig controls the liveness HTTP server.
type HealthConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"` // default ":8080"
	Metrics bool   `json:"metrics"`
	// Pprof mounts /debug/pprof. Prefer a loopback addr when enabled.
	Pprof bool `json:"pprof"`
}

type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
}

// BoolOr returns *p, or def when p is nil.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
