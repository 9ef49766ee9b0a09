package config

import (
	"sort"
	"strings"

	logx "stillwaiting/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	restart := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 20)

	// Discord (never log token)
	if oldCfg.Discord.Token != newCfg.Discord.Token ||
		strings.TrimSpace(oldCfg.Discord.LogChannelID) != strings.TrimSpace(newCfg.Discord.LogChannelID) {
		changed = append(changed, "discord")
		attrs = append(attrs,
			logx.Bool("discord.token_changed", oldCfg.Discord.Token != newCfg.Discord.Token),
			logx.Bool("discord.log_channel_set", strings.TrimSpace(newCfg.Discord.LogChannelID) != ""),
		)
		if oldCfg.Discord.Token != newCfg.Discord.Token {
			restart = append(restart, "discord")
		}
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.discord_enabled", newCfg.Logging.Discord.Enabled),
		)
	}

	o, n := oldCfg.Reminder, newCfg.Reminder
	if o.Threshold != n.Threshold || o.Interval != n.Interval || o.MaxTargets != n.MaxTargets ||
		BoolOr(o.AlignToHour, true) != BoolOr(n.AlignToHour, true) || o.Templates != n.Templates {
		changed = append(changed, "reminder")
		attrs = append(attrs,
			logx.String("reminder.threshold", n.Threshold),
			logx.String("reminder.interval", n.Interval),
			logx.Int("reminder.max_targets", n.MaxTargets),
			logx.Bool("reminder.templates_changed", o.Templates != n.Templates),
		)
	}

	if BoolOr(oldCfg.Stats.Enabled, true) != BoolOr(newCfg.Stats.Enabled, true) ||
		oldCfg.Stats.UserCountSchedule != newCfg.Stats.UserCountSchedule {
		changed = append(changed, "stats")
		attrs = append(attrs,
			logx.Bool("stats.enabled", BoolOr(newCfg.Stats.Enabled, true)),
			logx.String("stats.user_count_schedule", newCfg.Stats.UserCountSchedule),
		)
		// The sink and its metrics are built once.
		if BoolOr(oldCfg.Stats.Enabled, true) != BoolOr(newCfg.Stats.Enabled, true) {
			restart = append(restart, "stats.enabled")
		}
	}

	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.String("notifier.min_interval", newCfg.Notifier.MinInterval),
			logx.Int("notifier.retry_max", newCfg.Notifier.RetryMax),
		)
	}

	// Storage (never log dsn/password)
	oldS, newS := oldCfg.Storage, newCfg.Storage
	if oldS.Driver != newS.Driver || oldS.Path != newS.Path || oldS.DSN != newS.DSN || oldS.BusyTimeout != newS.BusyTimeout ||
		oldS.Redis != newS.Redis {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newS.DSN) != ""),
			logx.String("storage.redis_addr", strings.TrimSpace(newS.Redis.Addr)),
		)
		restart = append(restart, "storage")
	}

	if BoolOr(oldCfg.Health.Enabled, true) != BoolOr(newCfg.Health.Enabled, true) ||
		oldCfg.Health.Addr != newCfg.Health.Addr ||
		oldCfg.Health.Metrics != newCfg.Health.Metrics ||
		oldCfg.Health.Pprof != newCfg.Health.Pprof {
		changed = append(changed, "health")
		attrs = append(attrs,
			logx.Bool("health.enabled", BoolOr(newCfg.Health.Enabled, true)),
			logx.String("health.addr", strings.TrimSpace(newCfg.Health.Addr)),
			logx.Bool("health.metrics", newCfg.Health.Metrics),
			logx.Bool("health.pprof", newCfg.Health.Pprof),
		)
		restart = append(restart, "health")
	}

	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
		restart = append(restart, "scheduler")
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
