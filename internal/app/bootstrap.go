package app

import (
	"stillwaiting/internal/config"
	"stillwaiting/internal/mention"
	"stillwaiting/internal/notifier"
	"stillwaiting/internal/reminder"
	"stillwaiting/internal/transport/discord"
	logx "stillwaiting/pkg/logx"
)

func mapLogConfig(cfg *config.Config, rt config.Runtime) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Discord.Enabled,
			ChannelID:  rt.LogChannelID,
			MinLevel:   cfg.Logging.Discord.MinLevel,
			RatePerSec: cfg.Logging.Discord.RatePerSec,
		},
	}
}

func mapNotifierConfig(rt config.Runtime) notifier.Config {
	n := rt.Notifier
	return notifier.Config{
		MinInterval:   n.MinInterval,
		MaxLength:     discord.TextLimit,
		RetryMax:      n.RetryMax,
		RetryBase:     n.RetryBase,
		RetryMaxDelay: n.RetryMaxDelay,
		SendTimeout:   n.SendTimeout,
	}
}

func mapReminderConfig(rt config.Runtime) reminder.Config {
	t := rt.Reminder.Templates
	return reminder.Config{
		Threshold: rt.Reminder.Threshold,
		Templates: reminder.Templates{Header: t.Header, Line: t.Line, Footer: t.Footer},
	}
}

func newExtractor(rt config.Runtime, dir mention.Directory, reply mention.Replier, log logx.Logger) *mention.Extractor {
	return mention.NewExtractor(dir, reply, rt.Reminder.MaxTargets, rt.Reminder.Templates.SizeLimit, log)
}
