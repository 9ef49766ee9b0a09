// Package scheduler runs the bot's periodic jobs on robfig/cron.
//
// Jobs never overlap with themselves (a tick that is still running causes the
// next one to be skipped) and a panicking job is recovered and logged so the
// cron loop keeps firing.
package scheduler
