package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// phaseSchedule fires at first, then every `every` after it, keeping the phase
// fixed so ticks never drift off the hour.
type phaseSchedule struct {
	every time.Duration
	first time.Time
}

func (s *phaseSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	n := t.Sub(s.first)/s.every + 1
	return s.first.Add(n * s.every)
}

// intervalSchedule returns the schedule for a fixed interval.
//
// With align set and every a whole number of hours, the first tick lands on
// the next top of the hour in loc. Otherwise the first tick is one interval
// from now.
func intervalSchedule(every time.Duration, align bool, now time.Time, loc *time.Location) cron.Schedule {
	if align && every >= time.Hour && every%time.Hour == 0 {
		return &phaseSchedule{every: every, first: nextTopOfHour(now, loc)}
	}
	return cron.Every(every)
}

func nextTopOfHour(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t := now.In(loc)
	top := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
	return top.Add(time.Hour)
}
