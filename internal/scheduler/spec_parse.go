package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Spec is a parsed schedule string: either a cron expression or a fixed interval.
//
// Accepted forms:
//
//	"0 3 * * *", "@daily", "*/30 * * * * *"  cron, optional seconds field
//	"24h", "90m"                             Go duration
//	"3600"                                   seconds
//	"24:00", "00:30"                         HH:MM interval, not a time of day
type Spec struct {
	Cron  string
	Every time.Duration
}

func (s Spec) IsInterval() bool { return s.Every > 0 }

func (s Spec) String() string {
	if s.IsInterval() {
		return "@every " + s.Every.String()
	}
	return s.Cron
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var clockInterval = regexp.MustCompile(`^(\d{1,3}):([0-5]\d)$`)

// ParseSchedule validates raw and classifies it.
func ParseSchedule(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, errors.New("empty schedule")
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		if _, err := cronParser.Parse(s); err != nil {
			return Spec{}, fmt.Errorf("cron %q: %w", s, err)
		}
		return Spec{Cron: s}, nil
	}
	d, err := parseEvery(s)
	if err != nil {
		return Spec{}, fmt.Errorf("schedule %q: %w (want cron, duration, seconds or HH:MM)", s, err)
	}
	return Spec{Every: d}, nil
}

func parseEvery(s string) (time.Duration, error) {
	var d time.Duration
	switch m := clockInterval.FindStringSubmatch(s); {
	case m != nil:
		h, _ := strconv.Atoi(m[1])
		mins, _ := strconv.Atoi(m[2])
		d = time.Duration(h)*time.Hour + time.Duration(mins)*time.Minute
	default:
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			d = time.Duration(n) * time.Second
			break
		}
		var err error
		if d, err = time.ParseDuration(s); err != nil {
			return 0, err
		}
	}
	if d <= 0 {
		return 0, errors.New("interval must be positive")
	}
	return d, nil
}
