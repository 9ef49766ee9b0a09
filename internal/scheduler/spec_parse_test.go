package scheduler

import (
	"testing"
	"time"
)

func TestParseScheduleForms(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in    string
		every time.Duration
		cron  string
	}{
		{"1h", time.Hour, ""},
		{"3600", time.Hour, ""},
		{"00:50", 50 * time.Minute, ""},
		{"24:00", 24 * time.Hour, ""},
		{" 0 3 * * * ", 0, "0 3 * * *"},
		{"*/30 * * * * *", 0, "*/30 * * * * *"},
		{"@daily", 0, "@daily"},
		{"@every 90m", 0, "@every 90m"},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.in)
		if err != nil {
			t.Fatalf("%q: %v", tt.in, err)
		}
		if got.Every != tt.every || got.Cron != tt.cron || got.IsInterval() != (tt.every > 0) {
			t.Fatalf("%q: got %+v", tt.in, got)
		}
	}
}

func TestParseScheduleRejects(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "soon", "00:75", "0s", "-1h", "0", "61 * * * *", "@fortnightly"} {
		if _, err := ParseSchedule(in); err == nil {
			t.Fatalf("%q: expected error", in)
		}
	}
}
