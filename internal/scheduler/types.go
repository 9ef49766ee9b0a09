package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "stillwaiting/pkg/logx"
)

// Job is a periodic unit of work. ctx carries the job timeout and is
// cancelled when the scheduler stops.
type Job func(ctx context.Context) error

// ScheduleInfo describes a registered schedule.
type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}

type scheduleDef struct {
	name     string
	spec     string
	timeout  time.Duration
	job      Job
	schedule cron.Schedule
	entryID  cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	loc *time.Location
	now func() time.Time

	c    *cron.Cron
	defs []scheduleDef

	runCtx    context.Context
	runCancel context.CancelFunc
}
