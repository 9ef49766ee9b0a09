package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "stillwaiting/pkg/logx"
)

func New(loc *time.Location, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		log: log,
		loc: loc,
		now: time.Now,
	}
}

// AddInterval registers job to run every `every`. With align set and an
// hourly multiple, ticks land on the top of the hour in the scheduler's zone.
// Registering an existing name replaces it.
func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, align bool, job Job) error {
	if every <= 0 {
		return fmt.Errorf("schedule %q: interval must be > 0", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sched := intervalSchedule(every, align, s.now(), s.loc)
	spec := Spec{Every: every}.String()
	if _, ok := sched.(*phaseSchedule); ok {
		spec += " (aligned)"
	}
	return s.upsertLocked(scheduleDef{name: name, spec: spec, timeout: timeout, job: job, schedule: sched})
}

// AddSchedule registers job using a schedule string understood by
// ParseSchedule. Intervals start counting from now. Cron expressions run in
// the scheduler's zone.
func (s *Service) AddSchedule(name, raw string, timeout time.Duration, job Job) error {
	spec, err := ParseSchedule(raw)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}
	if spec.IsInterval() {
		return s.AddInterval(name, spec.Every, timeout, false, job)
	}
	sched, err := cronParser.Parse(spec.Cron)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(scheduleDef{name: name, spec: spec.String(), timeout: timeout, job: job, schedule: sched})
}

func (s *Service) upsertLocked(def scheduleDef) error {
	name := strings.TrimSpace(def.name)
	if name == "" {
		return errors.New("schedule name required")
	}
	if def.job == nil {
		return fmt.Errorf("schedule %q: job required", name)
	}
	def.name = name
	for i := range s.defs {
		if s.defs[i].name != name {
			continue
		}
		if s.c != nil && s.defs[i].entryID != 0 {
			s.c.Remove(s.defs[i].entryID)
		}
		s.defs[i] = def
		s.registerLocked(&s.defs[i])
		return nil
	}
	s.defs = append(s.defs, def)
	s.registerLocked(&s.defs[len(s.defs)-1])
	return nil
}

// Remove unregisters a schedule. It reports whether the name existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.defs {
		if s.defs[i].name != name {
			continue
		}
		if s.c != nil && s.defs[i].entryID != 0 {
			s.c.Remove(s.defs[i].entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

func (s *Service) registerLocked(def *scheduleDef) {
	if s.c == nil {
		return
	}
	def.entryID = s.c.Schedule(def.schedule, s.wrap(*def))
}

func (s *Service) wrap(def scheduleDef) cron.Job {
	return cron.FuncJob(func() {
		s.mu.Lock()
		parent := s.runCtx
		s.mu.Unlock()
		if parent == nil || parent.Err() != nil {
			return
		}
		ctx := parent
		if def.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parent, def.timeout)
			defer cancel()
		}
		start := time.Now()
		err := def.job(ctx)
		took := time.Since(start)
		if err != nil {
			s.log.Warn("job failed", logx.String("name", def.name), logx.Duration("took", took), logx.Err(err))
			return
		}
		s.log.Debug("job done", logx.String("name", def.name), logx.Duration("took", took))
	})
}

// Start begins triggering. Jobs receive a context derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for i := range s.defs {
		s.registerLocked(&s.defs[i])
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts triggering, cancels running jobs, and waits for them until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCancel = nil
	for i := range s.defs {
		s.defs[i].entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("stop timed out with jobs running")
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Schedules lists registered schedules in registration order.
func (s *Service) Schedules() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		} else {
			info.Next = d.schedule.Next(s.now().In(s.loc))
		}
		out = append(out, info)
	}
	return out
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
