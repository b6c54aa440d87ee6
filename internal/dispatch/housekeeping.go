package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"nudge/internal/task/engine"
	logx "nudge/pkg/logx"
)

type scheduleDef struct {
	name    string
	spec    string // cron spec or "@every <d>"
	timeout time.Duration
	job     func(ctx context.Context) error
	entryID cron.EntryID
	spread  time.Duration
}

// AddSchedule registers a periodic housekeeping job. A schedule with the same
// name is replaced. Runs that find the previous run still in flight are
// skipped. See ParseSchedule for the accepted formats.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = "@every " + ps.Every.String()
	} else if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	if strings.TrimSpace(name) == "" {
		return errors.New("schedule name required")
	}
	if job == nil {
		return errors.New("schedule job required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.upsertDefLocked(scheduleDef{name: name, spec: spec, timeout: timeout, job: job})
	if s.c == nil {
		return nil
	}
	if err := s.addCronLocked(d); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return err
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout), logx.Duration("spread", d.spread))
	return nil
}

// Remove unregisters the named schedule. It reports whether one existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// upsertDefLocked replaces any def with the same name and returns a pointer
// to the stored def. Call with s.mu held.
func (s *Service) upsertDefLocked(d scheduleDef) *scheduleDef {
	s.removeScheduleLocked(d.name)
	s.defs = append(s.defs, d)
	return &s.defs[len(s.defs)-1]
}

// removeScheduleLocked drops every def named name and its cron entry.
// Call with s.mu held.
func (s *Service) removeScheduleLocked(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	name, timeout, run := d.name, d.timeout, d.job
	job := cron.FuncJob(func() {
		err := s.engine.Enqueue(engine.Task{
			Name:    name,
			Key:     name,
			Timeout: timeout,
			Run:     run,
			Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		})
		if err != nil {
			s.reportEnqueueError(name, err)
		}
	})

	if every, ok := everyOf(d.spec); ok {
		loc := s.loc
		if loc == nil {
			loc = time.UTC
		}
		sched, spread := intervalWithSpread(every, s.now().In(loc), d.name)
		d.spread = spread
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}
	d.spread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

func everyOf(spec string) (time.Duration, bool) {
	spec = strings.TrimSpace(spec)
	if !strings.HasPrefix(spec, "@every") {
		return 0, false
	}
	d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(spec, "@every")))
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// schedulesLocked reports every registered schedule. Call with s.mu held.
func (s *Service) schedulesLocked() []ScheduleInfo {
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		out = append(out, it)
	}
	return out
}
