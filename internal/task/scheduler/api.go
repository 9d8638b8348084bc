package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"taskrelay/internal/task/engine"
	logx "taskrelay/pkg/logx"
)

var ErrNameRequired = errors.New("schedule name required")

// Add parses schedule (see ParseSchedule) and upserts a trigger named name.
// Each firing enqueues job with the given engine key.
func (s *Service) Add(name, schedule, key string, job Job) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	return s.add(name, ps.CronSpec(), key, job)
}

// AddInterval upserts an interval trigger.
func (s *Service) AddInterval(name string, every time.Duration, key string, job Job) error {
	if every <= 0 {
		return ErrInvalidSchedule
	}
	return s.add(name, "@every "+every.String(), key, job)
}

func (s *Service) add(name, spec, key string, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNameRequired
	}
	if job == nil {
		return errors.New("schedule job required")
	}
	if !strings.HasPrefix(spec, "@every") {
		if _, err := s.parser.Parse(spec); err != nil {
			return errors.Join(ErrInvalidSchedule, err)
		}
	}
	if key == "" {
		key = name
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Upsert by name so re-registering a task never duplicates its trigger.
	s.removeLocked(name)
	s.defs = append(s.defs, scheduleDef{
		name:  name,
		key:   key,
		spec:  spec,
		job:   job,
		fired: new(atomic.Uint64),
	})
	if s.c == nil {
		// Registered on Start.
		return nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return err
	}
	args := []logx.Field{logx.String("name", name), logx.String("spec", spec)}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return nil
}

// Remove unschedules name. It reports whether something was removed.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeLocked(name)
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Has reports whether a schedule with the given name is registered.
func (s *Service) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.name == name {
			return true
		}
	}
	return false
}

// removeLocked removes all defs matching name. Call with s.mu held.
func (s *Service) removeLocked(name string) bool {
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
	clear(s.defs[n:])
	s.defs = s.defs[:n]
	return removed
}

// addCronLocked registers d on the running cron. Call with s.mu held and s.c set.
func (s *Service) addCronLocked(d *scheduleDef) error {
	name, key, run, fired := d.name, d.key, d.job, d.fired
	job := cron.FuncJob(func() {
		fired.Add(1)
		if s.out == nil {
			return
		}
		err := s.out.Enqueue(engine.Job{
			Key:  key,
			Name: "schedule:" + name,
			Run:  func(ctx context.Context) error { return run(ctx) },
		})
		if err != nil {
			s.reportEnqueueError(name, err)
		}
	})

	spec := strings.TrimSpace(d.spec)
	if rest, ok := strings.CutPrefix(spec, "@every"); ok {
		every, err := time.ParseDuration(strings.TrimSpace(rest))
		if err == nil && every > 0 {
			sched, jitter := makeIntervalScheduleWithSpread(every, time.Now().In(s.loc), name, s.maxSpread)
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}

	d.startupSpread = 0
	eid, err := s.c.AddJob(spec, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}

// previewNextRunsLocked returns upcoming run times for debug logging.
// Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
