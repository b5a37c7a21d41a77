package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"ticketgrab/internal/eventbus"
	"ticketgrab/internal/task/engine"
	logx "ticketgrab/pkg/logx"
)

var (
	ErrNameRequired = errors.New("schedule name required")
	ErrNotFound     = errors.New("schedule not found")
)

// AddCron registers job under name on a cron expression. The expression is
// validated before anything is replaced.
func (s *Service) AddCron(name, spec string, timeout time.Duration, opt engine.TaskOptions, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNameRequired
	}
	spec = strings.TrimSpace(spec)
	if err := s.ValidateCron(spec); err != nil {
		return err
	}
	return s.upsert(&scheduleDef{name: name, kind: KindCron, spec: spec, timeout: timeout, job: job, opt: opt})
}

// AddInterval registers job under name to fire every interval. The first fire
// is one full interval from now; use Trigger for an immediate run.
func (s *Service) AddInterval(name string, every, timeout time.Duration, opt engine.TaskOptions, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNameRequired
	}
	if every < time.Second {
		return fmt.Errorf("interval %s below 1s", every)
	}
	spec := "@every " + every.String()
	return s.upsert(&scheduleDef{name: name, kind: KindInterval, spec: spec, every: every, timeout: timeout, job: job, opt: opt})
}

func (s *Service) upsert(d *scheduleDef) error {
	if d.job == nil {
		return fmt.Errorf("schedule %q: job is nil", d.name)
	}
	// Scheduled jobs always coalesce: a fire while the previous one is queued
	// or running is dropped.
	d.opt.Overlap = engine.OverlapSkipIfRunning

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(d.name)
	d.state = s.states[d.name]
	if d.state == nil {
		d.state = &engine.RunState{}
		s.states[d.name] = d.state
	}
	s.defs[d.name] = d
	if s.c != nil {
		s.registerLocked(d)
	}
	s.log.Debug("schedule registered", logx.String("name", d.name), logx.String("kind", d.kind.String()), logx.String("spec", d.spec))
	return nil
}

// Trigger submits the named job now. It shares the schedule's overlap state,
// so a trigger while a fire is queued or running is skipped.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	d := s.defs[strings.TrimSpace(name)]
	s.mu.Unlock()
	if d == nil {
		return ErrNotFound
	}
	return s.submit(d)
}

// Remove drops the named schedule. It reports whether one existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Has reports whether a schedule is registered under name.
func (s *Service) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.defs[strings.TrimSpace(name)]
	return ok
}

// Busy reports whether a run under name is queued or executing, including
// one left over from a schedule since removed.
func (s *Service) Busy(name string) bool {
	s.mu.Lock()
	st := s.states[strings.TrimSpace(name)]
	s.mu.Unlock()
	return st.Busy()
}

// Names lists registered schedules with the given prefix, sorted.
func (s *Service) Names(prefix string) []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.defs))
	for name := range s.defs {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// ValidateCron parses spec with the scheduler's parser.
func (s *Service) ValidateCron(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return errors.New("cron expression required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return nil
}

// NextRuns previews the next n fire times of spec in the scheduler zone.
func (s *Service) NextRuns(spec string, n int) ([]time.Time, error) {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	t := time.Now().In(s.Location())
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	d.entryID = 0
	delete(s.defs, name)
	return true
}

func (s *Service) registerLocked(d *scheduleDef) {
	job := cron.FuncJob(func() {
		if err := s.submit(d); err != nil {
			s.reportEnqueueError(d.name, err)
		}
	})
	if d.kind == KindInterval {
		d.entryID = s.c.Schedule(cron.Every(d.every), job)
		return
	}
	id, err := s.c.AddJob(d.spec, job)
	if err != nil {
		// Validated on entry; only reachable if the parser changed underneath.
		s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		return
	}
	d.entryID = id
}

func (s *Service) submit(d *scheduleDef) error {
	if s.engine == nil {
		return engine.ErrStopped
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TriggerFired, Data: d.name})
	}
	return s.engine.Enqueue(engine.Task{
		Name:    d.name,
		Timeout: d.timeout,
		Run:     d.job,
		Opt:     d.opt,
		State:   d.state,
	})
}

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs failed fires. Overlap skips are routine and stay at
// debug; everything else is throttled per schedule.
func (s *Service) reportEnqueueError(name string, err error) {
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule fire coalesced", logx.String("schedule", name))
		return
	}
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()
	s.log.Warn("schedule failed to enqueue", logx.String("schedule", name), logx.Err(err))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Running: s.c != nil, Timezone: s.cfg.Timezone}
	for _, d := range s.defs {
		it := ScheduleInfo{Name: d.name, Kind: d.kind, Spec: d.spec, Timeout: d.timeout, Busy: d.state.Busy()}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	eng := s.engine
	s.mu.Unlock()

	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].Name < snap.Schedules[j].Name })
	if snap.Timezone == "" {
		snap.Timezone = s.Location().String()
	}
	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	return snap
}
