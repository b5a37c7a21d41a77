// Package core owns the set of actively polled tasks: it admits tasks onto
// interval timers, retires them, drives the global start trigger and
// restores running tasks after a restart.
package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"ticketgrab/internal/eventbus"
	"ticketgrab/internal/notifier/channels"
	"ticketgrab/internal/storage"
	"ticketgrab/internal/task/engine"
	"ticketgrab/internal/task/scheduler"
	"ticketgrab/internal/ticket/model"
	logx "ticketgrab/pkg/logx"
)

var ErrTaskNotFound = errors.New("task not found")

const (
	taskJobPrefix    = "task:"
	globalTriggerJob = "global-trigger"
	reconcileJob     = "reconcile"
)

// Ticker runs one polling round of a task.
type Ticker interface {
	Tick(ctx context.Context, id int64) error
}

// ChannelReloader swaps the notification channels in place.
type ChannelReloader interface {
	ReloadConfig(cfg channels.Config) error
}

// Config bounds polling intervals (seconds) and ticks.
type Config struct {
	MinInterval     int
	MaxInterval     int
	DefaultInterval int
	// TickTimeout caps one tick including a purchase wait loop.
	TickTimeout time.Duration
	// MaxTicksPerUser caps concurrent ticks across one account's tasks.
	// 0 means 1; negative lifts the cap.
	MaxTicksPerUser int
	// Notifications is used when the store holds no channel settings.
	Notifications channels.Config
}

func (c Config) withDefaults() Config {
	if c.MinInterval <= 0 {
		c.MinInterval = 3
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 60
	}
	if c.MaxInterval < c.MinInterval {
		c.MaxInterval = c.MinInterval
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = 5
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = 2 * time.Minute
	}
	if c.MaxTicksPerUser == 0 {
		c.MaxTicksPerUser = 1
	}
	return c
}

// StatusEvent is published on eventbus.TicketStatus.
type StatusEvent struct {
	TaskID int64
	Status model.Status
	Active bool
}

type Core struct {
	store  storage.Store
	sched  *scheduler.Service
	eng    *engine.Service
	notify ChannelReloader
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	// detached cores only persist transitions; a daemon's reconcile loop
	// turns them into timers.
	detached bool

	mu     sync.Mutex
	ticker Ticker
	active map[int64]struct{}
	idLock map[int64]*sync.Mutex

	// last values applied from the store; reconcile compares against them.
	trigMu     sync.Mutex
	trigger    triggerState
	notifyRaw  string
	notifySeen bool
}

type Option func(*Core)

func WithClock(now func() time.Time) Option { return func(c *Core) { c.now = now } }

func WithBus(bus eventbus.Bus) Option { return func(c *Core) { c.bus = bus } }

// Detached makes Start and Stop persist status only. The CLI uses it to
// act on the store while a daemon owns the timers.
func Detached() Option { return func(c *Core) { c.detached = true } }

// New builds a core. The ticker is bound separately with Bind since the
// runner needs the core as its guard.
func New(cfg Config, store storage.Store, sched *scheduler.Service, eng *engine.Service, notify ChannelReloader, log logx.Logger, opts ...Option) *Core {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Core{
		store:  store,
		sched:  sched,
		eng:    eng,
		notify: notify,
		log:    log.Component("core"),
		now:    time.Now,
		cfg:    cfg.withDefaults(),
		active: map[int64]struct{}{},
		idLock: map[int64]*sync.Mutex{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Bind sets the per-task tick implementation.
func (c *Core) Bind(t Ticker) {
	c.mu.Lock()
	c.ticker = t
	c.mu.Unlock()
}

// Apply updates interval bounds and the notification seed. Running timers
// keep their interval until the task is restarted.
func (c *Core) Apply(cfg Config) {
	c.cfgMu.Lock()
	c.cfg = cfg.withDefaults()
	c.cfgMu.Unlock()
}

func (c *Core) config() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

func jobName(id int64) string { return taskJobPrefix + strconv.FormatInt(id, 10) }

// lock serializes Start and Stop for one task id.
func (c *Core) lock(id int64) func() {
	c.mu.Lock()
	m := c.idLock[id]
	if m == nil {
		m = &sync.Mutex{}
		c.idLock[id] = m
	}
	c.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Start admits a task: it clamps the interval, moves the task to RUNNING
// if needed, registers its timer and fires one tick right away. Starting an
// active task is a no-op.
func (c *Core) Start(ctx context.Context, id int64) error {
	unlock := c.lock(id)
	defer unlock()

	if c.IsActive(id) {
		return nil
	}
	t, err := c.store.GetTask(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("load task %d: %w", id, err)
	}

	cfg := c.config()
	interval := model.ClampInterval(t.QueryInterval, cfg.MinInterval, cfg.MaxInterval, cfg.DefaultInterval)
	dirty := interval != t.QueryInterval
	t.QueryInterval = interval
	if t.Status != model.StatusRunning {
		if err := t.Start(c.now()); err != nil {
			return err
		}
		dirty = true
	}
	if dirty {
		if err := c.store.UpdateTask(ctx, t); err != nil {
			return fmt.Errorf("persist task %d: %w", id, err)
		}
	}

	if c.detached {
		return nil
	}
	name := jobName(id)
	every := time.Duration(interval) * time.Second
	if err := c.sched.AddInterval(name, every, cfg.TickTimeout, tickOptions(cfg, t.UserID), c.tickJob(id)); err != nil {
		return fmt.Errorf("register timer for task %d: %w", id, err)
	}
	c.mu.Lock()
	c.active[id] = struct{}{}
	c.mu.Unlock()
	c.publish(id, model.StatusRunning, true)
	c.log.Info("task admitted", logx.Task(id), logx.Int("interval_s", interval))

	if err := c.sched.Trigger(name); err != nil && !errors.Is(err, engine.ErrOverlapSkip) {
		c.log.Warn("first tick not queued", logx.Task(id), logx.Err(err))
	}
	return nil
}

// Stop removes the task's timer. The persisted status is left alone.
func (c *Core) Stop(_ context.Context, id int64) {
	unlock := c.lock(id)
	defer unlock()
	c.retire(id)
}

// Retire implements the runner's guard; it is Stop without a context.
func (c *Core) Retire(id int64) {
	unlock := c.lock(id)
	defer unlock()
	c.retire(id)
}

func (c *Core) retire(id int64) {
	if c.detached {
		return
	}
	removed := c.sched.Remove(jobName(id))
	c.mu.Lock()
	_, was := c.active[id]
	delete(c.active, id)
	c.mu.Unlock()
	if removed || was {
		c.publish(id, "", false)
		c.log.Info("task retired", logx.Task(id))
	}
}

// IsActive reports whether the task currently has a timer.
func (c *Core) IsActive(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[id]
	return ok
}

// Active lists ids with a timer in ascending order.
func (c *Core) Active() []int64 {
	c.mu.Lock()
	out := make([]int64, 0, len(c.active))
	for id := range c.active {
		out = append(out, id)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// tickOptions groups a task's ticks with the other tasks of its account.
func tickOptions(cfg Config, userID string) engine.TaskOptions {
	if cfg.MaxTicksPerUser < 0 {
		return engine.TaskOptions{}
	}
	return engine.TaskOptions{ConcurrencyKey: "user:" + userID, ConcurrencyLimit: cfg.MaxTicksPerUser}
}

func (c *Core) tickJob(id int64) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		c.mu.Lock()
		t := c.ticker
		c.mu.Unlock()
		if t == nil {
			return engine.NoRetry(errors.New("no ticker bound"))
		}
		if c.bus != nil {
			c.bus.Publish(eventbus.Event{Type: eventbus.TicketTick, Data: id})
		}
		if err := t.Tick(ctx, id); err != nil {
			// The next timer fire is the retry.
			return engine.NoRetry(err)
		}
		return nil
	}
}

// ResumeOnRestart starts every task persisted as RUNNING and reports how
// many were admitted.
func (c *Core) ResumeOnRestart(ctx context.Context) (int, error) {
	tasks, err := c.store.ListTasks(ctx, storage.TaskQuery{Statuses: []model.Status{model.StatusRunning}})
	if err != nil {
		return 0, fmt.Errorf("list running tasks: %w", err)
	}
	n := 0
	var errs []error
	for _, t := range tasks {
		if err := c.Start(ctx, t.ID); err != nil {
			c.log.Warn("resume failed", logx.Task(t.ID), logx.Err(err))
			errs = append(errs, err)
			continue
		}
		n++
	}
	c.log.Info("running tasks resumed", logx.Int("resumed", n), logx.Int("found", len(tasks)))
	return n, errors.Join(errs...)
}

// Shutdown drops every timer and stops the scheduler and engine. Task
// statuses are untouched so a later ResumeOnRestart picks them up.
func (c *Core) Shutdown(ctx context.Context) {
	if c.detached {
		return
	}
	for _, name := range c.sched.Names(taskJobPrefix) {
		c.sched.Remove(name)
	}
	c.sched.Remove(globalTriggerJob)
	c.sched.Remove(reconcileJob)
	c.mu.Lock()
	n := len(c.active)
	c.active = map[int64]struct{}{}
	c.mu.Unlock()

	c.sched.Stop(ctx)
	if c.eng != nil {
		c.eng.Stop(ctx)
	}
	c.log.Info("core shut down", logx.Int("released", n))
}

// ReloadNotificationConfig swaps the notifier channels to the settings in
// the store, or to the configured seed when none are stored.
func (c *Core) ReloadNotificationConfig(ctx context.Context) error {
	raw, ok, err := c.store.GetConfig(ctx, storage.KeyNotificationSettings)
	if err != nil {
		c.log.Warn("read notification settings failed", logx.Err(err))
		return err
	}
	err = c.applyNotification(raw, ok)
	c.trigMu.Lock()
	c.notifyRaw, c.notifySeen = raw, true
	c.trigMu.Unlock()
	return err
}

func (c *Core) applyNotification(raw string, stored bool) error {
	if c.notify == nil {
		return nil
	}
	cfg := c.config().Notifications
	if stored && strings.TrimSpace(raw) != "" {
		parsed, err := channels.ParseConfig(raw)
		if err != nil {
			c.log.Warn("stored notification settings invalid", logx.Err(err))
			return err
		}
		cfg = parsed
	}
	if err := c.notify.ReloadConfig(cfg); err != nil {
		c.log.Warn("notification channels reloaded with errors", logx.Err(err))
		return err
	}
	return nil
}

func (c *Core) publish(id int64, st model.Status, active bool) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.TicketStatus, Data: StatusEvent{TaskID: id, Status: st, Active: active}})
}

func (c *Core) appendLog(ctx context.Context, id int64, lvl model.Level, msg string) {
	err := c.store.AppendLog(ctx, model.TaskLog{TaskID: id, Level: lvl, Message: msg, CreatedAt: c.now()})
	if err != nil {
		c.log.Warn("task log not written", logx.Task(id), logx.Err(err))
	}
}
