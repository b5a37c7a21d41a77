package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ticketgrab/internal/storage"
	"ticketgrab/internal/task/engine"
	"ticketgrab/internal/ticket/model"
	logx "ticketgrab/pkg/logx"
)

const autoStartMessage = "由全局定时任务自动启动"

type triggerState struct {
	cron    string
	enabled bool
	applied bool
}

// GlobalTrigger reads the persisted trigger. ok is false when nothing has
// been stored yet.
func (c *Core) GlobalTrigger(ctx context.Context) (cron string, enabled, ok bool, err error) {
	cron, hasCron, err := c.store.GetConfig(ctx, storage.KeyGlobalScheduleCron)
	if err != nil {
		return "", false, false, err
	}
	raw, hasEnabled, err := c.store.GetConfig(ctx, storage.KeyGlobalScheduleEnabled)
	if err != nil {
		return "", false, false, err
	}
	if hasEnabled {
		enabled, _ = strconv.ParseBool(strings.TrimSpace(raw))
	}
	return cron, enabled, hasCron || hasEnabled, nil
}

// UpdateGlobalTrigger validates and persists the trigger, then replaces the
// cron job. A disabled trigger keeps its expression but has no job.
func (c *Core) UpdateGlobalTrigger(ctx context.Context, cronExpr string, enabled bool) error {
	cronExpr = strings.TrimSpace(cronExpr)
	if enabled || cronExpr != "" {
		if err := c.sched.ValidateCron(cronExpr); err != nil {
			return err
		}
	}
	if err := c.store.SetConfig(ctx, storage.KeyGlobalScheduleCron, cronExpr); err != nil {
		return fmt.Errorf("persist global trigger: %w", err)
	}
	if err := c.store.SetConfig(ctx, storage.KeyGlobalScheduleEnabled, strconv.FormatBool(enabled)); err != nil {
		return fmt.Errorf("persist global trigger: %w", err)
	}
	return c.applyTrigger(cronExpr, enabled)
}

// RestoreGlobalTrigger installs the stored trigger, or the seed values when
// the store has none.
func (c *Core) RestoreGlobalTrigger(ctx context.Context, seedCron string, seedEnabled bool) error {
	cron, enabled, ok, err := c.GlobalTrigger(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return c.UpdateGlobalTrigger(ctx, seedCron, seedEnabled)
	}
	return c.applyTrigger(cron, enabled)
}

func (c *Core) applyTrigger(cronExpr string, enabled bool) error {
	c.trigMu.Lock()
	c.trigger = triggerState{cron: cronExpr, enabled: enabled, applied: true}
	c.trigMu.Unlock()

	if c.detached {
		return nil
	}
	if !enabled {
		if c.sched.Remove(globalTriggerJob) {
			c.log.Info("global trigger disabled")
		}
		return nil
	}
	if err := c.sched.AddCron(globalTriggerJob, cronExpr, 0, engine.TaskOptions{}, c.fireGlobal); err != nil {
		return err
	}
	c.log.Info("global trigger scheduled", logx.String("cron", cronExpr))
	return nil
}

func (c *Core) fireGlobal(ctx context.Context) error {
	n, err := c.StartScheduled(ctx)
	if err != nil {
		return engine.NoRetry(err)
	}
	c.log.Info("global trigger fired", logx.Int("started", n))
	return nil
}

// StartScheduled starts every idle task that allows a scheduled start and
// returns how many were started.
func (c *Core) StartScheduled(ctx context.Context) (int, error) {
	tasks, err := c.store.ListTasks(ctx, storage.TaskQuery{})
	if err != nil {
		return 0, fmt.Errorf("list tasks: %w", err)
	}
	n := 0
	for _, t := range tasks {
		if !t.AllowScheduledStart || t.Status == model.StatusRunning || t.Status == model.StatusSuccess {
			continue
		}
		if err := c.Start(ctx, t.ID); err != nil {
			c.log.Warn("scheduled start failed", logx.Task(t.ID), logx.Err(err))
			continue
		}
		c.appendLog(ctx, t.ID, model.LevelInfo, autoStartMessage)
		n++
	}
	return n, nil
}

// EnableReconcile registers a periodic job that aligns timers with the
// store. Changes written by another process (the CLI) take effect on the
// next pass.
func (c *Core) EnableReconcile(every time.Duration) error {
	if c.detached {
		return nil
	}
	return c.sched.AddInterval(reconcileJob, every, 0, engine.TaskOptions{}, func(ctx context.Context) error {
		if err := c.Reconcile(ctx); err != nil {
			return engine.NoRetry(err)
		}
		return nil
	})
}

// Reconcile starts RUNNING tasks without a timer, retires timers whose task
// is no longer RUNNING and applies changed trigger or notification
// settings.
func (c *Core) Reconcile(ctx context.Context) error {
	tasks, err := c.store.ListTasks(ctx, storage.TaskQuery{})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	running := make(map[int64]bool, len(tasks))
	for _, t := range tasks {
		if t.Status != model.StatusRunning {
			continue
		}
		running[t.ID] = true
		if !c.IsActive(t.ID) {
			if err := c.Start(ctx, t.ID); err != nil {
				c.log.Warn("reconcile start failed", logx.Task(t.ID), logx.Err(err))
			}
		}
	}
	for _, id := range c.Active() {
		if !running[id] {
			c.Stop(ctx, id)
		}
	}

	var errs []error
	cron, enabled, ok, err := c.GlobalTrigger(ctx)
	if err != nil {
		errs = append(errs, err)
	} else if ok {
		c.trigMu.Lock()
		cur := c.trigger
		c.trigMu.Unlock()
		if !cur.applied || cur.cron != cron || cur.enabled != enabled {
			if err := c.applyTrigger(cron, enabled); err != nil {
				errs = append(errs, err)
			}
		}
	}

	raw, stored, err := c.store.GetConfig(ctx, storage.KeyNotificationSettings)
	if err != nil {
		errs = append(errs, err)
	} else {
		c.trigMu.Lock()
		changed := !c.notifySeen || c.notifyRaw != raw
		c.notifyRaw, c.notifySeen = raw, true
		c.trigMu.Unlock()
		if changed {
			if err := c.applyNotification(raw, stored); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
