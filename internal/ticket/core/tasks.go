package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ticketgrab/internal/storage"
	"ticketgrab/internal/ticket/model"
	logx "ticketgrab/pkg/logx"
)

// CreateTask validates and stores a new PENDING task.
func (c *Core) CreateTask(ctx context.Context, t *model.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	cfg := c.config()
	t.QueryInterval = model.ClampInterval(t.QueryInterval, cfg.MinInterval, cfg.MaxInterval, cfg.DefaultInterval)
	t.Status = model.StatusPending
	t.RetryCount = 0
	for i := range t.Passengers {
		t.Passengers[i] = t.Passengers[i].Normalize()
	}
	if err := c.store.CreateTask(ctx, t); err != nil {
		return err
	}
	c.log.Info("task created", logx.Task(t.ID), logx.String("user", t.UserID))
	return nil
}

func (c *Core) load(ctx context.Context, id int64) (*model.Task, error) {
	t, err := c.store.GetTask(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	return t, err
}

// StartTask is the user-facing start: RUNNING and SUCCESS tasks are
// rejected, anything else restarts with a fresh retry counter.
func (c *Core) StartTask(ctx context.Context, id int64) error {
	if err := c.transition(ctx, id, (*model.Task).Start); err != nil {
		return err
	}
	if err := c.Start(ctx, id); err != nil {
		return err
	}
	c.appendLog(ctx, id, model.LevelInfo, "任务已启动")
	return nil
}

// StopTask pauses a RUNNING task and drops its timer.
func (c *Core) StopTask(ctx context.Context, id int64) error {
	if err := c.transition(ctx, id, (*model.Task).Stop); err != nil {
		return err
	}
	c.Stop(ctx, id)
	c.appendLog(ctx, id, model.LevelInfo, "任务已暂停")
	return nil
}

// CancelTask ends a task that has not succeeded.
func (c *Core) CancelTask(ctx context.Context, id int64) error {
	if err := c.transition(ctx, id, (*model.Task).Cancel); err != nil {
		return err
	}
	c.Stop(ctx, id)
	c.appendLog(ctx, id, model.LevelInfo, "任务已取消")
	return nil
}

// transition applies a user transition and persists it only if no tick
// changed the status since it was read.
func (c *Core) transition(ctx context.Context, id int64, apply func(*model.Task, time.Time) error) error {
	t, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	prev := t.Status
	if err := apply(t, c.now()); err != nil {
		return err
	}
	err = c.store.UpdateTaskIfStatus(ctx, t, prev)
	if errors.Is(err, storage.ErrStatusChanged) {
		return fmt.Errorf("task %d changed while updating; retry: %w", id, err)
	}
	return err
}

// DeleteTask drops the timer, then the task and its logs.
func (c *Core) DeleteTask(ctx context.Context, id int64) error {
	c.Stop(ctx, id)
	err := c.store.DeleteTask(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	if err == nil {
		c.log.Info("task deleted", logx.Task(id))
	}
	return err
}
