// Package runner executes one polling round ("tick") of a ticket task.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"ticketgrab/internal/storage"
	"ticketgrab/internal/ticket/model"
	"ticketgrab/internal/ticket/probe"
	"ticketgrab/internal/ticket/purchase"
	logx "ticketgrab/pkg/logx"
)

// Store is the slice of storage.Store a tick needs.
type Store interface {
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	UpdateTask(ctx context.Context, t *model.Task) error
	UpdateTaskIfStatus(ctx context.Context, t *model.Task, want model.Status) error
	AppendLog(ctx context.Context, l model.TaskLog) error
	GetCredentials(ctx context.Context, userID string) (model.Credentials, bool, error)
}

type Prober interface {
	Probe(ctx context.Context, trip model.Trip) ([]probe.ServiceAvailability, error)
}

type Attempter interface {
	Attempt(ctx context.Context, req purchase.Request) purchase.Outcome
}

// Notifier never reports delivery problems back to the tick.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// Guard is the scheduling core's view of which tasks are being driven.
type Guard interface {
	IsActive(id int64) bool
	// Retire removes the task's timer and active-set entry.
	Retire(id int64)
}

type Runner struct {
	store    Store
	prober   Prober
	attempt  Attempter
	notifier Notifier
	guard    Guard
	log      logx.Logger
	now      func() time.Time
}

type Option func(*Runner)

func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

func New(store Store, prober Prober, attempt Attempter, notifier Notifier, guard Guard, log logx.Logger, opts ...Option) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{
		store:    store,
		prober:   prober,
		attempt:  attempt,
		notifier: notifier,
		guard:    guard,
		log:      log.Component("runner"),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// tick carries the state of one round.
type tick struct {
	r    *Runner
	task *model.Task
	log  logx.Logger
	// settling is set while the tick decides whether the task ends. A panic
	// there fails the task instead of leaving it RUNNING.
	settling bool
}

// Tick runs one round for task id. Expected outcomes (no tickets, probe
// failures, terminal transitions) are logged to the task and return nil;
// the error return is for store failures and recovered panics.
func (r *Runner) Tick(ctx context.Context, id int64) (err error) {
	log := r.log.With(logx.Task(id), logx.String("tick", uuid.NewString()))
	var t *tick
	defer func() {
		if p := recover(); p != nil {
			log.Error("tick panicked", logx.Any("panic", p), logx.Bool("settling", t != nil && t.settling), logx.Stack(string(debug.Stack())))
			r.appendLog(ctx, log, id, model.LevelError, fmt.Sprintf("执行异常: %v", p))
			if t != nil && t.settling {
				if t.task.Status == model.StatusRunning {
					t.task.Fail(fmt.Sprintf("执行异常: %v", p), r.now())
				}
				t.persistTerminal(ctx, t.task.Status != model.StatusSuccess)
				r.guard.Retire(id)
			}
			err = fmt.Errorf("tick %d panicked: %v", id, p)
		}
	}()

	task, err := r.store.GetTask(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		log.Debug("task gone; retiring")
		r.guard.Retire(id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task %d: %w", id, err)
	}
	if task.Status != model.StatusRunning {
		log.Debug("task not running; retiring", logx.String("status", string(task.Status)))
		r.guard.Retire(id)
		return nil
	}

	t = &tick{r: r, task: task, log: log}
	return t.run(ctx)
}

func (t *tick) run(ctx context.Context) error {
	r, task := t.r, t.task

	t.settling = true
	if task.Exhausted() {
		t.fail(ctx, "超过最大重试次数", "任务失败：超过最大重试次数")
		return nil
	}

	task.BeginTick(r.now())
	err := r.store.UpdateTaskIfStatus(ctx, task, model.StatusRunning)
	if errors.Is(err, storage.ErrStatusChanged) || errors.Is(err, storage.ErrNotFound) {
		t.log.Debug("task stopped before tick began; retiring")
		r.guard.Retire(task.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("persist retry count: %w", err)
	}
	t.info(ctx, fmt.Sprintf("第 %d 次刷票...", task.RetryCount))

	creds, ok, err := r.store.GetCredentials(ctx, task.UserID)
	if err != nil {
		t.log.Warn("credentials unreadable", logx.Err(err))
	}
	if err != nil || !ok {
		t.fail(ctx, "用户未登录", "用户未登录")
		return nil
	}
	t.settling = false

	trains, err := r.prober.Probe(ctx, task.Trip)
	switch {
	case errors.Is(err, probe.ErrNoMatchingServices):
		t.info(ctx, "指定车次不存在或已停运")
		return nil
	case err != nil:
		t.info(ctx, "查票失败: "+err.Error())
		return nil
	case len(trains) == 0:
		t.info(ctx, "未查询到任何车次")
		return nil
	}

	var scanned []string
	for _, train := range trains {
		var seats []string
		for _, code := range task.SeatClasses {
			raw := train.Seat(code)
			label := model.SeatLabel(code)
			seats = append(seats, label+":"+raw)
			if !probe.HasTicket(raw) {
				continue
			}
			found := fmt.Sprintf("发现余票: %s %s(%s)", train.Code, label, raw)
			if !task.AutoSubmit {
				t.info(ctx, found+", 等待手动下单")
				return nil
			}
			if train.Secret == "" {
				t.log.Debug("train has no order token", logx.String("train", train.Code))
				continue
			}
			if !r.guard.IsActive(task.ID) {
				t.info(ctx, "任务已暂停或停止")
				return nil
			}
			t.info(ctx, found+", 尝试下单...")

			out := r.attempt.Attempt(ctx, purchase.Request{
				Service:     train,
				SeatClass:   code,
				Passengers:  task.Passengers,
				Credentials: creds,
			})
			if len(out.SkippedPassengers) > 0 {
				t.warn(ctx, "乘车人不在账号名单中，已跳过: "+strings.Join(out.SkippedPassengers, ", "))
			}
			t.settling = true
			switch {
			case out.Success:
				t.succeed(ctx, out)
				return nil
			case out.Failure.Authoritative():
				t.fail(ctx, out.Message, "任务停止: "+out.Message)
				return nil
			default:
				t.warn(ctx, "下单失败: "+out.Message)
			}
			t.settling = false
		}
		scanned = append(scanned, fmt.Sprintf("%s[%s]", train.Code, strings.Join(seats, ", ")))
	}
	t.info(ctx, "扫描结束: "+strings.Join(scanned, " | "))
	return nil
}

func (t *tick) succeed(ctx context.Context, out purchase.Outcome) {
	r, task := t.r, t.task
	if !r.guard.IsActive(task.ID) {
		t.warn(ctx, "任务已停止，但进行中的下单已成功")
	}
	task.Succeed(out.OrderID, "购票成功！", r.now())
	t.persistTerminal(ctx, false)
	r.appendLog(ctx, t.log, task.ID, model.LevelSuccess, "抢票成功！订单号: "+out.OrderID)
	r.guard.Retire(task.ID)
	t.log.Info("order placed", logx.String("train", out.TrainCode), logx.String("order", out.OrderID))
	r.notify(ctx, t.log, "抢票成功", successBody(task, out))
}

func (t *tick) fail(ctx context.Context, reason, logMsg string) {
	r, task := t.r, t.task
	task.Fail(reason, r.now())
	if !t.persistTerminal(ctx, true) {
		t.log.Info("task left RUNNING during tick; failure not recorded", logx.String("reason", reason))
		r.guard.Retire(task.ID)
		return
	}
	r.appendLog(ctx, t.log, task.ID, model.LevelError, logMsg)
	r.guard.Retire(task.ID)
	t.log.Info("task failed", logx.String("reason", reason))
	r.notify(ctx, t.log, "抢票失败", failureBody(task, reason))
}

// persistTerminal writes a terminal status, retrying once. The timer is
// retired by the caller either way so the task cannot keep running. With
// ifRunning the write is dropped when the stored task was stopped or
// cancelled meanwhile, and it reports false.
func (t *tick) persistTerminal(ctx context.Context, ifRunning bool) bool {
	write := func() error {
		if ifRunning {
			return t.r.store.UpdateTaskIfStatus(ctx, t.task, model.StatusRunning)
		}
		return t.r.store.UpdateTask(ctx, t.task)
	}
	err := write()
	if err == nil {
		return true
	}
	if errors.Is(err, storage.ErrStatusChanged) {
		return false
	}
	t.log.Warn("persist terminal status failed; retrying", logx.Err(err))
	if err = write(); err != nil {
		if errors.Is(err, storage.ErrStatusChanged) {
			return false
		}
		t.log.Error("terminal status not persisted", logx.String("status", string(t.task.Status)), logx.Err(err))
	}
	return true
}

func (t *tick) info(ctx context.Context, msg string) {
	t.r.appendLog(ctx, t.log, t.task.ID, model.LevelInfo, msg)
}

func (t *tick) warn(ctx context.Context, msg string) {
	t.r.appendLog(ctx, t.log, t.task.ID, model.LevelWarning, msg)
}

func (r *Runner) appendLog(ctx context.Context, log logx.Logger, id int64, lvl model.Level, msg string) {
	log.Debug(msg, logx.String("level", string(lvl)))
	if err := r.store.AppendLog(ctx, model.TaskLog{TaskID: id, Level: lvl, Message: msg, CreatedAt: r.now()}); err != nil {
		log.Warn("append task log failed", logx.Err(err))
	}
}

func (r *Runner) notify(ctx context.Context, log logx.Logger, title, body string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, title, body); err != nil {
		log.Debug("notification not queued", logx.Err(err))
	}
}

func successBody(task *model.Task, out purchase.Outcome) string {
	lines := []string{
		"任务: " + taskLabel(task),
		"车次: " + out.TrainCode,
		"出发: " + out.Departure,
	}
	if out.Arrival != "" {
		lines = append(lines, "到达: "+out.Arrival)
	}
	lines = append(lines,
		"席别: "+out.SeatLabel,
		"乘车人: "+strings.Join(out.PassengerNames, ", "),
		"订单号: "+out.OrderID,
		"请在 30 分钟内完成支付",
	)
	return strings.Join(lines, "\n")
}

func failureBody(task *model.Task, reason string) string {
	return "任务: " + taskLabel(task) + "\n原因: " + reason
}

func taskLabel(task *model.Task) string {
	trip := fmt.Sprintf("%s %s→%s", task.Trip.Date, task.Trip.From, task.Trip.To)
	if task.Name != "" {
		return task.Name + " (" + trip + ")"
	}
	return trip
}
