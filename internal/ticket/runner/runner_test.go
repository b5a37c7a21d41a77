package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ticketgrab/internal/railway"
	"ticketgrab/internal/storage"
	"ticketgrab/internal/ticket/model"
	"ticketgrab/internal/ticket/probe"
	"ticketgrab/internal/ticket/purchase"
	logx "ticketgrab/pkg/logx"
)

type fakeGuard struct {
	mu      sync.Mutex
	active  map[int64]bool
	retired []int64
}

func newGuard(ids ...int64) *fakeGuard {
	g := &fakeGuard{active: map[int64]bool{}}
	for _, id := range ids {
		g.active[id] = true
	}
	return g
}

func (g *fakeGuard) IsActive(id int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[id]
}

func (g *fakeGuard) Retire(id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, id)
	g.retired = append(g.retired, id)
}

func (g *fakeGuard) wasRetired(id int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.retired {
		if r == id {
			return true
		}
	}
	return false
}

type fakeProber struct {
	trains []probe.ServiceAvailability
	err    error
	panics bool
}

func (p *fakeProber) Probe(context.Context, model.Trip) ([]probe.ServiceAvailability, error) {
	if p.panics {
		panic("boom")
	}
	return p.trains, p.err
}

type fakeAttempter struct {
	outs   []purchase.Outcome
	reqs   []purchase.Request
	during func()
}

func (a *fakeAttempter) Attempt(_ context.Context, req purchase.Request) purchase.Outcome {
	a.reqs = append(a.reqs, req)
	if a.during != nil {
		a.during()
	}
	if len(a.outs) == 0 {
		return purchase.Outcome{Message: "no outcome", Failure: purchase.FailureOther}
	}
	out := a.outs[0]
	a.outs = a.outs[1:]
	return out
}

type sentNote struct{ title, body string }

type fakeNotifier struct {
	mu    sync.Mutex
	notes []sentNote
}

func (n *fakeNotifier) Notify(_ context.Context, title, body string) error {
	n.mu.Lock()
	n.notes = append(n.notes, sentNote{title, body})
	n.mu.Unlock()
	return nil
}

type fixture struct {
	store    storage.Store
	prober   *fakeProber
	attempt  *fakeAttempter
	notifier *fakeNotifier
	guard    *fakeGuard
	runner   *Runner
	task     *model.Task
}

func train(code string, seats map[string]string) railway.Train {
	return railway.Train{Code: code, Date: "2026-10-20", DepartTime: "08:00", ArriveTime: "12:30", Secret: "secret-" + code, Seats: seats}
}

func newFixture(t *testing.T, mutate func(*model.Task)) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	task := &model.Task{
		UserID:        "u1",
		Name:          "回家",
		Trip:          model.Trip{From: "北京", To: "上海", Date: "2026-10-20"},
		SeatClasses:   []string{"O", "M"},
		Passengers:    []model.Passenger{{Name: "张三", IDNo: "110101199001011234"}},
		QueryInterval: 5,
		MaxRetryCount: 100,
		AutoSubmit:    true,
		Status:        model.StatusRunning,
	}
	if mutate != nil {
		mutate(task)
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := st.PutCredentials(ctx, "u1", model.Credentials{"tk": "abc"}); err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		store:    st,
		prober:   &fakeProber{},
		attempt:  &fakeAttempter{},
		notifier: &fakeNotifier{},
		guard:    newGuard(task.ID),
		task:     task,
	}
	f.runner = New(st, f.prober, f.attempt, f.notifier, f.guard, logx.Nop())
	return f
}

func (f *fixture) tick(t *testing.T) {
	t.Helper()
	if err := f.runner.Tick(context.Background(), f.task.ID); err != nil {
		t.Fatalf("Tick: %v", err)
	}
}

func (f *fixture) reload(t *testing.T) *model.Task {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), f.task.ID)
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func (f *fixture) messages(t *testing.T) []string {
	t.Helper()
	logs, err := f.store.ListLogs(context.Background(), f.task.ID, storage.LogQuery{Limit: 1000})
	if err != nil {
		t.Fatal(err)
	}
	out := make([]string, 0, len(logs))
	for i := len(logs) - 1; i >= 0; i-- {
		out = append(out, logs[i].Message)
	}
	return out
}

func (f *fixture) countLevel(t *testing.T, lvl model.Level) int {
	t.Helper()
	logs, err := f.store.ListLogs(context.Background(), f.task.ID, storage.LogQuery{Level: lvl, Limit: 1000})
	if err != nil {
		t.Fatal(err)
	}
	return len(logs)
}

func contains(msgs []string, want string) bool {
	for _, m := range msgs {
		if m == want {
			return true
		}
	}
	return false
}

func TestTickPurchaseSuccess(t *testing.T) {
	f := newFixture(t, nil)
	f.prober.trains = []probe.ServiceAvailability{train("G1", map[string]string{"O": "有", "M": "无"})}
	f.attempt.outs = []purchase.Outcome{{
		Success: true, OrderID: "E123", TrainCode: "G1", Departure: "2026-10-20 08:00",
		SeatLabel: "二等座", PassengerNames: []string{"张三"},
	}}

	f.tick(t)

	got := f.reload(t)
	if got.Status != model.StatusSuccess || got.OrderID != "E123" || got.FinishedAt == nil || got.RetryCount != 1 {
		t.Fatalf("task = %+v", got)
	}
	msgs := f.messages(t)
	for _, want := range []string{"第 1 次刷票...", "发现余票: G1 二等座(有), 尝试下单...", "抢票成功！订单号: E123"} {
		if !contains(msgs, want) {
			t.Fatalf("missing log %q in %v", want, msgs)
		}
	}
	if n := f.countLevel(t, model.LevelSuccess); n != 1 {
		t.Fatalf("success entries = %d, want 1", n)
	}
	if !f.guard.wasRetired(f.task.ID) {
		t.Fatalf("timer not retired")
	}
	if len(f.notifier.notes) != 1 || f.notifier.notes[0].title != "抢票成功" || !strings.Contains(f.notifier.notes[0].body, "订单号: E123") {
		t.Fatalf("notes = %+v", f.notifier.notes)
	}
	req := f.attempt.reqs[0]
	if req.SeatClass != "O" || req.Credentials["tk"] != "abc" || len(req.Passengers) != 1 {
		t.Fatalf("request = %+v", req)
	}
}

func TestTickReportOnly(t *testing.T) {
	f := newFixture(t, func(task *model.Task) { task.AutoSubmit = false })
	f.prober.trains = []probe.ServiceAvailability{train("G1", map[string]string{"O": "5"})}

	f.tick(t)

	if len(f.attempt.reqs) != 0 {
		t.Fatalf("report-only task attempted a purchase")
	}
	if !contains(f.messages(t), "发现余票: G1 二等座(5), 等待手动下单") {
		t.Fatalf("logs = %v", f.messages(t))
	}
	if got := f.reload(t); got.Status != model.StatusRunning || f.guard.wasRetired(f.task.ID) {
		t.Fatalf("task left running state: %+v", got)
	}
}

func TestTickAuthoritativeFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.prober.trains = []probe.ServiceAvailability{train("G1", map[string]string{"O": "有", "M": "有"})}
	f.attempt.outs = []purchase.Outcome{{Message: "初始化订单失败: 风控拦截", Failure: purchase.FailureRiskControl}}

	f.tick(t)

	got := f.reload(t)
	if got.Status != model.StatusFailed || got.ResultMessage != "初始化订单失败: 风控拦截" {
		t.Fatalf("task = %+v", got)
	}
	if len(f.attempt.reqs) != 1 {
		t.Fatalf("kept attempting after authoritative failure: %d", len(f.attempt.reqs))
	}
	if !f.guard.wasRetired(f.task.ID) || len(f.notifier.notes) != 1 || f.notifier.notes[0].title != "抢票失败" {
		t.Fatalf("retired=%v notes=%v", f.guard.wasRetired(f.task.ID), f.notifier.notes)
	}
}

func TestTickSoftFailureContinues(t *testing.T) {
	f := newFixture(t, nil)
	f.prober.trains = []probe.ServiceAvailability{
		train("G1", map[string]string{"O": "有", "M": "3"}),
	}
	f.attempt.outs = []purchase.Outcome{
		{Message: "未找到匹配的乘车人，请检查乘车人信息是否正确", Failure: purchase.FailureNoPassengers},
		{Success: true, OrderID: "E9", TrainCode: "G1"},
	}

	f.tick(t)

	if len(f.attempt.reqs) != 2 || f.attempt.reqs[1].SeatClass != "M" {
		t.Fatalf("reqs = %+v", f.attempt.reqs)
	}
	if !contains(f.messages(t), "下单失败: 未找到匹配的乘车人，请检查乘车人信息是否正确") {
		t.Fatalf("logs = %v", f.messages(t))
	}
	if f.reload(t).Status != model.StatusSuccess {
		t.Fatalf("second seat class not bought")
	}
}

func TestTickScanSummary(t *testing.T) {
	f := newFixture(t, nil)
	f.prober.trains = []probe.ServiceAvailability{
		train("G1", map[string]string{"O": "无"}),
		train("G3", map[string]string{"O": "*", "M": "0"}),
	}
	f.tick(t)
	want := "扫描结束: G1[二等座:无, 一等座:--] | G3[二等座:*, 一等座:0]"
	if !contains(f.messages(t), want) {
		t.Fatalf("logs = %v", f.messages(t))
	}
	if f.reload(t).Status != model.StatusRunning {
		t.Fatalf("task not running")
	}
}

func TestTickProbeOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		trains []probe.ServiceAvailability
		err    error
		want   string
	}{
		{"failure", nil, errors.New("timeout"), "查票失败: timeout"},
		{"empty", nil, nil, "未查询到任何车次"},
		{"no matching", nil, probe.ErrNoMatchingServices, "指定车次不存在或已停运"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.prober.trains, f.prober.err = tt.trains, tt.err
			f.tick(t)
			if !contains(f.messages(t), tt.want) {
				t.Fatalf("logs = %v", f.messages(t))
			}
			if got := f.reload(t); got.Status != model.StatusRunning || got.RetryCount != 1 {
				t.Fatalf("task = %+v", got)
			}
		})
	}
}

func TestTickExhaustsAfterMaxRetries(t *testing.T) {
	f := newFixture(t, func(task *model.Task) { task.MaxRetryCount = 3 })
	f.prober.trains = []probe.ServiceAvailability{train("G1", map[string]string{"O": "无"})}

	for i := 0; i < 3; i++ {
		f.tick(t)
		if f.reload(t).Status != model.StatusRunning {
			t.Fatalf("failed early at tick %d", i+1)
		}
	}
	f.tick(t)
	got := f.reload(t)
	if got.Status != model.StatusFailed || got.ResultMessage != "超过最大重试次数" || got.RetryCount != 3 {
		t.Fatalf("task = %+v", got)
	}
	if !f.guard.wasRetired(f.task.ID) || len(f.notifier.notes) != 1 {
		t.Fatalf("exhaustion not retired/notified")
	}

	// A fire that was already queued when the task failed writes nothing.
	before := len(f.messages(t))
	f.tick(t)
	if after := len(f.messages(t)); after != before {
		t.Fatalf("logs grew from %d to %d after FAILED", before, after)
	}
	if got := f.reload(t); got.Status != model.StatusFailed || got.RetryCount != 3 {
		t.Fatalf("task = %+v", got)
	}
	if len(f.notifier.notes) != 1 {
		t.Fatalf("notified again: %v", f.notifier.notes)
	}
}

func TestTickUnlimitedRetries(t *testing.T) {
	f := newFixture(t, func(task *model.Task) { task.MaxRetryCount = -1 })
	f.prober.trains = []probe.ServiceAvailability{train("G1", map[string]string{"O": "无"})}
	for i := 0; i < 10; i++ {
		f.tick(t)
	}
	if got := f.reload(t); got.Status != model.StatusRunning || got.RetryCount != 10 {
		t.Fatalf("task = %+v", got)
	}
}

func TestTickMissingCredentials(t *testing.T) {
	f := newFixture(t, nil)
	_ = f.store.DeleteCredentials(context.Background(), "u1")
	f.tick(t)
	got := f.reload(t)
	if got.Status != model.StatusFailed || got.ResultMessage != "用户未登录" {
		t.Fatalf("task = %+v", got)
	}
	if !f.guard.wasRetired(f.task.ID) {
		t.Fatalf("timer not retired")
	}
}

func TestTickRetiresInactiveTasks(t *testing.T) {
	f := newFixture(t, nil)
	task := f.reload(t)
	_ = task.Stop(time.Now())
	_ = f.store.UpdateTask(context.Background(), task)
	f.tick(t)
	if !f.guard.wasRetired(f.task.ID) || len(f.messages(t)) != 0 {
		t.Fatalf("paused task ticked")
	}

	if err := f.runner.Tick(context.Background(), 9999); err != nil {
		t.Fatal(err)
	}
	if !f.guard.wasRetired(9999) {
		t.Fatalf("missing task not retired")
	}
}

func TestTickGuardBeforePurchase(t *testing.T) {
	f := newFixture(t, nil)
	f.prober.trains = []probe.ServiceAvailability{train("G1", map[string]string{"O": "有"})}
	f.guard.Retire(f.task.ID)

	f.tick(t)

	if len(f.attempt.reqs) != 0 {
		t.Fatalf("purchased for a stopped task")
	}
	if !contains(f.messages(t), "任务已暂停或停止") {
		t.Fatalf("logs = %v", f.messages(t))
	}
}

func TestTickStopRaceStillRecordsSuccess(t *testing.T) {
	f := newFixture(t, nil)
	f.prober.trains = []probe.ServiceAvailability{train("G1", map[string]string{"O": "有"})}
	f.attempt.outs = []purchase.Outcome{{Success: true, OrderID: "E7", TrainCode: "G1"}}
	f.attempt.during = func() { f.guard.Retire(f.task.ID) }

	f.tick(t)

	if got := f.reload(t); got.Status != model.StatusSuccess || got.OrderID != "E7" {
		t.Fatalf("task = %+v", got)
	}
	if !contains(f.messages(t), "任务已停止，但进行中的下单已成功") {
		t.Fatalf("race not logged: %v", f.messages(t))
	}
}

func TestTickRecoversPanic(t *testing.T) {
	f := newFixture(t, nil)
	f.prober.panics = true
	if err := f.runner.Tick(context.Background(), f.task.ID); err == nil {
		t.Fatalf("panic not reported")
	}
	if got := f.reload(t); got.Status != model.StatusRunning {
		t.Fatalf("task = %+v", got)
	}
	if !contains(f.messages(t), "执行异常: boom") {
		t.Fatalf("logs = %v", f.messages(t))
	}
}

type panickyCreds struct{ storage.Store }

func (panickyCreds) GetCredentials(context.Context, string) (model.Credentials, bool, error) {
	panic("creds boom")
}

func TestTickPanicWhileSettlingFailsTask(t *testing.T) {
	f := newFixture(t, nil)
	r := New(panickyCreds{f.store}, f.prober, f.attempt, f.notifier, f.guard, logx.Nop())
	if err := r.Tick(context.Background(), f.task.ID); err == nil {
		t.Fatalf("panic not reported")
	}
	got := f.reload(t)
	if got.Status != model.StatusFailed || !strings.Contains(got.ResultMessage, "creds boom") {
		t.Fatalf("task = %+v", got)
	}
	if !f.guard.wasRetired(f.task.ID) {
		t.Fatalf("timer not retired")
	}
}

func TestTickSkipsTrainWithoutToken(t *testing.T) {
	f := newFixture(t, nil)
	tr := train("G1", map[string]string{"O": "有"})
	tr.Secret = ""
	f.prober.trains = []probe.ServiceAvailability{tr}
	f.tick(t)
	if len(f.attempt.reqs) != 0 {
		t.Fatalf("attempted without an order token")
	}
}

// pauseAfterLoad persists PAUSED right after the tick reads the task, the
// way a StopTask from another goroutine would.
type pauseAfterLoad struct {
	storage.Store
	once sync.Once
}

func (s *pauseAfterLoad) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	task, err := s.Store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	s.once.Do(func() {
		cur, err := s.Store.GetTask(ctx, id)
		if err != nil {
			panic(err)
		}
		if err := cur.Stop(time.Now()); err != nil {
			panic(err)
		}
		if err := s.Store.UpdateTask(ctx, cur); err != nil {
			panic(err)
		}
	})
	return task, nil
}

func TestTickKeepsConcurrentStop(t *testing.T) {
	f := newFixture(t, nil)
	f.prober.trains = []probe.ServiceAvailability{train("G1", map[string]string{"O": "无"})}
	r := New(&pauseAfterLoad{Store: f.store}, f.prober, f.attempt, f.notifier, f.guard, logx.Nop())

	if err := r.Tick(context.Background(), f.task.ID); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	got := f.reload(t)
	if got.Status != model.StatusPaused || got.RetryCount != 0 {
		t.Fatalf("task = %s retry=%d, want paused retry=0", got.Status, got.RetryCount)
	}
	if !f.guard.wasRetired(f.task.ID) {
		t.Fatalf("timer not retired")
	}
	if msgs := f.messages(t); len(msgs) != 0 {
		t.Fatalf("stopped task logged %v", msgs)
	}
}

func TestTickFailureKeepsConcurrentCancel(t *testing.T) {
	f := newFixture(t, nil)
	f.prober.trains = []probe.ServiceAvailability{train("G1", map[string]string{"O": "有"})}
	f.attempt.outs = []purchase.Outcome{{Message: "初始化订单失败: 风控拦截", Failure: purchase.FailureRiskControl}}
	f.attempt.during = func() {
		cur := f.reload(t)
		if err := cur.Cancel(time.Now()); err != nil {
			panic(err)
		}
		if err := f.store.UpdateTask(context.Background(), cur); err != nil {
			panic(err)
		}
	}

	f.tick(t)

	if got := f.reload(t); got.Status != model.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if !f.guard.wasRetired(f.task.ID) {
		t.Fatalf("timer not retired")
	}
	if n := f.countLevel(t, model.LevelError); n != 0 || len(f.notifier.notes) != 0 {
		t.Fatalf("failure reported for a cancelled task: errors=%d notes=%v", n, f.notifier.notes)
	}
}

func TestTickLogsSkippedPassengers(t *testing.T) {
	f := newFixture(t, nil)
	f.prober.trains = []probe.ServiceAvailability{train("G1", map[string]string{"O": "有"})}
	f.attempt.outs = []purchase.Outcome{{Success: true, OrderID: "E8", TrainCode: "G1", SkippedPassengers: []string{"李四"}}}

	f.tick(t)

	if !contains(f.messages(t), "乘车人不在账号名单中，已跳过: 李四") {
		t.Fatalf("logs = %v", f.messages(t))
	}
	if got := f.reload(t); got.Status != model.StatusSuccess {
		t.Fatalf("task = %+v", got)
	}
}
