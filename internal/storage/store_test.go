package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ticketgrab/internal/ticket/model"
	logx "ticketgrab/pkg/logx"
)

func sampleTask(user string) *model.Task {
	return &model.Task{
		UserID: user,
		Name:   "home",
		Trip: model.Trip{
			From:         "北京",
			To:           "上海",
			Date:         "2026-10-20",
			TrainCodes:   []string{"G1", "G3"},
			TrainTypes:   []string{"G"},
			DepartWindow: &model.TimeWindow{Start: "08:00", End: "12:00"},
		},
		SeatClasses:         []string{"O", "M"},
		Passengers:          []model.Passenger{{Name: "张三", IDNo: "110101199001011234"}},
		QueryInterval:       5,
		MaxRetryCount:       100,
		AutoSubmit:          true,
		AllowScheduledStart: true,
	}
}

type driverCase struct {
	name string
	open func(t *testing.T, key string) Store
}

func drivers() []driverCase {
	return []driverCase{
		{"memory", func(t *testing.T, key string) Store {
			return mustOpen(t, Config{Driver: "memory", CredentialKey: key})
		}},
		{"file", func(t *testing.T, key string) Store {
			return mustOpen(t, Config{Driver: "file", Path: filepath.Join(t.TempDir(), "tg.json"), CredentialKey: key})
		}},
		{"sqlite", func(t *testing.T, key string) Store {
			return mustOpen(t, Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "tg.db"), CredentialKey: key})
		}},
	}
}

func mustOpen(t *testing.T, cfg Config) Store {
	t.Helper()
	st, err := Open(context.Background(), cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", cfg.Driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStoreTasks(t *testing.T) {
	for _, d := range drivers() {
		t.Run(d.name, func(t *testing.T) {
			ctx := context.Background()
			st := d.open(t, "")

			a := sampleTask("u1")
			if err := st.CreateTask(ctx, a); err != nil {
				t.Fatal(err)
			}
			if a.ID == 0 || a.Status != model.StatusPending || a.CreatedAt.IsZero() {
				t.Fatalf("create did not stamp task: %+v", a)
			}
			b := sampleTask("u2")
			if err := st.CreateTask(ctx, b); err != nil {
				t.Fatal(err)
			}

			got, err := st.GetTask(ctx, a.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.Trip.From != "北京" || len(got.Trip.TrainCodes) != 2 || got.Trip.DepartWindow == nil ||
				got.Trip.DepartWindow.String() != "08:00-12:00" || len(got.Passengers) != 1 ||
				got.Passengers[0].IDNo != "110101199001011234" || !got.AutoSubmit {
				t.Fatalf("round trip mismatch: %+v", got)
			}

			now := time.Now()
			if err := got.Start(now); err != nil {
				t.Fatal(err)
			}
			got.RetryCount = 3
			if err := st.UpdateTask(ctx, got); err != nil {
				t.Fatal(err)
			}
			again, _ := st.GetTask(ctx, a.ID)
			if again.Status != model.StatusRunning || again.RetryCount != 3 || again.StartedAt == nil {
				t.Fatalf("update not persisted: %+v", again)
			}

			running, err := st.ListTasks(ctx, TaskQuery{Statuses: []model.Status{model.StatusRunning}})
			if err != nil || len(running) != 1 || running[0].ID != a.ID {
				t.Fatalf("ListTasks(running) = %v, %v", running, err)
			}
			mine, _ := st.ListTasks(ctx, TaskQuery{UserID: "u2"})
			if len(mine) != 1 || mine[0].ID != b.ID {
				t.Fatalf("ListTasks(u2) = %v", mine)
			}
			all, _ := st.ListTasks(ctx, TaskQuery{})
			if len(all) != 2 || all[0].ID > all[1].ID {
				t.Fatalf("ListTasks(all) = %v", all)
			}

			if err := st.DeleteTask(ctx, b.ID); err != nil {
				t.Fatal(err)
			}
			if _, err := st.GetTask(ctx, b.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetTask after delete: %v", err)
			}
			if err := st.DeleteTask(ctx, b.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("second delete: %v", err)
			}
			missing := sampleTask("u1")
			missing.ID = 999
			if err := st.UpdateTask(ctx, missing); !errors.Is(err, ErrNotFound) {
				t.Fatalf("update missing: %v", err)
			}
		})
	}
}

func TestStoreUpdateTaskIfStatus(t *testing.T) {
	for _, d := range drivers() {
		t.Run(d.name, func(t *testing.T) {
			ctx := context.Background()
			st := d.open(t, "")

			task := sampleTask("u1")
			task.Status = model.StatusRunning
			if err := st.CreateTask(ctx, task); err != nil {
				t.Fatal(err)
			}

			stale := *task
			paused := *task
			paused.Status = model.StatusPaused
			if err := st.UpdateTaskIfStatus(ctx, &paused, model.StatusRunning); err != nil {
				t.Fatalf("conditional update from running: %v", err)
			}

			stale.RetryCount = 7
			if err := st.UpdateTaskIfStatus(ctx, &stale, model.StatusRunning); !errors.Is(err, ErrStatusChanged) {
				t.Fatalf("stale update = %v, want ErrStatusChanged", err)
			}
			got, err := st.GetTask(ctx, task.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != model.StatusPaused || got.RetryCount != 0 {
				t.Fatalf("stored = %s retry=%d, stale write landed", got.Status, got.RetryCount)
			}

			missing := sampleTask("u1")
			missing.ID = 9999
			if err := st.UpdateTaskIfStatus(ctx, missing, model.StatusRunning); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing task = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreLogs(t *testing.T) {
	for _, d := range drivers() {
		t.Run(d.name, func(t *testing.T) {
			ctx := context.Background()
			st := d.open(t, "")
			task := sampleTask("u1")
			if err := st.CreateTask(ctx, task); err != nil {
				t.Fatal(err)
			}
			msgs := []struct {
				lvl model.Level
				msg string
			}{
				{model.LevelInfo, "第 1 次刷票..."},
				{model.LevelWarning, "未查询到任何车次"},
				{model.LevelInfo, "第 2 次刷票..."},
				{model.LevelError, "下单失败: x"},
			}
			for _, m := range msgs {
				if err := st.AppendLog(ctx, model.TaskLog{TaskID: task.ID, Level: m.lvl, Message: m.msg}); err != nil {
					t.Fatal(err)
				}
			}

			logs, err := st.ListLogs(ctx, task.ID, LogQuery{})
			if err != nil || len(logs) != 4 {
				t.Fatalf("ListLogs = %d, %v", len(logs), err)
			}
			if logs[0].Message != "下单失败: x" || logs[3].Message != "第 1 次刷票..." {
				t.Fatalf("logs not newest first: %v", logs)
			}
			limited, _ := st.ListLogs(ctx, task.ID, LogQuery{Limit: 2})
			if len(limited) != 2 || limited[1].Message != "第 2 次刷票..." {
				t.Fatalf("limit: %v", limited)
			}
			infos, _ := st.ListLogs(ctx, task.ID, LogQuery{Level: model.LevelInfo})
			if len(infos) != 2 {
				t.Fatalf("level filter: %v", infos)
			}

			if err := st.AppendLog(ctx, model.TaskLog{TaskID: 404, Message: "x"}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("append to missing task: %v", err)
			}
			if err := st.DeleteTask(ctx, task.ID); err != nil {
				t.Fatal(err)
			}
			gone, _ := st.ListLogs(ctx, task.ID, LogQuery{})
			if len(gone) != 0 {
				t.Fatalf("logs survived delete: %v", gone)
			}
		})
	}
}

func TestStoreCredentialsConfigDedup(t *testing.T) {
	for _, d := range drivers() {
		t.Run(d.name, func(t *testing.T) {
			ctx := context.Background()
			st := d.open(t, "s3cret")

			if _, ok, err := st.GetCredentials(ctx, "u1"); ok || err != nil {
				t.Fatalf("empty credentials: ok=%v err=%v", ok, err)
			}
			creds := model.Credentials{"tk": "abc", "RAIL_DEVICEID": "dev"}
			if err := st.PutCredentials(ctx, "u1", creds); err != nil {
				t.Fatal(err)
			}
			got, ok, err := st.GetCredentials(ctx, "u1")
			if err != nil || !ok || got["tk"] != "abc" || got["RAIL_DEVICEID"] != "dev" {
				t.Fatalf("GetCredentials = %v, %v, %v", got, ok, err)
			}
			if err := st.DeleteCredentials(ctx, "u1"); err != nil {
				t.Fatal(err)
			}
			if _, ok, _ := st.GetCredentials(ctx, "u1"); ok {
				t.Fatalf("credentials survived delete")
			}

			if _, ok, _ := st.GetConfig(ctx, KeyGlobalScheduleCron); ok {
				t.Fatalf("unexpected config value")
			}
			if err := st.SetConfig(ctx, KeyGlobalScheduleCron, "0 0 8 * * *"); err != nil {
				t.Fatal(err)
			}
			if err := st.SetConfig(ctx, KeyGlobalScheduleCron, "0 30 7 * * *"); err != nil {
				t.Fatal(err)
			}
			if v, ok, _ := st.GetConfig(ctx, KeyGlobalScheduleCron); !ok || v != "0 30 7 * * *" {
				t.Fatalf("GetConfig = %q, %v", v, ok)
			}

			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			if err := st.PutDedup(ctx, "task:1:success", until); err != nil {
				t.Fatal(err)
			}
			if v, ok, _ := st.GetDedup(ctx, "task:1:success"); !ok || !v.Equal(until) {
				t.Fatalf("GetDedup = %v, %v", v, ok)
			}
			if _, ok, _ := st.GetDedup(ctx, "other"); ok {
				t.Fatalf("unexpected dedup key")
			}
		})
	}
}

func TestFileStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	cfg := Config{Driver: "file", Path: path, CredentialKey: "k"}

	st, err := Open(ctx, cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	task := sampleTask("u1")
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	_ = st.AppendLog(ctx, model.TaskLog{TaskID: task.ID, Message: "任务已启动"})
	_ = st.PutCredentials(ctx, "u1", model.Credentials{"tk": "abc"})
	_ = st.SetConfig(ctx, KeyGlobalScheduleEnabled, "true")
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st2, err := Open(ctx, cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	got, err := st2.GetTask(ctx, task.ID)
	if err != nil || got.Trip.To != "上海" {
		t.Fatalf("task after reopen: %v, %v", got, err)
	}
	logs, _ := st2.ListLogs(ctx, task.ID, LogQuery{})
	if len(logs) != 1 || logs[0].Message != "任务已启动" {
		t.Fatalf("logs after reopen: %v", logs)
	}
	if c, ok, _ := st2.GetCredentials(ctx, "u1"); !ok || c["tk"] != "abc" {
		t.Fatalf("credentials after reopen: %v", c)
	}
	if v, _, _ := st2.GetConfig(ctx, KeyGlobalScheduleEnabled); v != "true" {
		t.Fatalf("config after reopen: %q", v)
	}
	next := sampleTask("u1")
	_ = st2.CreateTask(ctx, next)
	if next.ID != task.ID+1 {
		t.Fatalf("id sequence not restored: %d", next.ID)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop())
	if err == nil || !strings.Contains(err.Error(), "mongo") {
		t.Fatalf("err = %v", err)
	}
	if _, err := Open(context.Background(), Config{Driver: "none"}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("none driver: %v", err)
	}
	if _, err := Open(context.Background(), Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatalf("file driver without path accepted")
	}
}
