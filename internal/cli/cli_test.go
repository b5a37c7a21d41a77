package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ticketgrab/internal/ticket/model"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := "storage:\n  driver: sqlite\n  path: " + filepath.Join(dir, "tg.db") + "\n" +
		"logging:\n  level: warn\n"
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := root.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, cfgPath string, args ...string) string {
	t.Helper()
	out, err := run(t, cfgPath, args...)
	if err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out)
	}
	return out
}

func showTask(t *testing.T, cfgPath string, id string) model.Task {
	t.Helper()
	out := mustRun(t, cfgPath, "task", "show", id)
	var task model.Task
	if err := json.Unmarshal([]byte(out), &task); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	return task
}

func TestTaskLifecycle(t *testing.T) {
	cfg := writeConfig(t)

	out := mustRun(t, cfg, "task", "add", "--user", "u1",
		"--from", "北京", "--to", "上海", "--date", "2030-01-01",
		"--seats", "二等座,M", "--passenger", "张三:110101199001011234",
		"--interval", "1")
	if !strings.Contains(out, "task 1 created (interval 3s)") {
		t.Fatalf("add output: %q", out)
	}

	task := showTask(t, cfg, "1")
	if task.Status != model.StatusPending {
		t.Fatalf("status = %s", task.Status)
	}
	if got := strings.Join(task.SeatClasses, ","); got != "O,M" {
		t.Fatalf("seats = %s", got)
	}
	if task.Passengers[0].IDTypeCode != "1" {
		t.Fatalf("passenger not normalized: %+v", task.Passengers[0])
	}

	mustRun(t, cfg, "task", "start", "1")
	if st := showTask(t, cfg, "1").Status; st != model.StatusRunning {
		t.Fatalf("after start: %s", st)
	}
	if _, err := run(t, cfg, "task", "start", "1"); err == nil {
		t.Fatal("starting a running task should fail")
	}

	list := mustRun(t, cfg, "task", "list", "--status", "running")
	if !strings.Contains(list, "北京→上海") {
		t.Fatalf("list output: %q", list)
	}

	mustRun(t, cfg, "task", "stop", "1")
	mustRun(t, cfg, "task", "cancel", "1")
	if st := showTask(t, cfg, "1").Status; st != model.StatusCancelled {
		t.Fatalf("after cancel: %s", st)
	}

	logs := mustRun(t, cfg, "task", "logs", "1")
	for _, want := range []string{"任务已启动", "任务已暂停", "任务已取消"} {
		if !strings.Contains(logs, want) {
			t.Fatalf("logs missing %q:\n%s", want, logs)
		}
	}

	mustRun(t, cfg, "task", "delete", "1")
	if _, err := run(t, cfg, "task", "show", "1"); err == nil {
		t.Fatal("deleted task still shown")
	}
}

func TestTaskAddRejectsBadInput(t *testing.T) {
	cfg := writeConfig(t)
	cases := [][]string{
		{"--seats", "头等舱"},
		{"--window", "18:00-08:00"},
		{"--passenger", "nobody"},
	}
	for _, extra := range cases {
		args := append([]string{"task", "add", "--from", "A", "--to", "B", "--date", "2030-01-01", "--passenger", "x:1"}, extra...)
		if _, err := run(t, cfg, args...); err == nil {
			t.Errorf("%v: expected error", extra)
		}
	}
}

func TestTriggerSetAndShow(t *testing.T) {
	cfg := writeConfig(t)

	if _, err := run(t, cfg, "trigger", "set", "not a cron"); err == nil {
		t.Fatal("invalid cron accepted")
	}
	mustRun(t, cfg, "trigger", "set", "0 0 8 * * *")
	out := mustRun(t, cfg, "trigger", "show", "--next", "2")
	if !strings.Contains(out, `"0 0 8 * * *"`) || !strings.Contains(out, "enabled: true") {
		t.Fatalf("show: %q", out)
	}
	if n := strings.Count(out, "next:"); n != 2 {
		t.Fatalf("next runs = %d\n%s", n, out)
	}

	mustRun(t, cfg, "trigger", "set", "--disable")
	out = mustRun(t, cfg, "trigger", "show")
	if !strings.Contains(out, `"0 0 8 * * *"`) || !strings.Contains(out, "enabled: false") {
		t.Fatalf("show after disable: %q", out)
	}
}

func TestCredsImport(t *testing.T) {
	cfg := writeConfig(t)
	path := filepath.Join(t.TempDir(), "cookies.json")
	raw := `[{"name":"tk","value":"abc"},{"name":"JSESSIONID","value":"s1"}]`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	out := mustRun(t, cfg, "creds", "import", path, "--user", "u1")
	if !strings.Contains(out, "stored 2 cookie(s) for u1") {
		t.Fatalf("import: %q", out)
	}
	mustRun(t, cfg, "creds", "delete", "--user", "u1")
}

func TestParseCookies(t *testing.T) {
	c, err := parseCookies([]byte(`{"tk":"abc"," ":"x"}`))
	if err != nil || len(c) != 1 || c["tk"] != "abc" {
		t.Fatalf("flat: %v %v", c, err)
	}
	if _, err := parseCookies([]byte(`[]`)); err == nil {
		t.Fatal("empty list accepted")
	}
	if _, err := parseCookies([]byte(`"nope"`)); err == nil {
		t.Fatal("string accepted")
	}
}

func TestParsePassengers(t *testing.T) {
	ps, err := parsePassengers([]string{"张三:1101:13800000000", " 李四 : 2202 "})
	if err != nil {
		t.Fatal(err)
	}
	if ps[0].Mobile != "13800000000" || ps[1].Name != "李四" || ps[1].IDNo != "2202" {
		t.Fatalf("parsed %+v", ps)
	}
	if _, err := parsePassengers([]string{"a:b:c:d"}); err == nil {
		t.Fatal("too many fields accepted")
	}
}

func TestVersion(t *testing.T) {
	out := mustRun(t, writeConfig(t), "version")
	if !strings.HasPrefix(out, "ticketgrab dev") {
		t.Fatalf("version: %q", out)
	}
}
