package logx

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestFormatRemoteLine(t *testing.T) {
	t.Parallel()

	got := formatRemoteLine([]byte(`{"level":"warn","time":"x","message":"tick failed","task_id":7,"comp":"runner"}`))
	want := "[WARN] tick failed\n- comp=runner\n- task_id=7"
	if got != want {
		t.Fatalf("formatRemoteLine = %q, want %q", got, want)
	}

	if got := formatRemoteLine([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("formatRemoteLine(non-json) = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := truncate("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}

type captureSink struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureSink) SendLog(_ context.Context, text string) error {
	c.mu.Lock()
	c.lines = append(c.lines, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

func TestServiceRemoteSinkMinLevel(t *testing.T) {
	svc, log := New(Config{Level: "debug", Remote: RemoteConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100}})
	defer svc.Close()
	sink := &captureSink{}
	svc.SetSink(sink)

	log.Info("ignored")
	log.Warn("forwarded", String("k", "v"))

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := sink.count(); n != 1 {
		t.Fatalf("sink lines = %d, want 1", n)
	}
	if !strings.Contains(sink.lines[0], "forwarded") {
		t.Fatalf("line = %q", sink.lines[0])
	}
}

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").Component("core").With(Task(42))
	log.Info("started")

	out := buf.String()
	for _, want := range []string{`"comp":"core"`, `"task_id":42`, `"message":"started"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %s", out, want)
		}
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Error("nothing happens")
}
