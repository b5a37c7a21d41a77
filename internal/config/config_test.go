package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "ticketgrab/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  timezone: Asia/Shanghai
engine:
  workers: 4
ticket:
  min_interval: 3s
  max_interval: 60s
  default_interval: 5s
storage:
  driver: sqlite
  path: ./tg.db
  credential_key: ${TG_TEST_KEY}
notifier:
  enabled: true
  channels:
    webhook:
      url: https://hook.example/send?t=$title
    bark:
      push: ${TG_TEST_BARK:-fallback}
global_trigger:
  cron: "0 8 * * *"
  enabled: true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAMLWithEnv(t *testing.T) {
	t.Setenv("TG_TEST_KEY", "k3y")

	m := NewManager(writeFile(t, "config.yaml", sampleYAML), logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.CredentialKey != "k3y" {
		t.Fatalf("credential_key = %q", cfg.Storage.CredentialKey)
	}
	if cfg.Notifier.Channels.Bark.Push != "fallback" {
		t.Fatalf("bark push = %q, want default", cfg.Notifier.Channels.Bark.Push)
	}
	if got := cfg.Notifier.Channels.Webhook.URL; !strings.Contains(got, "$title") {
		t.Fatalf("webhook placeholder expanded: %q", got)
	}
	if cfg.Engine.Workers != 4 || !cfg.GlobalTrigger.Enabled {
		t.Fatalf("cfg = %+v", cfg)
	}
	if m.Get() != cfg {
		t.Fatalf("Load did not commit")
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	if _, err := Decode("c.json", []byte(`{"logging":{"level":"info"},"plugins":{}}`)); err == nil {
		t.Fatalf("expected unknown field error")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatalf("expected trailing data error")
	}
	if _, err := Decode("c.yml", []byte("engine:\n  workers: 2\n")); err != nil {
		t.Fatalf("yml: %v", err)
	}
}

func TestDecodeYAMLDocuments(t *testing.T) {
	t.Parallel()

	anchored := "defaults: &d\n  workers: 3\nengine: *d\n"
	if _, err := Decode("c.yaml", []byte(anchored)); err == nil {
		t.Fatalf("unknown top-level key accepted")
	}
	cfg, err := Decode("c.yaml", []byte("engine:\n  workers: &w 3\n  queue_size: *w\n"))
	if err != nil {
		t.Fatalf("alias: %v", err)
	}
	if cfg.Engine.QueueSize != 3 {
		t.Fatalf("queue_size = %d, want alias value 3", cfg.Engine.QueueSize)
	}
	if _, err := Decode("c.yaml", []byte("engine: {}\n---\nengine: {}\n")); err == nil {
		t.Fatalf("second document accepted")
	}
	if cfg, err := Decode("c.yaml", nil); err != nil || cfg.Engine.Workers != 0 {
		t.Fatalf("empty file: %+v %v", cfg, err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"ok", func(*Config) {}, ""},
		{"timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Base" }, "scheduler.timezone"},
		{"duration", func(c *Config) { c.Ticket.MinInterval = "soon" }, "ticket.min_interval"},
		{"bounds", func(c *Config) { c.Ticket.MinInterval, c.Ticket.MaxInterval = "10s", "5s" }, "max_interval"},
		{"sub-second", func(c *Config) { c.Ticket.MinInterval = "200ms" }, "at least 1s"},
		{"sqlite path", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.path"},
		{"postgres dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"driver", func(c *Config) { c.Storage.Driver = "mongo" }, "unknown storage.driver"},
		{"cron", func(c *Config) { c.GlobalTrigger = GlobalTriggerConfig{Cron: "nope", Enabled: true} }, "global_trigger.cron"},
		{"negative", func(c *Config) { c.Engine.Workers = -1 }, "engine.workers"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			tt.mut(cfg)
			err := Validate(cfg)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	p := writeFile(t, ".env", "TG_DOTENV_VALUE=from-file\n")
	t.Setenv("TG_DOTENV_VALUE", "")
	os.Unsetenv("TG_DOTENV_VALUE")

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"), p); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("TG_DOTENV_VALUE"); got != "from-file" {
		t.Fatalf("env = %q", got)
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	a := &Config{Storage: StorageConfig{Driver: "memory"}}
	b := *a
	b.Storage.Driver = "sqlite"
	b.Logging.Level = "debug"
	b.Notifier.Channels.Bark.Push = "k"

	ch := Summarize(a, &b)
	for _, s := range []string{"logging", "storage", "notifier"} {
		if !ch.Has(s) {
			t.Fatalf("sections = %v, missing %s", ch.Sections, s)
		}
	}
	if len(ch.Restart) != 1 || ch.Restart[0] != "storage" {
		t.Fatalf("restart = %v", ch.Restart)
	}
	if got := Summarize(a, a); len(got.Sections) != 0 {
		t.Fatalf("identical configs reported %v", got.Sections)
	}
}

func TestSeconds(t *testing.T) {
	t.Parallel()

	if n, err := Seconds("x", "", 5*time.Second); err != nil || n != 5 {
		t.Fatalf("Seconds default = %d %v", n, err)
	}
	if n, err := Seconds("x", "90s", time.Second); err != nil || n != 90 {
		t.Fatalf("Seconds = %d %v", n, err)
	}
	if n, err := Seconds("x", "7", time.Second); err != nil || n != 7 {
		t.Fatalf("bare seconds = %d %v", n, err)
	}
	if _, err := Seconds("x", "-1s", time.Second); err == nil {
		t.Fatalf("negative accepted")
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	p := writeFile(t, "config.json", `{"engine":{"workers":1}}`)
	m := NewManager(p, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()
	time.Sleep(100 * time.Millisecond)

	// Rejected by validation: nothing is published.
	if err := os.WriteFile(p, []byte(`{"engine":{"workers":-3}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(600 * time.Millisecond)
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg.Engine)
	default:
	}

	if err := os.WriteFile(p, []byte(`{"engine":{"workers":6}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		if cfg.Engine.Workers != 6 {
			t.Fatalf("workers = %d", cfg.Engine.Workers)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("reload not published")
	}
	if m.Get().Engine.Workers != 6 {
		t.Fatalf("reload not committed")
	}
}
