package notifier

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ticketgrab/internal/eventbus"
	"ticketgrab/internal/notifier/channels"
	logx "ticketgrab/pkg/logx"
)

type fakeChannel struct {
	name     string
	failures atomic.Int32 // fail this many sends before succeeding
	calls    atomic.Int32

	mu     sync.Mutex
	titles []string
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(_ context.Context, title, _ string) error {
	f.calls.Add(1)
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return errors.New("temporarily down")
	}
	f.mu.Lock()
	f.titles = append(f.titles, title)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) delivered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.titles)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func startService(t *testing.T, cfg Config, store DedupStore, chans ...channels.Channel) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	s := New(cfg, channels.Env{Out: io.Discard}, logx.Nop(), bus, store)
	s.reg.Swap(chans)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func baseConfig() Config {
	return Config{Enabled: true, Workers: 2, RatePerSec: 100, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}
}

func TestNotifyFansOutToAllChannels(t *testing.T) {
	a, b := &fakeChannel{name: "bark"}, &fakeChannel{name: "telegram"}
	s, bus := startService(t, baseConfig(), nil, a, b)
	events, unsub := bus.Subscribe(16)
	defer unsub()

	if err := s.Notify(context.Background(), "抢票成功", "订单号: E1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return a.delivered() == 1 && b.delivered() == 1 })
	waitFor(t, func() bool { return len(s.Snapshot()) == 1 })

	var sent bool
	for !sent {
		select {
		case ev := <-events:
			sent = ev.Type == eventbus.NotifySent
		case <-time.After(2 * time.Second):
			t.Fatalf("no sent event")
		}
	}
}

func TestRetryOnlyFailedChannels(t *testing.T) {
	ok := &fakeChannel{name: "bark"}
	flaky := &fakeChannel{name: "ntfy"}
	flaky.failures.Store(2)
	s, _ := startService(t, baseConfig(), nil, ok, flaky)

	if err := s.Notify(context.Background(), "t", "body"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return flaky.delivered() == 1 })
	if ok.calls.Load() != 1 {
		t.Fatalf("healthy channel sent %d times", ok.calls.Load())
	}
	if flaky.calls.Load() != 3 {
		t.Fatalf("flaky channel calls = %d", flaky.calls.Load())
	}
}

func TestGiveUpAfterRetryMax(t *testing.T) {
	down := &fakeChannel{name: "gotify"}
	down.failures.Store(100)
	s, bus := startService(t, baseConfig(), nil, down)
	events, unsub := bus.Subscribe(16)
	defer unsub()

	_ = s.Notify(context.Background(), "t", "body")
	for {
		select {
		case ev := <-events:
			if ev.Type != eventbus.NotifyFailed {
				continue
			}
			if down.calls.Load() != 3 {
				t.Fatalf("calls = %d, want 3", down.calls.Load())
			}
			return
		case <-time.After(2 * time.Second):
			t.Fatalf("no failed event")
		}
	}
}

func TestDedupWindow(t *testing.T) {
	ch := &fakeChannel{name: "bark"}
	cfg := baseConfig()
	cfg.DedupWindow = time.Minute
	s, _ := startService(t, cfg, nil, ch)

	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), "抢票失败", "超过最大重试次数"); err != nil {
			t.Fatal(err)
		}
	}
	_ = s.Notify(context.Background(), "抢票失败", "用户未登录")
	waitFor(t, func() bool { return ch.delivered() == 2 })
	time.Sleep(20 * time.Millisecond)
	if ch.delivered() != 2 {
		t.Fatalf("delivered = %d", ch.delivered())
	}
}

type memDedup struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (d *memDedup) PutDedup(_ context.Context, key string, until time.Time) error {
	d.mu.Lock()
	d.m[key] = until
	d.mu.Unlock()
	return nil
}

func (d *memDedup) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.m[key]
	return v, ok, nil
}

func TestPersistentDedupAcrossRestart(t *testing.T) {
	store := &memDedup{m: map[string]time.Time{}}
	cfg := baseConfig()
	cfg.DedupWindow = time.Minute
	cfg.PersistDedup = true

	first := &fakeChannel{name: "bark"}
	s1, _ := startService(t, cfg, store, first)
	_ = s1.Notify(context.Background(), "t", "same")
	waitFor(t, func() bool { return first.delivered() == 1 })
	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.m) == 1
	})

	second := &fakeChannel{name: "bark"}
	s2, _ := startService(t, cfg, store, second)
	_ = s2.Notify(context.Background(), "t", "same")
	time.Sleep(30 * time.Millisecond)
	if second.calls.Load() != 0 {
		t.Fatalf("dedup not restored from store")
	}
}

func TestSkipsAndErrors(t *testing.T) {
	ch := &fakeChannel{name: "bark"}

	s, _ := startService(t, baseConfig(), nil, ch)
	if err := s.Notify(context.Background(), "t", "   "); err != nil {
		t.Fatalf("empty body: %v", err)
	}

	empty, _ := startService(t, baseConfig(), nil)
	if err := empty.Notify(context.Background(), "t", "body"); err != nil {
		t.Fatalf("no channels: %v", err)
	}

	off := New(Config{Enabled: false}, channels.Env{}, logx.Nop(), nil, nil)
	off.reg.Swap([]channels.Channel{ch})
	if err := off.Notify(context.Background(), "t", "body"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: %v", err)
	}

	stopped := New(baseConfig(), channels.Env{}, logx.Nop(), nil, nil)
	stopped.reg.Swap([]channels.Channel{ch})
	if err := stopped.Notify(context.Background(), "t", "body"); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if ch.calls.Load() != 0 {
		t.Fatalf("skipped notification reached a channel")
	}
}

func TestSendLogTargetsTelegram(t *testing.T) {
	tg, bark := &fakeChannel{name: "telegram"}, &fakeChannel{name: "bark"}
	s, _ := startService(t, baseConfig(), nil, tg, bark)
	if err := s.SendLog(context.Background(), "WRN scan failed"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return tg.delivered() == 1 })
	time.Sleep(20 * time.Millisecond)
	if bark.calls.Load() != 0 {
		t.Fatalf("log line reached bark")
	}
}

func TestReloadConfigSwapsChannels(t *testing.T) {
	s := New(baseConfig(), channels.Env{Out: io.Discard}, logx.Nop(), nil, nil)
	if err := s.ReloadConfig(ChannelsConfig{Console: channels.ConsoleConfig{Enabled: true}}); err != nil {
		t.Fatal(err)
	}
	if got := s.Channels(); len(got) != 1 || got[0] != "console" {
		t.Fatalf("channels = %v", got)
	}
	err := s.ReloadConfig(ChannelsConfig{
		Bark:    channels.BarkConfig{Push: "key"},
		Webhook: channels.WebhookConfig{URL: "http://x", Method: "POST"},
	})
	if err == nil {
		t.Fatalf("invalid webhook accepted")
	}
	if got := s.Channels(); len(got) != 1 || got[0] != "bark" {
		t.Fatalf("channels after partial reload = %v", got)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d delay %v out of bounds", attempt, d)
		}
	}
}
