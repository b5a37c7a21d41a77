package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type captured struct {
	mu   sync.Mutex
	reqs []capturedReq
}

type capturedReq struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   string
}

func (c *captured) last(t *testing.T) capturedReq {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reqs) == 0 {
		t.Fatalf("no request captured")
	}
	return c.reqs[len(c.reqs)-1]
}

func newServer(t *testing.T, reply string) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.reqs = append(c.reqs, capturedReq{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query(), Header: r.Header.Clone(), Body: string(b)})
		c.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func testEnv() Env {
	return Env{
		HTTP: &http.Client{Timeout: 5 * time.Second},
		Out:  io.Discard,
		Now:  func() time.Time { return time.UnixMilli(1700000000000) },
	}
}

func TestBuildActiveChannels(t *testing.T) {
	cfg := Config{
		Console:  ConsoleConfig{Enabled: true},
		Bark:     BarkConfig{Push: "devkey"},
		Ntfy:     NtfyConfig{Topic: "tickets", Disabled: true},
		Gotify:   GotifyConfig{URL: "http://gotify"},
		DingTalk: DingTalkConfig{Token: "t", Secret: "s"},
		Telegram: TelegramConfig{Token: "123:abc", ChatID: 42},
	}
	chans, err := Build(cfg, testEnv())
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, ch := range chans {
		names = append(names, ch.Name())
	}
	if got := strings.Join(names, ","); got != "console,telegram,bark,dingtalk" {
		t.Fatalf("active = %s", got)
	}

	_, err = Build(Config{Webhook: WebhookConfig{URL: "http://x", Method: "POST", Body: "no placeholder"}}, testEnv())
	if err == nil {
		t.Fatalf("webhook without $title accepted")
	}
}

func TestParseConfigRoundTrip(t *testing.T) {
	cfg := Config{Bark: BarkConfig{Push: "k", Sound: "bell"}, Telegram: TelegramConfig{Token: "x", ChatID: 7}}
	raw, err := cfg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	back, err := ParseConfig(raw)
	if err != nil || back.Bark.Sound != "bell" || back.Telegram.ChatID != 7 {
		t.Fatalf("ParseConfig = %+v, %v", back, err)
	}
	empty, err := ParseConfig("  ")
	if err != nil || empty.Bark.active() {
		t.Fatalf("empty doc: %+v, %v", empty, err)
	}
}

func TestBarkSend(t *testing.T) {
	srv, c := newServer(t, `{"code":200,"message":"success"}`)
	ch := newBark(BarkConfig{Push: srv.URL + "/key", Group: "tickets"}, testEnv())
	if err := ch.Send(context.Background(), "抢票成功", "G1 二等座"); err != nil {
		t.Fatal(err)
	}
	req := c.last(t)
	var body map[string]string
	_ = json.Unmarshal([]byte(req.Body), &body)
	if req.Path != "/key" || body["title"] != "抢票成功" || body["body"] != "G1 二等座" || body["group"] != "tickets" {
		t.Fatalf("request = %+v", req)
	}

	srv2, _ := newServer(t, `{"code":400,"message":"bad key"}`)
	if err := newBark(BarkConfig{Push: srv2.URL}, testEnv()).Send(context.Background(), "t", "c"); err == nil {
		t.Fatalf("bark error code ignored")
	}
}

func TestNtfySend(t *testing.T) {
	srv, c := newServer(t, `{}`)
	ch := newNtfy(NtfyConfig{URL: srv.URL, Topic: "tickets"}, testEnv())
	if err := ch.Send(context.Background(), "抢票成功", "body"); err != nil {
		t.Fatal(err)
	}
	req := c.last(t)
	dec, err := new(mime.WordDecoder).DecodeHeader(req.Header.Get("Title"))
	if err != nil || dec != "抢票成功" {
		t.Fatalf("title header %q -> %q, %v", req.Header.Get("Title"), dec, err)
	}
	if req.Path != "/tickets" || req.Header.Get("Priority") != "3" || req.Body != "body" {
		t.Fatalf("request = %+v", req)
	}
}

func TestGotifySend(t *testing.T) {
	srv, c := newServer(t, `{"id":5}`)
	ch := newGotify(GotifyConfig{URL: srv.URL, Token: "tok", Priority: 8}, testEnv())
	if err := ch.Send(context.Background(), "t", "c"); err != nil {
		t.Fatal(err)
	}
	req := c.last(t)
	form, _ := url.ParseQuery(req.Body)
	if req.Path != "/message" || req.Query.Get("token") != "tok" || form.Get("message") != "c" || form.Get("priority") != "8" {
		t.Fatalf("request = %+v", req)
	}
}

func TestDingTalkSigned(t *testing.T) {
	srv, c := newServer(t, `{"errcode":0,"errmsg":"ok"}`)
	env := testEnv()
	ch := newDingTalk(DingTalkConfig{Token: "tok", Secret: "sec", Endpoint: srv.URL + "/robot/send"}, env)
	if err := ch.Send(context.Background(), "title", "content"); err != nil {
		t.Fatal(err)
	}
	req := c.last(t)
	if req.Query.Get("timestamp") != "1700000000000" || req.Query.Get("sign") != dingTalkSign("sec", 1700000000000) {
		t.Fatalf("query = %v", req.Query)
	}
	if !strings.Contains(req.Body, `title\n\ncontent`) {
		t.Fatalf("body = %s", req.Body)
	}

	srv2, _ := newServer(t, `{"errcode":310000,"errmsg":"sign not match"}`)
	bad := newDingTalk(DingTalkConfig{Token: "tok", Secret: "sec", Endpoint: srv2.URL}, env)
	if err := bad.Send(context.Background(), "t", "c"); err == nil || !strings.Contains(err.Error(), "sign not match") {
		t.Fatalf("err = %v", err)
	}
}

func TestJSONBotChannels(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		build func(url string) Channel
		ok    bool
	}{
		{"feishu ok", `{"StatusCode":0}`, func(u string) Channel { return newFeishu(FeishuConfig{Key: "k", Endpoint: u + "/hook/"}, testEnv()) }, true},
		{"feishu code", `{"code":0}`, func(u string) Channel { return newFeishu(FeishuConfig{Key: "k", Endpoint: u + "/hook/"}, testEnv()) }, true},
		{"feishu err", `{"code":19001,"msg":"bad"}`, func(u string) Channel { return newFeishu(FeishuConfig{Key: "k", Endpoint: u + "/"}, testEnv()) }, false},
		{"wecom ok", `{"errcode":0}`, func(u string) Channel { return newWeCom(WeComConfig{Key: "k", Origin: u}, testEnv()) }, true},
		{"wecom err", `{"errcode":93000,"errmsg":"invalid"}`, func(u string) Channel { return newWeCom(WeComConfig{Key: "k", Origin: u}, testEnv()) }, false},
		{"serverchan ok", `{"code":0}`, func(u string) Channel { return newServerChan(ServerChanConfig{Key: "k", Endpoint: u}, testEnv()) }, true},
		{"serverchan errno", `{"errno":0}`, func(u string) Channel { return newServerChan(ServerChanConfig{Key: "k", Endpoint: u}, testEnv()) }, true},
		{"serverchan err", `{"code":40001,"message":"bad key"}`, func(u string) Channel { return newServerChan(ServerChanConfig{Key: "k", Endpoint: u}, testEnv()) }, false},
		{"pushplus ok", `{"code":200,"data":"x"}`, func(u string) Channel { return newPushPlus(PushPlusConfig{Token: "k", Endpoint: u}, testEnv()) }, true},
		{"pushplus err", `{"code":903,"msg":"invalid token"}`, func(u string) Channel { return newPushPlus(PushPlusConfig{Token: "k", Endpoint: u}, testEnv()) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newServer(t, tt.reply)
			err := tt.build(srv.URL).Send(context.Background(), "t", "c")
			if (err == nil) != tt.ok {
				t.Fatalf("err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestServerChanEndpoint(t *testing.T) {
	if got := newServerChan(ServerChanConfig{Key: "sctp123tABC"}, testEnv()).cfg.Endpoint; got != "https://123.push.ft07.com/send/sctp123tABC.send" {
		t.Fatalf("sctp endpoint = %s", got)
	}
	if got := newServerChan(ServerChanConfig{Key: "SCT1"}, testEnv()).cfg.Endpoint; got != "https://sctapi.ftqq.com/SCT1.send" {
		t.Fatalf("endpoint = %s", got)
	}
}

func TestTelegramSend(t *testing.T) {
	srv, c := newServer(t, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`)
	ch, err := newTelegram(TelegramConfig{Token: "123:abc", ChatID: 42, APIHost: srv.URL}, testEnv())
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Send(context.Background(), "抢票成功", "订单号: E1"); err != nil {
		t.Fatal(err)
	}
	req := c.last(t)
	if req.Path != "/bot123:abc/sendMessage" || !strings.Contains(req.Body, "订单号: E1") || !strings.Contains(req.Body, "42") {
		t.Fatalf("request = %+v", req)
	}
}

func TestWebhookSend(t *testing.T) {
	srv, c := newServer(t, `ok`)
	ch, err := newWebhook(WebhookConfig{
		URL:         srv.URL + "/hook?t=$title",
		Method:      "post",
		ContentType: "application/json",
		Body:        "title: $title\ncontent: $content\ncount: 3",
		Headers:     "X-Token: abc\nX-Token: def",
	}, testEnv())
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Send(context.Background(), "抢票 成功", "line1\nline2"); err != nil {
		t.Fatal(err)
	}
	req := c.last(t)
	if req.Method != http.MethodPost || req.Query.Get("t") != "抢票 成功" {
		t.Fatalf("request = %+v", req)
	}
	if req.Header.Get("X-Token") != "abc, def" || req.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("headers = %v", req.Header)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		t.Fatalf("body %q: %v", req.Body, err)
	}
	if body["title"] != "抢票 成功" || body["content"] != `line1\nline2` || body["count"] != float64(3) {
		t.Fatalf("body = %v", body)
	}
}

func TestWebhookBodyShapes(t *testing.T) {
	got, _ := webhookBody(`{"text":"$title"}`, "application/json", "hi", "c")
	if got != `{"text":"hi"}` {
		t.Fatalf("json passthrough = %s", got)
	}
	got, _ = webhookBody("a=$title&b=$content", "application/x-www-form-urlencoded", "x", "y")
	if got != "a=x&b=y" {
		t.Fatalf("form passthrough = %s", got)
	}
	got, _ = webhookBody("a: $title", "application/x-www-form-urlencoded", "x", "y")
	if got != "a=x" {
		t.Fatalf("form from lines = %s", got)
	}
	got, _ = webhookBody("$title|$content", "text/plain", "x", "y")
	if got != "x|y" {
		t.Fatalf("plain = %s", got)
	}
}

type fakeChannel struct {
	name  string
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, _, _ string) error {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func TestFanoutWaitsForAll(t *testing.T) {
	a := &fakeChannel{name: "a", delay: 50 * time.Millisecond}
	b := &fakeChannel{name: "b", err: errors.New("down")}
	res, err := Fanout(context.Background(), []Channel{a, b}, "t", "c")
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 2 || res[0].Channel != "a" || res[0].Err != nil || res[1].Err == nil {
		t.Fatalf("results = %+v", res)
	}
	if res[0].Dur < 50*time.Millisecond {
		t.Fatalf("fanout returned before slow channel finished")
	}

	if _, err := Fanout(context.Background(), []Channel{a}, "t", " "); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("empty content: %v", err)
	}
	if a.calls.Load() != 1 {
		t.Fatalf("empty content reached channel")
	}
}

func TestRegistrySwapSelect(t *testing.T) {
	r := NewRegistry(&fakeChannel{name: "b"}, &fakeChannel{name: "a"})
	if got := strings.Join(r.Names(), ","); got != "a,b" {
		t.Fatalf("names = %s", got)
	}
	if sel := r.Select([]string{"a"}); len(sel) != 1 || sel[0].Name() != "a" {
		t.Fatalf("select = %v", sel)
	}
	r.Swap([]Channel{&fakeChannel{name: "c"}})
	if r.Len() != 1 || r.Names()[0] != "c" {
		t.Fatalf("after swap = %v", r.Names())
	}
}

func TestConsoleSend(t *testing.T) {
	var buf bytes.Buffer
	ch := newConsole(Env{Out: &buf})
	if err := ch.Send(context.Background(), "T", "C"); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "T\n\nC\n" {
		t.Fatalf("console = %q", buf.String())
	}
}
