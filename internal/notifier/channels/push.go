package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type console struct{ out io.Writer }

func newConsole(env Env) *console { return &console{out: env.Out} }

func (c *console) Name() string { return "console" }

func (c *console) Send(_ context.Context, title, content string) error {
	_, err := fmt.Fprintf(c.out, "%s\n", joined(title, content))
	return err
}

type bark struct {
	cfg BarkConfig
	hc  *http.Client
}

func newBark(cfg BarkConfig, env Env) *bark { return &bark{cfg: cfg, hc: env.HTTP} }

func (b *bark) Name() string { return "bark" }

func (b *bark) Send(ctx context.Context, title, content string) error {
	endpoint := b.cfg.Push
	if !strings.HasPrefix(endpoint, "http") {
		endpoint = "https://api.day.app/" + endpoint
	}
	data := map[string]string{"title": title, "body": content}
	for k, v := range map[string]string{
		"isArchive": b.cfg.Archive,
		"group":     b.cfg.Group,
		"sound":     b.cfg.Sound,
		"icon":      b.cfg.Icon,
		"level":     b.cfg.Level,
		"url":       b.cfg.URL,
	} {
		if v != "" {
			data[k] = v
		}
	}
	var resp struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := postJSON(ctx, b.hc, endpoint, data, &resp); err != nil {
		return fmt.Errorf("bark: %w", err)
	}
	if resp.Code != 200 {
		return fmt.Errorf("bark: code %d: %s", resp.Code, resp.Message)
	}
	return nil
}

type ntfy struct {
	cfg NtfyConfig
	hc  *http.Client
}

func newNtfy(cfg NtfyConfig, env Env) *ntfy {
	if cfg.URL == "" {
		cfg.URL = "https://ntfy.sh"
	}
	if cfg.Priority == "" {
		cfg.Priority = "3"
	}
	return &ntfy{cfg: cfg, hc: env.HTTP}
}

func (n *ntfy) Name() string { return "ntfy" }

func (n *ntfy) Send(ctx context.Context, title, content string) error {
	endpoint := strings.TrimRight(n.cfg.URL, "/") + "/" + n.cfg.Topic
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte(content)))
	if err != nil {
		return err
	}
	// Header values must be ASCII; the title is RFC 2047 encoded.
	req.Header.Set("Title", mime.BEncoding.Encode("utf-8", title))
	req.Header.Set("Priority", n.cfg.Priority)
	if n.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+n.cfg.Token)
	}
	if err := do(n.hc, req, nil); err != nil {
		return fmt.Errorf("ntfy: %w", err)
	}
	return nil
}

type gotify struct {
	cfg GotifyConfig
	hc  *http.Client
}

func newGotify(cfg GotifyConfig, env Env) *gotify { return &gotify{cfg: cfg, hc: env.HTTP} }

func (g *gotify) Name() string { return "gotify" }

func (g *gotify) Send(ctx context.Context, title, content string) error {
	endpoint := strings.TrimRight(g.cfg.URL, "/") + "/message?token=" + url.QueryEscape(g.cfg.Token)
	form := url.Values{}
	form.Set("title", title)
	form.Set("message", content)
	form.Set("priority", strconv.Itoa(g.cfg.Priority))
	var resp struct {
		ID int64 `json:"id"`
	}
	if err := postForm(ctx, g.hc, endpoint, form, &resp); err != nil {
		return fmt.Errorf("gotify: %w", err)
	}
	if resp.ID == 0 {
		return fmt.Errorf("gotify: message not accepted")
	}
	return nil
}

type dingTalk struct {
	cfg DingTalkConfig
	hc  *http.Client
	now func() time.Time
}

func newDingTalk(cfg DingTalkConfig, env Env) *dingTalk {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://oapi.dingtalk.com/robot/send"
	}
	return &dingTalk{cfg: cfg, hc: env.HTTP, now: env.Now}
}

func (d *dingTalk) Name() string { return "dingtalk" }

// dingTalkSign computes the robot signature for a millisecond timestamp.
func dingTalkSign(secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d\n%s", ts, secret)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (d *dingTalk) Send(ctx context.Context, title, content string) error {
	ts := d.now().UnixMilli()
	q := url.Values{}
	q.Set("access_token", d.cfg.Token)
	q.Set("timestamp", strconv.FormatInt(ts, 10))
	q.Set("sign", dingTalkSign(d.cfg.Secret, ts))
	payload := map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": joined(title, content)},
	}
	var resp struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := postJSON(ctx, d.hc, d.cfg.Endpoint+"?"+q.Encode(), payload, &resp); err != nil {
		return fmt.Errorf("dingtalk: %w", err)
	}
	if resp.ErrCode != 0 {
		return fmt.Errorf("dingtalk: errcode %d: %s", resp.ErrCode, resp.ErrMsg)
	}
	return nil
}

type feishu struct {
	cfg FeishuConfig
	hc  *http.Client
}

func newFeishu(cfg FeishuConfig, env Env) *feishu {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://open.feishu.cn/open-apis/bot/v2/hook/"
	}
	return &feishu{cfg: cfg, hc: env.HTTP}
}

func (f *feishu) Name() string { return "feishu" }

func (f *feishu) Send(ctx context.Context, title, content string) error {
	payload := map[string]any{
		"msg_type": "text",
		"content":  map[string]string{"text": joined(title, content)},
	}
	var resp struct {
		StatusCode *int   `json:"StatusCode"`
		Code       *int   `json:"code"`
		Msg        string `json:"msg"`
	}
	if err := postJSON(ctx, f.hc, f.cfg.Endpoint+f.cfg.Key, payload, &resp); err != nil {
		return fmt.Errorf("feishu: %w", err)
	}
	if (resp.StatusCode != nil && *resp.StatusCode == 0) || (resp.Code != nil && *resp.Code == 0) {
		return nil
	}
	return fmt.Errorf("feishu: %s", resp.Msg)
}

type weCom struct {
	cfg WeComConfig
	hc  *http.Client
}

func newWeCom(cfg WeComConfig, env Env) *weCom {
	if cfg.Origin == "" {
		cfg.Origin = "https://qyapi.weixin.qq.com"
	}
	return &weCom{cfg: cfg, hc: env.HTTP}
}

func (w *weCom) Name() string { return "wecom" }

func (w *weCom) Send(ctx context.Context, title, content string) error {
	endpoint := strings.TrimRight(w.cfg.Origin, "/") + "/cgi-bin/webhook/send?key=" + url.QueryEscape(w.cfg.Key)
	payload := map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": joined(title, content)},
	}
	var resp struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := postJSON(ctx, w.hc, endpoint, payload, &resp); err != nil {
		return fmt.Errorf("wecom: %w", err)
	}
	if resp.ErrCode != 0 {
		return fmt.Errorf("wecom: errcode %d: %s", resp.ErrCode, resp.ErrMsg)
	}
	return nil
}

var sctpKey = regexp.MustCompile(`^sctp(\d+)t`)

type serverChan struct {
	cfg ServerChanConfig
	hc  *http.Client
}

func newServerChan(cfg ServerChanConfig, env Env) *serverChan {
	if cfg.Endpoint == "" {
		if m := sctpKey.FindStringSubmatch(cfg.Key); m != nil {
			cfg.Endpoint = fmt.Sprintf("https://%s.push.ft07.com/send/%s.send", m[1], cfg.Key)
		} else {
			cfg.Endpoint = "https://sctapi.ftqq.com/" + cfg.Key + ".send"
		}
	}
	return &serverChan{cfg: cfg, hc: env.HTTP}
}

func (s *serverChan) Name() string { return "serverchan" }

func (s *serverChan) Send(ctx context.Context, title, content string) error {
	form := url.Values{}
	form.Set("text", title)
	form.Set("desp", strings.ReplaceAll(content, "\n", "\n\n"))
	var resp struct {
		Errno   *int   `json:"errno"`
		Code    *int   `json:"code"`
		Message string `json:"message"`
	}
	if err := postForm(ctx, s.hc, s.cfg.Endpoint, form, &resp); err != nil {
		return fmt.Errorf("serverchan: %w", err)
	}
	if (resp.Errno != nil && *resp.Errno == 0) || (resp.Code != nil && *resp.Code == 0) {
		return nil
	}
	return fmt.Errorf("serverchan: %s", resp.Message)
}

type pushPlus struct {
	cfg PushPlusConfig
	hc  *http.Client
}

func newPushPlus(cfg PushPlusConfig, env Env) *pushPlus {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://www.pushplus.plus/send"
	}
	return &pushPlus{cfg: cfg, hc: env.HTTP}
}

func (p *pushPlus) Name() string { return "pushplus" }

func (p *pushPlus) Send(ctx context.Context, title, content string) error {
	payload := map[string]string{
		"token":       p.cfg.Token,
		"title":       title,
		"content":     content,
		"topic":       p.cfg.Topic,
		"template":    p.cfg.Template,
		"channel":     p.cfg.Channel,
		"webhook":     p.cfg.Webhook,
		"callbackUrl": p.cfg.CallbackURL,
		"to":          p.cfg.To,
	}
	var resp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := postJSON(ctx, p.hc, p.cfg.Endpoint, payload, &resp); err != nil {
		return fmt.Errorf("pushplus: %w", err)
	}
	if resp.Code != 200 {
		return fmt.Errorf("pushplus: code %d: %s", resp.Code, resp.Msg)
	}
	return nil
}
