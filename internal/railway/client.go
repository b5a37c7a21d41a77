package railway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "ticketgrab/pkg/logx"
)

const (
	DefaultBaseURL   = "https://kyfw.12306.cn"
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	maxBody = 8 << 20
)

type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	// RatePerSec paces every request this client makes. 0 disables pacing.
	RatePerSec float64
	Burst      int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// Client is the shared entry point. Queries run without cookies; orders run
// on a Session with its own cookie jar.
type Client struct {
	cfg     Config
	base    *url.URL
	hc      *http.Client
	limiter *rate.Limiter
	log     logx.Logger

	queryPath pathCache
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid railway base url %q", cfg.BaseURL)
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
	return &Client{
		cfg:     cfg,
		base:    base,
		hc:      &http.Client{Timeout: cfg.Timeout},
		limiter: lim,
		log:     log.Component("railway"),
	}, nil
}

func (c *Client) BaseURL() string { return c.cfg.BaseURL }

// NewSession prepares a cookie-carrying session for one purchase attempt.
func (c *Client) NewSession(cookies map[string]string) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	list := make([]*http.Cookie, 0, len(cookies))
	for k, v := range cookies {
		list = append(list, &http.Cookie{Name: k, Value: v, Path: "/"})
	}
	jar.SetCookies(c.base, list)
	return &Session{
		c:   c,
		jar: jar,
		hc:  &http.Client{Timeout: c.cfg.Timeout, Jar: jar},
	}, nil
}

type response struct {
	status int
	final  *url.URL
	body   []byte
}

func (r *response) finalPath() string {
	if r.final == nil {
		return ""
	}
	return r.final.Path
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, query, form url.Values) (*response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	req.Header.Set("Referer", c.cfg.BaseURL+"/otn/leftTicket/init")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
		req.Header.Set("Origin", c.cfg.BaseURL)
	}

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}
	c.log.Trace("railway request",
		logx.String("method", method),
		logx.String("path", path),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)
	return &response{status: resp.StatusCode, final: resp.Request.URL, body: b}, nil
}

// envelope is the JSON shape shared by the site's AJAX endpoints.
type envelope struct {
	Status   bool            `json:"status"`
	Messages messages        `json:"messages"`
	Data     json.RawMessage `json:"data"`
}

func (e envelope) firstMessage(def string) string {
	if len(e.Messages) > 0 && strings.TrimSpace(e.Messages[0]) != "" {
		return e.Messages[0]
	}
	return def
}

var errNotJSON = errors.New("response is not json")

func decodeEnvelope(b []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("%w: %v", errNotJSON, err)
	}
	return env, nil
}

// messages accepts both ["a","b"] and "a".
type messages []string

func (m *messages) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s != "" {
			*m = messages{s}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return nil
	}
	*m = list
	return nil
}

// flexInt accepts 3, "3" and "".
type flexInt int

func (n *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	var v json.Number = json.Number(s)
	i, err := v.Int64()
	if err != nil {
		f, ferr := v.Float64()
		if ferr != nil {
			return fmt.Errorf("not a number: %s", s)
		}
		i = int64(f)
	}
	*n = flexInt(i)
	return nil
}
