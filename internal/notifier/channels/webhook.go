package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

type webhook struct {
	cfg     WebhookConfig
	headers http.Header
	hc      *http.Client
}

func newWebhook(cfg WebhookConfig, env Env) (Channel, error) {
	if !strings.Contains(cfg.URL, "$title") && !strings.Contains(cfg.Body, "$title") {
		return nil, errors.New("webhook: url or body must contain $title")
	}
	cfg.Method = strings.ToUpper(strings.TrimSpace(cfg.Method))
	h := parseHeaders(cfg.Headers)
	if cfg.ContentType != "" && h.Get("Content-Type") == "" {
		h.Set("Content-Type", cfg.ContentType)
	}
	return &webhook{cfg: cfg, headers: h, hc: env.HTTP}, nil
}

func (w *webhook) Name() string { return "webhook" }

func (w *webhook) Send(ctx context.Context, title, content string) error {
	target := strings.NewReplacer(
		"$title", url.QueryEscape(title),
		"$content", url.QueryEscape(content),
	).Replace(w.cfg.URL)
	body, err := webhookBody(w.cfg.Body, w.cfg.ContentType, title, content)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, w.cfg.Method, target, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	for k, v := range w.headers {
		req.Header[k] = append([]string(nil), v...)
	}
	if err := do(w.hc, req, nil); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

// parseHeaders reads "Name: value" lines. Repeated names are joined with ", ".
func parseHeaders(raw string) http.Header {
	h := http.Header{}
	for _, line := range strings.Split(raw, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		k = strings.ReplaceAll(strings.TrimSpace(k), " ", "")
		v = strings.Join(strings.Fields(v), " ")
		if k == "" {
			continue
		}
		if prev := h.Get(k); prev != "" {
			v = prev + ", " + v
		}
		h.Set(k, v)
	}
	return h
}

// webhookBody fills placeholders and shapes the body for the content type.
// JSON bodies that are not already JSON and form bodies without "=" are read
// as "key: value" lines.
func webhookBody(tmpl, contentType, title, content string) (string, error) {
	if tmpl == "" {
		return "", nil
	}
	esc := func(s string) string { return strings.ReplaceAll(s, "\n", `\n`) }
	body := strings.NewReplacer("$title", esc(title), "$content", esc(content)).Replace(tmpl)

	switch contentType {
	case "application/json":
		s := strings.TrimSpace(body)
		if (strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")) || (strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]")) {
			var v any
			if json.Unmarshal([]byte(s), &v) == nil {
				b, err := json.Marshal(v)
				return string(b), err
			}
		}
		b, err := json.Marshal(parseKV(body))
		return string(b), err
	case "application/x-www-form-urlencoded":
		if strings.Contains(body, "=") {
			return body, nil
		}
		form := url.Values{}
		for k, v := range parseKV(body) {
			if s, ok := v.(string); ok {
				form.Set(k, s)
			} else {
				b, _ := json.Marshal(v)
				form.Set(k, string(b))
			}
		}
		return form.Encode(), nil
	default:
		return body, nil
	}
}

var kvLine = regexp.MustCompile(`^(\w+):\s*(.*)$`)

// parseKV reads "key: value" lines; a line that does not start a new key
// continues the previous value. Values that parse as JSON keep their type.
func parseKV(s string) map[string]any {
	raw := map[string]string{}
	var order []string
	last := ""
	for _, line := range strings.Split(s, "\n") {
		if m := kvLine.FindStringSubmatch(line); m != nil {
			last = m[1]
			if _, ok := raw[last]; !ok {
				order = append(order, last)
			}
			raw[last] = m[2]
			continue
		}
		if last != "" {
			raw[last] += "\n" + line
		}
	}
	out := make(map[string]any, len(raw))
	for _, k := range order {
		v := strings.TrimSpace(raw[k])
		var j any
		if json.Unmarshal([]byte(v), &j) == nil {
			out[k] = j
		} else {
			out[k] = v
		}
	}
	return out
}
