package channels

import (
	"encoding/json"
	"strings"
)

// Config lists every supported channel. It is stored as JSON under the
// notification_settings key and may be seeded from the config file.
type Config struct {
	Console    ConsoleConfig    `json:"console"`
	Telegram   TelegramConfig   `json:"telegram"`
	Bark       BarkConfig       `json:"bark"`
	Ntfy       NtfyConfig       `json:"ntfy"`
	Gotify     GotifyConfig     `json:"gotify"`
	DingTalk   DingTalkConfig   `json:"dingtalk"`
	Feishu     FeishuConfig     `json:"feishu"`
	WeCom      WeComConfig      `json:"wecom"`
	ServerChan ServerChanConfig `json:"serverchan"`
	PushPlus   PushPlusConfig   `json:"pushplus"`
	Webhook    WebhookConfig    `json:"webhook"`
}

// ParseConfig decodes a stored settings document. Unknown fields are ignored
// so older documents keep loading.
func ParseConfig(raw string) (Config, error) {
	var c Config
	if strings.TrimSpace(raw) == "" {
		return c, nil
	}
	err := json.Unmarshal([]byte(raw), &c)
	return c, err
}

func (c Config) Encode() (string, error) {
	b, err := json.Marshal(c)
	return string(b), err
}

func set(v ...string) bool {
	for _, s := range v {
		if strings.TrimSpace(s) == "" {
			return false
		}
	}
	return true
}

type ConsoleConfig struct {
	Enabled bool `json:"enabled"`
}

func (c ConsoleConfig) active() bool { return c.Enabled }

type TelegramConfig struct {
	Disabled bool   `json:"disabled,omitempty"`
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	// APIHost overrides https://api.telegram.org.
	APIHost  string `json:"api_host,omitempty"`
	ProxyURL string `json:"proxy_url,omitempty"`
}

func (c TelegramConfig) active() bool { return !c.Disabled && set(c.Token) && c.ChatID != 0 }

type BarkConfig struct {
	Disabled bool `json:"disabled,omitempty"`
	// Push is a device key or a full push URL.
	Push    string `json:"push"`
	Archive string `json:"archive,omitempty"`
	Group   string `json:"group,omitempty"`
	Sound   string `json:"sound,omitempty"`
	Icon    string `json:"icon,omitempty"`
	Level   string `json:"level,omitempty"`
	URL     string `json:"url,omitempty"`
}

func (c BarkConfig) active() bool { return !c.Disabled && set(c.Push) }

type NtfyConfig struct {
	Disabled bool   `json:"disabled,omitempty"`
	URL      string `json:"url,omitempty"`
	Topic    string `json:"topic"`
	Priority string `json:"priority,omitempty"`
	Token    string `json:"token,omitempty"`
}

func (c NtfyConfig) active() bool { return !c.Disabled && set(c.Topic) }

type GotifyConfig struct {
	Disabled bool   `json:"disabled,omitempty"`
	URL      string `json:"url"`
	Token    string `json:"token"`
	Priority int    `json:"priority,omitempty"`
}

func (c GotifyConfig) active() bool { return !c.Disabled && set(c.URL, c.Token) }

type DingTalkConfig struct {
	Disabled bool   `json:"disabled,omitempty"`
	Token    string `json:"token"`
	Secret   string `json:"secret"`
	Endpoint string `json:"endpoint,omitempty"`
}

func (c DingTalkConfig) active() bool { return !c.Disabled && set(c.Token, c.Secret) }

type FeishuConfig struct {
	Disabled bool   `json:"disabled,omitempty"`
	Key      string `json:"key"`
	Endpoint string `json:"endpoint,omitempty"`
}

func (c FeishuConfig) active() bool { return !c.Disabled && set(c.Key) }

type WeComConfig struct {
	Disabled bool   `json:"disabled,omitempty"`
	Key      string `json:"key"`
	Origin   string `json:"origin,omitempty"`
}

func (c WeComConfig) active() bool { return !c.Disabled && set(c.Key) }

type ServerChanConfig struct {
	Disabled bool   `json:"disabled,omitempty"`
	Key      string `json:"key"`
	Endpoint string `json:"endpoint,omitempty"`
}

func (c ServerChanConfig) active() bool { return !c.Disabled && set(c.Key) }

type PushPlusConfig struct {
	Disabled    bool   `json:"disabled,omitempty"`
	Token       string `json:"token"`
	Topic       string `json:"topic,omitempty"`
	Template    string `json:"template,omitempty"`
	Channel     string `json:"channel,omitempty"`
	Webhook     string `json:"webhook,omitempty"`
	CallbackURL string `json:"callback_url,omitempty"`
	To          string `json:"to,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
}

func (c PushPlusConfig) active() bool { return !c.Disabled && set(c.Token) }

// WebhookConfig posts to an arbitrary endpoint. URL and Body may contain
// $title and $content placeholders. Headers are "Name: value" lines.
type WebhookConfig struct {
	Disabled    bool   `json:"disabled,omitempty"`
	URL         string `json:"url"`
	Method      string `json:"method"`
	ContentType string `json:"content_type,omitempty"`
	Body        string `json:"body,omitempty"`
	Headers     string `json:"headers,omitempty"`
}

func (c WebhookConfig) active() bool { return !c.Disabled && set(c.URL, c.Method) }
