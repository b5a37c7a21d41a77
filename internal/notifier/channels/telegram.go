package channels

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	tele "gopkg.in/telebot.v4"
)

type telegram struct {
	bot  *tele.Bot
	chat tele.ChatID
}

func newTelegram(cfg TelegramConfig, env Env) (Channel, error) {
	hc := env.HTTP
	if p := strings.TrimSpace(cfg.ProxyURL); p != "" {
		pu, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("telegram proxy: %w", err)
		}
		hc = &http.Client{
			Timeout:   env.HTTP.Timeout,
			Transport: &http.Transport{Proxy: http.ProxyURL(pu)},
		}
	}
	// Offline skips the getMe handshake; the bot only sends.
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(cfg.APIHost, "/"),
		Token:   cfg.Token,
		Client:  hc,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &telegram{bot: b, chat: tele.ChatID(cfg.ChatID)}, nil
}

func (t *telegram) Name() string { return "telegram" }

func (t *telegram) Send(ctx context.Context, title, content string) error {
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(t.chat, joined(title, content), &tele.SendOptions{DisableWebPagePreview: true})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
