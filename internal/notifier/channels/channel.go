// Package channels delivers one notification to the push services a user
// configured. Every channel receives a title and a plain-text content.
package channels

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	logx "ticketgrab/pkg/logx"
)

// ErrEmptyContent is returned when there is nothing to push.
var ErrEmptyContent = errors.New("notification content is empty")

const defaultTimeout = 15 * time.Second

// Channel is one push destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, title, content string) error
}

// Env carries the shared dependencies of the built channels.
type Env struct {
	HTTP *http.Client
	Log  logx.Logger
	// Out receives console notifications. Defaults to stdout.
	Out io.Writer
	Now func() time.Time
}

func (e Env) withDefaults() Env {
	if e.HTTP == nil {
		e.HTTP = &http.Client{Timeout: defaultTimeout}
	}
	if e.Log.IsZero() {
		e.Log = logx.Nop()
	}
	if e.Out == nil {
		e.Out = os.Stdout
	}
	if e.Now == nil {
		e.Now = time.Now
	}
	return e
}

// Build returns the active channels of cfg in a stable order. A channel is
// active when its required fields are set and it is not disabled. Channels
// that fail to build are skipped and reported in the joined error.
func Build(cfg Config, env Env) ([]Channel, error) {
	env = env.withDefaults()
	var (
		out  []Channel
		errs []error
	)
	add := func(ch Channel, err error) {
		if err != nil {
			errs = append(errs, err)
			return
		}
		if ch != nil {
			out = append(out, ch)
		}
	}
	if cfg.Console.active() {
		add(newConsole(env), nil)
	}
	if cfg.Telegram.active() {
		add(newTelegram(cfg.Telegram, env))
	}
	if cfg.Bark.active() {
		add(newBark(cfg.Bark, env), nil)
	}
	if cfg.Ntfy.active() {
		add(newNtfy(cfg.Ntfy, env), nil)
	}
	if cfg.Gotify.active() {
		add(newGotify(cfg.Gotify, env), nil)
	}
	if cfg.DingTalk.active() {
		add(newDingTalk(cfg.DingTalk, env), nil)
	}
	if cfg.Feishu.active() {
		add(newFeishu(cfg.Feishu, env), nil)
	}
	if cfg.WeCom.active() {
		add(newWeCom(cfg.WeCom, env), nil)
	}
	if cfg.ServerChan.active() {
		add(newServerChan(cfg.ServerChan, env), nil)
	}
	if cfg.PushPlus.active() {
		add(newPushPlus(cfg.PushPlus, env), nil)
	}
	if cfg.Webhook.active() {
		add(newWebhook(cfg.Webhook, env))
	}
	return out, errors.Join(errs...)
}

// Result is the outcome of one channel in a fan-out.
type Result struct {
	Channel string
	Err     error
	Dur     time.Duration
}

// Fanout sends to every channel concurrently and waits for all of them.
// Results keep the order of chans.
func Fanout(ctx context.Context, chans []Channel, title, content string) ([]Result, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	res := make([]Result, len(chans))
	var wg sync.WaitGroup
	for i, ch := range chans {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			start := time.Now()
			err := safeSend(ctx, ch, title, content)
			res[i] = Result{Channel: ch.Name(), Err: err, Dur: time.Since(start)}
		}(i, ch)
	}
	wg.Wait()
	return res, nil
}

func safeSend(ctx context.Context, ch Channel, title, content string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(ch.Name() + ": panic during send")
		}
	}()
	return ch.Send(ctx, title, content)
}

// Registry holds the live channel set. Swap replaces it atomically.
type Registry struct {
	mu    sync.RWMutex
	chans []Channel
}

func NewRegistry(chans ...Channel) *Registry {
	return &Registry{chans: append([]Channel(nil), chans...)}
}

func (r *Registry) Swap(chans []Channel) {
	cp := append([]Channel(nil), chans...)
	r.mu.Lock()
	r.chans = cp
	r.mu.Unlock()
}

// Channels returns the current set. The slice is a copy.
func (r *Registry) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Channel(nil), r.chans...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chans)
}

// Names lists the channel names, sorted.
func (r *Registry) Names() []string {
	chans := r.Channels()
	out := make([]string, 0, len(chans))
	for _, ch := range chans {
		out = append(out, ch.Name())
	}
	sort.Strings(out)
	return out
}

// Select returns the channels whose names are listed. An empty list selects all.
func (r *Registry) Select(names []string) []Channel {
	chans := r.Channels()
	if len(names) == 0 {
		return chans
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := chans[:0]
	for _, ch := range chans {
		if want[ch.Name()] {
			out = append(out, ch)
		}
	}
	return out
}
