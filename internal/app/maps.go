package app

import (
	"strings"
	"time"

	"ticketgrab/internal/config"
	"ticketgrab/internal/notifier"
	"ticketgrab/internal/observability/debug"
	"ticketgrab/internal/railway"
	"ticketgrab/internal/storage"
	"ticketgrab/internal/task/engine"
	"ticketgrab/internal/task/scheduler"
	"ticketgrab/internal/ticket/core"
	"ticketgrab/internal/ticket/purchase"
	logx "ticketgrab/pkg/logx"
)

const defaultTimezone = "Asia/Shanghai"

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		Pretty:  l.Pretty,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Remote: logx.RemoteConfig{
			Enabled:    l.Remote.Enabled,
			MinLevel:   l.Remote.Level,
			RatePerSec: l.Remote.RatePerSec,
		},
	}
}

func timezone(cfg *config.Config) string {
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		return tz
	}
	return defaultTimezone
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Timezone: timezone(cfg)}
}

// mapEngine leaves in-engine retries off; a tick is retried by its next
// timer fire.
func mapEngine(cfg *config.Config) (engine.Config, error) {
	e := cfg.Engine
	workers := e.Workers
	if workers <= 0 {
		workers = 4
	}
	queue := e.QueueSize
	if queue <= 0 {
		queue = 256
	}
	history := e.HistorySize
	if history <= 0 {
		history = 200
	}
	timeout, err := config.ParseDurationField("engine.default_timeout", e.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	delay, err := config.ParseDurationField("engine.max_queue_delay", e.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:        true,
		Workers:        workers,
		QueueSize:      queue,
		DefaultTimeout: timeout,
		MaxQueueDelay:  delay,
		HistorySize:    history,
	}, nil
}

func mapCore(cfg *config.Config) (core.Config, error) {
	t := cfg.Ticket
	lo, err := config.Seconds("ticket.min_interval", t.MinInterval, 3*time.Second)
	if err != nil {
		return core.Config{}, err
	}
	hi, err := config.Seconds("ticket.max_interval", t.MaxInterval, 60*time.Second)
	if err != nil {
		return core.Config{}, err
	}
	def, err := config.Seconds("ticket.default_interval", t.DefaultInterval, 5*time.Second)
	if err != nil {
		return core.Config{}, err
	}
	tick, err := config.ParseDurationField("ticket.tick_timeout", t.TickTimeout)
	if err != nil {
		return core.Config{}, err
	}
	return core.Config{
		MinInterval:     lo,
		MaxInterval:     hi,
		DefaultInterval: def,
		TickTimeout:     tick,
		MaxTicksPerUser: t.MaxTicksPerUser,
		Notifications:   cfg.Notifier.Channels,
	}, nil
}

func mapRailway(cfg *config.Config) (railway.Config, purchase.Config, error) {
	r := cfg.Railway
	timeout, err := config.ParseDurationField("railway.timeout", r.Timeout)
	if err != nil {
		return railway.Config{}, purchase.Config{}, err
	}
	waitMax, err := config.ParseDurationField("railway.wait_max", r.WaitMax)
	if err != nil {
		return railway.Config{}, purchase.Config{}, err
	}
	waitEvery, err := config.ParseDurationField("railway.wait_interval", r.WaitInterval)
	if err != nil {
		return railway.Config{}, purchase.Config{}, err
	}
	rc := railway.Config{
		BaseURL:    r.BaseURL,
		Timeout:    timeout,
		UserAgent:  r.UserAgent,
		RatePerSec: float64(r.RatePerSec),
	}
	return rc, purchase.Config{WaitMax: waitMax, WaitInterval: waitEvery}, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	s := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", s.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:        strings.TrimSpace(s.Driver),
		Path:          strings.TrimSpace(s.Path),
		DSN:           s.DSN,
		BusyTimeout:   busy,
		CredentialKey: s.CredentialKey,
	}, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	window, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     window,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}, nil
}

func mapDebug(cfg *config.Config) debug.Config {
	d := cfg.Debug
	return debug.Config{
		Enabled:              d.Enabled,
		Addr:                 strings.TrimSpace(d.Addr),
		Token:                d.Token,
		AllowInsecure:        d.AllowInsecure,
		Pprof:                d.Pprof,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}
}
