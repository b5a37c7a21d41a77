package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks bounds, durations, the timezone and the seed trigger. It
// is the default hook used before a reloaded file is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) time.Duration {
		d, err := ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0", path))
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}

	nonNeg("engine.workers", cfg.Engine.Workers)
	nonNeg("engine.queue_size", cfg.Engine.QueueSize)
	nonNeg("engine.history_size", cfg.Engine.HistorySize)
	check("engine.default_timeout", cfg.Engine.DefaultTimeout)
	check("engine.max_queue_delay", cfg.Engine.MaxQueueDelay)

	lo := check("ticket.min_interval", cfg.Ticket.MinInterval)
	hi := check("ticket.max_interval", cfg.Ticket.MaxInterval)
	check("ticket.default_interval", cfg.Ticket.DefaultInterval)
	check("ticket.tick_timeout", cfg.Ticket.TickTimeout)
	if lo > 0 && lo < time.Second {
		errs = append(errs, errors.New("ticket.min_interval must be at least 1s"))
	}
	if lo > 0 && hi > 0 && hi < lo {
		errs = append(errs, errors.New("ticket.max_interval must be >= ticket.min_interval"))
	}
	nonNeg("ticket.booking_horizon_days", cfg.Ticket.BookingHorizonDays)

	check("railway.timeout", cfg.Railway.Timeout)
	check("railway.wait_max", cfg.Railway.WaitMax)
	check("railway.wait_interval", cfg.Railway.WaitInterval)
	nonNeg("railway.rate_per_sec", cfg.Railway.RatePerSec)

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "memory", "mem", "file":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required when storage.driver=sqlite"))
		}
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required when storage.driver=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver))
	}
	check("storage.busy_timeout", cfg.Storage.BusyTimeout)

	nonNeg("notifier.workers", cfg.Notifier.Workers)
	nonNeg("notifier.queue_size", cfg.Notifier.QueueSize)
	nonNeg("notifier.retry_max", cfg.Notifier.RetryMax)
	check("notifier.retry_base", cfg.Notifier.RetryBase)
	check("notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay)
	check("notifier.dedup_window", cfg.Notifier.DedupWindow)

	if c := strings.TrimSpace(cfg.GlobalTrigger.Cron); c != "" || cfg.GlobalTrigger.Enabled {
		if _, err := cronParser.Parse(c); err != nil {
			errs = append(errs, fmt.Errorf("global_trigger.cron: invalid %q: %w", c, err))
		}
	}
	if cfg.Debug.Enabled {
		if a := strings.TrimSpace(cfg.Debug.Addr); a != "" {
			if _, _, err := net.SplitHostPort(a); err != nil {
				errs = append(errs, fmt.Errorf("debug.addr: %w", err))
			}
		}
	}
	nonNeg("debug.mutex_profile_fraction", cfg.Debug.MutexProfileFraction)
	nonNeg("debug.block_profile_rate", cfg.Debug.BlockProfileRate)
	return errors.Join(errs...)
}
