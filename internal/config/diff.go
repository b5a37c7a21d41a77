package config

import (
	"reflect"
	"strings"

	logx "ticketgrab/pkg/logx"
)

// restartSections cannot be applied to a running process.
var restartSections = map[string]bool{"storage": true, "engine": true, "railway": true}

// Change summarizes a reload for logging. Attrs never carry secrets.
type Change struct {
	Sections []string
	Attrs    []logx.Field
	// Restart lists changed sections that only take effect after a restart.
	Restart []string
}

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// Summarize compares two configs section by section.
func Summarize(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Attrs = append(ch.Attrs, attrs...)
		if restartSections[section] {
			ch.Restart = append(ch.Restart, section)
		}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.remote", newCfg.Logging.Remote.Enabled),
		)
	}
	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		mark("scheduler", logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}
	if oldCfg.Engine != newCfg.Engine {
		mark("engine", logx.Int("engine.workers", newCfg.Engine.Workers), logx.Int("engine.queue_size", newCfg.Engine.QueueSize))
	}
	if oldCfg.Ticket != newCfg.Ticket {
		mark("ticket",
			logx.String("ticket.min_interval", newCfg.Ticket.MinInterval),
			logx.String("ticket.max_interval", newCfg.Ticket.MaxInterval),
			logx.String("ticket.default_interval", newCfg.Ticket.DefaultInterval),
		)
	}
	if oldCfg.Railway != newCfg.Railway {
		mark("railway", logx.String("railway.base_url", newCfg.Railway.BaseURL))
	}
	if oldCfg.Storage != newCfg.Storage {
		// The DSN and credential key are secrets.
		mark("storage", logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		mark("notifier",
			logx.Bool("notifier.enabled", newCfg.Notifier.Enabled),
			logx.Int("notifier.workers", newCfg.Notifier.Workers),
			logx.Bool("notifier.channels_changed", !reflect.DeepEqual(oldCfg.Notifier.Channels, newCfg.Notifier.Channels)),
		)
	}
	if oldCfg.GlobalTrigger != newCfg.GlobalTrigger {
		mark("global_trigger", logx.String("global_trigger.cron", newCfg.GlobalTrigger.Cron), logx.Bool("global_trigger.enabled", newCfg.GlobalTrigger.Enabled))
	}
	if oldCfg.Debug != newCfg.Debug {
		// The token is a secret.
		mark("debug", logx.Bool("debug.enabled", newCfg.Debug.Enabled), logx.String("debug.addr", newCfg.Debug.Addr))
	}
	return ch
}
