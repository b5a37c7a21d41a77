package app

import (
	"context"
	"reflect"
	"strings"

	"ticketgrab/internal/config"
	"ticketgrab/internal/eventbus"
	logx "ticketgrab/pkg/logx"
)

// reloadLoop applies committed config reloads. Storage, engine and railway
// changes are reported but need a restart.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Bursts collapse to the newest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	ch := config.Summarize(prev, next)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strings("sections", ch.Restart))
	}

	if ch.Has("logging") {
		a.logs.Apply(mapLogging(next))
	}
	if ch.Has("scheduler") {
		a.sched.Apply(mapScheduler(next))
		a.prober.SetLocation(a.sched.Location())
	}
	if ch.Has("ticket") {
		a.prober.SetHorizon(next.Ticket.BookingHorizonDays)
	}
	if ch.Has("ticket") || ch.Has("notifier") {
		if cc, err := mapCore(next); err != nil {
			a.log.Warn("invalid ticket config; keeping previous", logx.Err(err))
		} else {
			a.core.Apply(cc)
		}
	}
	if ch.Has("notifier") {
		a.applyNotifier(ctx, prev, next)
	}
	if ch.Has("global_trigger") {
		// The file only seeds the trigger; an edit there replaces the stored one.
		if err := a.core.UpdateGlobalTrigger(ctx, next.GlobalTrigger.Cron, next.GlobalTrigger.Enabled); err != nil {
			a.log.Warn("global trigger not updated", logx.Err(err))
		}
	}

	if ch.Has("debug") {
		a.debug.Reconfigure(ctx, mapDebug(next))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigApplied, Data: ch.Sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotifier(ctx context.Context, prev, next *config.Config) {
	nc, err := mapNotifier(next)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	wasEnabled := a.notif.Enabled()
	a.notif.Apply(nc)
	switch {
	case wasEnabled && !nc.Enabled:
		a.log.Info("notifier disabled via config")
		a.notif.Stop(ctx)
	case !wasEnabled && nc.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}
	if !reflect.DeepEqual(prev.Notifier.Channels, next.Notifier.Channels) {
		if err := a.core.ReloadNotificationConfig(ctx); err != nil {
			a.log.Warn("notification channels not reloaded", logx.Err(err))
		}
	}
}
