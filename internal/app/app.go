// Package app wires the ticketgrab daemon: config, logging, storage, the
// task engine and scheduler, the notifier, the railway client and the
// scheduling core.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ticketgrab/internal/config"
	"ticketgrab/internal/eventbus"
	"ticketgrab/internal/notifier"
	"ticketgrab/internal/notifier/channels"
	"ticketgrab/internal/observability/debug"
	"ticketgrab/internal/railway"
	"ticketgrab/internal/runtime/supervisor"
	"ticketgrab/internal/storage"
	"ticketgrab/internal/task/engine"
	"ticketgrab/internal/task/scheduler"
	"ticketgrab/internal/ticket/core"
	"ticketgrab/internal/ticket/probe"
	"ticketgrab/internal/ticket/purchase"
	"ticketgrab/internal/ticket/runner"
	logx "ticketgrab/pkg/logx"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopRequested  StopReason = "requested"
)

const reconcileEvery = 10 * time.Second

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	store    storage.Store
	engine   *engine.Service
	sched    *scheduler.Service
	notif    *notifier.Service
	client   *railway.Client
	stations *railway.StationTable
	prober   *probe.Prober
	core     *core.Core
	debug    *debug.Server

	sup *supervisor.Supervisor
}

// New loads the config (and any .env next to it) and builds every
// component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	if err := config.LoadDotEnv(".env", filepath.Join(filepath.Dir(cfgPath), ".env")); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfgm := config.NewManager(cfgPath, logx.Nop())
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logs, log := logx.New(mapLogging(cfg))
	cfgm.SetLogger(log)
	a := &App{cfgm: cfgm, logs: logs, log: log.Component("app"), bus: eventbus.New()}
	if err := a.build(ctx, cfg, log); err != nil {
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	sc, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(ctx, sc, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	ec, err := mapEngine(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(ec, log, a.bus)
	a.sched = scheduler.New(mapScheduler(cfg), a.engine, log, a.bus)

	nc, err := mapNotifier(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(nc, channels.Env{HTTP: &http.Client{Timeout: 20 * time.Second}}, log, a.bus, a.store)
	a.logs.SetSink(a.notif)

	rc, pc, err := mapRailway(cfg)
	if err != nil {
		return err
	}
	a.client, err = railway.New(rc, log)
	if err != nil {
		return err
	}
	a.stations = railway.NewStationTable(nil)
	a.prober = probe.New(a.client, a.stations,
		probe.WithLocation(a.sched.Location()),
		probe.WithHorizon(cfg.Ticket.BookingHorizonDays),
	)
	attempter := purchase.New(purchase.ClientGateway{Client: a.client}, pc, log)

	cc, err := mapCore(cfg)
	if err != nil {
		return err
	}
	a.core = core.New(cc, a.store, a.sched, a.engine, a.notif, log, core.WithBus(a.bus))
	a.core.Bind(runner.New(a.store, a.prober, attempter, a.notif, a.core, log))
	a.debug = debug.New(mapDebug(cfg), a.status, log)
	return nil
}

func (a *App) Core() *core.Core { return a.core }

func (a *App) Stations() *railway.StationTable { return a.stations }

// Done is closed when the app context ends, including after a fatal
// supervised error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs services, restores running tasks and the global trigger, and
// starts the background loops.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()
	cfg := a.cfgm.Get()

	a.engine.Start(runCtx)
	a.sched.Start(runCtx)
	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	if err := a.core.ReloadNotificationConfig(runCtx); err != nil {
		a.log.Warn("notification settings not applied", logx.Err(err))
	}

	if err := a.loadStationFile(cfg.Railway.StationFile); err != nil {
		a.log.Warn("station file not loaded; fetching from site", logx.Err(err))
	}
	if a.stations.Len() == 0 {
		a.sup.GoRestart("stations.fetch", a.fetchStations,
			supervisor.WithRestartBackoff(5*time.Second, 5*time.Minute),
			supervisor.WithPublishFirstError(false),
		)
	}

	if err := a.core.RestoreGlobalTrigger(runCtx, cfg.GlobalTrigger.Cron, cfg.GlobalTrigger.Enabled); err != nil {
		a.log.Warn("global trigger not restored", logx.Err(err))
	}
	n, err := a.core.ResumeOnRestart(runCtx)
	if err != nil {
		a.log.Warn("some running tasks were not resumed", logx.Err(err))
	}
	if err := a.core.EnableReconcile(reconcileEvery); err != nil {
		return err
	}

	a.debug.Start(runCtx)

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Int("resumed", n), logx.Strings("channels", a.notif.Channels()))
	return nil
}

func (a *App) loadStationFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("railway.station_file not set")
	}
	st, err := railway.LoadStationFile(path)
	if err != nil {
		return err
	}
	a.stations.Replace(st)
	a.log.Info("stations loaded", logx.String("path", path), logx.Int("count", len(st)))
	return nil
}

// fetchStations runs under GoRestart until the table is loaded once.
func (a *App) fetchStations(ctx context.Context) error {
	st, err := a.client.FetchStations(ctx)
	if err != nil {
		return err
	}
	a.stations.Replace(st)
	a.log.Info("stations fetched", logx.Int("count", len(st)))
	return nil
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Trace("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	}
}

// Stop shuts everything down in dependency order. Each step is bounded so
// one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.logSnapshot()
	a.sup.Cancel()

	a.step(ctx, "debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	a.step(ctx, "core", 3*time.Second, func(c context.Context) error { a.core.Shutdown(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
		max = time.Until(dl)
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()
	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

// Status is the body of the debug /status endpoint.
type Status struct {
	Time       time.Time          `json:"time"`
	Active     []int64            `json:"active_tasks"`
	Stations   int                `json:"stations"`
	Scheduler  scheduler.Snapshot `json:"scheduler"`
	Supervisor []supervisor.Stats `json:"supervisor,omitempty"`
}

func (a *App) status() any {
	st := Status{
		Time:      time.Now(),
		Active:    a.core.Active(),
		Stations:  a.stations.Len(),
		Scheduler: a.sched.Snapshot(),
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	return st
}

// logSnapshot records what was scheduled at shutdown.
func (a *App) logSnapshot() {
	snap := a.sched.Snapshot()
	names := make([]string, 0, len(snap.Schedules))
	for _, s := range snap.Schedules {
		names = append(names, s.Name)
	}
	a.log.Info("scheduler snapshot",
		logx.Strings("schedules", names),
		logx.Int("queue_len", snap.Engine.QueueLen),
		logx.Int("in_flight", snap.Engine.InFlight),
	)
}

// Hostname is used as the default user id for CLI-created tasks.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "local"
	}
	return h
}
