package app

import (
	"context"
	"fmt"
	"path/filepath"

	"ticketgrab/internal/config"
	"ticketgrab/internal/railway"
	"ticketgrab/internal/storage"
	"ticketgrab/internal/task/scheduler"
	"ticketgrab/internal/ticket/core"
	"ticketgrab/internal/ticket/probe"
	logx "ticketgrab/pkg/logx"
)

// Offline is what one-shot CLI commands work with: the store, a detached
// core and the read-only railway pieces. Timers stay with the daemon, which
// picks up store changes on its next reconcile pass.
type Offline struct {
	Config   *config.Config
	Log      logx.Logger
	Store    storage.Store
	Core     *core.Core
	Client   *railway.Client
	Stations *railway.StationTable
	Prober   *probe.Prober
	Sched    *scheduler.Service

	logs *logx.Service
}

// OpenOffline loads the config and opens the store. Logs go to the console
// at warn unless verbose.
func OpenOffline(ctx context.Context, cfgPath string, verbose bool) (*Offline, error) {
	if err := config.LoadDotEnv(".env", filepath.Join(filepath.Dir(cfgPath), ".env")); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.NewManager(cfgPath, logx.Nop()).Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	lc := logx.Config{Level: "warn", Console: true, Pretty: true}
	if verbose {
		lc.Level = "debug"
	}
	logs, log := logx.New(lc)

	o := &Offline{Config: cfg, Log: log, logs: logs}
	if err := o.open(ctx, cfg, log); err != nil {
		_ = o.Close()
		return nil, err
	}
	return o, nil
}

func (o *Offline) open(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	sc, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	if o.Store, err = storage.Open(ctx, sc, log); err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	cc, err := mapCore(cfg)
	if err != nil {
		return err
	}
	// No engine: the scheduler only validates cron expressions here.
	o.Sched = scheduler.New(mapScheduler(cfg), nil, log, nil)
	o.Core = core.New(cc, o.Store, o.Sched, nil, nil, log, core.Detached())

	rc, _, err := mapRailway(cfg)
	if err != nil {
		return err
	}
	if o.Client, err = railway.New(rc, log); err != nil {
		return err
	}
	o.Stations = railway.NewStationTable(nil)
	o.Prober = probe.New(o.Client, o.Stations,
		probe.WithLocation(o.Sched.Location()),
		probe.WithHorizon(cfg.Ticket.BookingHorizonDays),
	)
	return nil
}

// LoadStations fills the station table from railway.station_file, or from
// the site when no file is configured.
func (o *Offline) LoadStations(ctx context.Context) error {
	if p := o.Config.Railway.StationFile; p != "" {
		st, err := railway.LoadStationFile(p)
		if err == nil {
			o.Stations.Replace(st)
			return nil
		}
		o.Log.Warn("station file not loaded; fetching from site", logx.Err(err))
	}
	st, err := o.Client.FetchStations(ctx)
	if err != nil {
		return err
	}
	o.Stations.Replace(st)
	return nil
}

func (o *Offline) Close() error {
	var err error
	if o.Store != nil {
		err = o.Store.Close()
	}
	if o.logs != nil {
		_ = o.logs.Close()
	}
	return err
}
