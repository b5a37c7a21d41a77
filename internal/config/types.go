package config

import "ticketgrab/internal/notifier/channels"

// Config is the process configuration. Duration fields are Go duration
// strings ("500ms", "20s", "1m"); empty means the component default.
type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Engine        EngineConfig        `json:"engine"`
	Ticket        TicketConfig        `json:"ticket"`
	Railway       RailwayConfig       `json:"railway"`
	Storage       StorageConfig       `json:"storage"`
	Notifier      NotifierConfig      `json:"notifier"`
	GlobalTrigger GlobalTriggerConfig `json:"global_trigger"`
	Debug         DebugConfig         `json:"debug"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	Pretty  bool          `json:"pretty,omitempty"`
	File    LoggingFile   `json:"file"`
	Remote  LoggingRemote `json:"remote"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingRemote forwards warn+ lines to the telegram notification channel.
type LoggingRemote struct {
	Enabled    bool   `json:"enabled"`
	Level      string `json:"level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type SchedulerConfig struct {
	// Timezone evaluates cron expressions and the booking window.
	Timezone string `json:"timezone,omitempty"`
}

// EngineConfig sizes the worker pool that runs ticks. Changes need a
// restart.
type EngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// TicketConfig bounds per-task polling.
type TicketConfig struct {
	MinInterval        string `json:"min_interval,omitempty"`
	MaxInterval        string `json:"max_interval,omitempty"`
	DefaultInterval    string `json:"default_interval,omitempty"`
	TickTimeout        string `json:"tick_timeout,omitempty"`
	BookingHorizonDays int    `json:"booking_horizon_days,omitempty"`
	// MaxTicksPerUser caps concurrent ticks of one account; -1 lifts it.
	MaxTicksPerUser int `json:"max_ticks_per_user,omitempty"`
}

type RailwayConfig struct {
	BaseURL     string `json:"base_url,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	StationFile string `json:"station_file,omitempty"`
	// WaitMax bounds the order queue wait loop.
	WaitMax      string `json:"wait_max,omitempty"`
	WaitInterval string `json:"wait_interval,omitempty"`
}

// StorageConfig selects the persistence driver.
//
//	storage:
//	  driver: sqlite
//	  path: ./ticketgrab.db
//	  credential_key: ${TICKETGRAB_KEY}
type StorageConfig struct {
	Driver        string `json:"driver"`
	Path          string `json:"path,omitempty"`
	DSN           string `json:"dsn,omitempty"`
	BusyTimeout   string `json:"busy_timeout,omitempty"`
	CredentialKey string `json:"credential_key,omitempty"`
}

type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
	// Channels seeds the notification settings until some are stored.
	Channels channels.Config `json:"channels"`
}

// GlobalTriggerConfig seeds the bulk start trigger on first run. Stored
// values win afterwards.
type GlobalTriggerConfig struct {
	Cron    string `json:"cron,omitempty"`
	Enabled bool   `json:"enabled,omitempty"`
}

// DebugConfig controls the local status and profiling endpoint. A
// non-loopback addr needs a token unless allow_insecure is set.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	// MutexProfileFraction and BlockProfileRate are passed to the runtime
	// when set.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
