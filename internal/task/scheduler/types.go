package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"ticketgrab/internal/eventbus"
	"ticketgrab/internal/task/engine"
	logx "ticketgrab/pkg/logx"
)

type Config struct {
	// Timezone is an IANA name used to evaluate cron expressions,
	// e.g. "Asia/Shanghai". Empty means the process local zone.
	Timezone string
}

type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

func (k Kind) String() string {
	if k == KindInterval {
		return "interval"
	}
	return "cron"
}

type scheduleDef struct {
	name    string
	kind    Kind
	spec    string
	every   time.Duration
	timeout time.Duration
	job     func(ctx context.Context) error
	opt     engine.TaskOptions
	state   *engine.RunState
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	engine *engine.Service

	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*scheduleDef
	// states outlive their defs: a name registered again still sees a run
	// of its previous registration that is queued or executing.
	states map[string]*engine.RunState

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string
	Kind    Kind
	Spec    string
	Timeout time.Duration
	Busy    bool
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
	Engine    engine.Snapshot
}
