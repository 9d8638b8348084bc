package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"taskrelay/internal/task/engine"
	logx "taskrelay/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
}

// Enqueuer accepts triggered jobs. *engine.Service satisfies it.
type Enqueuer interface {
	Enqueue(j engine.Job) error
}

// Job is the work run for each firing.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name string
	// key is forwarded as engine.Job.Key so firings of one schedule never
	// overlap with other deliveries for the same task.
	key           string
	spec          string // cron spec or @every
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration
	fired         *atomic.Uint64
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	out Enqueuer

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// maxSpread caps the random first-run delay added to interval schedules.
	maxSpread time.Duration

	// Enqueue error throttling: key is schedule name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name          string
	Key           string
	Spec          string
	StartupSpread time.Duration
	Next          time.Time
	Prev          time.Time
	Fired         uint64
}

type Snapshot struct {
	Enabled   bool
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
}
