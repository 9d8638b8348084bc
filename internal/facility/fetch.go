package facility

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"taskrelay/internal/consumer"
	"taskrelay/internal/task/scheduler"
	logx "taskrelay/pkg/logx"
)

var ErrNoScheduler = errors.New("fetch: scheduler not configured")

// Fetch wakes identifiers on a schedule through the trigger service.
type Fetch struct {
	sched *scheduler.Service
	out   Deliverer
	log   logx.Logger
	now   func() time.Time
}

var _ consumer.FetchClient = (*Fetch)(nil)

func NewFetch(sched *scheduler.Service, out Deliverer, log logx.Logger) *Fetch {
	return &Fetch{sched: sched, out: out, log: log, now: time.Now}
}

func scheduleName(identifier string) string { return "fetch:" + identifier }

// ScheduleFetch upserts the trigger for identifier. req.Schedule wins over
// req.MinimumInterval when set.
func (f *Fetch) ScheduleFetch(_ context.Context, req consumer.FetchRequest, identifier string) error {
	if f.sched == nil {
		return ErrNoScheduler
	}
	job := func(ctx context.Context) error { return f.Fire(ctx, identifier) }
	var err error
	if req.Schedule != "" {
		err = f.sched.Add(scheduleName(identifier), req.Schedule, identifier, job)
	} else {
		err = f.sched.AddInterval(scheduleName(identifier), req.MinimumInterval, identifier, job)
	}
	if err != nil {
		return err
	}
	f.log.Debug("fetch scheduled", logx.String("id", identifier), logx.Duration("min_interval", req.MinimumInterval), logx.String("schedule", req.Schedule))
	return nil
}

func (f *Fetch) CancelFetch(_ context.Context, identifier string) error {
	if f.sched == nil {
		return nil
	}
	f.sched.Remove(scheduleName(identifier))
	return nil
}

// Scheduled reports whether identifier has a fetch trigger.
func (f *Fetch) Scheduled(identifier string) bool {
	return f.sched != nil && f.sched.Has(scheduleName(identifier))
}

// Fire delivers one fetch wakeup to identifier immediately.
func (f *Fetch) Fire(ctx context.Context, identifier string) error {
	b, err := json.Marshal(consumer.FetchEvent{FiredAt: f.now().UnixMilli()})
	if err != nil {
		return err
	}
	return f.out.Deliver(ctx, identifier, b)
}
