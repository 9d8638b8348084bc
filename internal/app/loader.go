package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"taskrelay/internal/runtime/supervisor"
	"taskrelay/internal/task/manager"
	logx "taskrelay/pkg/logx"
)

// Loader is the cold-start collaborator. An event for a task that is not live
// makes the manager call TriggerColdStart; the loader then re-registers the
// app's persisted tasks in the background. The triggering event is not
// replayed.
type Loader struct {
	mgr     *manager.Manager
	factory manager.Factory
	log     logx.Logger

	mu       sync.Mutex
	timeout  time.Duration
	sup      *supervisor.Supervisor
	inflight map[string]struct{}
}

var _ manager.ColdStarter = (*Loader)(nil)

func NewLoader(mgr *manager.Manager, f manager.Factory, timeout time.Duration, log logx.Logger) *Loader {
	if log.IsZero() {
		log = logx.Nop()
	}
	if timeout <= 0 {
		timeout = defaultColdStartTimeout
	}
	return &Loader{
		mgr:      mgr,
		factory:  f,
		timeout:  timeout,
		log:      log.With(logx.String("comp", "loader")),
		inflight: map[string]struct{}{},
	}
}

// attach binds restores to the app supervisor. Before attach (and after the
// supervisor is gone) restores run on plain goroutines.
func (l *Loader) attach(sup *supervisor.Supervisor) {
	l.mu.Lock()
	l.sup = sup
	l.mu.Unlock()
}

func (l *Loader) setTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultColdStartTimeout
	}
	l.mu.Lock()
	l.timeout = d
	l.mu.Unlock()
}

// TriggerColdStart never blocks. Concurrent triggers for the same app
// collapse into one restore.
func (l *Loader) TriggerColdStart(appID string) {
	l.mu.Lock()
	if _, busy := l.inflight[appID]; busy {
		l.mu.Unlock()
		l.log.Debug("cold start already running", logx.String("app", appID))
		return
	}
	l.inflight[appID] = struct{}{}
	sup := l.sup
	l.mu.Unlock()

	run := func(ctx context.Context) {
		defer func() {
			l.mu.Lock()
			delete(l.inflight, appID)
			l.mu.Unlock()
		}()
		n, err := l.Restore(ctx, appID)
		if err != nil {
			l.log.Warn("cold start restore incomplete", logx.String("app", appID), logx.Int("restored", n), logx.Err(err))
			return
		}
		l.log.Info("cold start done", logx.String("app", appID), logx.Int("restored", n))
	}

	if sup != nil {
		sup.Go0("coldstart."+appID, run)
		return
	}
	go run(context.Background())
}

// Restore re-registers appID's persisted tasks, bounded by the cold-start
// timeout.
func (l *Loader) Restore(ctx context.Context, appID string) (int, error) {
	l.mu.Lock()
	timeout := l.timeout
	l.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return l.mgr.Restore(ctx, appID, l.factory)
}

// RestoreAll triggers a cold start for every app with a persisted snapshot,
// like the OS relaunching apps that own background work after a reboot.
func (l *Loader) RestoreAll(ctx context.Context) (int, error) {
	apps, err := l.mgr.PersistedApps(ctx)
	if err != nil {
		return 0, fmt.Errorf("list persisted apps: %w", err)
	}
	for _, id := range apps {
		l.TriggerColdStart(id)
	}
	return len(apps), nil
}

// Pending reports whether a restore for appID is still running.
func (l *Loader) Pending(appID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.inflight[appID]
	return ok
}
