// Package inbox drains a spool directory of delivery envelopes into the
// delivery engine. It stands in for the operating system waking the process
// with a payload for a callback identifier.
package inbox

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"taskrelay/internal/task/engine"
	logx "taskrelay/pkg/logx"
)

type Config struct {
	Enabled bool
	Dir     string
	// PollInterval rescans the directory in case watcher events were missed.
	PollInterval time.Duration
}

const (
	defaultPollInterval = 5 * time.Second
	scanDebounce        = 100 * time.Millisecond
)

// Handler processes one envelope. It runs on an engine worker.
type Handler interface {
	Handle(ctx context.Context, env Envelope) error
}

type HandlerFunc func(ctx context.Context, env Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env Envelope) error { return f(ctx, env) }

// Submitter is the engine side of the inbox. *engine.Service satisfies it.
type Submitter interface {
	Submit(ctx context.Context, j engine.Job) error
}

var errQuarantined = errors.New("inbox file quarantined")

type Stats struct {
	Pending     int
	Processed   uint64
	Failed      uint64
	Quarantined uint64
}

type Inbox struct {
	cfg Config
	h   Handler
	out Submitter
	log logx.Logger

	mu      sync.Mutex
	pending map[string]struct{} // file names submitted but not yet handled

	processed   atomic.Uint64
	failed      atomic.Uint64
	quarantined atomic.Uint64
}

func New(cfg Config, h Handler, out Submitter, log logx.Logger) *Inbox {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Inbox{cfg: cfg, h: h, out: out, log: log, pending: map[string]struct{}{}}
}

func (in *Inbox) Stats() Stats {
	in.mu.Lock()
	n := len(in.pending)
	in.mu.Unlock()
	return Stats{
		Pending:     n,
		Processed:   in.processed.Load(),
		Failed:      in.failed.Load(),
		Quarantined: in.quarantined.Load(),
	}
}

// Scan submits every spool file not already in flight, in name order.
// It returns the number of submitted files.
func (in *Inbox) Scan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(in.cfg.Dir)
	if err != nil {
		return 0, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), spoolExt) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	submitted := 0
	for _, name := range names {
		if ctx.Err() != nil {
			return submitted, ctx.Err()
		}
		if !in.claim(name) {
			continue
		}
		err := in.submit(ctx, name)
		switch {
		case err == nil:
			submitted++
		case errors.Is(err, errQuarantined):
			in.unclaim(name)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			in.unclaim(name)
			return submitted, err
		default:
			// Left on disk; the next scan retries.
			in.unclaim(name)
			in.log.Warn("inbox submit failed", logx.String("file", name), logx.Err(err))
		}
	}
	return submitted, nil
}

func (in *Inbox) claim(name string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, ok := in.pending[name]; ok {
		return false
	}
	in.pending[name] = struct{}{}
	return true
}

func (in *Inbox) unclaim(name string) {
	in.mu.Lock()
	delete(in.pending, name)
	in.mu.Unlock()
}

func (in *Inbox) submit(ctx context.Context, name string) error {
	path := filepath.Join(in.cfg.Dir, name)
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	env, err := DecodeEnvelope(b)
	if err != nil {
		in.quarantine(path, err)
		return errQuarantined
	}

	return in.out.Submit(ctx, engine.Job{
		Key:  env.Key(),
		Name: "inbox." + string(env.Kind),
		Run: func(ctx context.Context) error {
			defer in.unclaim(name)
			// Deliveries are at-most-once: the file goes whether or not the
			// handler succeeded.
			herr := in.h.Handle(ctx, env)
			if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
				in.log.Warn("inbox remove failed", logx.String("file", name), logx.Err(rerr))
			}
			if herr != nil {
				in.failed.Add(1)
				return herr
			}
			in.processed.Add(1)
			return nil
		},
	})
}

func (in *Inbox) quarantine(path string, cause error) {
	in.quarantined.Add(1)
	name := filepath.Base(path)
	in.log.Warn("inbox file quarantined", logx.String("file", name), logx.Err(cause))
	if err := os.Rename(path, path+quarantineExt); err != nil {
		in.log.Warn("inbox quarantine failed", logx.String("file", name), logx.Err(err))
	}
}

// Run scans once, then rescans on directory events and every PollInterval
// until ctx is done. A broken watcher is recreated with backoff while polling
// continues.
func (in *Inbox) Run(ctx context.Context) error {
	if err := os.MkdirAll(in.cfg.Dir, 0o755); err != nil {
		return err
	}
	in.log.Info("inbox started", logx.String("dir", in.cfg.Dir), logx.Duration("poll", in.cfg.PollInterval))

	kick := make(chan struct{}, 1)
	trigger := func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
	trigger()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		in.watch(ctx, trigger)
	}()
	defer wg.Wait()

	tick := time.NewTicker(in.cfg.PollInterval)
	defer tick.Stop()
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			in.log.Info("inbox stopped", logx.Uint64("processed", in.processed.Load()))
			return nil
		case <-kick:
			if debounce == nil {
				debounce = time.After(scanDebounce)
			}
		case <-tick.C:
			in.scanLogged(ctx)
		case <-debounce:
			debounce = nil
			in.scanLogged(ctx)
		}
	}
}

func (in *Inbox) scanLogged(ctx context.Context) {
	n, err := in.Scan(ctx)
	if err != nil && ctx.Err() == nil {
		in.log.Warn("inbox scan failed", logx.Err(err))
		return
	}
	if n > 0 {
		in.log.Debug("inbox scan submitted", logx.Int("files", n))
	}
}

func (in *Inbox) watch(ctx context.Context, trigger func()) {
	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	wait := func() bool {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, restartBackoffMax)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			in.log.Warn("inbox watch init failed", logx.Err(err))
			if !wait() {
				return
			}
			continue
		}
		if err := w.Add(in.cfg.Dir); err != nil {
			_ = w.Close()
			in.log.Warn("inbox watch add failed", logx.Err(err), logx.String("dir", in.cfg.Dir))
			if !wait() {
				return
			}
			continue
		}
		backoff = restartBackoffBase

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.HasSuffix(ev.Name, spoolExt) && ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					trigger()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					trigger()
					continue
				}
				in.log.Warn("inbox watch error", logx.Err(err))
			}
		}
		_ = w.Close()
		in.log.Warn("inbox watcher stopped; restarting")
		if !wait() {
			return
		}
	}
}
