package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"taskrelay/internal/eventbus"
	"taskrelay/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedJob) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qj := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, qj)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qj queuedJob) {
	start := time.Now()
	queueDelay := max(start.Sub(qj.enqueuedAt), 0)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	j := qj.job
	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onStaleDropped(j, queueDelay)
		s.record(HistoryItem{ID: j.ID, Key: j.Key, Name: j.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		return
	}

	runCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var err error
	// A panicking job must not take the worker down.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("delivery panic", logx.String("key", j.Key), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = j.Run(runCtx)
	}()

	dur := time.Since(start)
	s.processed.Add(1)
	item := HistoryItem{ID: j.ID, Key: j.Key, Name: j.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	ev := JobEvent{ID: j.ID, Key: j.Key, Name: j.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("delivery failed", logx.String("key", j.Key), logx.String("name", j.Name), logx.Err(err), logx.Duration("dur", dur))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: EventJobFailed, Data: ev})
		}
	} else {
		s.log.Debug("delivery completed", logx.String("key", j.Key), logx.String("name", j.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: EventJobFinished, Data: ev})
		}
	}
	s.record(item)
}
