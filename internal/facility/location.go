package facility

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"taskrelay/internal/consumer"
	logx "taskrelay/pkg/logx"
)

type locationSub struct {
	req  consumer.LocationRequest
	last *consumer.Location // last fix delivered to this subscriber
}

// Location fans reported fixes out to every subscribed identifier.
type Location struct {
	mu   sync.Mutex
	subs map[string]*locationSub
	out  Deliverer
	log  logx.Logger
}

var _ consumer.LocationClient = (*Location)(nil)

func NewLocation(out Deliverer, log logx.Logger) *Location {
	return &Location{subs: map[string]*locationSub{}, out: out, log: log}
}

// RequestLocationUpdates subscribes identifier. Re-requesting replaces the
// request and keeps the distance filter state.
func (l *Location) RequestLocationUpdates(_ context.Context, req consumer.LocationRequest, identifier string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.subs[identifier]; ok {
		s.req = req
		return nil
	}
	l.subs[identifier] = &locationSub{req: req}
	l.log.Debug("location updates requested", logx.String("id", identifier), logx.Duration("interval", req.Interval))
	return nil
}

func (l *Location) RemoveLocationUpdates(_ context.Context, identifier string) error {
	l.mu.Lock()
	delete(l.subs, identifier)
	l.mu.Unlock()
	l.log.Debug("location updates removed", logx.String("id", identifier))
	return nil
}

// Subscribed returns the subscribed identifiers, sorted.
func (l *Location) Subscribed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.subs))
	for id := range l.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Report delivers fixes as one batch to every subscriber. Fixes closer than a
// subscriber's DistanceInterval to the previously delivered fix are skipped
// for that subscriber. It returns the joined delivery errors.
func (l *Location) Report(ctx context.Context, fixes []consumer.Location) error {
	if len(fixes) == 0 {
		return nil
	}
	type delivery struct {
		id      string
		payload []byte
	}
	var batch []delivery

	l.mu.Lock()
	for id, s := range l.subs {
		keep := make([]consumer.Location, 0, len(fixes))
		for i := range fixes {
			f := fixes[i]
			if s.last != nil && s.req.DistanceInterval > 0 &&
				distanceMeters(s.last.Coords.Latitude, s.last.Coords.Longitude, f.Coords.Latitude, f.Coords.Longitude) < s.req.DistanceInterval {
				continue
			}
			keep = append(keep, f)
			s.last = &f
		}
		if len(keep) == 0 {
			continue
		}
		b, err := json.Marshal(consumer.LocationBatch{Locations: keep})
		if err != nil {
			l.mu.Unlock()
			return err
		}
		batch = append(batch, delivery{id: id, payload: b})
	}
	l.mu.Unlock()

	var errs []error
	for _, d := range batch {
		if err := l.out.Deliver(ctx, d.id, d.payload); err != nil {
			l.log.Warn("location delivery failed", logx.String("id", d.id), logx.Err(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
