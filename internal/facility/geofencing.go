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

type fenceSet struct {
	regions []consumer.Region
	inside  map[string]bool // region identifier -> last known containment
}

// Geofencing tracks containment of reported positions in each subscriber's
// regions and delivers enter/exit transitions.
type Geofencing struct {
	mu   sync.Mutex
	subs map[string]*fenceSet
	out  Deliverer
	log  logx.Logger
}

var _ consumer.GeofencingClient = (*Geofencing)(nil)

func NewGeofencing(out Deliverer, log logx.Logger) *Geofencing {
	return &Geofencing{subs: map[string]*fenceSet{}, out: out, log: log}
}

// AddGeofences replaces the monitored regions of identifier. Containment
// state is kept for regions that survive the replacement.
func (g *Geofencing) AddGeofences(_ context.Context, regions []consumer.Region, identifier string) error {
	if len(regions) == 0 {
		return errors.New("geofencing: at least one region required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.subs[identifier]
	fs := &fenceSet{regions: append([]consumer.Region(nil), regions...), inside: map[string]bool{}}
	if prev != nil {
		for _, r := range regions {
			if in, ok := prev.inside[r.Identifier]; ok {
				fs.inside[r.Identifier] = in
			}
		}
	}
	g.subs[identifier] = fs
	g.log.Debug("geofences added", logx.String("id", identifier), logx.Int("regions", len(regions)))
	return nil
}

func (g *Geofencing) RemoveGeofences(_ context.Context, identifier string) error {
	g.mu.Lock()
	delete(g.subs, identifier)
	g.mu.Unlock()
	g.log.Debug("geofences removed", logx.String("id", identifier))
	return nil
}

// Regions returns the regions monitored for identifier.
func (g *Geofencing) Regions(identifier string) []consumer.Region {
	g.mu.Lock()
	defer g.mu.Unlock()
	fs, ok := g.subs[identifier]
	if !ok {
		return nil
	}
	return append([]consumer.Region(nil), fs.regions...)
}

// ReportPosition evaluates a device position against every region. Regions
// start outside, so the first position inside a region is an enter.
func (g *Geofencing) ReportPosition(ctx context.Context, latitude, longitude float64) error {
	type delivery struct {
		id      string
		payload []byte
	}
	var batch []delivery

	g.mu.Lock()
	ids := make([]string, 0, len(g.subs))
	for id := range g.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fs := g.subs[id]
		for _, r := range fs.regions {
			in := distanceMeters(latitude, longitude, r.Latitude, r.Longitude) <= r.Radius
			if fs.inside[r.Identifier] == in {
				continue
			}
			fs.inside[r.Identifier] = in
			t := consumer.TransitionExit
			if in {
				t = consumer.TransitionEnter
			}
			b, err := json.Marshal(consumer.GeofenceEvent{EventType: t, Region: r})
			if err != nil {
				g.mu.Unlock()
				return err
			}
			batch = append(batch, delivery{id: id, payload: b})
		}
	}
	g.mu.Unlock()

	var errs []error
	for _, d := range batch {
		if err := g.out.Deliver(ctx, d.id, d.payload); err != nil {
			g.log.Warn("geofence delivery failed", logx.String("id", d.id), logx.Err(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
