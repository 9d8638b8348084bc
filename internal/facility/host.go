// Package facility provides in-process stand-ins for the platform services
// task consumers subscribe to: location updates, geofencing and periodic
// background fetch. Facilities never call consumers directly. They hand raw
// payloads addressed by callback identifier to a Deliverer, exactly like an
// operating system waking the process.
package facility

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"

	"taskrelay/internal/consumer"
	"taskrelay/internal/task/scheduler"
	logx "taskrelay/pkg/logx"
)

// Deliverer accepts a raw payload for the task addressed by identifier.
type Deliverer interface {
	Deliver(ctx context.Context, identifier string, payload []byte) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, identifier string, payload []byte) error

func (f DelivererFunc) Deliver(ctx context.Context, identifier string, payload []byte) error {
	return f(ctx, identifier, payload)
}

// Config is the facility section of the daemon config.
type Config struct {
	// Granted lists permission names (see consumer.Permission*).
	Granted []string
}

// Host implements consumer.Host on top of the in-process facilities.
type Host struct {
	log   logx.Logger
	perms atomic.Pointer[map[consumer.Permission]struct{}]

	loc   *Location
	geo   *Geofencing
	fetch *Fetch
}

var _ consumer.Host = (*Host)(nil)

func New(cfg Config, sched *scheduler.Service, out Deliverer, log logx.Logger) *Host {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Host{
		log:   log,
		loc:   NewLocation(out, log.With(logx.String("facility", "location"))),
		geo:   NewGeofencing(out, log.With(logx.String("facility", "geofencing"))),
		fetch: NewFetch(sched, out, log.With(logx.String("facility", "fetch"))),
	}
	h.Apply(cfg)
	return h
}

// Apply replaces the granted permission set. Already registered consumers keep
// their subscriptions; the new set applies to the next registration.
func (h *Host) Apply(cfg Config) {
	set := make(map[consumer.Permission]struct{}, len(cfg.Granted))
	for _, p := range cfg.Granted {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		set[consumer.Permission(p)] = struct{}{}
	}
	h.perms.Store(&set)
	h.log.Debug("permissions applied", logx.Int("granted", len(set)))
}

func (h *Host) HasPermission(p consumer.Permission) bool {
	set := h.perms.Load()
	if set == nil {
		return false
	}
	_, ok := (*set)[p]
	return ok
}

// Granted returns the granted permissions, sorted.
func (h *Host) Granted() []string {
	set := h.perms.Load()
	if set == nil {
		return nil
	}
	out := make([]string, 0, len(*set))
	for p := range *set {
		out = append(out, string(p))
	}
	sort.Strings(out)
	return out
}

func (h *Host) Location() consumer.LocationClient     { return h.loc }
func (h *Host) Geofencing() consumer.GeofencingClient { return h.geo }
func (h *Host) Fetch() consumer.FetchClient           { return h.fetch }

// Locations returns the concrete location facility, used to feed fixes.
func (h *Host) Locations() *Location { return h.loc }

// Geofences returns the concrete geofencing facility, used to feed positions.
func (h *Host) Geofences() *Geofencing { return h.geo }

// Fetches returns the concrete fetch facility.
func (h *Host) Fetches() *Fetch { return h.fetch }
