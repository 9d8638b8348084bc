// Package consumer holds the task consumer variants (periodic-location,
// geofence, generic background fetch) and the host handle they use to reach
// external facilities.
package consumer

import (
	"context"
	"sync/atomic"
	"time"

	"taskrelay/internal/task/manager"
)

// Kinds persisted in task snapshots.
const (
	KindPeriodicLocation = "periodic-location"
	KindGeofence         = "geofence"
	KindGeneric          = manager.KindGeneric
)

// Permission names a capability a facility may require.
type Permission string

const (
	PermissionLocation           Permission = "location"
	PermissionLocationBackground Permission = "location.background"
	PermissionBackgroundFetch    Permission = "background-fetch"
)

// Host is the hosting context: the granted permissions plus the external
// facilities consumers subscribe to.
type Host interface {
	HasPermission(p Permission) bool
	Location() LocationClient
	Geofencing() GeofencingClient
	Fetch() FetchClient
}

// LocationClient delivers batched location fixes to an identifier.
type LocationClient interface {
	RequestLocationUpdates(ctx context.Context, req LocationRequest, identifier string) error
	RemoveLocationUpdates(ctx context.Context, identifier string) error
}

// GeofencingClient reports region transitions to an identifier.
type GeofencingClient interface {
	// AddGeofences replaces the regions monitored for identifier.
	AddGeofences(ctx context.Context, regions []Region, identifier string) error
	RemoveGeofences(ctx context.Context, identifier string) error
}

// FetchClient wakes an identifier periodically.
type FetchClient interface {
	ScheduleFetch(ctx context.Context, req FetchRequest, identifier string) error
	CancelFetch(ctx context.Context, identifier string) error
}

// FetchRequest configures periodic background fetches.
type FetchRequest struct {
	MinimumInterval time.Duration
	// Schedule optionally overrides MinimumInterval with a cron expression,
	// an interval ("15m") or a daily time ("HH:MM").
	Schedule string
}

type hostBox struct{ h Host }

// HostRef is a non-owning handle to a Host. Once released every consumer
// holding it fails with manager.ErrContextUnavailable.
type HostRef struct {
	p atomic.Pointer[hostBox]
}

func NewHostRef(h Host) *HostRef {
	r := &HostRef{}
	r.Set(h)
	return r
}

// Set replaces the referenced host. A nil host is the same as Release.
func (r *HostRef) Set(h Host) {
	if h == nil {
		r.p.Store(nil)
		return
	}
	r.p.Store(&hostBox{h: h})
}

func (r *HostRef) Release() { r.p.Store(nil) }

// Get returns the live host or manager.ErrContextUnavailable.
func (r *HostRef) Get() (Host, error) {
	if r == nil {
		return nil, manager.ErrContextUnavailable
	}
	b := r.p.Load()
	if b == nil || b.h == nil {
		return nil, manager.ErrContextUnavailable
	}
	return b.h, nil
}
