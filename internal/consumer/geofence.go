package consumer

import (
	"context"
	"fmt"
	"sync"

	"taskrelay/internal/task/manager"
)

// GeofenceConsumer subscribes a task to enter/exit transitions of a set of regions.
type GeofenceConsumer struct {
	host *HostRef

	mu      sync.Mutex
	regions []Region
	task    *manager.Task
	active  bool
	id      string
}

func NewGeofence(host *HostRef, regions []Region) *GeofenceConsumer {
	return &GeofenceConsumer{host: host, regions: append([]Region(nil), regions...)}
}

func NewGeofenceFromOptions(host *HostRef, options map[string]any) (*GeofenceConsumer, error) {
	o, err := DecodeOptions[GeofenceOptions](options)
	if err != nil {
		return nil, err
	}
	return NewGeofence(host, o.Regions), nil
}

func (c *GeofenceConsumer) Kind() string { return KindGeofence }

func (c *GeofenceConsumer) Regions() []Region {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Region(nil), c.regions...)
}

func (c *GeofenceConsumer) OnRegister(ctx context.Context, t *manager.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active && c.task == t {
		return nil
	}
	h, err := c.host.Get()
	if err != nil {
		return err
	}
	if !h.HasPermission(PermissionLocationBackground) {
		return fmt.Errorf("geofencing: %w", manager.ErrPermissionDenied)
	}
	id := t.Identifier()
	if err := h.Geofencing().AddGeofences(ctx, c.regions, id); err != nil {
		return fmt.Errorf("%w: add geofences: %w", manager.ErrConsumerStartFailed, err)
	}
	c.task, c.id, c.active = t, id, true
	return nil
}

func (c *GeofenceConsumer) OnUnregister(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return nil
	}
	h, err := c.host.Get()
	if err != nil {
		return err
	}
	if err := h.Geofencing().RemoveGeofences(ctx, c.id); err != nil {
		return fmt.Errorf("%w: remove geofences: %w", manager.ErrConsumerStopFailed, err)
	}
	c.active = false
	return nil
}

// UpdateOptions swaps the monitored regions in place. On failure the
// previous regions stay monitored.
func (c *GeofenceConsumer) UpdateOptions(ctx context.Context, options map[string]any) error {
	o, err := DecodeOptions[GeofenceOptions](options)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		h, err := c.host.Get()
		if err != nil {
			return err
		}
		if err := h.Geofencing().AddGeofences(ctx, o.Regions, c.id); err != nil {
			return fmt.Errorf("add geofences: %w", err)
		}
	}
	c.regions = o.Regions
	return nil
}

// OnEvent forwards one transition. Transitions the region opted out of and
// regions no longer monitored are ignored.
func (c *GeofenceConsumer) OnEvent(ctx context.Context, payload []byte) {
	c.mu.Lock()
	t := c.task
	regions := c.regions
	c.mu.Unlock()
	if t == nil {
		return
	}

	var ev GeofenceEvent
	if err := decodePayload(KindGeofence, payload, &ev); err != nil {
		t.ExecuteWithError(err)
		return
	}
	for _, r := range regions {
		if r.Identifier != ev.Region.Identifier {
			continue
		}
		if !r.Notifies(ev.EventType) {
			return
		}
		t.ExecuteWithData(GeofenceEvent{EventType: ev.EventType, Region: r})
		return
	}
}
