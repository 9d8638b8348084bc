package consumer

import (
	"context"
	"fmt"
	"sync"

	"taskrelay/internal/task/manager"
)

// LocationConsumer subscribes a task to periodic batched location fixes.
// The request parameters are fixed at construction.
type LocationConsumer struct {
	host *HostRef
	req  LocationRequest

	mu     sync.Mutex
	task   *manager.Task
	active bool
	id     string
}

func NewLocation(host *HostRef, req LocationRequest) *LocationConsumer {
	return &LocationConsumer{host: host, req: req}
}

// NewLocationFromOptions builds a consumer from task options.
func NewLocationFromOptions(host *HostRef, options map[string]any) (*LocationConsumer, error) {
	o, err := DecodeOptions[LocationOptions](options)
	if err != nil {
		return nil, err
	}
	return NewLocation(host, o.Request()), nil
}

func (c *LocationConsumer) Kind() string             { return KindPeriodicLocation }
func (c *LocationConsumer) Request() LocationRequest { return c.req }

func (c *LocationConsumer) OnRegister(ctx context.Context, t *manager.Task) error {
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
		return fmt.Errorf("background location: %w", manager.ErrPermissionDenied)
	}

	id := t.Identifier()
	if err := h.Location().RequestLocationUpdates(ctx, c.req, id); err != nil {
		return fmt.Errorf("%w: request location updates: %w", manager.ErrConsumerStartFailed, err)
	}
	c.task, c.id, c.active = t, id, true
	return nil
}

func (c *LocationConsumer) OnUnregister(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return nil
	}

	h, err := c.host.Get()
	if err != nil {
		return err
	}
	if err := h.Location().RemoveLocationUpdates(ctx, c.id); err != nil {
		return fmt.Errorf("%w: remove location updates: %w", manager.ErrConsumerStopFailed, err)
	}
	c.active = false
	return nil
}

// OnEvent forwards a batch of fixes as one execution. An empty batch is
// still an execution, with no locations.
func (c *LocationConsumer) OnEvent(ctx context.Context, payload []byte) {
	c.mu.Lock()
	t := c.task
	c.mu.Unlock()
	if t == nil {
		return
	}

	var batch LocationBatch
	if err := decodePayload(KindPeriodicLocation, payload, &batch); err != nil {
		t.ExecuteWithError(err)
		return
	}
	if batch.Locations == nil {
		batch.Locations = []Location{}
	}
	t.ExecuteWithData(batch)
}
