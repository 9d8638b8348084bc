package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"taskrelay/internal/task/manager"
)

// FetchResult is what the application reports after handling a fetch.
type FetchResult string

const (
	FetchNoData  FetchResult = "noData"
	FetchNewData FetchResult = "newData"
	FetchFailed  FetchResult = "failed"
)

// FetchConsumer is the generic variant: periodic background fetch wakeups.
type FetchConsumer struct {
	host *HostRef

	mu     sync.Mutex
	req    FetchRequest
	task   *manager.Task
	active bool
	id     string
	last   FetchResult
}

func NewFetch(host *HostRef, req FetchRequest) *FetchConsumer {
	return &FetchConsumer{host: host, req: req}
}

func NewFetchFromOptions(host *HostRef, options map[string]any) (*FetchConsumer, error) {
	o, err := DecodeOptions[FetchOptions](options)
	if err != nil {
		return nil, err
	}
	return NewFetch(host, o.Request()), nil
}

func (c *FetchConsumer) Kind() string { return KindGeneric }

func (c *FetchConsumer) Request() FetchRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.req
}

// LastResult is the most recent result reported through DidFinish.
func (c *FetchConsumer) LastResult() FetchResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *FetchConsumer) OnRegister(ctx context.Context, t *manager.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active && c.task == t {
		return nil
	}
	h, err := c.host.Get()
	if err != nil {
		return err
	}
	if !h.HasPermission(PermissionBackgroundFetch) {
		return fmt.Errorf("background fetch: %w", manager.ErrPermissionDenied)
	}
	id := t.Identifier()
	if err := h.Fetch().ScheduleFetch(ctx, c.req, id); err != nil {
		return fmt.Errorf("%w: schedule fetch: %w", manager.ErrConsumerStartFailed, err)
	}
	c.task, c.id, c.active = t, id, true
	return nil
}

func (c *FetchConsumer) OnUnregister(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return nil
	}
	h, err := c.host.Get()
	if err != nil {
		return err
	}
	if err := h.Fetch().CancelFetch(ctx, c.id); err != nil {
		return fmt.Errorf("%w: cancel fetch: %w", manager.ErrConsumerStopFailed, err)
	}
	c.active = false
	return nil
}

// UpdateOptions reschedules with the new minimum interval.
func (c *FetchConsumer) UpdateOptions(ctx context.Context, options map[string]any) error {
	o, err := DecodeOptions[FetchOptions](options)
	if err != nil {
		return err
	}
	req := o.Request()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		h, err := c.host.Get()
		if err != nil {
			return err
		}
		if err := h.Fetch().ScheduleFetch(ctx, req, c.id); err != nil {
			return fmt.Errorf("schedule fetch: %w", err)
		}
	}
	c.req = req
	return nil
}

// DidFinish records the result the application reported ("result" key).
func (c *FetchConsumer) DidFinish(ctx context.Context, response map[string]any) {
	r, _ := response["result"].(string)
	c.mu.Lock()
	switch FetchResult(r) {
	case FetchNewData, FetchNoData, FetchFailed:
		c.last = FetchResult(r)
	default:
		c.last = FetchNoData
	}
	c.mu.Unlock()
}

// OnEvent forwards a wakeup. An empty payload is a wakeup without details.
func (c *FetchConsumer) OnEvent(ctx context.Context, payload []byte) {
	c.mu.Lock()
	t := c.task
	c.mu.Unlock()
	if t == nil {
		return
	}
	var ev FetchEvent
	if len(payload) > 0 && json.Valid(payload) {
		if err := decodePayload(KindGeneric, payload, &ev); err != nil {
			t.ExecuteWithError(err)
			return
		}
	} else if len(payload) > 0 {
		t.ExecuteWithError(fmt.Errorf("decode %s payload: invalid json", KindGeneric))
		return
	}
	t.ExecuteWithData(ev)
}
