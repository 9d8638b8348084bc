package app

import (
	"context"
	"encoding/json"
	"fmt"

	"taskrelay/internal/consumer"
	"taskrelay/internal/facility"
	"taskrelay/internal/inbox"
	"taskrelay/internal/task/engine"
	"taskrelay/internal/task/manager"
)

// dispatcher hands facility deliveries to the engine keyed by identifier, so
// deliveries to one task keep their order and never run on the caller.
type dispatcher struct {
	eng *engine.Service
	mgr *manager.Manager
}

var _ facility.Deliverer = dispatcher{}

func (d dispatcher) Deliver(_ context.Context, identifier string, payload []byte) error {
	return d.eng.Enqueue(engine.Job{
		Key:  identifier,
		Name: "deliver",
		Run: func(ctx context.Context) error {
			d.mgr.HandleExternalEvent(ctx, identifier, payload)
			return nil
		},
	})
}

// envelopeHandler runs inbox envelopes. It already runs on an engine worker,
// so deliveries go straight to the manager.
type envelopeHandler struct {
	mgr  *manager.Manager
	host *facility.Host
}

var _ inbox.Handler = envelopeHandler{}

func (h envelopeHandler) Handle(ctx context.Context, env inbox.Envelope) error {
	switch env.Kind {
	case inbox.KindDelivery, "":
		h.mgr.HandleExternalEvent(ctx, env.Identifier, env.Payload)
		return nil
	case inbox.KindFetch:
		return h.host.Fetches().Fire(ctx, env.Identifier)
	case inbox.KindLocation:
		var batch consumer.LocationBatch
		if err := json.Unmarshal(env.Payload, &batch); err != nil {
			return fmt.Errorf("decode location batch: %w", err)
		}
		return h.host.Locations().Report(ctx, batch.Locations)
	case inbox.KindPosition:
		var pos inbox.Position
		if err := json.Unmarshal(env.Payload, &pos); err != nil {
			return fmt.Errorf("decode position: %w", err)
		}
		return h.host.Geofences().ReportPosition(ctx, pos.Latitude, pos.Longitude)
	default:
		return fmt.Errorf("%w: unknown kind %q", inbox.ErrInvalidEnvelope, env.Kind)
	}
}
