package manager

import (
	"context"

	"taskrelay/internal/eventbus"
	"taskrelay/internal/task/ident"
	"taskrelay/pkg/logx"
)

// HandleExternalEvent routes payload to the task addressed by identifier.
//
// It never returns an error: a malformed identifier is logged and dropped,
// and an unknown task triggers one cold start for the decoded app before the
// event is dropped. Events are not replayed after a cold start.
func (m *Manager) HandleExternalEvent(ctx context.Context, identifier string, payload []byte) {
	ref, err := ident.Decode(identifier)
	if err != nil {
		m.log.Warn("external event dropped", logx.Err(err), logx.Int("payload_bytes", len(payload)))
		return
	}
	log := m.log.With(logx.String("app", ref.AppID), logx.String("task", ref.TaskName))

	t, ok := m.reg.Get(ref.AppID, ref.TaskName)
	if !ok {
		log.Info("external event for unknown task, cold start", logx.Err(ErrTaskNotFound))
		m.bus.Publish(eventbus.Event{
			Type: eventbus.TypeColdStart,
			Data: eventbus.ColdStart{AppID: ref.AppID, TaskName: ref.TaskName},
		})
		if m.cold != nil {
			m.cold.TriggerColdStart(ref.AppID)
		}
		return
	}

	if !t.acquire(ctx) {
		log.Debug("external event dropped, task no longer active")
		return
	}
	defer t.release()

	t.consumer.OnEvent(ctx, payload)
}
