package manager

import "context"

// KindGeneric is reported for consumers that do not implement Kinder.
const KindGeneric = "generic"

// Consumer starts and stops an external subscription for one task and
// translates raw payloads into task executions.
//
// OnRegister must be a no-op when the consumer is already active and
// OnUnregister must succeed when it was never registered. OnEvent runs on a
// delivery goroutine and should return quickly; it reports results through
// Task.ExecuteWithData and Task.ExecuteWithError. OnEvent must not
// synchronously unregister its own task.
//
// OnRegister and OnUnregister run while the manager holds the app's control
// lock, so a slow call delays every other Register, Unregister and
// SetOptions of that app. Event delivery to other tasks does not take that
// lock. An OnUnregister that fails must leave the consumer active so a
// later call can retry the stop.
type Consumer interface {
	OnRegister(ctx context.Context, t *Task) error
	OnUnregister(ctx context.Context) error
	OnEvent(ctx context.Context, payload []byte)
}

// Kinder names the consumer variant; the name is persisted and used by a
// Factory to rebuild the consumer after a cold start.
type Kinder interface {
	Kind() string
}

// OptionsUpdater is implemented by consumers that can apply new options
// without being re-registered.
type OptionsUpdater interface {
	UpdateOptions(ctx context.Context, options map[string]any) error
}

// Finisher is notified when the application reports a task run as finished.
type Finisher interface {
	DidFinish(ctx context.Context, response map[string]any)
}

// Factory rebuilds a consumer from its persisted kind and options.
type Factory interface {
	New(kind string, options map[string]any) (Consumer, error)
}

// ColdStarter boots the hosting application for appID. It must not block;
// the manager neither waits for it nor retries.
type ColdStarter interface {
	TriggerColdStart(appID string)
}

// ColdStarterFunc adapts a function to ColdStarter.
type ColdStarterFunc func(appID string)

func (f ColdStarterFunc) TriggerColdStart(appID string) { f(appID) }

// KindOf returns the consumer's kind, defaulting to KindGeneric.
func KindOf(c Consumer) string {
	if k, ok := c.(Kinder); ok {
		if s := k.Kind(); s != "" {
			return s
		}
	}
	return KindGeneric
}
