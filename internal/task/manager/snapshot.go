package manager

import (
	"encoding/json"
	"fmt"
	"sort"
)

// SnapshotEntry is what survives a restart for one task. Options are stored
// as a JSON string so the record stays opaque to the store.
type SnapshotEntry struct {
	ConsumerKind string         `json:"consumerKind"`
	Options      map[string]any `json:"-"`
}

type snapshotWire struct {
	ConsumerKind string `json:"consumerKind"`
	Options      string `json:"options"`
}

// Snapshot is the persisted view of one application's tasks.
type Snapshot map[string]SnapshotEntry

// Names returns task names in sorted order.
func (s Snapshot) Names() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func encodeSnapshot(tasks []*Task) ([]byte, error) {
	wire := make(map[string]snapshotWire, len(tasks))
	for _, t := range tasks {
		opts, err := json.Marshal(t.Options())
		if err != nil {
			return nil, fmt.Errorf("encode options of %q: %w", t.name, err)
		}
		wire[t.name] = snapshotWire{ConsumerKind: KindOf(t.consumer), Options: string(opts)}
	}
	return json.Marshal(wire)
}

// DecodeSnapshot parses a persisted snapshot value.
func DecodeSnapshot(b []byte) (Snapshot, error) {
	var wire map[string]snapshotWire
	if err := json.Unmarshal(b, &wire); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	out := make(Snapshot, len(wire))
	for name, w := range wire {
		e := SnapshotEntry{ConsumerKind: w.ConsumerKind, Options: map[string]any{}}
		if w.Options != "" {
			if err := json.Unmarshal([]byte(w.Options), &e.Options); err != nil {
				return nil, fmt.Errorf("decode options of %q: %w", name, err)
			}
			if e.Options == nil {
				e.Options = map[string]any{}
			}
		}
		if e.ConsumerKind == "" {
			e.ConsumerKind = KindGeneric
		}
		out[name] = e
	}
	return out, nil
}
