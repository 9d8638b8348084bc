package manager

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"taskrelay/internal/task/ident"
)

// State is the lifecycle stage of a Task.
type State int32

const (
	// StatePending: inserted in the registry, OnRegister still running.
	StatePending State = iota
	StateActive
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Task is one registered unit of background work.
type Task struct {
	appID    string
	name     string
	consumer Consumer
	owner    *Manager

	optMu   sync.RWMutex
	options map[string]any

	state atomic.Int32
	ready chan struct{} // closed once OnRegister has returned

	// gate is read-held for every forwarded OnEvent and write-held while the
	// task is retired, so OnUnregister runs after the last forwarded event.
	gate sync.RWMutex
}

func newTask(owner *Manager, appID, name string, c Consumer, options map[string]any) *Task {
	t := &Task{
		appID:    appID,
		name:     name,
		consumer: c,
		owner:    owner,
		options:  maps.Clone(options),
		ready:    make(chan struct{}),
	}
	if t.options == nil {
		t.options = map[string]any{}
	}
	return t
}

func (t *Task) Name() string       { return t.name }
func (t *Task) AppID() string      { return t.appID }
func (t *Task) Consumer() Consumer { return t.consumer }
func (t *Task) State() State       { return State(t.state.Load()) }

// Options returns a shallow copy of the task options.
func (t *Task) Options() map[string]any {
	t.optMu.RLock()
	defer t.optMu.RUnlock()
	return maps.Clone(t.options)
}

func (t *Task) setOptions(o map[string]any) {
	c := maps.Clone(o)
	if c == nil {
		c = map[string]any{}
	}
	t.optMu.Lock()
	t.options = c
	t.optMu.Unlock()
}

// Ref returns the task's address.
func (t *Task) Ref() ident.Ref { return ident.Ref{AppID: t.appID, TaskName: t.name} }

// Identifier is the callback identifier that external producers use to
// address this task. It is stable for the lifetime of the registration.
func (t *Task) Identifier() string { return ident.Encode(t.Ref()) }

// ExecuteWithData forwards data to the application event channel.
func (t *Task) ExecuteWithData(data any) {
	if t.owner != nil {
		t.owner.ExecuteWithData(t, data)
	}
}

// ExecuteWithError forwards err to the application event channel.
func (t *Task) ExecuteWithError(err error) {
	if t.owner != nil {
		t.owner.ExecuteWithError(t, err)
	}
}

func (t *Task) activate() {
	t.state.Store(int32(StateActive))
	close(t.ready)
}

// abort marks a task whose OnRegister failed.
func (t *Task) abort() {
	t.state.Store(int32(StateRemoved))
	close(t.ready)
}

// retire waits for in-flight events to drain and marks the task removed.
func (t *Task) retire() {
	t.gate.Lock()
	t.state.Store(int32(StateRemoved))
	t.gate.Unlock()
}

// acquire blocks until OnRegister has returned and, if the task is active,
// holds the event gate. The caller must call release when acquire returns true.
func (t *Task) acquire(ctx context.Context) bool {
	select {
	case <-t.ready:
	case <-ctx.Done():
		return false
	}
	t.gate.RLock()
	if t.State() != StateActive {
		t.gate.RUnlock()
		return false
	}
	return true
}

func (t *Task) release() { t.gate.RUnlock() }

// Info is a read-only view of a registered task.
type Info struct {
	AppID        string         `json:"appId"`
	Name         string         `json:"name"`
	ConsumerKind string         `json:"consumerKind"`
	Options      map[string]any `json:"options"`
	Identifier   string         `json:"identifier"`
	State        string         `json:"state"`
}

func (t *Task) Info() Info {
	return Info{
		AppID:        t.appID,
		Name:         t.name,
		ConsumerKind: KindOf(t.consumer),
		Options:      t.Options(),
		Identifier:   t.Identifier(),
		State:        t.State().String(),
	}
}
