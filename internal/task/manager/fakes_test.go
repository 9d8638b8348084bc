package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskrelay/internal/eventbus"
	"taskrelay/internal/storage"
	"taskrelay/pkg/logx"
)

// journal records consumer callbacks across consumers in call order.
type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.calls = append(j.calls, s)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...)
}

type fakeConsumer struct {
	id   string
	kind string
	j    *journal

	registerErr   error
	unregisterErr error
	updateErr     error

	// registerGate, when set, blocks OnRegister until closed.
	registerGate chan struct{}
	// eventGate, when set, blocks OnEvent until closed; eventEntered is signalled first.
	eventGate    chan struct{}
	eventEntered chan struct{}

	registers   atomic.Int32
	unregisters atomic.Int32
	events      atomic.Int32

	mu       sync.Mutex
	task     *Task
	payloads [][]byte
	updated  map[string]any
	finished map[string]any
}

func newFake(id string, j *journal) *fakeConsumer {
	if j == nil {
		j = &journal{}
	}
	return &fakeConsumer{id: id, j: j}
}

func (f *fakeConsumer) Kind() string { return f.kind }

func (f *fakeConsumer) OnRegister(ctx context.Context, t *Task) error {
	if f.registerGate != nil {
		<-f.registerGate
	}
	f.j.add(f.id + ".register")
	f.registers.Add(1)
	if f.registerErr != nil {
		return f.registerErr
	}
	f.mu.Lock()
	f.task = t
	f.mu.Unlock()
	return nil
}

func (f *fakeConsumer) OnUnregister(ctx context.Context) error {
	f.j.add(f.id + ".unregister")
	f.unregisters.Add(1)
	return f.unregisterErr
}

func (f *fakeConsumer) OnEvent(ctx context.Context, payload []byte) {
	if f.eventEntered != nil {
		f.eventEntered <- struct{}{}
	}
	if f.eventGate != nil {
		<-f.eventGate
	}
	f.j.add(f.id + ".event")
	f.events.Add(1)
	f.mu.Lock()
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	t := f.task
	f.mu.Unlock()
	if t != nil {
		t.ExecuteWithData(string(payload))
	}
}

func (f *fakeConsumer) UpdateOptions(ctx context.Context, o map[string]any) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.mu.Lock()
	f.updated = o
	f.mu.Unlock()
	return nil
}

func (f *fakeConsumer) DidFinish(ctx context.Context, response map[string]any) {
	f.mu.Lock()
	f.finished = response
	f.mu.Unlock()
}

type countingColdStarter struct {
	mu   sync.Mutex
	apps []string
}

func (c *countingColdStarter) TriggerColdStart(appID string) {
	c.mu.Lock()
	c.apps = append(c.apps, appID)
	c.mu.Unlock()
}

func (c *countingColdStarter) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.apps...)
}

type fixture struct {
	m     *Manager
	store storage.Store
	bus   eventbus.Bus
	cold  *countingColdStarter
	exec  <-chan eventbus.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory()
	bus := eventbus.New()
	exec, unsub := bus.Subscribe(64, eventbus.TypeTaskExecute)
	t.Cleanup(unsub)
	cold := &countingColdStarter{}
	return &fixture{
		m:     New(store, bus, cold, logx.Nop()),
		store: store,
		bus:   bus,
		cold:  cold,
		exec:  exec,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
