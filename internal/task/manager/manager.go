// Package manager owns the task registry: registration, unregistration,
// snapshot persistence, execution records and routing of external events.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"unicode/utf8"

	"taskrelay/internal/eventbus"
	"taskrelay/internal/storage"
	"taskrelay/pkg/logx"
)

// Manager is the single owner of a Registry. One Manager per process.
type Manager struct {
	reg   *Registry
	store storage.Store
	bus   eventbus.Bus
	cold  ColdStarter
	log   logx.Logger

	// ctlMu guards ctl. Each app has its own control mutex serializing
	// Register/Unregister/SetOptions so the persisted snapshot always
	// matches the registry.
	ctlMu sync.Mutex
	ctl   map[string]*sync.Mutex
}

// New builds a Manager. store and cold may be nil: without a store nothing is
// persisted, without a cold starter unknown-task events are only logged.
func New(store storage.Store, bus eventbus.Bus, cold ColdStarter, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	return &Manager{
		reg:   NewRegistry(),
		store: store,
		bus:   bus,
		cold:  cold,
		log:   log.With(logx.String("comp", "manager")),
		ctl:   map[string]*sync.Mutex{},
	}
}

// SetColdStarter replaces the cold-start collaborator. It must be called
// before events are routed.
func (m *Manager) SetColdStarter(c ColdStarter) { m.cold = c }

func (m *Manager) Registry() *Registry { return m.reg }
func (m *Manager) Bus() eventbus.Bus   { return m.bus }

func (m *Manager) control(appID string) *sync.Mutex {
	m.ctlMu.Lock()
	defer m.ctlMu.Unlock()
	mu := m.ctl[appID]
	if mu == nil {
		mu = &sync.Mutex{}
		m.ctl[appID] = mu
	}
	return mu
}

// Scope returns the task API for one application.
func (m *Manager) Scope(appID string) *Scope {
	return &Scope{m: m, appID: appID}
}

// Apps lists the applications with live tasks.
func (m *Manager) Apps() []string { return m.reg.Apps() }

// CreateCallbackIdentifier returns the stable identifier for t.
func (m *Manager) CreateCallbackIdentifier(t *Task) string { return t.Identifier() }

// ExecuteWithData publishes {taskName, data}. It never blocks on delivery.
func (m *Manager) ExecuteWithData(t *Task, data any) {
	m.bus.Publish(eventbus.Event{
		Type: eventbus.TypeTaskExecute,
		Data: eventbus.TaskExecution{AppID: t.appID, TaskName: t.name, Data: data},
	})
}

// ExecuteWithError publishes {taskName, error{code,message}}.
func (m *Manager) ExecuteWithError(t *Task, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	m.bus.Publish(eventbus.Event{
		Type: eventbus.TypeTaskExecute,
		Data: eventbus.TaskExecution{
			AppID:    t.appID,
			TaskName: t.name,
			Error:    &eventbus.TaskError{Code: ErrorCode(err), Message: err.Error()},
		},
	})
}

// RestoredState reads the persisted snapshot for appID. A missing snapshot
// yields an empty Snapshot.
func (m *Manager) RestoredState(ctx context.Context, appID string) (Snapshot, error) {
	if m.store == nil {
		return Snapshot{}, nil
	}
	b, ok, err := m.store.Get(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %q: %w", appID, err)
	}
	if !ok {
		return Snapshot{}, nil
	}
	return DecodeSnapshot(b)
}

// PersistedApps lists application ids that have a persisted snapshot.
func (m *Manager) PersistedApps(ctx context.Context) ([]string, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.Keys(ctx)
}

// Restore re-registers every task in appID's snapshot that is not already
// live, building consumers through f. It returns how many tasks were
// registered; per-task failures are joined into the error.
func (m *Manager) Restore(ctx context.Context, appID string, f Factory) (int, error) {
	snap, err := m.RestoredState(ctx, appID)
	if err != nil {
		return 0, err
	}
	s := m.Scope(appID)
	var errs []error
	n := 0
	for _, name := range snap.Names() {
		if s.HasTask(name) {
			continue
		}
		e := snap[name]
		c, err := f.New(e.ConsumerKind, e.Options)
		if err != nil {
			errs = append(errs, fmt.Errorf("restore %q: %w", name, err))
			continue
		}
		if err := s.Register(ctx, name, c, e.Options); err != nil {
			errs = append(errs, fmt.Errorf("restore %q: %w", name, err))
			continue
		}
		n++
	}
	m.log.Info("tasks restored", logx.String("app", appID), logx.Int("restored", n), logx.Int("persisted", len(snap)), logx.Int("failed", len(errs)))
	return n, errors.Join(errs...)
}

// persist writes the app's current registry view. Caller holds the app's control mutex.
func (m *Manager) persist(ctx context.Context, appID string) error {
	if m.store == nil {
		return nil
	}
	tasks := m.reg.Tasks(appID)
	if len(tasks) == 0 {
		if err := m.store.Delete(ctx, appID); err != nil {
			return fmt.Errorf("persist snapshot %q: %w", appID, err)
		}
		return nil
	}
	b, err := encodeSnapshot(tasks)
	if err != nil {
		return fmt.Errorf("persist snapshot %q: %w", appID, err)
	}
	if err := m.store.Put(ctx, appID, b); err != nil {
		return fmt.Errorf("persist snapshot %q: %w", appID, err)
	}
	return nil
}

func (m *Manager) publishLifecycle(typ string, t *Task) {
	m.bus.Publish(eventbus.Event{
		Type: typ,
		Data: eventbus.TaskLifecycle{AppID: t.appID, TaskName: t.name, ConsumerKind: KindOf(t.consumer)},
	})
}

// Scope is the task API bound to one application id.
type Scope struct {
	m     *Manager
	appID string
}

func (s *Scope) AppID() string { return s.appID }

// Register creates a task and starts its consumer. An existing task with
// the same name is unregistered first. If OnRegister fails the task is
// removed again and the error is returned.
func (s *Scope) Register(ctx context.Context, name string, c Consumer, options map[string]any) error {
	if strings.TrimSpace(s.appID) == "" || !utf8.ValidString(s.appID) {
		return ErrInvalidAppID
	}
	if name == "" || !utf8.ValidString(name) {
		return ErrInvalidTaskName
	}
	if c == nil {
		return ErrNilConsumer
	}
	if err := checkOptions(options); err != nil {
		return fmt.Errorf("register %q: %w", name, err)
	}

	m := s.m
	mu := m.control(s.appID)
	mu.Lock()
	defer mu.Unlock()

	log := m.log.With(logx.String("app", s.appID), logx.String("task", name))

	t := newTask(m, s.appID, name, c, options)
	prev := m.reg.Put(t)
	if err := m.persist(ctx, s.appID); err != nil {
		log.Warn("snapshot persist failed", logx.Err(err))
	}

	if prev != nil {
		prev.retire()
		if err := prev.consumer.OnUnregister(ctx); err != nil {
			log.Warn("previous consumer stop failed", logx.Err(err))
		}
		m.publishLifecycle(eventbus.TypeTaskUnregistered, prev)
		log.Debug("previous task replaced")
	}

	if err := c.OnRegister(ctx, t); err != nil {
		t.abort()
		m.reg.Remove(t)
		if perr := m.persist(ctx, s.appID); perr != nil {
			log.Warn("snapshot persist failed after rollback", logx.Err(perr))
		}
		if !classified(err) {
			err = fmt.Errorf("%w: %w", ErrConsumerStartFailed, err)
		}
		log.Warn("task register failed", logx.Err(err))
		return fmt.Errorf("register %q: %w", name, err)
	}

	t.activate()
	m.publishLifecycle(eventbus.TypeTaskRegistered, t)
	log.Info("task registered", logx.String("kind", KindOf(c)))
	return nil
}

// Unregister removes the task and stops its consumer. Unknown names are a
// no-op. A stop failure is returned but the task stays removed.
func (s *Scope) Unregister(ctx context.Context, name string) error {
	m := s.m
	mu := m.control(s.appID)
	mu.Lock()
	defer mu.Unlock()
	return s.unregisterLocked(ctx, name)
}

func (s *Scope) unregisterLocked(ctx context.Context, name string) error {
	m := s.m
	t, ok := m.reg.Get(s.appID, name)
	if !ok {
		return nil
	}
	log := m.log.With(logx.String("app", s.appID), logx.String("task", name))

	m.reg.Remove(t)
	perr := m.persist(ctx, s.appID)
	if perr != nil {
		log.Warn("snapshot persist failed", logx.Err(perr))
	}

	t.retire()
	m.publishLifecycle(eventbus.TypeTaskUnregistered, t)
	if err := t.consumer.OnUnregister(ctx); err != nil {
		if !classified(err) {
			err = fmt.Errorf("%w: %w", ErrConsumerStopFailed, err)
		}
		log.Warn("task unregister: consumer stop failed", logx.Err(err))
		return fmt.Errorf("unregister %q: %w", name, err)
	}
	log.Info("task unregistered")
	return nil
}

// UnregisterAll unregisters every task of the scope and joins stop failures.
func (s *Scope) UnregisterAll(ctx context.Context) error {
	mu := s.m.control(s.appID)
	mu.Lock()
	defer mu.Unlock()

	var errs []error
	for _, t := range s.m.reg.Tasks(s.appID) {
		if err := s.unregisterLocked(ctx, t.name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetOptions replaces a task's options and persists them. Consumers that
// implement OptionsUpdater apply the change first; if they reject it the
// task keeps its previous options.
func (s *Scope) SetOptions(ctx context.Context, name string, options map[string]any) error {
	if err := checkOptions(options); err != nil {
		return fmt.Errorf("set options %q: %w", name, err)
	}

	m := s.m
	mu := m.control(s.appID)
	mu.Lock()
	defer mu.Unlock()

	t, ok := m.reg.Get(s.appID, name)
	if !ok || t.State() != StateActive {
		return fmt.Errorf("set options %q: %w", name, ErrTaskNotFound)
	}
	next := maps.Clone(options)
	if next == nil {
		next = map[string]any{}
	}
	if u, ok := t.consumer.(OptionsUpdater); ok {
		if err := u.UpdateOptions(ctx, maps.Clone(next)); err != nil {
			return fmt.Errorf("set options %q: %w", name, err)
		}
	}
	t.setOptions(next)
	if err := m.persist(ctx, s.appID); err != nil {
		return err
	}
	return nil
}

// checkOptions rejects options the snapshot encoder would fail on.
func checkOptions(options map[string]any) error {
	if _, err := json.Marshal(options); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return nil
}

// Task returns the active task with the given name.
func (s *Scope) Task(name string) (*Task, bool) {
	t, ok := s.m.reg.Get(s.appID, name)
	if !ok || t.State() != StateActive {
		return nil, false
	}
	return t, true
}

// Tasks lists the scope's active tasks sorted by name.
func (s *Scope) Tasks() []Info {
	var out []Info
	for _, t := range s.m.reg.Tasks(s.appID) {
		if t.State() == StateActive {
			out = append(out, t.Info())
		}
	}
	return out
}

func (s *Scope) HasTask(name string) bool {
	_, ok := s.Task(name)
	return ok
}

// TaskHasConsumerOfKind reports whether the named task's consumer is of kind.
func (s *Scope) TaskHasConsumerOfKind(name, kind string) bool {
	t, ok := s.Task(name)
	return ok && KindOf(t.consumer) == kind
}

// NotifyTaskFinished records that the application finished handling a run
// of the named task.
func (s *Scope) NotifyTaskFinished(ctx context.Context, name string, response map[string]any) error {
	t, ok := s.Task(name)
	if !ok {
		return fmt.Errorf("notify finished %q: %w", name, ErrTaskNotFound)
	}
	if f, ok := t.consumer.(Finisher); ok {
		f.DidFinish(ctx, response)
	}
	s.m.bus.Publish(eventbus.Event{
		Type: eventbus.TypeTaskFinished,
		Data: eventbus.TaskFinished{AppID: s.appID, TaskName: name, Response: response},
	})
	return nil
}
