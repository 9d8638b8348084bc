package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"taskrelay/internal/eventbus"
	"taskrelay/internal/storage"
	"taskrelay/internal/task/manager"
	"taskrelay/pkg/logx"
)

type fakeHost struct {
	mu    sync.Mutex
	perms map[Permission]bool

	locReqs    map[string]LocationRequest
	locRemoved []string
	fences     map[string][]Region
	fetches    map[string]FetchRequest
	startErr   error
	// updateErr fails AddGeofences and ScheduleFetch.
	updateErr error
}

func newFakeHost(perms ...Permission) *fakeHost {
	h := &fakeHost{
		perms:   map[Permission]bool{},
		locReqs: map[string]LocationRequest{},
		fences:  map[string][]Region{},
		fetches: map[string]FetchRequest{},
	}
	for _, p := range perms {
		h.perms[p] = true
	}
	return h
}

func (h *fakeHost) HasPermission(p Permission) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.perms[p]
}
func (h *fakeHost) Location() LocationClient     { return h }
func (h *fakeHost) Geofencing() GeofencingClient { return h }
func (h *fakeHost) Fetch() FetchClient           { return h }

func (h *fakeHost) RequestLocationUpdates(_ context.Context, req LocationRequest, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.startErr != nil {
		return h.startErr
	}
	h.locReqs[id] = req
	return nil
}

func (h *fakeHost) RemoveLocationUpdates(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.locReqs, id)
	h.locRemoved = append(h.locRemoved, id)
	return nil
}

func (h *fakeHost) AddGeofences(_ context.Context, regions []Region, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.updateErr != nil {
		return h.updateErr
	}
	h.fences[id] = regions
	return nil
}

func (h *fakeHost) RemoveGeofences(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.fences, id)
	return nil
}

func (h *fakeHost) ScheduleFetch(_ context.Context, req FetchRequest, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.updateErr != nil {
		return h.updateErr
	}
	h.fetches[id] = req
	return nil
}

func (h *fakeHost) CancelFetch(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.fetches, id)
	return nil
}

type env struct {
	m    *manager.Manager
	host *fakeHost
	ref  *HostRef
	exec <-chan eventbus.Event
}

func newEnv(t *testing.T, perms ...Permission) *env {
	t.Helper()
	bus := eventbus.New()
	exec, unsub := bus.Subscribe(32, eventbus.TypeTaskExecute)
	t.Cleanup(unsub)
	h := newFakeHost(perms...)
	return &env{
		m:    manager.New(storage.NewMemory(), bus, nil, logx.Nop()),
		host: h,
		ref:  NewHostRef(h),
		exec: exec,
	}
}

func (e *env) next(t *testing.T) eventbus.TaskExecution {
	t.Helper()
	select {
	case ev := <-e.exec:
		return ev.Data.(eventbus.TaskExecution)
	case <-time.After(time.Second):
		t.Fatalf("no task execution published")
		return eventbus.TaskExecution{}
	}
}

func (e *env) none(t *testing.T) {
	t.Helper()
	select {
	case ev := <-e.exec:
		t.Fatalf("unexpected execution %+v", ev.Data)
	default:
	}
}

func TestLocationBatchDeliveredAsOneExecution(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, PermissionLocationBackground)
	opts := map[string]any{"interval": 10000}

	c, err := NewFactory(e.ref).New(KindPeriodicLocation, opts)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	s := e.m.Scope("app")
	if err := s.Register(ctx, "bg-location", c, opts); err != nil {
		t.Fatalf("Register: %v", err)
	}
	task, _ := s.Task("bg-location")

	fixes := []Location{
		{Coords: Coords{Latitude: 1, Longitude: 1}, Timestamp: 1000},
		{Coords: Coords{Latitude: 2, Longitude: 2}, Timestamp: 2000},
		{Coords: Coords{Latitude: 3, Longitude: 3}, Timestamp: 3000},
	}
	payload, _ := json.Marshal(LocationBatch{Locations: fixes})
	e.m.HandleExternalEvent(ctx, task.Identifier(), payload)

	rec := e.next(t)
	if rec.TaskName != "bg-location" || rec.Error != nil {
		t.Fatalf("record=%+v", rec)
	}
	batch, ok := rec.Data.(LocationBatch)
	if !ok {
		t.Fatalf("data type %T", rec.Data)
	}
	if !reflect.DeepEqual(batch.Locations, fixes) {
		t.Fatalf("locations=%+v want %+v", batch.Locations, fixes)
	}
	e.none(t)
}

func TestLocationRequestFromOptions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		opts map[string]any
		want LocationRequest
	}{
		{
			name: "defaults",
			opts: nil,
			want: LocationRequest{Interval: 10 * time.Second, FastestInterval: 5 * time.Second, MaxWait: 30 * time.Second, Priority: PriorityHighAccuracy},
		},
		{
			name: "custom",
			opts: map[string]any{"interval": 60000, "fastestInterval": 20000, "maxWait": 120000, "accuracy": "balanced", "distanceInterval": 25},
			want: LocationRequest{Interval: time.Minute, FastestInterval: 20 * time.Second, MaxWait: 2 * time.Minute, Priority: PriorityBalanced, DistanceInterval: 25},
		},
		{
			name: "fastest clamped to interval",
			opts: map[string]any{"interval": 2000},
			want: LocationRequest{Interval: 2 * time.Second, FastestInterval: 2 * time.Second, MaxWait: 30 * time.Second, Priority: PriorityHighAccuracy},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, err := NewLocationFromOptions(nil, tc.opts)
			if err != nil {
				t.Fatalf("NewLocationFromOptions: %v", err)
			}
			if got := c.Request(); got != tc.want {
				t.Fatalf("request=%+v want %+v", got, tc.want)
			}
		})
	}
}

func TestInvalidOptions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		kind string
		opts map[string]any
	}{
		{"negative interval", KindPeriodicLocation, map[string]any{"interval": -1}},
		{"bad accuracy", KindPeriodicLocation, map[string]any{"accuracy": "extreme"}},
		{"wrong type", KindPeriodicLocation, map[string]any{"interval": "soon"}},
		{"no regions", KindGeofence, nil},
		{"bad latitude", KindGeofence, map[string]any{"regions": []any{map[string]any{"identifier": "r", "latitude": 91, "longitude": 0, "radius": 10}}}},
		{"zero radius", KindGeofence, map[string]any{"regions": []any{map[string]any{"identifier": "r", "radius": 0}}}},
		{"negative fetch interval", KindGeneric, map[string]any{"minimumInterval": -5}},
	}
	f := NewFactory(nil)
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := f.New(tc.kind, tc.opts)
			if !errors.Is(err, ErrInvalidOptions) {
				t.Fatalf("err=%v want ErrInvalidOptions", err)
			}
		})
	}
	if _, err := f.New("teleport", nil); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("unknown kind err=%v", err)
	}
}

func TestRegisterWithoutPermission(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t) // nothing granted
	s := e.m.Scope("app")

	err := s.Register(ctx, "bg-location", NewLocation(e.ref, LocationOptions{}.Request()), nil)
	if !errors.Is(err, manager.ErrPermissionDenied) {
		t.Fatalf("err=%v want ErrPermissionDenied", err)
	}
	if s.HasTask("bg-location") {
		t.Fatalf("task should be absent")
	}
	if len(e.host.locReqs) != 0 {
		t.Fatalf("no subscription expected")
	}
}

func TestRegisterWithReleasedHost(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, PermissionLocationBackground, PermissionBackgroundFetch)
	e.ref.Release()
	s := e.m.Scope("app")

	consumers := map[string]manager.Consumer{
		"loc":   NewLocation(e.ref, LocationOptions{}.Request()),
		"geo":   NewGeofence(e.ref, []Region{{Identifier: "home", Radius: 10}}),
		"fetch": NewFetch(e.ref, FetchOptions{}.Request()),
	}
	for name, c := range consumers {
		if err := s.Register(ctx, name, c, nil); !errors.Is(err, manager.ErrContextUnavailable) {
			t.Fatalf("%s: err=%v want ErrContextUnavailable", name, err)
		}
	}
	if n := len(s.Tasks()); n != 0 {
		t.Fatalf("tasks=%d want 0", n)
	}
}

func TestOnRegisterReentrantAndUnregisterSafe(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, PermissionLocationBackground)
	c := NewLocation(e.ref, LocationOptions{}.Request())

	// Never registered: stop is a no-op.
	if err := c.OnUnregister(ctx); err != nil {
		t.Fatalf("OnUnregister before register: %v", err)
	}

	s := e.m.Scope("app")
	if err := s.Register(ctx, "loc", c, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	task, _ := s.Task("loc")
	e.host.startErr = errors.New("should not be called again")
	if err := c.OnRegister(ctx, task); err != nil {
		t.Fatalf("second OnRegister should be a no-op, got %v", err)
	}
	if len(e.host.locReqs) != 1 {
		t.Fatalf("subscriptions=%d want 1", len(e.host.locReqs))
	}

	if err := s.Unregister(ctx, "loc"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if err := c.OnUnregister(ctx); err != nil {
		t.Fatalf("OnUnregister after stop: %v", err)
	}
	if got := e.host.locRemoved; len(got) != 1 || got[0] != task.Identifier() {
		t.Fatalf("removed=%v", got)
	}
}

func TestLocationMalformedPayloadForwardsError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, PermissionLocationBackground)
	s := e.m.Scope("app")
	if err := s.Register(ctx, "loc", NewLocation(e.ref, LocationOptions{}.Request()), nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	task, _ := s.Task("loc")

	e.m.HandleExternalEvent(ctx, task.Identifier(), []byte("{broken"))
	rec := e.next(t)
	if rec.Error == nil || rec.Data != nil {
		t.Fatalf("record=%+v want error", rec)
	}
}

func TestLocationEmptyBatchStillExecutes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		payload string
	}{
		{"empty list", `{"locations":[]}`},
		{"no list", `{}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			e := newEnv(t, PermissionLocationBackground)
			s := e.m.Scope("app")
			if err := s.Register(ctx, "loc", NewLocation(e.ref, LocationOptions{}.Request()), nil); err != nil {
				t.Fatalf("Register: %v", err)
			}
			task, _ := s.Task("loc")

			e.m.HandleExternalEvent(ctx, task.Identifier(), []byte(tc.payload))
			rec := e.next(t)
			if rec.Error != nil {
				t.Fatalf("record error=%v", rec.Error)
			}
			batch, ok := rec.Data.(LocationBatch)
			if !ok {
				t.Fatalf("data type %T", rec.Data)
			}
			if batch.Locations == nil || len(batch.Locations) != 0 {
				t.Fatalf("locations=%#v want empty non-nil", batch.Locations)
			}
			e.none(t)
		})
	}
}

func TestUnregisterRetriesAfterHostReturns(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		perm    Permission
		newC    func(*HostRef) manager.Consumer
		removed func(h *fakeHost, id string) bool
	}{
		{
			name: "location",
			perm: PermissionLocationBackground,
			newC: func(r *HostRef) manager.Consumer { return NewLocation(r, LocationOptions{}.Request()) },
			removed: func(h *fakeHost, id string) bool {
				_, ok := h.locReqs[id]
				return !ok
			},
		},
		{
			name: "geofence",
			perm: PermissionLocationBackground,
			newC: func(r *HostRef) manager.Consumer { return NewGeofence(r, []Region{{Identifier: "home", Radius: 10}}) },
			removed: func(h *fakeHost, id string) bool {
				_, ok := h.fences[id]
				return !ok
			},
		},
		{
			name: "fetch",
			perm: PermissionBackgroundFetch,
			newC: func(r *HostRef) manager.Consumer { return NewFetch(r, FetchOptions{}.Request()) },
			removed: func(h *fakeHost, id string) bool {
				_, ok := h.fetches[id]
				return !ok
			},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			e := newEnv(t, tc.perm)
			s := e.m.Scope("app")
			c := tc.newC(e.ref)
			if err := s.Register(ctx, "task", c, nil); err != nil {
				t.Fatalf("Register: %v", err)
			}
			task, _ := s.Task("task")
			id := task.Identifier()

			e.ref.Release()
			if err := s.Unregister(ctx, "task"); !errors.Is(err, manager.ErrContextUnavailable) {
				t.Fatalf("err=%v want ErrContextUnavailable", err)
			}
			if tc.removed(e.host, id) {
				t.Fatalf("subscription removed without a host")
			}

			e.ref.Set(e.host)
			if err := c.OnUnregister(ctx); err != nil {
				t.Fatalf("retry OnUnregister: %v", err)
			}
			if !tc.removed(e.host, id) {
				t.Fatalf("subscription still present after retry")
			}
		})
	}
}

func TestUpdateOptionsRejectedKeepsSubscription(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		perm    Permission
		newC    func(*HostRef) manager.Consumer
		opts    map[string]any
		update  map[string]any
		current func(h *fakeHost, id string) string
		want    string
	}{
		{
			name:   "geofence",
			perm:   PermissionLocationBackground,
			newC:   func(r *HostRef) manager.Consumer { return NewGeofence(r, []Region{{Identifier: "a", Radius: 1}}) },
			opts:   map[string]any{"regions": []any{map[string]any{"identifier": "a", "radius": 1}}},
			update: map[string]any{"regions": []any{map[string]any{"identifier": "b", "radius": 5}}},
			current: func(h *fakeHost, id string) string {
				if r := h.fences[id]; len(r) == 1 {
					return r[0].Identifier
				}
				return ""
			},
			want: "a",
		},
		{
			name:   "fetch",
			perm:   PermissionBackgroundFetch,
			newC:   func(r *HostRef) manager.Consumer { return NewFetch(r, FetchOptions{MinimumInterval: 600}.Request()) },
			opts:   map[string]any{"minimumInterval": 600},
			update: map[string]any{"minimumInterval": 60},
			current: func(h *fakeHost, id string) string {
				if r, ok := h.fetches[id]; ok {
					return r.MinimumInterval.String()
				}
				return ""
			},
			want: "10m0s",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			e := newEnv(t, tc.perm)
			s := e.m.Scope("app")
			if err := s.Register(ctx, "task", tc.newC(e.ref), tc.opts); err != nil {
				t.Fatalf("Register: %v", err)
			}
			task, _ := s.Task("task")

			fail := errors.New("facility rejected")
			e.host.mu.Lock()
			e.host.updateErr = fail
			e.host.mu.Unlock()
			if err := s.SetOptions(ctx, "task", tc.update); !errors.Is(err, fail) {
				t.Fatalf("err=%v want %v", err, fail)
			}
			if got := tc.current(e.host, task.Identifier()); got != tc.want {
				t.Fatalf("subscription=%q want %q", got, tc.want)
			}
			live, _ := s.Task("task")
			if !reflect.DeepEqual(live.Options(), tc.opts) {
				t.Fatalf("options=%v want %v", live.Options(), tc.opts)
			}
		})
	}
}

func TestGeofenceTransitions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, PermissionLocationBackground)
	no := false
	regions := []Region{
		{Identifier: "home", Latitude: 52.1, Longitude: 4.3, Radius: 100},
		{Identifier: "work", Latitude: 52.2, Longitude: 4.4, Radius: 50, NotifyOnExit: &no},
	}
	s := e.m.Scope("app")
	if err := s.Register(ctx, "geo", NewGeofence(e.ref, regions), nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	task, _ := s.Task("geo")
	if got := e.host.fences[task.Identifier()]; len(got) != 2 {
		t.Fatalf("fences=%v", got)
	}

	send := func(tr Transition, id string) {
		b, _ := json.Marshal(GeofenceEvent{EventType: tr, Region: Region{Identifier: id}})
		e.m.HandleExternalEvent(ctx, task.Identifier(), b)
	}

	send(TransitionEnter, "home")
	rec := e.next(t)
	ev := rec.Data.(GeofenceEvent)
	if ev.EventType != TransitionEnter || ev.Region.Identifier != "home" || ev.Region.Radius != 100 {
		t.Fatalf("event=%+v", ev)
	}

	send(TransitionExit, "work")  // opted out
	send(TransitionEnter, "mars") // not monitored
	e.none(t)
}

func TestGeofenceUpdateOptions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, PermissionLocationBackground)
	s := e.m.Scope("app")
	if err := s.Register(ctx, "geo", NewGeofence(e.ref, []Region{{Identifier: "a", Radius: 1}}), nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	task, _ := s.Task("geo")

	newOpts := map[string]any{"regions": []any{map[string]any{"identifier": "b", "radius": 5}}}
	if err := s.SetOptions(ctx, "geo", newOpts); err != nil {
		t.Fatalf("SetOptions: %v", err)
	}
	got := e.host.fences[task.Identifier()]
	if len(got) != 1 || got[0].Identifier != "b" {
		t.Fatalf("fences after update=%+v", got)
	}
}

func TestFetchLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, PermissionBackgroundFetch)
	c, err := NewFetchFromOptions(e.ref, map[string]any{"minimumInterval": 600})
	if err != nil {
		t.Fatalf("NewFetchFromOptions: %v", err)
	}
	s := e.m.Scope("app")
	if err := s.Register(ctx, "sync", c, map[string]any{"minimumInterval": 600}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	task, _ := s.Task("sync")
	if got := e.host.fetches[task.Identifier()].MinimumInterval; got != 10*time.Minute {
		t.Fatalf("scheduled interval=%v want 10m", got)
	}
	if !s.TaskHasConsumerOfKind("sync", KindGeneric) {
		t.Fatalf("fetch consumer should be generic")
	}

	e.m.HandleExternalEvent(ctx, task.Identifier(), []byte(`{"firedAt":1700000000000}`))
	if rec := e.next(t); rec.Data.(FetchEvent).FiredAt != 1700000000000 {
		t.Fatalf("record=%+v", rec)
	}
	e.m.HandleExternalEvent(ctx, task.Identifier(), nil)
	if rec := e.next(t); rec.Data.(FetchEvent).FiredAt != 0 {
		t.Fatalf("empty payload record=%+v", rec)
	}

	if err := s.SetOptions(ctx, "sync", map[string]any{"minimumInterval": 60}); err != nil {
		t.Fatalf("SetOptions: %v", err)
	}
	if got := e.host.fetches[task.Identifier()].MinimumInterval; got != time.Minute {
		t.Fatalf("rescheduled interval=%v want 1m", got)
	}

	if err := s.NotifyTaskFinished(ctx, "sync", map[string]any{"result": "newData"}); err != nil {
		t.Fatalf("NotifyTaskFinished: %v", err)
	}
	if got := c.LastResult(); got != FetchNewData {
		t.Fatalf("last result=%q", got)
	}

	if err := s.Unregister(ctx, "sync"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if len(e.host.fetches) != 0 {
		t.Fatalf("fetch should be cancelled")
	}
}

func TestFactoryRestoresAfterColdStart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	h := newFakeHost(PermissionLocationBackground, PermissionBackgroundFetch)
	ref := NewHostRef(h)

	first := manager.New(store, nil, nil, logx.Nop())
	s := first.Scope("app")
	opts := map[string]any{"interval": 20000}
	loc, _ := NewLocationFromOptions(ref, opts)
	if err := s.Register(ctx, "loc", loc, opts); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register(ctx, "sync", NewFetch(ref, FetchOptions{}.Request()), nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Fresh process: empty registry, same store.
	second := manager.New(store, nil, nil, logx.Nop())
	n, err := second.Restore(ctx, "app", NewFactory(ref))
	if err != nil || n != 2 {
		t.Fatalf("Restore n=%d err=%v", n, err)
	}
	task, ok := second.Scope("app").Task("loc")
	if !ok {
		t.Fatalf("loc not restored")
	}
	restored := task.Consumer().(*LocationConsumer)
	if got := restored.Request().Interval; got != 20*time.Second {
		t.Fatalf("restored interval=%v want 20s", got)
	}
}
