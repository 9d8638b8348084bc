package manager

import (
	"sort"
	"sync"
)

// Registry maps appID -> taskName -> Task. The lock guards only the maps;
// it is never held while consumer code runs.
type Registry struct {
	mu   sync.RWMutex
	apps map[string]map[string]*Task
}

func NewRegistry() *Registry {
	return &Registry{apps: map[string]map[string]*Task{}}
}

func (r *Registry) Get(appID, name string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.apps[appID][name]
	return t, ok
}

// Put inserts t and returns the task it replaced, if any.
func (r *Registry) Put(t *Task) (prev *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tasks := r.apps[t.appID]
	if tasks == nil {
		tasks = map[string]*Task{}
		r.apps[t.appID] = tasks
	}
	prev = tasks[t.name]
	tasks[t.name] = t
	return prev
}

// Remove deletes t only if it is still the registered task for its name.
// The per-app map is dropped once empty.
func (r *Registry) Remove(t *Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	tasks := r.apps[t.appID]
	if tasks[t.name] != t {
		return false
	}
	delete(tasks, t.name)
	if len(tasks) == 0 {
		delete(r.apps, t.appID)
	}
	return true
}

// Tasks returns the app's tasks sorted by name.
func (r *Registry) Tasks(appID string) []*Task {
	r.mu.RLock()
	out := make([]*Task, 0, len(r.apps[appID]))
	for _, t := range r.apps[appID] {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Apps returns the app ids that currently have at least one task.
func (r *Registry) Apps() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.apps))
	for id := range r.apps {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len reports the number of tasks across all apps.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, tasks := range r.apps {
		n += len(tasks)
	}
	return n
}
