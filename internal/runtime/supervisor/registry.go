package supervisor

import (
	"sort"
	"sync"
)

// Registry maps subsystem names to their supervisors for health reporting.
// Subsystems that restart register their new supervisor under the same name.
type Registry struct {
	mu sync.RWMutex
	m  map[string]func() *Supervisor
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]func() *Supervisor{}}
}

// Track registers a getter so the registry always sees the current
// supervisor of a component that replaces it on restart. A nil getter
// deletes the entry.
func (r *Registry) Track(name string, get func() *Supervisor) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if get == nil {
		delete(r.m, name)
		return
	}
	r.m[name] = get
}

// Snapshot reports every registered subsystem; stopped ones are omitted.
func (r *Registry) Snapshot() map[string]Snapshot {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	names := make([]string, 0, len(r.m))
	for k := range r.m {
		names = append(names, k)
	}
	sort.Strings(names)
	gets := make([]func() *Supervisor, len(names))
	for i, k := range names {
		gets[i] = r.m[k]
	}
	r.mu.RUnlock()

	out := make(map[string]Snapshot, len(names))
	for i, name := range names {
		if sup := gets[i](); sup != nil {
			out[name] = sup.Snapshot()
		}
	}
	return out
}

// Healthy reports whether no registered supervisor recorded an error.
func (r *Registry) Healthy() bool {
	for _, snap := range r.Snapshot() {
		if snap.FirstError != "" {
			return false
		}
	}
	return true
}
