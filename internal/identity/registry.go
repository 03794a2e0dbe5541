package identity

import (
	"runtime"
	"sync"
	"weak"
)

// Registry deduplicates Identity instances by canonical key. Entries are
// weak: the registry never keeps a payload alive, and a cleanup registered
// on each payload prunes its entry once the last owning reference drops.
// One Registry is constructed per process and injected where needed.
type Registry struct {
	mu      sync.Mutex
	entries map[string]weak.Pointer[payload]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]weak.Pointer[payload])}
}

// Identity returns the interned identity for (localUID, remoteUID),
// constructing it on first use. Repeated construction for equal canonical
// pairs is cheap and yields the same shared resolution state.
func (r *Registry) Identity(localUID, remoteUID string) Identity {
	key, minimized, hash := canonicalKey(localUID, remoteUID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if wp, ok := r.entries[key]; ok {
		if p := wp.Value(); p != nil {
			return Identity{p: p}
		}
	}
	p := &payload{
		localUID:  localUID,
		remoteUID: remoteUID,
		minimized: minimized,
		key:       key,
		hash:      hash,
	}
	r.entries[key] = weak.Make(p)
	runtime.AddCleanup(p, r.prune, key)
	return Identity{p: p}
}

// Len returns the number of live registry entries. Test hook.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) prune(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// A fresh payload may have been interned under the key since the dead
	// one was collected; only remove the entry if it is still dead.
	if wp, ok := r.entries[key]; ok && wp.Value() == nil {
		delete(r.entries, key)
	}
}
