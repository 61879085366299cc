package capability

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/menta2k/visionhub/pkg/types"
)

type entry struct {
	desc Descriptor
	seq  uint64
}

// Registry is the in-memory catalog of capabilities. Mutations are serialized;
// reads run concurrently and always see whole descriptors.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	nextSeq uint64
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a descriptor. It fails with types.ErrDuplicateCapability if
// the id is already present.
func (r *Registry) Register(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[d.ID]; exists {
		return fmt.Errorf("%w: %s", types.ErrDuplicateCapability, d.ID)
	}
	r.entries[d.ID] = entry{desc: d.Clone(), seq: r.nextSeq}
	r.nextSeq++

	slog.Debug("capability registered", "id", d.ID, "tasks", d.Tasks, "backend", d.Backend)
	return nil
}

// Unregister removes a descriptor and reports whether it was present
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

// Get returns the descriptor for id
func (r *Registry) Get(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Descriptor{}, false
	}
	return e.desc.Clone(), true
}

// ListByTask returns every descriptor serving task that matches filter.
// Results come back in registration order.
func (r *Registry) ListByTask(task string, filter *Filter) []Descriptor {
	return r.collect(func(d Descriptor) bool {
		return d.HasTask(task) && filter.Match(d)
	})
}

// List returns all descriptors in registration order
func (r *Registry) List() []Descriptor {
	return r.collect(func(Descriptor) bool { return true })
}

// Len returns the number of registered descriptors
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) collect(keep func(Descriptor) bool) []Descriptor {
	r.mu.RLock()
	matched := make([]entry, 0, len(r.entries))
	for _, e := range r.entries {
		if keep(e.desc) {
			matched = append(matched, entry{desc: e.desc.Clone(), seq: e.seq})
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	out := make([]Descriptor, len(matched))
	for i, e := range matched {
		out[i] = e.desc
	}
	return out
}
