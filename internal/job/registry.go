package job

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps job ids to descriptors. Jobs are registered at startup and read concurrently
// afterwards.
type Registry struct {
	mu   sync.RWMutex
	jobs map[uint64]Descriptor
}

// NewRegistry returns a registry holding the given descriptors.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{jobs: map[uint64]Descriptor{}}
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds d. Ids are unique within a registry.
func (r *Registry) Register(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.jobs == nil {
		r.jobs = map[uint64]Descriptor{}
	}
	if existing, ok := r.jobs[d.ID]; ok {
		return fmt.Errorf("job id %d already registered by %s", d.ID, existing.Label())
	}
	params := make([]Param, len(d.Params))
	copy(params, d.Params)
	d.Params = params
	r.jobs[d.ID] = d
	return nil
}

// Lookup returns the descriptor registered under id.
func (r *Registry) Lookup(id uint64) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.jobs[id]
	return d, ok
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint64, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
