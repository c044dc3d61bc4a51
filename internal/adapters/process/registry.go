package process

import (
	"sort"
	"sync"

	"reelbatch/internal/core/ports"
)

// MemoryRegistry is the in-process ports.WorkerRegistry. Its contents are
// lost when the process exits.
type MemoryRegistry struct {
	mu      sync.Mutex
	workers map[string]ports.WorkerHandle
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{workers: make(map[string]ports.WorkerHandle)}
}

func (r *MemoryRegistry) Claim(jobID string, h ports.WorkerHandle) (ports.WorkerHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.workers[jobID]; ok {
		return current, false
	}
	r.workers[jobID] = h
	return h, true
}

func (r *MemoryRegistry) Lookup(jobID string) (ports.WorkerHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.workers[jobID]
	return h, ok
}

func (r *MemoryRegistry) Release(jobID string, h ports.WorkerHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.workers[jobID]
	if !ok {
		return false
	}
	if h != nil && current != h {
		return false
	}
	delete(r.workers, jobID)
	return true
}

func (r *MemoryRegistry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
