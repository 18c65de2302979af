package headapi

import (
	"sync"
	"time"

	"github.com/BaSui01/webai/internal/config"
	"github.com/BaSui01/webai/internal/tasktypes"
)

// Registry is the head's in-memory view of its configured nodes. Node
// membership comes from config (HEAD_NODES) and never changes at runtime;
// only liveness fields (LastSeen, LastError) are mutated.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*tasktypes.NodeDescriptor
	order []string
}

// NewRegistry builds a Registry from the configured node list.
func NewRegistry(specs []config.HeadNodeSpec) *Registry {
	r := &Registry{nodes: make(map[string]*tasktypes.NodeDescriptor, len(specs))}
	for _, spec := range specs {
		r.nodes[spec.ID] = &tasktypes.NodeDescriptor{
			ID: spec.ID, Name: spec.ID, BaseURL: spec.URL, Enabled: true,
		}
		r.order = append(r.order, spec.ID)
	}
	return r
}

// Get returns the descriptor for id, and whether it exists.
func (r *Registry) Get(id string) (*tasktypes.NodeDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, false
	}
	cp := *n
	return &cp, true
}

// List returns every registered node in configured order.
func (r *Registry) List() []*tasktypes.NodeDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*tasktypes.NodeDescriptor, 0, len(r.order))
	for _, id := range r.order {
		cp := *r.nodes[id]
		out = append(out, &cp)
	}
	return out
}

// MarkResult records the outcome of the most recent call to a node.
func (r *Registry) MarkResult(id string, callErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return
	}
	now := time.Now().UTC()
	n.LastSeen = &now
	if callErr != nil {
		n.LastError = callErr.Error()
	} else {
		n.LastError = ""
	}
}
