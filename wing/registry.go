package wing

import (
	"sort"
	"sync"
)

// registry caches the last known definitions and data of one session.
// Entries are replaced, never mutated, so pointers handed out stay valid
// snapshots after the registry moves on.
type registry struct {
	mu     sync.RWMutex
	defs   map[uint32]*NodeDefinition
	data   map[uint32]*NodeData
	sealed bool
}

func newRegistry() *registry {
	return &registry{
		defs: make(map[uint32]*NodeDefinition),
		data: make(map[uint32]*NodeData),
	}
}

// storeDefinition caches def. It returns false once the registry is sealed.
func (r *registry) storeDefinition(def *NodeDefinition) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return false
	}
	r.defs[def.ID] = def
	return true
}

// mergeData folds d into the cached snapshot for id and returns the new
// snapshot, or nil once the registry is sealed.
func (r *registry) mergeData(id uint32, d NodeData) *NodeData {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return nil
	}

	var merged NodeData
	if prev, ok := r.data[id]; ok {
		merged = prev.Merge(d)
	} else {
		merged = d
	}
	snap := &merged
	r.data[id] = snap
	return snap
}

func (r *registry) definition(id uint32) (*NodeDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

func (r *registry) nodeData(id uint32) (*NodeData, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.data[id]
	return d, ok
}

// definitions returns all cached definitions ordered by parent, then index.
func (r *registry) definitions() []*NodeDefinition {
	r.mu.RLock()
	out := make([]*NodeDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ParentID != out[j].ParentID {
			return out[i].ParentID < out[j].ParentID
		}
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *registry) counts() (defs, data int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs), len(r.data)
}

// seal empties the registry and rejects all later stores.
func (r *registry) seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = make(map[uint32]*NodeDefinition)
	r.data = make(map[uint32]*NodeData)
	r.sealed = true
}
