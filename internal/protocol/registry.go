package protocol

import (
	"sync"

	"agent-gateway/internal/model"
)

// Link is the registry entry for one linked attribute.
type Link struct {
	AssetID string
	// Attribute is the snapshot taken at link time; pipelines run against
	// it, not against the live attribute.
	Attribute *model.Attribute
	// Payload is the protocol's own link record (subscription, consumer,
	// device handle).
	Payload any
}

// Registry maps attribute references to link entries, plus the set of
// references whose write template uses the dynamic placeholder. A
// reference is in the dynamic set only while it is in the map.
type Registry struct {
	mu      sync.RWMutex
	links   map[model.AttributeRef]*Link
	dynamic map[model.AttributeRef]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		links:   make(map[model.AttributeRef]*Link),
		dynamic: make(map[model.AttributeRef]struct{}),
	}
}

// PutIfAbsent inserts link unless ref is already linked.
func (r *Registry) PutIfAbsent(ref model.AttributeRef, link *Link) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.links[ref]; ok {
		return false
	}
	r.links[ref] = link
	return true
}

// Get returns the link for ref.
func (r *Registry) Get(ref model.AttributeRef) (*Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[ref]
	return l, ok
}

// RemoveIf removes ref, and its dynamic flag, only while it maps to link.
func (r *Registry) RemoveIf(ref model.AttributeRef, link *Link) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.links[ref]; !ok || cur != link {
		return false
	}
	delete(r.links, ref)
	delete(r.dynamic, ref)
	return true
}

// MarkDynamic flags ref as using the dynamic placeholder. It fails when
// ref is not linked.
func (r *Registry) MarkDynamic(ref model.AttributeRef) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.links[ref]; !ok {
		return false
	}
	r.dynamic[ref] = struct{}{}
	return true
}

// IsDynamic reports whether ref was flagged at link time.
func (r *Registry) IsDynamic(ref model.AttributeRef) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.dynamic[ref]
	return ok
}

// Contains reports whether ref is linked.
func (r *Registry) Contains(ref model.AttributeRef) bool {
	_, ok := r.Get(ref)
	return ok
}

// Refs returns the linked references.
func (r *Registry) Refs() []model.AttributeRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]model.AttributeRef, 0, len(r.links))
	for ref := range r.links {
		refs = append(refs, ref)
	}
	return refs
}

// Each calls fn for every link. fn must not modify the registry.
func (r *Registry) Each(fn func(ref model.AttributeRef, link *Link)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for ref, l := range r.links {
		fn(ref, l)
	}
}

// Len returns the number of linked attributes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}

// Clear removes every entry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.links)
	clear(r.dynamic)
}
