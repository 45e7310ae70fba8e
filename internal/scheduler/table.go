package scheduler

import "sync"

// Table is a concurrent map with the atomic primitives needed when
// cancellations and completions race on the same key.
type Table[K comparable, V comparable] struct {
	mu sync.Mutex
	m  map[K]V
}

// NewTable creates an empty table.
func NewTable[K comparable, V comparable]() *Table[K, V] {
	return &Table[K, V]{m: make(map[K]V)}
}

// Load returns the value stored under key.
func (t *Table[K, V]) Load(key K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.m[key]
	return v, ok
}

// Store sets the value for key and returns the previous value, if any.
func (t *Table[K, V]) Store(key K, v V) (prev V, replaced bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, replaced = t.m[key]
	t.m[key] = v
	return prev, replaced
}

// LoadOrStore stores v only if key is absent. It returns the value now
// stored and whether it was already present.
func (t *Table[K, V]) LoadOrStore(key K, v V) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.m[key]; ok {
		return existing, true
	}
	t.m[key] = v
	return v, false
}

// ComputeIfPresent calls fn with the current value under the table lock.
// When fn returns keep=false the entry is removed, otherwise it is replaced
// by the returned value. fn must not call back into the table.
func (t *Table[K, V]) ComputeIfPresent(key K, fn func(V) (V, bool)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.m[key]
	if !ok {
		return false
	}
	next, keep := fn(v)
	if keep {
		t.m[key] = next
	} else {
		delete(t.m, key)
	}
	return true
}

// CompareAndDelete removes key only while it still maps to old.
func (t *Table[K, V]) CompareAndDelete(key K, old V) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.m[key]; ok && v == old {
		delete(t.m, key)
		return true
	}
	return false
}

// Delete removes key and returns its value.
func (t *Table[K, V]) Delete(key K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.m[key]
	delete(t.m, key)
	return v, ok
}

// Len returns the number of entries.
func (t *Table[K, V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

// Snapshot returns a copy of the table contents.
func (t *Table[K, V]) Snapshot() map[K]V {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[K]V, len(t.m))
	for k, v := range t.m {
		out[k] = v
	}
	return out
}

// Range calls fn for a snapshot of the entries until fn returns false.
func (t *Table[K, V]) Range(fn func(key K, v V) bool) {
	for k, v := range t.Snapshot() {
		if !fn(k, v) {
			return
		}
	}
}
