// Package dict interns strings to dense positive integer ids. Ids start at 1
// and are never reused; 0 means "absent".
package dict

import "sync"

// Dict is a bidirectional string/id dictionary safe for concurrent use. Term
// dictionaries are shared by every user's indices, so first-time lookups from
// different goroutines race to insert; the write lock makes insert-if-absent
// atomic.
type Dict struct {
	mu    sync.RWMutex
	names []string
	ids   map[string]int
}

func New() *Dict {
	return &Dict{ids: make(map[string]int)}
}

// ID returns the id of name. When name is unknown it is added if insert is
// true, otherwise 0 is returned.
func (d *Dict) ID(name string, insert bool) int {
	d.mu.RLock()
	id, ok := d.ids[name]
	d.mu.RUnlock()
	if ok || !insert {
		return id
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.ids[name]; ok {
		return id
	}
	d.names = append(d.names, name)
	id = len(d.names)
	d.ids[name] = id
	return id
}

// Name returns the string for id, or "" when id was never assigned.
func (d *Dict) Name(id int) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id < 1 || id > len(d.names) {
		return ""
	}
	return d.names[id-1]
}

func (d *Dict) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.names)
}

// Clear forgets every name. Ids handed out before are invalid afterwards.
func (d *Dict) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.names = nil
	d.ids = make(map[string]int)
}
