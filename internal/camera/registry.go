package camera

import (
	"sync"
)

// Registry is the shared device inventory. Reads return copies so callers can
// iterate while other goroutines register or update records.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Register inserts rec unless its key is already known. It reports whether
// the record was inserted; an existing record is left untouched.
func (r *Registry) Register(rec Record) bool {
	if rec.Key == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[rec.Key]; exists {
		return false
	}
	stored := rec.Clone()
	r.records[rec.Key] = &stored
	r.order = append(r.order, rec.Key)
	return true
}

// Put inserts or replaces a record.
func (r *Registry) Put(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[rec.Key]; !exists {
		r.order = append(r.order, rec.Key)
	}
	stored := rec.Clone()
	r.records[rec.Key] = &stored
}

// Get returns a copy of the record stored under key.
func (r *Registry) Get(key string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[key]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// FindByHost returns the first record registered for host.
func (r *Registry) FindByHost(host string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, key := range r.order {
		if rec := r.records[key]; rec.Host == host {
			return rec.Clone(), true
		}
	}
	return Record{}, false
}

// Update applies fn to the stored record under the registry lock.
func (r *Registry) Update(key string, fn func(*Record)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[key]
	if !ok {
		return false
	}
	fn(rec)
	return true
}

// Snapshot returns copies of all records in registration order.
func (r *Registry) Snapshot() []Record {
	return r.Filter(func(*Record) bool { return true })
}

// Pending returns the devices that can still be identified over ONVIF.
func (r *Registry) Pending() []Record {
	return r.Filter(func(rec *Record) bool {
		return !rec.Identified && rec.HasEndpoint()
	})
}

// Identified returns the devices that completed identification.
func (r *Registry) Identified() []Record {
	return r.Filter(func(rec *Record) bool { return rec.Identified })
}

// Filter returns copies of the records accepted by keep, in registration order.
func (r *Registry) Filter(keep func(*Record) bool) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.order))
	for _, key := range r.order {
		rec := r.records[key]
		if keep(rec) {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Import replaces stored records with the given ones, keyed by Key.
func (r *Registry) Import(records []Record) int {
	n := 0
	for _, rec := range records {
		if rec.Key == "" {
			continue
		}
		r.Put(rec)
		n++
	}
	return n
}
