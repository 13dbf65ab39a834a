package device

import (
	"sort"
	"sync"
)

// Registry maps addresses to devices. Snapshots returned by its methods are
// copies; mutate through Update.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

// Replace swaps the whole device set for a fresh discovery result. Entries
// without an address are dropped; a repeated address keeps the last entry.
func (r *Registry) Replace(devices []Device) {
	next := make(map[string]*Device, len(devices))
	for _, d := range devices {
		if d.IP == "" {
			continue
		}
		c := d.Clone()
		next[d.IP] = &c
	}

	r.mu.Lock()
	r.devices = next
	r.mu.Unlock()
}

// Get returns a copy of the device at addr.
func (r *Registry) Get(addr string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[addr]
	if !ok {
		return Device{}, false
	}
	return d.Clone(), true
}

// Has reports whether addr is known.
func (r *Registry) Has(addr string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[addr]
	return ok
}

// List returns copies of all devices sorted by address.
func (r *Registry) List() []Device {
	r.mu.RLock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// Addresses returns all known addresses, sorted.
func (r *Registry) Addresses() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.devices))
	for addr := range r.devices {
		out = append(out, addr)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Update applies fn to the device at addr and returns the updated copy.
// It reports false, without calling fn, for an unknown address.
func (r *Registry) Update(addr string, fn func(*Device)) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[addr]
	if !ok {
		return Device{}, false
	}
	fn(d)
	return d.Clone(), true
}

// Len returns the number of known devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
