package discovery

import (
	"sync"

	"github.com/peerdrop/peerdrop/pkg/model"
)

// Registry is the node-local set of known peers, keyed by fingerprint.
// Insertion is last-write-wins; nothing is evicted within a run. It is safe
// for concurrent use; listener callbacks are invoked outside the lock.
type Registry struct {
	mu        sync.Mutex
	peers     map[string]*model.Device
	listeners []func(*model.Device)
}

// NewRegistry creates an empty peer registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*model.Device)}
}

// AddListener registers a callback invoked on every insert, including
// re-inserts of an already known fingerprint (callers may want to refresh
// freshness timestamps).
func (r *Registry) AddListener(fn func(*model.Device)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Insert adds or overwrites the peer record for device's fingerprint.
func (r *Registry) Insert(device *model.Device) {
	r.mu.Lock()
	r.peers[device.Fingerprint] = device
	listeners := make([]func(*model.Device), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(device)
	}
}

// Get returns the last-seen record for a fingerprint, or nil.
func (r *Registry) Get(fingerprint string) *model.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[fingerprint]
}

// List returns all known peers, in no particular order.
func (r *Registry) List() []*model.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*model.Device, 0, len(r.peers))
	for _, d := range r.peers {
		out = append(out, d)
	}
	return out
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
