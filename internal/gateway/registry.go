package gateway

import (
	"sort"
	"sync"

	"github.com/tambula/esp-listener/internal/device"
)

// PortRegistry is the set of open ports. Handlers register the port they
// opened and deregister it on exit; everyone else only reads.
type PortRegistry struct {
	mu    sync.RWMutex
	ports map[string]device.Port
}

// NewPortRegistry creates an empty registry
func NewPortRegistry() *PortRegistry {
	return &PortRegistry{ports: make(map[string]device.Port)}
}

// Register records an open port
func (r *PortRegistry) Register(port device.Port) {
	r.mu.Lock()
	r.ports[port.Name()] = port
	r.mu.Unlock()
}

// Deregister removes port if it is still the registered handle for its name
func (r *PortRegistry) Deregister(port device.Port) {
	r.mu.Lock()
	if cur, ok := r.ports[port.Name()]; ok && cur == port {
		delete(r.ports, port.Name())
	}
	r.mu.Unlock()
}

// Port returns the open port registered under name
func (r *PortRegistry) Port(name string) (device.Port, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.ports[name]
	return p, ok
}

// Names returns the registered port names in order
func (r *PortRegistry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.ports))
	for name := range r.ports {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Len returns the number of open ports
func (r *PortRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ports)
}
