package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
)

// Registry maps provider names to adapters and keeps one default per channel.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	defaults map[domain.CommunicationType]string
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		defaults: make(map[domain.CommunicationType]string),
	}
}

// Register adds an adapter. The first adapter registered for a channel becomes
// its default until SetDefault says otherwise.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
	if _, ok := r.defaults[a.Channel()]; !ok {
		r.defaults[a.Channel()] = a.Name()
	}
}

func (r *Registry) SetDefault(channel domain.CommunicationType, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.adapters[name]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownProvider, name)
	}
	if a.Channel() != channel {
		return fmt.Errorf("provider %s serves %s, not %s", name, a.Channel(), channel)
	}
	r.defaults[channel] = name
	return nil
}

// Select returns the named adapter, or the channel default when name is empty.
func (r *Registry) Select(channel domain.CommunicationType, name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaults[channel]
	}
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: no %s provider %q", domain.ErrUnknownProvider, channel, name)
	}
	if a.Channel() != channel {
		return nil, fmt.Errorf("%w: provider %s does not serve %s", domain.ErrUnknownProvider, name, channel)
	}
	return a, nil
}

// Get looks an adapter up by name regardless of channel.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names lists registered adapters in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
