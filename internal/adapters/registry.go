package adapters

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the adapters available to the dispatcher
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]AdapterWithInfo
}

// DefaultRegistry is the process registry used by adapter packages at init
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]AdapterWithInfo)}
}

// Register adds an adapter under a bidder code
func (r *Registry) Register(bidderCode string, adapter Adapter, info BidderInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[bidderCode]; exists {
		return fmt.Errorf("adapter already registered: %s", bidderCode)
	}
	r.adapters[bidderCode] = AdapterWithInfo{Adapter: adapter, Info: info}
	return nil
}

// Get returns the adapter registered for a bidder code
func (r *Registry) Get(bidderCode string) (AdapterWithInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	awi, ok := r.adapters[bidderCode]
	return awi, ok
}

// GetAll returns a copy of every registered adapter
func (r *Registry) GetAll() map[string]AdapterWithInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make(map[string]AdapterWithInfo, len(r.adapters))
	for code, awi := range r.adapters {
		all[code] = awi
	}
	return all
}

// ListBidders returns every registered bidder code, sorted
func (r *Registry) ListBidders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bidders := make([]string, 0, len(r.adapters))
	for code := range r.adapters {
		bidders = append(bidders, code)
	}
	sort.Strings(bidders)
	return bidders
}

// ListEnabledBidders returns the enabled bidder codes, sorted
func (r *Registry) ListEnabledBidders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bidders := make([]string, 0, len(r.adapters))
	for code, awi := range r.adapters {
		if awi.Info.Enabled {
			bidders = append(bidders, code)
		}
	}
	sort.Strings(bidders)
	return bidders
}

// RegisterAdapter registers an adapter in the default registry
func RegisterAdapter(bidderCode string, adapter Adapter, info BidderInfo) error {
	return DefaultRegistry.Register(bidderCode, adapter, info)
}
