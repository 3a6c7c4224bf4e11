package adapter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/marketcalls/feedmux/internal/config"
)

// Factory constructs a dialect for one configured broker account.
type Factory func(cfg config.BrokerConfig) (Dialect, error)

// The dialect registry. Key is the broker name (e.g., "flattrade"), value is
// the constructor function.
var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register is called by each dialect's init() function to add itself to the
// registry. Registering the same name twice panics: that is a programming
// error, not a runtime condition.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic("adapter: dialect already registered for name " + name)
	}
	registry[name] = factory
}

// NewDialect constructs the dialect registered under cfg.Name.
func NewDialect(cfg config.BrokerConfig) (Dialect, error) {
	registryMu.RLock()
	factory, exists := registry[cfg.Name]
	registryMu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("unknown broker %q (registered: %v)", cfg.Name, Brokers())
	}
	return factory(cfg)
}

// Brokers lists the registered dialect names in sorted order.
func Brokers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
